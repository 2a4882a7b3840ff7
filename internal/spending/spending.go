// Package spending accounts agent spend into calendar periods and enforces
// soft and hard caps.
package spending

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Period is a calendar bucket in UTC.
type Period string

// Supported periods
const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Start returns the beginning of the period containing t.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // weeks start on Monday
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// CapType decides whether exceeding a cap blocks.
type CapType string

// Cap types
const (
	CapSoft CapType = "soft"
	CapHard CapType = "hard"
)

// Cap is a spending limit over one period in one currency.
type Cap struct {
	Amount   float64 `yaml:"amount" json:"amount"`
	Currency string  `yaml:"currency" json:"currency"`
	Period   Period  `yaml:"period" json:"period"`
	Type     CapType `yaml:"type" json:"type"`
}

func (c Cap) normalize() (Cap, error) {
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Type == "" {
		c.Type = CapHard
	}
	if c.Amount <= 0 || math.IsInf(c.Amount, 0) || math.IsNaN(c.Amount) {
		return c, fmt.Errorf("cap amount must be a positive number, got %v", c.Amount)
	}
	if c.Currency == "" {
		return c, fmt.Errorf("cap currency is required")
	}
	if !c.Period.Valid() {
		return c, fmt.Errorf("unknown cap period %q", c.Period)
	}
	if c.Type != CapSoft && c.Type != CapHard {
		return c, fmt.Errorf("unknown cap type %q", c.Type)
	}
	return c, nil
}

// NormalizeCaps validates caps and returns them with defaults applied.
func NormalizeCaps(caps []Cap) ([]Cap, error) {
	out := make([]Cap, 0, len(caps))
	for i, c := range caps {
		n, err := c.normalize()
		if err != nil {
			return nil, fmt.Errorf("cap %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// DefaultWarningThreshold is the usage fraction at which warnings start.
const DefaultWarningThreshold = 0.8

// Config configures a Tracker.
type Config struct {
	Enabled          bool             `yaml:"enabled"`
	Caps             []Cap            `yaml:"caps"`
	AgentCaps        map[string][]Cap `yaml:"agentCaps"`
	WarningThreshold float64          `yaml:"warningThreshold"`
}

// Record is an agent's running total for one period and currency.
type Record struct {
	AgentID     string    `json:"agentId"`
	Period      Period    `json:"period"`
	Currency    string    `json:"currency"`
	PeriodStart time.Time `json:"periodStart"`
	Amount      float64   `json:"amount"`
}

// CheckResult describes the cap that binds a prospective spend. Without an
// applicable cap CapAmount and Remaining are +Inf.
type CheckResult struct {
	Allowed      bool
	CapType      CapType
	CapAmount    float64
	Period       Period
	Currency     string
	CurrentSpend float64
	Remaining    float64
	UsagePercent float64
	Warning      bool
}

type recordKey struct {
	period   Period
	currency string
	start    time.Time
}

type ledger struct {
	mu      sync.Mutex
	records map[recordKey]float64
}

// Tracker holds spend in memory. Each agent's ledger has its own lock.
type Tracker struct {
	enabled   bool
	threshold float64
	now       func() time.Time

	capsMu    sync.RWMutex
	defaults  []Cap
	agentCaps map[string][]Cap

	ledgers sync.Map // agent id -> *ledger
}

// NewTracker validates cfg and creates a Tracker. now may be nil.
func NewTracker(cfg Config, now func() time.Time) (*Tracker, error) {
	if now == nil {
		now = time.Now
	}
	threshold := cfg.WarningThreshold
	if threshold == 0 {
		threshold = DefaultWarningThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("spending: warning threshold %v outside (0, 1]", threshold)
	}

	defaults, err := NormalizeCaps(cfg.Caps)
	if err != nil {
		return nil, fmt.Errorf("spending: %w", err)
	}
	agentCaps := make(map[string][]Cap, len(cfg.AgentCaps))
	for agentID, caps := range cfg.AgentCaps {
		normalized, err := NormalizeCaps(caps)
		if err != nil {
			return nil, fmt.Errorf("spending: agent %s: %w", agentID, err)
		}
		agentCaps[agentID] = normalized
	}

	return &Tracker{
		enabled:   cfg.Enabled,
		threshold: threshold,
		now:       now,
		defaults:  defaults,
		agentCaps: agentCaps,
	}, nil
}

// Enabled reports whether spend is tracked at all.
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// CapsFor returns the caps applying to agentID: its override set when one
// exists, otherwise the defaults.
func (t *Tracker) CapsFor(agentID string) []Cap {
	t.capsMu.RLock()
	defer t.capsMu.RUnlock()
	if caps, ok := t.agentCaps[agentID]; ok {
		return append([]Cap(nil), caps...)
	}
	return append([]Cap(nil), t.defaults...)
}

// SetAgentCaps replaces the default cap set for agentID.
func (t *Tracker) SetAgentCaps(agentID string, caps []Cap) error {
	normalized, err := NormalizeCaps(caps)
	if err != nil {
		return err
	}
	t.capsMu.Lock()
	defer t.capsMu.Unlock()
	t.agentCaps[agentID] = normalized
	return nil
}

// RemoveAgentCaps reverts agentID to the default caps.
func (t *Tracker) RemoveAgentCaps(agentID string) {
	t.capsMu.Lock()
	defer t.capsMu.Unlock()
	delete(t.agentCaps, agentID)
}

func (t *Tracker) ledger(agentID string) *ledger {
	v, _ := t.ledgers.LoadOrStore(agentID, &ledger{records: make(map[recordKey]float64)})
	return v.(*ledger)
}

func (t *Tracker) applicable(agentID, currency string) []Cap {
	var out []Cap
	for _, c := range t.CapsFor(agentID) {
		if c.Currency == currency {
			out = append(out, c)
		}
	}
	return out
}

// RecordSpend adds amount to every period tracked by agentID's caps in
// currency and returns the updated records.
func (t *Tracker) RecordSpend(agentID string, amount float64, currency string) []Record {
	if !t.enabled || amount <= 0 {
		return nil
	}
	currency = strings.ToUpper(currency)
	caps := t.applicable(agentID, currency)
	if len(caps) == 0 {
		return nil
	}

	l := t.ledger(agentID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return t.recordLocked(l, agentID, caps, amount, currency, t.now())
}

func (t *Tracker) recordLocked(l *ledger, agentID string, caps []Cap, amount float64, currency string, now time.Time) []Record {
	var updated []Record
	seen := make(map[Period]bool, len(caps))
	for _, c := range caps {
		if seen[c.Period] {
			continue
		}
		seen[c.Period] = true

		key := recordKey{period: c.Period, currency: currency, start: c.Period.Start(now)}
		l.records[key] += amount
		updated = append(updated, Record{
			AgentID:     agentID,
			Period:      key.period,
			Currency:    currency,
			PeriodStart: key.start,
			Amount:      l.records[key],
		})
	}
	return updated
}

func unlimited() CheckResult {
	return CheckResult{Allowed: true, CapAmount: math.Inf(1), Remaining: math.Inf(1)}
}

// CheckCap reports whether spending amount more is allowed. Only the
// prospective total decides Allowed; CurrentSpend, Remaining and
// UsagePercent describe the spend already recorded.
func (t *Tracker) CheckCap(agentID string, amount float64, currency string) CheckResult {
	if !t.enabled {
		return unlimited()
	}
	currency = strings.ToUpper(currency)
	caps := t.applicable(agentID, currency)
	if len(caps) == 0 {
		return unlimited()
	}

	v, ok := t.ledgers.Load(agentID)
	if !ok {
		return t.evaluate(nil, caps, amount, currency, t.now())
	}
	l := v.(*ledger)
	l.mu.Lock()
	defer l.mu.Unlock()
	return t.evaluate(l.records, caps, amount, currency, t.now())
}

// Charge checks amount against agentID's caps and records it when allowed,
// under one lock, so concurrent charges cannot overrun a hard cap together.
func (t *Tracker) Charge(agentID string, amount float64, currency string) (CheckResult, []Record) {
	if !t.enabled || amount <= 0 {
		return unlimited(), nil
	}
	currency = strings.ToUpper(currency)
	caps := t.applicable(agentID, currency)
	if len(caps) == 0 {
		return unlimited(), nil
	}

	now := t.now()
	l := t.ledger(agentID)
	l.mu.Lock()
	defer l.mu.Unlock()

	result := t.evaluate(l.records, caps, amount, currency, now)
	if !result.Allowed {
		return result, nil
	}
	return result, t.recordLocked(l, agentID, caps, amount, currency, now)
}

// Refund reverses a Charge whose request did not complete. charged are the
// records Charge returned; buckets that drop to zero are removed.
func (t *Tracker) Refund(agentID string, amount float64, charged []Record) {
	if amount <= 0 || len(charged) == 0 {
		return
	}
	v, ok := t.ledgers.Load(agentID)
	if !ok {
		return
	}
	l := v.(*ledger)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range charged {
		key := recordKey{period: r.Period, currency: r.Currency, start: r.PeriodStart}
		remaining, ok := l.records[key]
		if !ok {
			continue
		}
		if remaining -= amount; remaining <= 1e-9 {
			delete(l.records, key)
		} else {
			l.records[key] = remaining
		}
	}
}

// evaluate picks the binding cap: a blocking cap always wins, otherwise the
// one the spend would fill the most. Warning is set if any cap warns.
func (t *Tracker) evaluate(records map[recordKey]float64, caps []Cap, amount float64, currency string, now time.Time) CheckResult {
	var (
		best      CheckResult
		bestRatio float64
		warning   bool
	)
	for i, c := range caps {
		current := records[recordKey{period: c.Period, currency: currency, start: c.Period.Start(now)}]
		prospective := current + amount
		exceeds := prospective > c.Amount
		r := CheckResult{
			Allowed:      !(exceeds && c.Type == CapHard),
			CapType:      c.Type,
			CapAmount:    c.Amount,
			Period:       c.Period,
			Currency:     currency,
			CurrentSpend: current,
			Remaining:    math.Max(0, c.Amount-current),
			UsagePercent: current / c.Amount * 100,
		}
		if exceeds || current/c.Amount >= t.threshold {
			warning = true
		}

		ratio := prospective / c.Amount
		switch {
		case i == 0:
		case r.Allowed && !best.Allowed:
			continue
		case !r.Allowed && best.Allowed:
		case ratio <= bestRatio:
			continue
		}
		best, bestRatio = r, ratio
	}
	best.Warning = warning
	return best
}

// ResetSpending clears agentID's records for period, or all of them when
// period is empty.
func (t *Tracker) ResetSpending(agentID string, period Period) {
	v, ok := t.ledgers.Load(agentID)
	if !ok {
		return
	}
	l := v.(*ledger)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.records {
		if period == "" || key.period == period {
			delete(l.records, key)
		}
	}
}

// Report returns agentID's records for the current periods, sorted by
// period then currency.
func (t *Tracker) Report(agentID string) []Record {
	v, ok := t.ledgers.Load(agentID)
	if !ok {
		return []Record{}
	}
	now := t.now()
	l := v.(*ledger)
	l.mu.Lock()
	records := make([]Record, 0, len(l.records))
	for key, amount := range l.records {
		if !key.start.Equal(key.period.Start(now)) {
			continue
		}
		records = append(records, Record{
			AgentID:     agentID,
			Period:      key.period,
			Currency:    key.currency,
			PeriodStart: key.start,
			Amount:      amount,
		})
	}
	l.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Period != records[j].Period {
			return periodOrder(records[i].Period) < periodOrder(records[j].Period)
		}
		return records[i].Currency < records[j].Currency
	})
	return records
}

func periodOrder(p Period) int {
	switch p {
	case PeriodHourly:
		return 0
	case PeriodDaily:
		return 1
	case PeriodWeekly:
		return 2
	default:
		return 3
	}
}

// Prune drops records from periods that have rolled over and returns how
// many were removed.
func (t *Tracker) Prune() int {
	now := t.now()
	removed := 0
	t.ledgers.Range(func(key, value any) bool {
		l := value.(*ledger)
		l.mu.Lock()
		for k := range l.records {
			if !k.start.Equal(k.period.Start(now)) {
				delete(l.records, k)
				removed++
			}
		}
		l.mu.Unlock()
		return true
	})
	return removed
}
