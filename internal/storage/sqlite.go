package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/types"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/atomic"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id                   TEXT PRIMARY KEY,
	public_key           TEXT NOT NULL UNIQUE,
	api_key_hash         TEXT UNIQUE,
	scopes_granted       TEXT NOT NULL DEFAULT '[]',
	rate_limit_requests  INTEGER NOT NULL DEFAULT 0,
	rate_limit_window_ms INTEGER NOT NULL DEFAULT 0,
	reputation           REAL NOT NULL,
	status               TEXT NOT NULL,
	metadata             TEXT NOT NULL DEFAULT '{}',
	payment_wallet       TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL,
	last_auth_at         INTEGER,
	total_requests       INTEGER NOT NULL DEFAULT 0,
	total_spend          TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS challenges (
	agent_id   TEXT PRIMARY KEY,
	nonce      TEXT NOT NULL,
	message    TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	pending    TEXT
);

CREATE INDEX IF NOT EXISTS idx_challenges_expires_at ON challenges (expires_at);
`

const sqliteAgentColumns = `id, public_key, api_key_hash, scopes_granted, rate_limit_requests, rate_limit_window_ms,
	reputation, status, metadata, payment_wallet, created_at, last_auth_at, total_requests, total_spend`

// SQLiteStore is a single-file Store backed by mattn/go-sqlite3.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	closed atomic.Bool
	once   sync.Once
}

// NewSQLite opens (creating if needed) the database at path and applies the
// schema. Write transactions take the database lock up front, so read-modify-
// write updates serialize instead of failing with SQLITE_BUSY mid-transaction.
func NewSQLite(path string, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (*types.Agent, error) {
	var (
		a                       types.Agent
		apiKeyHash              sql.NullString
		scopes, metadata, spend []byte
		windowMs, createdAt     int64
		lastAuthAt              sql.NullInt64
		status                  string
	)
	err := row.Scan(
		&a.ID, &a.PublicKey, &apiKeyHash, &scopes, &a.RateLimit.Requests, &windowMs,
		&a.Reputation, &status, &metadata, &a.PaymentWallet, &createdAt, &lastAuthAt,
		&a.TotalRequests, &spend,
	)
	if err != nil {
		return nil, err
	}

	a.APIKeyHash = apiKeyHash.String
	a.Status = types.AgentStatus(status)
	a.RateLimit.Window = time.Duration(windowMs) * time.Millisecond
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAuthAt.Valid {
		t := time.UnixMilli(lastAuthAt.Int64).UTC()
		a.LastAuthAt = &t
	}
	if a.ScopesGranted, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if a.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if a.TotalSpend, err = decodeSpend(spend); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) getAgentWhere(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, column, value string) (*types.Agent, error) {
	query := `SELECT ` + sqliteAgentColumns + ` FROM agents WHERE ` + column + ` = ?`
	agent, err := scanSQLiteAgent(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// CreateAgent implements Store.
func (s *SQLiteStore) CreateAgent(ctx context.Context, in types.CreateAgentInput) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	agent := newAgent(in, s.opts)

	scopes, err := encodeStrings(agent.ScopesGranted)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return nil, err
	}
	spend, err := encodeSpend(agent.TotalSpend)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO agents (` + sqliteAgentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?)`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID, agent.PublicKey, nullable(agent.APIKeyHash), string(scopes),
		agent.RateLimit.Requests, agent.RateLimit.Window.Milliseconds(),
		agent.Reputation, string(agent.Status), string(metadata), agent.PaymentWallet,
		agent.CreatedAt.UnixMilli(), string(spend),
	)
	if isSQLiteUniqueViolation(err) {
		return nil, ErrDuplicateAgent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent implements Store.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.getAgentWhere(ctx, s.db, "id", id)
}

// GetAgentByPublicKey implements Store.
func (s *SQLiteStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.getAgentWhere(ctx, s.db, "public_key", publicKey)
}

// GetAgentByAPIKeyHash implements Store.
func (s *SQLiteStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, nil
	}
	return s.getAgentWhere(ctx, s.db, "api_key_hash", hash)
}

// UpdateAgent implements Store. The read and write share one immediate
// transaction.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, update types.AgentUpdate) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agent, err := s.getAgentWhere(ctx, tx, "id", id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	update.Apply(agent)

	scopes, err := encodeStrings(agent.ScopesGranted)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return nil, err
	}
	spend, err := encodeSpend(agent.TotalSpend)
	if err != nil {
		return nil, err
	}
	var lastAuthAt any
	if agent.LastAuthAt != nil {
		lastAuthAt = agent.LastAuthAt.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET
			scopes_granted = ?, rate_limit_requests = ?, rate_limit_window_ms = ?,
			reputation = ?, status = ?, metadata = ?, last_auth_at = ?,
			total_requests = ?, total_spend = ?
		WHERE id = ?`,
		string(scopes), agent.RateLimit.Requests, agent.RateLimit.Window.Milliseconds(),
		agent.Reputation, string(agent.Status), string(metadata), lastAuthAt,
		agent.TotalRequests, string(spend), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit agent update: %w", err)
	}
	return agent, nil
}

// DeleteAgent implements Store.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE agent_id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to delete challenge: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit agent delete: %w", err)
	}
	return n > 0, nil
}

// CreateChallenge implements Store.
func (s *SQLiteStore) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	pending, err := encodePending(c.Pending)
	if err != nil {
		return err
	}
	var pendingCol any
	if pending != nil {
		pendingCol = string(pending)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO challenges (agent_id, nonce, message, expires_at, created_at, attempts, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			nonce = excluded.nonce, message = excluded.message, expires_at = excluded.expires_at,
			created_at = excluded.created_at, attempts = excluded.attempts, pending = excluded.pending`,
		c.AgentID, c.Nonce, c.Message, c.ExpiresAt.UnixMilli(), c.CreatedAt.UnixMilli(), c.Attempts, pendingCol,
	)
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// GetChallenge implements Store.
func (s *SQLiteStore) GetChallenge(ctx context.Context, agentID string) (*types.Challenge, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var (
		c                    types.Challenge
		expiresAt, createdAt int64
		pending              sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, nonce, message, expires_at, created_at, attempts, pending
		FROM challenges WHERE agent_id = ?`, agentID,
	).Scan(&c.AgentID, &c.Nonce, &c.Message, &expiresAt, &createdAt, &c.Attempts, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	c.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	if pending.Valid {
		if c.Pending, err = decodePending([]byte(pending.String)); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// DeleteChallenge implements Store.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, agentID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// CleanExpiredChallenges implements Store.
func (s *SQLiteStore) CleanExpiredChallenges(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < ?`, s.opts.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean challenges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.db.Close()
	})
	return err
}

var _ Store = (*SQLiteStore)(nil)
