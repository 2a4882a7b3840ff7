package storage

import (
	"encoding/json"
	"fmt"

	"github.com/agentgate/agentgate/pkg/types"
	"github.com/gowebpki/jcs"
)

// encodeMetadata stores metadata in RFC 8785 canonical form so equal maps
// always produce equal column values.
func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize metadata: %w", err)
	}
	return canonical, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func encodeSpend(m map[string]float64) ([]byte, error) {
	if m == nil {
		m = map[string]float64{}
	}
	return json.Marshal(m)
}

func decodeSpend(raw []byte) (map[string]float64, error) {
	m := map[string]float64{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode total spend: %w", err)
	}
	if m == nil {
		m = map[string]float64{}
	}
	return m, nil
}

func encodeStrings(s []string) ([]byte, error) {
	if s == nil {
		s = []string{}
	}
	return json.Marshal(s)
}

func decodeStrings(raw []byte) ([]string, error) {
	s := []string{}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return s, nil
}

func encodePending(p *types.PendingRegistration) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func decodePending(raw []byte) (*types.PendingRegistration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p types.PendingRegistration
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode pending registration: %w", err)
	}
	return &p, nil
}

// nullable maps the empty string to SQL NULL so optional unique columns do
// not collide on "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
