package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/atomic"
)

// DBTX is an interface that both pgxpool.Pool and pgx.Tx implement
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const pgUniqueViolation = "23505"

const pgAgentColumns = `id, public_key, api_key_hash, scopes_granted, rate_limit_requests, rate_limit_window_ms,
	reputation, status, metadata, payment_wallet, created_at, last_auth_at, total_requests, total_spend`

// PostgresStore is the shared, multi-instance Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   Options
	closed atomic.Bool
	once   sync.Once
}

// NewPostgres connects to dsn. The schema is managed by Migrate.
func NewPostgres(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// Set pool configuration
	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, opts: opts.withDefaults()}, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanPgAgent(row pgx.Row) (*types.Agent, error) {
	var (
		a               types.Agent
		apiKeyHash      *string
		metadata, spend []byte
		windowMs        int64
		status          string
	)
	err := row.Scan(
		&a.ID, &a.PublicKey, &apiKeyHash, &a.ScopesGranted, &a.RateLimit.Requests, &windowMs,
		&a.Reputation, &status, &metadata, &a.PaymentWallet, &a.CreatedAt, &a.LastAuthAt,
		&a.TotalRequests, &spend,
	)
	if err != nil {
		return nil, err
	}

	if apiKeyHash != nil {
		a.APIKeyHash = *apiKeyHash
	}
	if a.ScopesGranted == nil {
		a.ScopesGranted = []string{}
	}
	a.Status = types.AgentStatus(status)
	a.RateLimit.Window = time.Duration(windowMs) * time.Millisecond
	a.CreatedAt = a.CreatedAt.UTC()
	if a.LastAuthAt != nil {
		t := a.LastAuthAt.UTC()
		a.LastAuthAt = &t
	}
	if a.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if a.TotalSpend, err = decodeSpend(spend); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) getAgentWhere(ctx context.Context, db DBTX, column, value, suffix string) (*types.Agent, error) {
	query := `SELECT ` + pgAgentColumns + ` FROM agents WHERE ` + column + ` = $1` + suffix
	agent, err := scanPgAgent(db.QueryRow(ctx, query, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// CreateAgent implements Store.
func (s *PostgresStore) CreateAgent(ctx context.Context, in types.CreateAgentInput) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	agent := newAgent(in, s.opts)

	metadata, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return nil, err
	}
	spend, err := encodeSpend(agent.TotalSpend)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO agents (` + pgAgentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, 0, $12)`
	_, err = s.pool.Exec(ctx, query,
		agent.ID, agent.PublicKey, nullable(agent.APIKeyHash), agent.ScopesGranted,
		agent.RateLimit.Requests, agent.RateLimit.Window.Milliseconds(),
		agent.Reputation, string(agent.Status), string(metadata), agent.PaymentWallet,
		agent.CreatedAt, string(spend),
	)
	if isPgUniqueViolation(err) {
		return nil, ErrDuplicateAgent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent implements Store.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.getAgentWhere(ctx, s.pool, "id", id, "")
}

// GetAgentByPublicKey implements Store.
func (s *PostgresStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.getAgentWhere(ctx, s.pool, "public_key", publicKey, "")
}

// GetAgentByAPIKeyHash implements Store.
func (s *PostgresStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, nil
	}
	return s.getAgentWhere(ctx, s.pool, "api_key_hash", hash, "")
}

// UpdateAgent implements Store. The row is locked for the duration of the
// read-modify-write.
func (s *PostgresStore) UpdateAgent(ctx context.Context, id string, update types.AgentUpdate) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	agent, err := s.getAgentWhere(ctx, tx, "id", id, " FOR UPDATE")
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	update.Apply(agent)

	metadata, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return nil, err
	}
	spend, err := encodeSpend(agent.TotalSpend)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE agents SET
			scopes_granted = $1, rate_limit_requests = $2, rate_limit_window_ms = $3,
			reputation = $4, status = $5, metadata = $6, last_auth_at = $7,
			total_requests = $8, total_spend = $9
		WHERE id = $10`,
		agent.ScopesGranted, agent.RateLimit.Requests, agent.RateLimit.Window.Milliseconds(),
		agent.Reputation, string(agent.Status), string(metadata), agent.LastAuthAt,
		agent.TotalRequests, string(spend), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit agent update: %w", err)
	}
	return agent, nil
}

// DeleteAgent implements Store.
func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM challenges WHERE agent_id = $1`, id); err != nil {
		return false, fmt.Errorf("failed to delete challenge: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete agent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit agent delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateChallenge implements Store.
func (s *PostgresStore) CreateChallenge(ctx context.Context, c *types.Challenge) error {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO challenges (agent_id, nonce, message, expires_at, created_at, attempts, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			nonce = EXCLUDED.nonce, message = EXCLUDED.message, expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at, attempts = EXCLUDED.attempts, pending = EXCLUDED.pending`,
		c.AgentID, c.Nonce, c.Message, c.ExpiresAt, c.CreatedAt, c.Attempts, pendingCol,
	)
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// GetChallenge implements Store.
func (s *PostgresStore) GetChallenge(ctx context.Context, agentID string) (*types.Challenge, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var (
		c       types.Challenge
		pending []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, nonce, message, expires_at, created_at, attempts, pending
		FROM challenges WHERE agent_id = $1`, agentID,
	).Scan(&c.AgentID, &c.Nonce, &c.Message, &c.ExpiresAt, &c.CreatedAt, &c.Attempts, &pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	if c.Pending, err = decodePending(pending); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChallenge implements Store.
func (s *PostgresStore) DeleteChallenge(ctx context.Context, agentID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// CleanExpiredChallenges implements Store.
func (s *PostgresStore) CleanExpiredChallenges(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE expires_at < $1`, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean challenges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.pool.Close()
	})
	return nil
}

var _ Store = (*PostgresStore)(nil)
