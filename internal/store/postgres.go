package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jettison-io/parley/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL for multi-node
// deployments where the resuming callback may arrive in a different
// process than the one that suspended the turn.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// NewPostgresStore connects with the given DSN and applies the schema.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &PostgresStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for related stores.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			external_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			name TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(tenant, channel, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_results JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS grants (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			system TEXT NOT NULL,
			status TEXT NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			token_type TEXT,
			scope TEXT,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(user_id, system)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_auths (
			state_token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			system TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_user_system ON pending_auths(user_id, system)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			user_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_id TEXT,
			conversation JSONB NOT NULL,
			iteration INT NOT NULL,
			blocked_call JSONB NOT NULL,
			queued_calls JSONB,
			results JSONB,
			system TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, tenant, externalID string, channel models.ChannelType, name string) (*models.User, error) {
	u := &models.User{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		ExternalID: externalID,
		Channel:    channel,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, tenant, external_id, channel, name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant, channel, external_id) DO NOTHING`,
		u.ID, u.Tenant, u.ExternalID, string(u.Channel), u.Name, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id, tenant, external_id, channel, COALESCE(name, ''), created_at
		 FROM users WHERE tenant = $1 AND channel = $2 AND external_id = $3`,
		tenant, string(channel), externalID,
	).Scan(&u.ID, &u.Tenant, &u.ExternalID, &u.Channel, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read back user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	toolCalls, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := marshalNullable(msg.ToolResults)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, channel, channel_id, role, content, tool_calls, tool_results, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.UserID, string(msg.Channel), msg.ChannelID, string(msg.Role),
		msg.Content, toolCalls, toolResults, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel, COALESCE(channel_id, ''), role, content, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var toolCalls, toolResults, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Channel, &m.ChannelID, &m.Role,
			&m.Content, &toolCalls, &toolResults, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := unmarshalNullable(toolCalls, &m.ToolCalls); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(toolResults, &m.ToolResults); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, userID, system string) (*models.Grant, error) {
	g := &models.Grant{}
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, system, status, COALESCE(access_token, ''), COALESCE(refresh_token, ''),
		        COALESCE(token_type, ''), COALESCE(scope, ''), expires_at, created_at, updated_at
		 FROM grants WHERE user_id = $1 AND system = $2`,
		userID, system,
	).Scan(&g.ID, &g.UserID, &g.System, &g.Status, &g.AccessToken, &g.RefreshToken,
		&g.TokenType, &g.Scope, &expiresAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query grant: %w", err)
	}
	if expiresAt.Valid {
		g.ExpiresAt = expiresAt.Time
	}
	return g, nil
}

func (s *PostgresStore) PutGrant(ctx context.Context, grant *models.Grant) error {
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now
	var expiresAt any
	if !grant.ExpiresAt.IsZero() {
		expiresAt = grant.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (id, user_id, system, status, access_token, refresh_token, token_type, scope, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, system) DO UPDATE SET
			status = EXCLUDED.status,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		grant.ID, grant.UserID, grant.System, string(grant.Status), grant.AccessToken,
		grant.RefreshToken, grant.TokenType, grant.Scope, expiresAt, grant.CreatedAt, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutPendingAuth(ctx context.Context, pending *models.PendingAuth) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_auths WHERE user_id = $1 AND system = $2 AND consumed = FALSE`,
		pending.UserID, pending.System); err != nil {
		return fmt.Errorf("failed to supersede pending auth: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_auths (state_token, user_id, system, checkpoint_id, consumed, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6)`,
		pending.StateToken, pending.UserID, pending.System, pending.CheckpointID,
		pending.CreatedAt, pending.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store pending auth: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ConsumePendingAuth(ctx context.Context, stateToken string) (*models.PendingAuth, error) {
	p := &models.PendingAuth{}
	// Single-statement consume keeps the single-use guarantee atomic even
	// across processes.
	err := s.db.QueryRowContext(ctx,
		`UPDATE pending_auths SET consumed = TRUE
		 WHERE state_token = $1 AND consumed = FALSE
		 RETURNING state_token, user_id, system, checkpoint_id, created_at, expires_at`,
		stateToken,
	).Scan(&p.StateToken, &p.UserID, &p.System, &p.CheckpointID, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM pending_auths WHERE state_token = $1)`,
			stateToken).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to query pending auth: %w", err)
		}
		if exists {
			return nil, ErrConsumed
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending auth: %w", err)
	}
	p.Consumed = true
	return p, nil
}

func (s *PostgresStore) DeletePendingAuth(ctx context.Context, stateToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_auths WHERE state_token = $1`, stateToken)
	return err
}

func (s *PostgresStore) ExpiredPendingAuths(ctx context.Context, now time.Time) ([]models.PendingAuth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_token, user_id, system, checkpoint_id, consumed, created_at, expires_at
		 FROM pending_auths WHERE consumed = FALSE AND expires_at < $1 ORDER BY created_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired pending auths: %w", err)
	}
	defer rows.Close()

	var out []models.PendingAuth
	for rows.Next() {
		var p models.PendingAuth
		if err := rows.Scan(&p.StateToken, &p.UserID, &p.System, &p.CheckpointID,
			&p.Consumed, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	conversation, err := json.Marshal(cp.Conversation)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	blocked, err := json.Marshal(cp.BlockedCall)
	if err != nil {
		return fmt.Errorf("failed to encode blocked call: %w", err)
	}
	queued, err := marshalNullable(cp.QueuedCalls)
	if err != nil {
		return err
	}
	results, err := marshalNullable(cp.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (user_id, id, channel, channel_id, conversation, iteration, blocked_call, queued_calls, results, system, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id) DO UPDATE SET
			id = EXCLUDED.id,
			channel = EXCLUDED.channel,
			channel_id = EXCLUDED.channel_id,
			conversation = EXCLUDED.conversation,
			iteration = EXCLUDED.iteration,
			blocked_call = EXCLUDED.blocked_call,
			queued_calls = EXCLUDED.queued_calls,
			results = EXCLUDED.results,
			system = EXCLUDED.system,
			created_at = EXCLUDED.created_at`,
		cp.UserID, cp.ID, string(cp.Channel), cp.ChannelID, string(conversation),
		cp.Iteration, string(blocked), queued, results, cp.System, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, userID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var conversation, blocked string
	var queued, results sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, id, channel, COALESCE(channel_id, ''), conversation, iteration, blocked_call, queued_calls, results, system, created_at
		 FROM checkpoints WHERE user_id = $1`, userID,
	).Scan(&cp.UserID, &cp.ID, &cp.Channel, &cp.ChannelID, &conversation,
		&cp.Iteration, &blocked, &queued, &results, &cp.System, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(conversation), &cp.Conversation); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &cp.BlockedCall); err != nil {
		return nil, fmt.Errorf("failed to decode blocked call: %w", err)
	}
	if err := unmarshalNullable(queued, &cp.QueuedCalls); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(results, &cp.Results); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE user_id = $1`, userID)
	return err
}

func (s *PostgresStore) StaleCheckpoints(ctx context.Context, cutoff time.Time) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM checkpoints WHERE created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []models.Checkpoint
	for _, id := range ids {
		cp, err := s.GetCheckpoint(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
