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
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store using a local SQLite database. It is the
// default backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent users.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for related stores.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			external_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			name TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(tenant, channel, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_results TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
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
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, system)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_auths (
			state_token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			system TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_user_system ON pending_auths(user_id, system)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			user_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_id TEXT,
			conversation TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			blocked_call TEXT NOT NULL,
			queued_calls TEXT,
			results TEXT,
			system TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, tenant, externalID string, channel models.ChannelType, name string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant, external_id, channel, COALESCE(name, ''), created_at
		 FROM users WHERE tenant = ? AND channel = ? AND external_id = ?`,
		tenant, string(channel), externalID,
	).Scan(&u.ID, &u.Tenant, &u.ExternalID, &u.Channel, &u.Name, &u.CreatedAt)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	u = &models.User{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		ExternalID: externalID,
		Channel:    channel,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, tenant, external_id, channel, name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, channel, external_id) DO NOTHING`,
		u.ID, u.Tenant, u.ExternalID, string(u.Channel), u.Name, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	// Re-read in case a concurrent insert won the conflict.
	err = s.db.QueryRowContext(ctx,
		`SELECT id, tenant, external_id, channel, COALESCE(name, ''), created_at
		 FROM users WHERE tenant = ? AND channel = ? AND external_id = ?`,
		tenant, string(channel), externalID,
	).Scan(&u.ID, &u.Tenant, &u.ExternalID, &u.Channel, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read back user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, string(msg.Channel), msg.ChannelID, string(msg.Role),
		msg.Content, toolCalls, toolResults, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel, COALESCE(channel_id, ''), role, content, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
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
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) GetGrant(ctx context.Context, userID, system string) (*models.Grant, error) {
	g := &models.Grant{}
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, system, status, COALESCE(access_token, ''), COALESCE(refresh_token, ''),
		        COALESCE(token_type, ''), COALESCE(scope, ''), expires_at, created_at, updated_at
		 FROM grants WHERE user_id = ? AND system = ?`,
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

func (s *SQLiteStore) PutGrant(ctx context.Context, grant *models.Grant) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, system) DO UPDATE SET
			status = excluded.status,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		grant.ID, grant.UserID, grant.System, string(grant.Status), grant.AccessToken,
		grant.RefreshToken, grant.TokenType, grant.Scope, expiresAt, grant.CreatedAt, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutPendingAuth(ctx context.Context, pending *models.PendingAuth) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// Supersede any live pending record for the same (user, system).
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_auths WHERE user_id = ? AND system = ? AND consumed = 0`,
		pending.UserID, pending.System); err != nil {
		return fmt.Errorf("failed to supersede pending auth: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_auths (state_token, user_id, system, checkpoint_id, consumed, created_at, expires_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		pending.StateToken, pending.UserID, pending.System, pending.CheckpointID,
		pending.CreatedAt, pending.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store pending auth: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ConsumePendingAuth(ctx context.Context, stateToken string) (*models.PendingAuth, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	p := &models.PendingAuth{}
	var consumed int
	err = tx.QueryRowContext(ctx,
		`SELECT state_token, user_id, system, checkpoint_id, consumed, created_at, expires_at
		 FROM pending_auths WHERE state_token = ?`, stateToken,
	).Scan(&p.StateToken, &p.UserID, &p.System, &p.CheckpointID, &consumed, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending auth: %w", err)
	}
	if consumed != 0 {
		return nil, ErrConsumed
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_auths SET consumed = 1 WHERE state_token = ?`, stateToken); err != nil {
		return nil, fmt.Errorf("failed to consume pending auth: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.Consumed = true
	return p, nil
}

func (s *SQLiteStore) DeletePendingAuth(ctx context.Context, stateToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_auths WHERE state_token = ?`, stateToken)
	return err
}

func (s *SQLiteStore) ExpiredPendingAuths(ctx context.Context, now time.Time) ([]models.PendingAuth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_token, user_id, system, checkpoint_id, consumed, created_at, expires_at
		 FROM pending_auths WHERE consumed = 0 AND expires_at < ? ORDER BY created_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired pending auths: %w", err)
	}
	defer rows.Close()

	var out []models.PendingAuth
	for rows.Next() {
		var p models.PendingAuth
		var consumed int
		if err := rows.Scan(&p.StateToken, &p.UserID, &p.System, &p.CheckpointID,
			&consumed, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, err
		}
		p.Consumed = consumed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			id = excluded.id,
			channel = excluded.channel,
			channel_id = excluded.channel_id,
			conversation = excluded.conversation,
			iteration = excluded.iteration,
			blocked_call = excluded.blocked_call,
			queued_calls = excluded.queued_calls,
			results = excluded.results,
			system = excluded.system,
			created_at = excluded.created_at`,
		cp.UserID, cp.ID, string(cp.Channel), cp.ChannelID, string(conversation),
		cp.Iteration, string(blocked), queued, results, cp.System, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, userID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var conversation, blocked string
	var queued, results sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, id, channel, COALESCE(channel_id, ''), conversation, iteration, blocked_call, queued_calls, results, system, created_at
		 FROM checkpoints WHERE user_id = ?`, userID,
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

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) StaleCheckpoints(ctx context.Context, cutoff time.Time) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM checkpoints WHERE created_at < ? ORDER BY created_at`, cutoff)
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalNullable(v any) (any, error) {
	if isEmptyValue(v) {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode field: %w", err)
	}
	return string(data), nil
}

func unmarshalNullable[T any](col sql.NullString, dst *T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to decode field: %w", err)
	}
	return nil
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []models.ToolCall:
		return len(val) == 0
	case []models.ToolResult:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
