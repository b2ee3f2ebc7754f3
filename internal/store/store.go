// Package store defines the durable context-store contract shared by the
// loop controller, authorization broker, and session manager, plus its
// SQLite, Postgres, and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jettison-io/parley/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConsumed is returned when a pending authorization state token has
	// already been used. Distinguished from ErrNotFound for observability.
	ErrConsumed = errors.New("store: state token already consumed")
)

// Store is the durable context store. Records for one user are only ever
// mutated by the component currently holding that user's exclusivity scope,
// so implementations need atomicity per call, not cross-call transactions.
type Store interface {
	// GetOrCreateUser resolves a tenant-scoped external identity, creating
	// the user on first contact.
	GetOrCreateUser(ctx context.Context, tenant, externalID string, channel models.ChannelType, name string) (*models.User, error)

	// AppendMessage appends one message to the user's conversation log.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// GetHistory returns the most recent messages for a user in
	// chronological order, bounded by limit.
	GetHistory(ctx context.Context, userID string, limit int) ([]models.Message, error)

	// GetGrant returns the grant for (user, system) or ErrNotFound.
	GetGrant(ctx context.Context, userID, system string) (*models.Grant, error)

	// PutGrant atomically replaces any existing grant for (user, system),
	// upholding the at-most-one-grant invariant.
	PutGrant(ctx context.Context, grant *models.Grant) error

	// PutPendingAuth atomically replaces any live pending authorization for
	// the same (user, system); a second attempt supersedes the first.
	PutPendingAuth(ctx context.Context, pending *models.PendingAuth) error

	// ConsumePendingAuth marks the state token consumed and returns the
	// record. Returns ErrNotFound for unknown tokens and ErrConsumed for
	// tokens already used; both leave the store unchanged.
	ConsumePendingAuth(ctx context.Context, stateToken string) (*models.PendingAuth, error)

	// DeletePendingAuth removes a pending authorization by token.
	DeletePendingAuth(ctx context.Context, stateToken string) error

	// ExpiredPendingAuths lists unconsumed pending records past expiry.
	ExpiredPendingAuths(ctx context.Context, now time.Time) ([]models.PendingAuth, error)

	// PutCheckpoint atomically replaces the user's checkpoint, upholding
	// the at-most-one-checkpoint invariant.
	PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error

	// GetCheckpoint returns the user's live checkpoint or ErrNotFound.
	GetCheckpoint(ctx context.Context, userID string) (*models.Checkpoint, error)

	// DeleteCheckpoint removes the user's checkpoint if present.
	DeleteCheckpoint(ctx context.Context, userID string) error

	// StaleCheckpoints lists checkpoints created before the cutoff.
	StaleCheckpoints(ctx context.Context, cutoff time.Time) ([]models.Checkpoint, error)

	// Ping verifies connectivity to the backing engine.
	Ping(ctx context.Context) error

	Close() error
}
