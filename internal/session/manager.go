// Package session dispatches inbound messages to the conversation loop,
// enforces one active step per user, resumes suspended turns when
// authorizations settle, and reaps turns whose authorization wait ran out.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jettison-io/parley/internal/alert"
	"github.com/jettison-io/parley/internal/authbroker"
	"github.com/jettison-io/parley/internal/channels"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/loop"
	"github.com/jettison-io/parley/internal/metrics"
	"github.com/jettison-io/parley/internal/store"
	"github.com/jettison-io/parley/pkg/models"
)

// stillProcessing is sent when a message arrives while a step for the
// same user is already running.
const stillProcessing = "I'm still working on your previous message, give me a moment."

// Manager owns the adapters and routes every inbound message and
// authorization outcome through the loop controller under the user's lock.
type Manager struct {
	store    store.Store
	loop     *loop.Controller
	broker   *authbroker.Broker
	cfg      *config.Config
	metrics  *metrics.Metrics
	alerts   *alert.Notifier
	logger   *slog.Logger
	locks    *userLocks
	cron     *cron.Cron
	adapters map[models.ChannelType]channels.Adapter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a session manager.
func New(st store.Store, lc *loop.Controller, broker *authbroker.Broker, cfg *config.Config, m *metrics.Metrics, alerts *alert.Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		store:    st,
		loop:     lc,
		broker:   broker,
		cfg:      cfg,
		metrics:  m,
		alerts:   alerts,
		logger:   logger,
		locks:    newUserLocks(),
		adapters: make(map[models.ChannelType]channels.Adapter),
		now:      time.Now,
	}
}

// Register adds a channel adapter. Must be called before Start.
func (m *Manager) Register(adapter channels.Adapter) {
	m.adapters[adapter.Type()] = adapter
}

// Start launches the adapters, their consumers, and the reaper.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancel = context.WithCancel(ctx)

	for _, adapter := range m.adapters {
		if err := adapter.Start(m.baseCtx); err != nil {
			return err
		}
		m.wg.Add(1)
		go m.consume(adapter)
	}

	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := m.cron.AddFunc("@every 1m", func() { m.reap(m.baseCtx) }); err != nil {
		return err
	}
	m.cron.Start()

	m.logger.Info("session manager started", "adapters", len(m.adapters))
	return nil
}

// Stop shuts down adapters and waits for in-flight steps.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	for _, adapter := range m.adapters {
		if err := adapter.Stop(); err != nil {
			m.logger.Error("adapter stop failed", "channel", adapter.Type(), "error", err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("session manager stopped")
}

func (m *Manager) consume(adapter channels.Adapter) {
	defer m.wg.Done()
	for inbound := range adapter.Messages() {
		inbound := inbound
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.HandleInbound(m.baseCtx, adapter, inbound)
		}()
	}
}

// HandleInbound runs one turn for an inbound message. Messages for a user
// whose step is still running get a notice instead of queueing.
func (m *Manager) HandleInbound(ctx context.Context, adapter channels.Adapter, inbound channels.Inbound) {
	user, err := m.store.GetOrCreateUser(ctx, adapter.Tenant(), inbound.ExternalID, adapter.Type(), inbound.Name)
	if err != nil {
		m.logger.Error("failed to resolve user",
			"channel", adapter.Type(), "external_id", inbound.ExternalID, "error", err)
		return
	}

	if !m.locks.TryAcquire(user.ID) {
		m.send(ctx, adapter, inbound.ChannelID, models.Reply{Content: stillProcessing})
		return
	}
	defer m.locks.Release(user.ID)

	// A parked turn is still this user's active step. Running a fresh turn
	// here could suspend and overwrite the parked checkpoint, losing it
	// without the abandon notice.
	if _, err := m.store.GetCheckpoint(ctx, user.ID); err == nil {
		m.send(ctx, adapter, inbound.ChannelID, models.Reply{Content: stillProcessing})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("failed to check for a parked turn", "user_id", user.ID, "error", err)
		m.send(ctx, adapter, inbound.ChannelID, models.Reply{Content: m.cfg.Loop.ApologyMessage})
		return
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Channel:   adapter.Type(),
		ChannelID: inbound.ChannelID,
		Role:      models.RoleUser,
		Content:   inbound.Text,
		CreatedAt: m.now(),
	}

	reply, err := m.loop.Advance(ctx, user, msg)
	if err != nil {
		m.logger.Error("turn failed", "user_id", user.ID, "error", err, "admin", true)
		m.alerts.Raise(ctx, "turn_failure", "conversation turn failed", map[string]any{
			"user_id": user.ID, "error": err.Error(),
		})
		m.send(ctx, adapter, inbound.ChannelID, models.Reply{Content: m.cfg.Loop.ApologyMessage})
		return
	}
	m.send(ctx, adapter, inbound.ChannelID, *reply)
}

// HandleAuthCallback settles one authorization and resumes the suspended
// turn in the background, so the browser redirect returns immediately.
func (m *Manager) HandleAuthCallback(ctx context.Context, stateToken string, result authbroker.CallbackResult) (*authbroker.Outcome, error) {
	outcome, err := m.broker.CompleteAuthorization(ctx, stateToken, result)
	if err != nil {
		m.metrics.Authorization("rejected")
		return nil, err
	}
	if outcome.Authorized {
		m.metrics.Authorization("granted")
	} else {
		m.metrics.Authorization("denied")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resume(m.background(), outcome)
	}()
	return outcome, nil
}

// background returns the manager's lifetime context, falling back to
// context.Background before Start.
func (m *Manager) background() context.Context {
	if m.baseCtx != nil {
		return m.baseCtx
	}
	return context.Background()
}

func (m *Manager) resume(ctx context.Context, outcome *authbroker.Outcome) {
	// Resumption is a step like any other and waits for the user's lock.
	if err := m.locks.Acquire(ctx, outcome.UserID); err != nil {
		return
	}
	defer m.locks.Release(outcome.UserID)

	delivery, err := m.loop.Resume(ctx, outcome)
	if errors.Is(err, loop.ErrNoCheckpoint) {
		return
	}
	if err != nil {
		m.logger.Error("resume failed", "user_id", outcome.UserID, "error", err, "admin", true)
		m.alerts.Raise(ctx, "resume_failure", "suspended turn failed to resume", map[string]any{
			"user_id": outcome.UserID, "system": outcome.System, "error": err.Error(),
		})
		return
	}
	if delivery == nil {
		return
	}
	m.deliver(ctx, delivery.Channel, delivery.ChannelID, delivery.Reply)
}

// reap abandons turns whose authorization wait ran out. A checkpoint is
// deleted before its notice is sent, so the notice goes out at most once.
func (m *Manager) reap(ctx context.Context) {
	now := m.now()

	expired, err := m.store.ExpiredPendingAuths(ctx, now)
	if err != nil {
		m.logger.Error("failed to list expired authorizations", "error", err)
	}
	for i := range expired {
		m.reapExpiredAuth(ctx, &expired[i])
	}

	stale, err := m.store.StaleCheckpoints(ctx, now.Add(-m.cfg.Auth.WaitTimeout))
	if err != nil {
		m.logger.Error("failed to list stale checkpoints", "error", err)
		return
	}
	for i := range stale {
		m.reapStaleCheckpoint(ctx, &stale[i])
	}
}

// reapExpiredAuth reclaims one expired authorization. The user's records
// are only mutated under their step lock; a busy user is left for the
// next sweep.
func (m *Manager) reapExpiredAuth(ctx context.Context, p *models.PendingAuth) {
	if !m.locks.TryAcquire(p.UserID) {
		return
	}
	defer m.locks.Release(p.UserID)

	if err := m.store.DeletePendingAuth(ctx, p.StateToken); err != nil {
		m.logger.Error("failed to delete expired authorization",
			"user_id", p.UserID, "system", p.System, "error", err)
		return
	}
	m.expireGrant(ctx, p.UserID, p.System)
	if p.CheckpointID != "" {
		m.abandonCheckpoint(ctx, p.UserID, p.CheckpointID)
	}
	m.logger.Info("authorization expired", "user_id", p.UserID, "system", p.System)
}

func (m *Manager) reapStaleCheckpoint(ctx context.Context, cp *models.Checkpoint) {
	if !m.locks.TryAcquire(cp.UserID) {
		return
	}
	defer m.locks.Release(cp.UserID)
	m.abandonCheckpoint(ctx, cp.UserID, cp.ID)
}

func (m *Manager) expireGrant(ctx context.Context, userID, system string) {
	grant, err := m.store.GetGrant(ctx, userID, system)
	if err != nil || grant.Status != models.GrantPending {
		return
	}
	grant.Status = models.GrantExpired
	if err := m.store.PutGrant(ctx, grant); err != nil {
		m.logger.Error("failed to expire grant", "user_id", userID, "system", system, "error", err)
	}
}

func (m *Manager) abandonCheckpoint(ctx context.Context, userID, checkpointID string) {
	cp, err := m.store.GetCheckpoint(ctx, userID)
	if err != nil || cp.ID != checkpointID {
		return
	}
	if err := m.store.DeleteCheckpoint(ctx, userID); err != nil {
		m.logger.Error("failed to delete abandoned checkpoint", "user_id", userID, "error", err)
		return
	}
	m.metrics.Abandoned()
	m.logger.Info("turn abandoned after authorization wait",
		"user_id", userID, "checkpoint_id", checkpointID, "system", cp.System)
	m.deliver(ctx, cp.Channel, cp.ChannelID, models.Reply{Content: m.cfg.Loop.AbandonMessage})
}

func (m *Manager) deliver(ctx context.Context, channel models.ChannelType, channelID string, reply models.Reply) {
	adapter, ok := m.adapters[channel]
	if !ok {
		m.logger.Error("no adapter for channel", "channel", channel)
		return
	}
	m.send(ctx, adapter, channelID, reply)
}

func (m *Manager) send(ctx context.Context, adapter channels.Adapter, channelID string, reply models.Reply) {
	if err := adapter.Send(ctx, channelID, reply); err != nil {
		m.logger.Error("failed to send reply",
			"channel", adapter.Type(), "channel_id", channelID, "error", err)
	}
}
