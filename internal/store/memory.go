package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jettison-io/parley/pkg/models"
)

// MemoryStore is an in-memory Store implementation for tests and
// development. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*models.User       // keyed by tenant/channel/externalID
	usersByID   map[string]*models.User
	messages    map[string][]models.Message   // keyed by user ID
	grants      map[string]*models.Grant      // keyed by userID+"/"+system
	pending     map[string]*models.PendingAuth // keyed by state token
	checkpoints map[string]*models.Checkpoint // keyed by user ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*models.User),
		usersByID:   make(map[string]*models.User),
		messages:    make(map[string][]models.Message),
		grants:      make(map[string]*models.Grant),
		pending:     make(map[string]*models.PendingAuth),
		checkpoints: make(map[string]*models.Checkpoint),
	}
}

func userKey(tenant string, channel models.ChannelType, externalID string) string {
	return tenant + "/" + string(channel) + "/" + externalID
}

func grantKey(userID, system string) string {
	return userID + "/" + system
}

func (s *MemoryStore) GetOrCreateUser(ctx context.Context, tenant, externalID string, channel models.ChannelType, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(tenant, channel, externalID)
	if u, ok := s.users[key]; ok {
		cp := *u
		return &cp, nil
	}
	u := &models.User{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		ExternalID: externalID,
		Channel:    channel,
		Name:       name,
		CreatedAt:  time.Now(),
	}
	s.users[key] = u
	s.usersByID[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.UserID] = append(s.messages[m.UserID], m)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[userID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, userID, system string) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey(userID, system)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) PutGrant(ctx context.Context, grant *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := *grant
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.UpdatedAt = time.Now()
	s.grants[grantKey(g.UserID, g.System)] = &g
	return nil
}

func (s *MemoryStore) PutPendingAuth(ctx context.Context, pending *models.PendingAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A second authorization attempt for the same (user, system) replaces
	// the live pending record rather than duplicating it.
	for token, p := range s.pending {
		if p.UserID == pending.UserID && p.System == pending.System && !p.Consumed {
			delete(s.pending, token)
		}
	}
	cp := *pending
	s.pending[cp.StateToken] = &cp
	return nil
}

func (s *MemoryStore) ConsumePendingAuth(ctx context.Context, stateToken string) (*models.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[stateToken]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Consumed {
		return nil, ErrConsumed
	}
	p.Consumed = true
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeletePendingAuth(ctx context.Context, stateToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, stateToken)
	return nil
}

func (s *MemoryStore) ExpiredPendingAuths(ctx context.Context, now time.Time) ([]models.PendingAuth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingAuth
	for _, p := range s.pending {
		if !p.Consumed && p.ExpiresAt.Before(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.checkpoints[c.UserID] = &c
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, userID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkpoints[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, userID)
	return nil
}

func (s *MemoryStore) StaleCheckpoints(ctx context.Context, cutoff time.Time) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Checkpoint
	for _, c := range s.checkpoints {
		if c.CreatedAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
