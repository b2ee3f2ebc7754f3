package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jettison-io/parley/pkg/models"
)

// runStoreTests exercises the Store contract against any implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetOrCreateUser", func(t *testing.T) {
		s := newStore(t)
		u1, err := s.GetOrCreateUser(ctx, "acme", "U123", models.ChannelSlack, "Pat")
		if err != nil {
			t.Fatalf("GetOrCreateUser: %v", err)
		}
		if u1.ID == "" || u1.Tenant != "acme" || u1.ExternalID != "U123" {
			t.Fatalf("unexpected user: %+v", u1)
		}

		u2, err := s.GetOrCreateUser(ctx, "acme", "U123", models.ChannelSlack, "Pat")
		if err != nil {
			t.Fatalf("GetOrCreateUser repeat: %v", err)
		}
		if u2.ID != u1.ID {
			t.Errorf("same identity resolved to different users: %s vs %s", u1.ID, u2.ID)
		}

		// Same external ID under a different tenant is a different user.
		u3, err := s.GetOrCreateUser(ctx, "globex", "U123", models.ChannelSlack, "Pat")
		if err != nil {
			t.Fatalf("GetOrCreateUser other tenant: %v", err)
		}
		if u3.ID == u1.ID {
			t.Error("tenants must not share users")
		}
	})

	t.Run("History", func(t *testing.T) {
		s := newStore(t)
		u, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")

		base := time.Now().Add(-time.Hour)
		for i, content := range []string{"first", "second", "third"} {
			err := s.AppendMessage(ctx, &models.Message{
				UserID:    u.ID,
				Channel:   models.ChannelSlack,
				ChannelID: "C1",
				Role:      models.RoleUser,
				Content:   content,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Fatalf("AppendMessage: %v", err)
			}
		}

		got, err := s.GetHistory(ctx, u.ID, 2)
		if err != nil {
			t.Fatalf("GetHistory: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		if got[0].Content != "second" || got[1].Content != "third" {
			t.Errorf("window is not the most recent messages in order: %q, %q",
				got[0].Content, got[1].Content)
		}
	})

	t.Run("GrantUpsert", func(t *testing.T) {
		s := newStore(t)
		u, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")

		if _, err := s.GetGrant(ctx, u.ID, "crm"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		err := s.PutGrant(ctx, &models.Grant{
			UserID: u.ID, System: "crm",
			Status: models.GrantPending,
		})
		if err != nil {
			t.Fatalf("PutGrant: %v", err)
		}
		err = s.PutGrant(ctx, &models.Grant{
			UserID: u.ID, System: "crm",
			Status: models.GrantGranted, AccessToken: "tok2",
		})
		if err != nil {
			t.Fatalf("PutGrant replace: %v", err)
		}

		g, err := s.GetGrant(ctx, u.ID, "crm")
		if err != nil {
			t.Fatalf("GetGrant: %v", err)
		}
		if g.Status != models.GrantGranted || g.AccessToken != "tok2" {
			t.Errorf("re-authorization did not replace the grant: %+v", g)
		}
	})

	t.Run("PendingAuthReplaced", func(t *testing.T) {
		s := newStore(t)
		u, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")
		exp := time.Now().Add(10 * time.Minute)

		put := func(token string) {
			t.Helper()
			err := s.PutPendingAuth(ctx, &models.PendingAuth{
				StateToken: token, UserID: u.ID, System: "crm",
				CreatedAt: time.Now(), ExpiresAt: exp,
			})
			if err != nil {
				t.Fatalf("PutPendingAuth(%s): %v", token, err)
			}
		}
		put("tok-a")
		put("tok-b")

		// The first attempt was superseded, not duplicated.
		if _, err := s.ConsumePendingAuth(ctx, "tok-a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("superseded token should be gone, got %v", err)
		}
		if _, err := s.ConsumePendingAuth(ctx, "tok-b"); err != nil {
			t.Errorf("live token should consume: %v", err)
		}
	})

	t.Run("ConsumeOnce", func(t *testing.T) {
		s := newStore(t)
		u, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")
		err := s.PutPendingAuth(ctx, &models.PendingAuth{
			StateToken: "tok-1", UserID: u.ID, System: "crm",
			CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("PutPendingAuth: %v", err)
		}

		p, err := s.ConsumePendingAuth(ctx, "tok-1")
		if err != nil {
			t.Fatalf("first consume: %v", err)
		}
		if p.UserID != u.ID || p.System != "crm" {
			t.Errorf("wrong pending record: %+v", p)
		}

		if _, err := s.ConsumePendingAuth(ctx, "tok-1"); !errors.Is(err, ErrConsumed) {
			t.Errorf("second consume: expected ErrConsumed, got %v", err)
		}
		if _, err := s.ConsumePendingAuth(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown token: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CheckpointSingleton", func(t *testing.T) {
		s := newStore(t)
		u, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")

		if _, err := s.GetCheckpoint(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		put := func(id string, iter int) {
			t.Helper()
			err := s.PutCheckpoint(ctx, &models.Checkpoint{
				ID: id, UserID: u.ID,
				Channel: models.ChannelSlack, ChannelID: "C1",
				Conversation: []models.Message{{Role: models.RoleUser, Content: "hi"}},
				Iteration:    iter,
				BlockedCall:  models.ToolCall{ID: "call-1", Name: "list_contacts"},
				System:       "crm",
				CreatedAt:    time.Now(),
			})
			if err != nil {
				t.Fatalf("PutCheckpoint(%s): %v", id, err)
			}
		}
		put("cp-1", 1)
		put("cp-2", 3)

		cp, err := s.GetCheckpoint(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetCheckpoint: %v", err)
		}
		if cp.ID != "cp-2" || cp.Iteration != 3 {
			t.Errorf("second checkpoint did not replace the first: %+v", cp)
		}
		if len(cp.Conversation) != 1 || cp.BlockedCall.Name != "list_contacts" {
			t.Errorf("checkpoint did not round-trip: %+v", cp)
		}

		if err := s.DeleteCheckpoint(ctx, u.ID); err != nil {
			t.Fatalf("DeleteCheckpoint: %v", err)
		}
		if _, err := s.GetCheckpoint(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("checkpoint should be gone, got %v", err)
		}
	})

	t.Run("ExpiredPendingAuths", func(t *testing.T) {
		s := newStore(t)
		u, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")
		now := time.Now()

		s.PutPendingAuth(ctx, &models.PendingAuth{
			StateToken: "old", UserID: u.ID, System: "crm",
			CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-10 * time.Minute),
		})
		s.PutPendingAuth(ctx, &models.PendingAuth{
			StateToken: "fresh", UserID: u.ID, System: "billing",
			CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
		})

		expired, err := s.ExpiredPendingAuths(ctx, now)
		if err != nil {
			t.Fatalf("ExpiredPendingAuths: %v", err)
		}
		if len(expired) != 1 || expired[0].StateToken != "old" {
			t.Fatalf("expected only the old token, got %+v", expired)
		}
	})

	t.Run("StaleCheckpoints", func(t *testing.T) {
		s := newStore(t)
		u1, _ := s.GetOrCreateUser(ctx, "acme", "U1", models.ChannelSlack, "")
		u2, _ := s.GetOrCreateUser(ctx, "acme", "U2", models.ChannelSlack, "")
		now := time.Now()

		s.PutCheckpoint(ctx, &models.Checkpoint{
			ID: "cp-old", UserID: u1.ID, System: "crm",
			BlockedCall: models.ToolCall{ID: "c1", Name: "x"},
			CreatedAt:   now.Add(-time.Hour),
		})
		s.PutCheckpoint(ctx, &models.Checkpoint{
			ID: "cp-new", UserID: u2.ID, System: "crm",
			BlockedCall: models.ToolCall{ID: "c2", Name: "x"},
			CreatedAt:   now,
		})

		stale, err := s.StaleCheckpoints(ctx, now.Add(-30*time.Minute))
		if err != nil {
			t.Fatalf("StaleCheckpoints: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != "cp-old" {
			t.Fatalf("expected only the old checkpoint, got %+v", stale)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
