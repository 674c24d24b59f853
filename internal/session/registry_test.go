package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/remote-agent-terminal/ttysim/internal/model"
)

func newTestClient(id string, cols, rows uint16) model.ClientInfo {
	res := model.Resolution{Cols: cols, Rows: rows}
	return model.ClientInfo{
		ID:                  id,
		Kind:                model.ClientKindWeb,
		PreferredResolution: res,
		CurrentResolution:   res,
		ConnectedAt:         time.Now(),
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	s, created, err := r.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected session to be created")
	}
	if s.CurrentResolution != model.DefaultResolution() {
		t.Errorf("expected default resolution, got %v", s.CurrentResolution)
	}
	if len(s.Clients) != 0 {
		t.Errorf("expected no clients, got %d", len(s.Clients))
	}
	if s.Process != nil {
		t.Error("expected no backing process")
	}

	_, created, err = r.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if created {
		t.Error("second GetOrCreate should return the existing session")
	}
}

func TestRegistry_SessionLimit(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxSessions: 2})

	for _, id := range []string{"a", "b"} {
		if _, err := r.AddClient(id, newTestClient("c", 80, 24)); err != nil {
			t.Fatalf("AddClient(%s) failed: %v", id, err)
		}
	}

	_, err := r.AddClient("c", newTestClient("c", 80, 24))
	if !errors.Is(err, model.ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}

	// Joining an existing session is still allowed at the limit.
	if _, err := r.AddClient("a", newTestClient("d", 80, 24)); err != nil {
		t.Errorf("join of existing session failed at limit: %v", err)
	}

	r.RemoveClient("b", "c", "")
	if _, err := r.AddClient("c", newTestClient("c", 80, 24)); err != nil {
		t.Errorf("join after eviction freed a slot failed: %v", err)
	}
}

func TestRegistry_AddClientNegotiates(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	res, err := r.AddClient("s1", newTestClient("A", 100, 40))
	if err != nil {
		t.Fatalf("AddClient(A) failed: %v", err)
	}
	if !res.Created {
		t.Error("first join should create the session")
	}
	if res.Session.CurrentResolution != (model.Resolution{Cols: 100, Rows: 40}) {
		t.Errorf("expected 100x40 after A, got %v", res.Session.CurrentResolution)
	}

	res, err = r.AddClient("s1", newTestClient("B", 80, 24))
	if err != nil {
		t.Fatalf("AddClient(B) failed: %v", err)
	}
	if res.Created {
		t.Error("second join should not create the session")
	}
	if !res.Changed {
		t.Error("expected resolution change after B joined")
	}
	if res.Session.CurrentResolution != (model.Resolution{Cols: 80, Rows: 24}) {
		t.Errorf("expected 80x24 after B, got %v", res.Session.CurrentResolution)
	}
	if len(res.Session.Clients) != 2 {
		t.Errorf("expected 2 clients, got %d", len(res.Session.Clients))
	}
}

func TestRegistry_DuplicateClientID(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	if _, err := r.AddClient("s1", newTestClient("A", 100, 40)); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}

	_, err := r.AddClient("s1", newTestClient("A", 20, 10))
	if !errors.Is(err, model.ErrDuplicateClientID) {
		t.Fatalf("expected ErrDuplicateClientID, got %v", err)
	}

	s, _ := r.Get("s1")
	if len(s.Clients) != 1 {
		t.Errorf("duplicate join changed the client set: %d clients", len(s.Clients))
	}
	if s.CurrentResolution != (model.Resolution{Cols: 100, Rows: 40}) {
		t.Errorf("duplicate join changed the resolution: %v", s.CurrentResolution)
	}

	// The same id is allowed in a different session.
	if _, err := r.AddClient("s2", newTestClient("A", 100, 40)); err != nil {
		t.Errorf("same client id in another session failed: %v", err)
	}
}

func TestRegistry_RemoveClient(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.AddClient("s1", newTestClient("A", 100, 40))
	r.AddClient("s1", newTestClient("B", 80, 24))

	t.Run("remaining client renegotiates", func(t *testing.T) {
		res := r.RemoveClient("s1", "B", "")
		if !res.Removed || res.Empty {
			t.Fatalf("unexpected result %+v", res)
		}
		if !res.Changed || res.Session.CurrentResolution != (model.Resolution{Cols: 100, Rows: 40}) {
			t.Errorf("expected renegotiation to 100x40, got changed=%v %v", res.Changed, res.Session.CurrentResolution)
		}
	})

	t.Run("absent client is a no-op", func(t *testing.T) {
		res := r.RemoveClient("s1", "B", "")
		if res.Removed {
			t.Error("removing an absent client reported removal")
		}
		res = r.RemoveClient("missing", "A", "")
		if res.Removed {
			t.Error("removing from an absent session reported removal")
		}
	})

	t.Run("last client evicts", func(t *testing.T) {
		res := r.RemoveClient("s1", "A", "")
		if !res.Removed || !res.Empty {
			t.Fatalf("expected eviction, got %+v", res)
		}
		if _, ok := r.Get("s1"); ok {
			t.Error("session still present after last client left")
		}
		if r.Len() != 0 {
			t.Errorf("expected empty registry, got %d", r.Len())
		}
	})

	t.Run("rejoin creates a fresh session", func(t *testing.T) {
		res, err := r.AddClient("s1", newTestClient("C", 120, 50))
		if err != nil {
			t.Fatalf("AddClient failed: %v", err)
		}
		if !res.Created {
			t.Error("expected a new session")
		}
		if len(res.Session.Clients) != 1 {
			t.Errorf("stale clients leaked into new session: %d", len(res.Session.Clients))
		}
	})
}

func TestRegistry_RemoveClientConnectionGuard(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	info := newTestClient("A", 80, 24)
	info.ConnectionID = "conn-2"
	r.AddClient("s1", info)

	if res := r.RemoveClient("s1", "A", "conn-1"); res.Removed {
		t.Error("stale connection removed a client it does not own")
	}
	if res := r.RemoveClient("s1", "A", "conn-2"); !res.Removed {
		t.Error("owning connection failed to remove its client")
	}
}

func TestRegistry_UpdateResolution(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.AddClient("s1", newTestClient("A", 100, 40))
	r.AddClient("s1", newTestClient("B", 120, 50))

	s, changed, err := r.UpdateResolution("s1", "B", "", model.Resolution{Cols: 60, Rows: 20})
	if err != nil {
		t.Fatalf("UpdateResolution failed: %v", err)
	}
	if !changed || s.CurrentResolution != (model.Resolution{Cols: 60, Rows: 20}) {
		t.Errorf("expected 60x20, got changed=%v %v", changed, s.CurrentResolution)
	}
	if s.Clients["B"].CurrentResolution != (model.Resolution{Cols: 60, Rows: 20}) {
		t.Errorf("client current resolution not updated: %v", s.Clients["B"].CurrentResolution)
	}

	if _, _, err := r.UpdateResolution("s1", "B", "", model.Resolution{Cols: 0, Rows: 20}); !errors.Is(err, model.ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}
	if _, _, err := r.UpdateResolution("missing", "B", "", model.Resolution{Cols: 10, Rows: 10}); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_TouchClientRequiresMembership(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{Now: clock.Now})
	a := newTestClient("A", 80, 24)
	a.ConnectionID = "conn-1"
	r.AddClient("s1", a)

	tests := []struct {
		name         string
		clientID     string
		connectionID string
		wantErr      bool
	}{
		{"owner", "A", "conn-1", false},
		{"any connection", "A", "", false},
		{"other connection", "A", "conn-2", true},
		{"not a member", "B", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := r.Get("s1")
			clock.Advance(time.Second)
			_, err := r.TouchClient("s1", tt.clientID, tt.connectionID)
			after, _ := r.Get("s1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr {
				if !errors.Is(err, model.ErrSessionNotFound) {
					t.Errorf("expected ErrSessionNotFound, got %v", err)
				}
				if !after.LastActivity.Equal(before.LastActivity) {
					t.Error("a non-member extended the session")
				}
			} else if !after.LastActivity.After(before.LastActivity) {
				t.Error("member activity was not recorded")
			}
		})
	}

	if _, _, err := r.UpdateResolution("s1", "A", "conn-2", model.Resolution{Cols: 10, Rows: 10}); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for a foreign connection, got %v", err)
	}
	if _, err := r.TouchClient("missing", "A", ""); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_TouchIsMonotonic(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{Now: clock.Now})
	r.AddClient("s1", newTestClient("A", 80, 24))

	before, _ := r.Get("s1")
	clock.Advance(time.Minute)
	r.Touch("s1")
	after, _ := r.Get("s1")
	if !after.LastActivity.After(before.LastActivity) {
		t.Errorf("Touch did not advance LastActivity: %v -> %v", before.LastActivity, after.LastActivity)
	}

	clock.Advance(-time.Hour)
	r.Touch("s1")
	again, _ := r.Get("s1")
	if again.LastActivity.Before(after.LastActivity) {
		t.Error("LastActivity moved backwards")
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{Now: clock.Now})
	r.AddClient("stale", newTestClient("A", 80, 24))
	clock.Advance(30 * time.Minute)
	r.AddClient("fresh", newTestClient("B", 80, 24))
	clock.Advance(45 * time.Minute)

	evicted := r.EvictIdle(time.Hour)
	if len(evicted) != 1 || evicted[0].ID != "stale" {
		t.Fatalf("expected only stale to be evicted, got %v", evicted)
	}
	if len(evicted[0].Clients) != 1 {
		t.Error("evicted snapshot should still list its attached clients")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh session was evicted")
	}
}

func TestRegistry_ConcurrentFirstJoin(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.AddClient("shared", newTestClient(fmt.Sprintf("c%d", i), 80, 24))
			if err != nil {
				t.Errorf("AddClient failed: %v", err)
				return
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one creation, got %d", created)
	}
	s, _ := r.Get("shared")
	if len(s.Clients) != n {
		t.Errorf("expected %d clients, got %d", n, len(s.Clients))
	}
	if s.PeakClients != n {
		t.Errorf("expected peak %d, got %d", n, s.PeakClients)
	}
}

func TestRegistry_JoinRacingEviction(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	for round := 0; round < 200; round++ {
		r.AddClient("s", newTestClient("leaver", 80, 24))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RemoveClient("s", "leaver", "")
		}()
		go func() {
			defer wg.Done()
			if _, err := r.AddClient("s", newTestClient("joiner", 80, 24)); err != nil {
				t.Errorf("AddClient failed: %v", err)
			}
		}()
		wg.Wait()

		s, ok := r.Get("s")
		if !ok {
			t.Fatalf("round %d: joiner's session missing", round)
		}
		if _, ok := s.Clients["joiner"]; !ok {
			t.Fatalf("round %d: joiner lost to eviction", round)
		}
		r.RemoveClient("s", "joiner", "")
	}
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	res, _ := r.AddClient("s1", newTestClient("A", 80, 24))

	delete(res.Session.Clients, "A")

	s, _ := r.Get("s1")
	if _, ok := s.Clients["A"]; !ok {
		t.Error("mutating a snapshot changed the registry")
	}
}
