package ws

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/session"
)

type fakeHandle struct {
	pid     int
	history string
}

func (h *fakeHandle) PID() int            { return h.pid }
func (h *fakeHandle) History() []byte     { return []byte(h.history) }
func (h *fakeHandle) LogFilePath() string { return "" }

// fakeProcesses hands out in-memory process handles.
type fakeProcesses struct {
	mu      sync.Mutex
	fail    bool
	handles map[string]*fakeHandle
	input   []string
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{handles: make(map[string]*fakeHandle)}
}

func (f *fakeProcesses) Acquire(ctx context.Context, sessionID string, res model.Resolution) (model.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no shell")
	}
	h := &fakeHandle{pid: len(f.handles) + 1, history: "$ "}
	f.handles[sessionID] = h
	return h, nil
}

func (f *fakeProcesses) Resize(h model.ProcessHandle, res model.Resolution) error { return nil }

func (f *fakeProcesses) Write(h model.ProcessHandle, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = append(f.input, string(data))
	return nil
}

func (f *fakeProcesses) Release(h model.ProcessHandle) error { return nil }

func (f *fakeProcesses) handle(sessionID string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[sessionID]
}

func setupTestService(t *testing.T, processes session.ProcessManager, managerConfig session.Config, config Config) (*Service, *session.Manager) {
	t.Helper()
	manager := session.NewManager(processes, nil, managerConfig)
	service := NewService(manager, config)
	t.Cleanup(func() {
		manager.Close()
		service.Close()
	})
	return service, manager
}

func joinEvent(sessionID, clientID string, cols, rows uint16) Event {
	return NewEvent(sessionID, clientID, JoinPayload{Client: model.ClientInfo{
		ID:                  clientID,
		Kind:                model.ClientKindWeb,
		PreferredResolution: model.Resolution{Cols: cols, Rows: rows},
	}})
}

func clientIDs(clients []model.ClientInfo) []string {
	ids := make([]string, len(clients))
	for i, c := range clients {
		ids[i] = c.ID
	}
	return ids
}

func expectError(t *testing.T, client *Client, kind ErrorKind) {
	t.Helper()
	ev := receiveEventTest(t, client)
	p, ok := ev.Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("expected error event, got %s", ev.Payload.Type())
	}
	if p.Kind != kind {
		t.Errorf("expected error kind %s, got %s (%s)", kind, p.Kind, p.Message)
	}
}

func TestConnection_JoinScenario(t *testing.T) {
	service, manager := setupTestService(t, nil, session.Config{}, Config{})
	ctx := context.Background()

	connA := service.NewConnection(NewClient(nil), "test")
	connB := service.NewConnection(NewClient(nil), "test")

	// A joins s1 at 100x40.
	connA.HandleEvent(ctx, joinEvent("s1", "A", 100, 40))

	eventsA := drainEventsTest(t, connA.Client())
	if got := eventTypes(eventsA); !reflect.DeepEqual(got, []EventType{EventClientJoin, EventSessionSync}) {
		t.Fatalf("A received %v", got)
	}
	syncA := eventsA[1].Payload.(SyncPayload)
	if syncA.Resolution != (model.Resolution{Cols: 100, Rows: 40}) {
		t.Errorf("expected 100x40, got %v", syncA.Resolution)
	}
	if ids := clientIDs(syncA.Clients); !reflect.DeepEqual(ids, []string{"A"}) {
		t.Errorf("expected roster [A], got %v", ids)
	}
	if state, sid, cid := connA.State(); state != StateBound || sid != "s1" || cid != "A" {
		t.Errorf("A is %s(%s, %s)", state, sid, cid)
	}

	// B joins s1 at 80x24.
	connB.HandleEvent(ctx, joinEvent("s1", "B", 80, 24))

	eventsA = drainEventsTest(t, connA.Client())
	if got := eventTypes(eventsA); !reflect.DeepEqual(got, []EventType{EventClientJoin, EventResolutionChange}) {
		t.Fatalf("A received %v", got)
	}
	if joined := eventsA[0].Payload.(JoinPayload); joined.Client.ID != "B" {
		t.Errorf("expected join of B, got %s", joined.Client.ID)
	}
	if res := eventsA[1].Payload.(ResolutionPayload); res.Resolution != (model.Resolution{Cols: 80, Rows: 24}) {
		t.Errorf("expected 80x24, got %v", res.Resolution)
	}

	eventsB := drainEventsTest(t, connB.Client())
	if got := eventTypes(eventsB); !reflect.DeepEqual(got, []EventType{EventClientJoin, EventResolutionChange, EventSessionSync}) {
		t.Fatalf("B received %v", got)
	}
	syncB := eventsB[2].Payload.(SyncPayload)
	if syncB.Resolution != (model.Resolution{Cols: 80, Rows: 24}) {
		t.Errorf("expected 80x24, got %v", syncB.Resolution)
	}
	if ids := clientIDs(syncB.Clients); !reflect.DeepEqual(ids, []string{"A", "B"}) {
		t.Errorf("expected roster [A B], got %v", ids)
	}

	// A disconnects.
	connA.Disconnect(ctx)
	leave := receiveEventTest(t, connB.Client())
	if p, ok := leave.Payload.(LeavePayload); !ok || p.ClientID != "A" {
		t.Errorf("expected client_leave for A, got %+v", leave)
	}
	if manager.Count() != 1 {
		t.Errorf("session should persist with one client")
	}
	if state, _, _ := connA.State(); state != StateClosed {
		t.Errorf("A should be closed, is %s", state)
	}

	// B disconnects and the session is evicted.
	connB.Disconnect(ctx)
	if manager.Count() != 0 {
		t.Errorf("expected session to be evicted, %d left", manager.Count())
	}

	// A new join starts from scratch.
	connC := service.NewConnection(NewClient(nil), "test")
	connC.HandleEvent(ctx, joinEvent("s1", "C", 120, 50))
	eventsC := drainEventsTest(t, connC.Client())
	syncC := eventsC[len(eventsC)-1].Payload.(SyncPayload)
	if ids := clientIDs(syncC.Clients); !reflect.DeepEqual(ids, []string{"C"}) {
		t.Errorf("expected fresh roster [C], got %v", ids)
	}
}

func TestConnection_JoinErrors(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{MaxSessions: 1}, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		ev   Event
		kind ErrorKind
	}{
		{"missing client id", joinEvent("s1", "", 80, 24), KindInvalidJoinRequest},
		{"missing session id", joinEvent("", "A", 80, 24), KindInvalidJoinRequest},
		{"zero resolution", joinEvent("s1", "A", 0, 0), KindInvalidJoinRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := service.NewConnection(NewClient(nil), "test")
			conn.HandleEvent(ctx, tt.ev)
			expectError(t, conn.Client(), tt.kind)
			if state, _, _ := conn.State(); state != StateUnbound {
				t.Errorf("expected connection to stay unbound, is %s", state)
			}
		})
	}

	first := service.NewConnection(NewClient(nil), "test")
	first.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))
	drainEventsTest(t, first.Client())

	t.Run("duplicate client id", func(t *testing.T) {
		conn := service.NewConnection(NewClient(nil), "test")
		conn.HandleEvent(ctx, joinEvent("s1", "A", 100, 40))
		expectError(t, conn.Client(), KindDuplicateClientID)
		if len(drainEventsTest(t, first.Client())) != 0 {
			t.Error("a rejected join must not be broadcast")
		}
	})

	t.Run("session limit", func(t *testing.T) {
		conn := service.NewConnection(NewClient(nil), "test")
		conn.HandleEvent(ctx, joinEvent("s2", "B", 80, 24))
		expectError(t, conn.Client(), KindSessionLimitExceeded)
	})

	t.Run("join while bound", func(t *testing.T) {
		first.HandleEvent(ctx, joinEvent("s1", "Z", 80, 24))
		expectError(t, first.Client(), KindInvalidJoinRequest)
		if _, sid, cid := first.State(); sid != "s1" || cid != "A" {
			t.Errorf("binding changed to (%s, %s)", sid, cid)
		}
	})
}

func TestConnection_UnboundInput(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{}, Config{})
	ctx := context.Background()

	conn := service.NewConnection(NewClient(nil), "test")
	conn.HandleEvent(ctx, NewEvent("s1", "A", InputPayload{Data: "ls\r"}))
	expectError(t, conn.Client(), KindUnboundConnection)

	conn.HandleEvent(ctx, NewEvent("s1", "A", ResizePayload{Resolution: model.Resolution{Cols: 80, Rows: 24}}))
	expectError(t, conn.Client(), KindUnboundConnection)
}

func TestConnection_InputIsBroadcastToAll(t *testing.T) {
	procs := newFakeProcesses()
	service, _ := setupTestService(t, procs, session.Config{}, Config{})
	ctx := context.Background()

	connA := service.NewConnection(NewClient(nil), "test")
	connB := service.NewConnection(NewClient(nil), "test")
	connA.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))
	connB.HandleEvent(ctx, joinEvent("s1", "B", 80, 24))
	drainEventsTest(t, connA.Client())
	drainEventsTest(t, connB.Client())

	// The client id in the event is ignored; the binding decides.
	connA.HandleEvent(ctx, NewEvent("s1", "B", InputPayload{Kind: "key", Data: "ls\r"}))

	for _, conn := range []*Connection{connA, connB} {
		ev := receiveEventTest(t, conn.Client())
		p, ok := ev.Payload.(InputPayload)
		if !ok || p.Data != "ls\r" || ev.ClientID != "A" {
			t.Errorf("unexpected input event %+v", ev)
		}
	}
	if len(procs.input) != 1 || procs.input[0] != "ls\r" {
		t.Errorf("expected input forwarded to process, got %q", procs.input)
	}
}

func TestConnection_Resize(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{}, Config{})
	ctx := context.Background()

	connA := service.NewConnection(NewClient(nil), "test")
	connB := service.NewConnection(NewClient(nil), "test")
	connA.HandleEvent(ctx, joinEvent("s1", "A", 100, 40))
	connB.HandleEvent(ctx, joinEvent("s1", "B", 120, 50))
	drainEventsTest(t, connA.Client())
	drainEventsTest(t, connB.Client())

	connB.HandleEvent(ctx, NewEvent("s1", "B", ResizePayload{Resolution: model.Resolution{Cols: 90, Rows: 30}}))
	for _, conn := range []*Connection{connA, connB} {
		ev := receiveEventTest(t, conn.Client())
		p, ok := ev.Payload.(ResolutionPayload)
		if !ok || p.Resolution != (model.Resolution{Cols: 90, Rows: 30}) {
			t.Errorf("expected resolution_change to 90x30, got %+v", ev)
		}
	}

	connB.HandleEvent(ctx, NewEvent("s1", "B", ResizePayload{Resolution: model.Resolution{Cols: 0, Rows: 30}}))
	expectError(t, connB.Client(), KindInvalidResolution)
	if len(drainEventsTest(t, connA.Client())) != 0 {
		t.Error("invalid resize must not be broadcast")
	}
}

func TestConnection_Ping(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{}, Config{})
	conn := service.NewConnection(NewClient(nil), "test")

	conn.HandleEvent(context.Background(), NewEvent("", "", PingPayload{}))
	if ev := receiveEventTest(t, conn.Client()); ev.Payload.Type() != EventPong {
		t.Errorf("expected pong, got %s", ev.Payload.Type())
	}
}

func TestConnection_ServerEventsAreRejected(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{}, Config{})
	conn := service.NewConnection(NewClient(nil), "test")

	conn.HandleEvent(context.Background(), NewEvent("s1", "A", OutputPayload{Output: "spoofed"}))
	expectError(t, conn.Client(), KindInvalidMessage)
}

func TestConnection_InputRateLimit(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{}, Config{InputRate: 0.001, InputBurst: 1})
	ctx := context.Background()

	conn := service.NewConnection(NewClient(nil), "test")
	conn.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))
	drainEventsTest(t, conn.Client())

	conn.HandleEvent(ctx, NewEvent("s1", "A", InputPayload{Data: "a"}))
	if ev := receiveEventTest(t, conn.Client()); ev.Payload.Type() != EventClientInput {
		t.Fatalf("expected first input to pass, got %s", ev.Payload.Type())
	}

	conn.HandleEvent(ctx, NewEvent("s1", "A", InputPayload{Data: "b"}))
	expectError(t, conn.Client(), KindRateLimited)
}

func TestConnection_ClosedIsTerminal(t *testing.T) {
	service, manager := setupTestService(t, nil, session.Config{}, Config{})
	ctx := context.Background()

	conn := service.NewConnection(NewClient(nil), "test")
	conn.Disconnect(ctx)
	conn.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))

	if data := receiveWithTimeoutTest(t, conn.Client(), 50*time.Millisecond); data != nil {
		t.Errorf("closed connection replied %s", data)
	}
	if manager.Count() != 0 {
		t.Error("closed connection created a session")
	}
}

func TestConnection_DisconnectRenegotiates(t *testing.T) {
	service, _ := setupTestService(t, nil, session.Config{}, Config{})
	ctx := context.Background()

	connA := service.NewConnection(NewClient(nil), "test")
	connB := service.NewConnection(NewClient(nil), "test")
	connA.HandleEvent(ctx, joinEvent("s1", "A", 60, 20))
	connB.HandleEvent(ctx, joinEvent("s1", "B", 120, 50))
	drainEventsTest(t, connB.Client())

	connA.Disconnect(ctx)

	events := drainEventsTest(t, connB.Client())
	if got := eventTypes(events); !reflect.DeepEqual(got, []EventType{EventClientLeave, EventResolutionChange}) {
		t.Fatalf("B received %v", got)
	}
	if p := events[1].Payload.(ResolutionPayload); p.Resolution != (model.Resolution{Cols: 120, Rows: 50}) {
		t.Errorf("expected 120x50, got %v", p.Resolution)
	}
}

func TestService_ProcessEvents(t *testing.T) {
	procs := newFakeProcesses()
	service, _ := setupTestService(t, procs, session.Config{}, Config{})
	ctx := context.Background()

	conn := service.NewConnection(NewClient(nil), "test")
	conn.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))

	events := drainEventsTest(t, conn.Client())
	snapshot := events[len(events)-1].Payload.(SyncPayload)
	if snapshot.History != "$ " {
		t.Errorf("expected history in session_sync, got %q", snapshot.History)
	}

	handle := procs.handle("s1")
	service.HandleOutput("s1", &fakeHandle{pid: 99}, []byte("stale"))
	service.HandleOutput("s1", handle, []byte("\x1b[31mred\x1b[0m"))

	ev := receiveEventTest(t, conn.Client())
	if p, ok := ev.Payload.(OutputPayload); !ok || p.Output != "\x1b[31mred\x1b[0m" || ev.ClientID != ServerID {
		t.Errorf("unexpected output event %+v", ev)
	}

	service.HandleProcessExit("s1", handle, 0, nil)
	expectError(t, conn.Client(), KindBackingProcessUnavailable)

	// A second exit notification for the same process is ignored.
	service.HandleProcessExit("s1", handle, 0, nil)
	if data := receiveWithTimeoutTest(t, conn.Client(), 50*time.Millisecond); data != nil {
		t.Errorf("unexpected event %s", data)
	}
}

func TestService_ProcessUnavailableOnJoin(t *testing.T) {
	procs := newFakeProcesses()
	procs.fail = true
	service, _ := setupTestService(t, procs, session.Config{}, Config{})

	conn := service.NewConnection(NewClient(nil), "test")
	conn.HandleEvent(context.Background(), joinEvent("s1", "A", 80, 24))

	events := drainEventsTest(t, conn.Client())
	if got := eventTypes(events); !reflect.DeepEqual(got, []EventType{EventClientJoin, EventSessionSync, EventError}) {
		t.Fatalf("received %v", got)
	}
	if p := events[2].Payload.(ErrorPayload); p.Kind != KindBackingProcessUnavailable {
		t.Errorf("expected backing_process_unavailable, got %s", p.Kind)
	}
	if state, _, _ := conn.State(); state != StateBound {
		t.Errorf("join should succeed without a process, state %s", state)
	}
}

func TestService_IdleEvictionClosesClients(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	service, manager := setupTestService(t, nil, session.Config{SessionTimeout: time.Minute, Now: clock}, Config{})
	ctx := context.Background()

	conn := service.NewConnection(NewClient(nil), "test")
	conn.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))
	drainEventsTest(t, conn.Client())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if n := manager.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	expectError(t, conn.Client(), KindSessionExpired)
	if !conn.Client().IsClosed() {
		t.Error("expected client to be closed")
	}

	// The transport then goes away; nothing else happens.
	conn.Disconnect(ctx)
	if manager.Count() != 0 {
		t.Errorf("expected no sessions, got %d", manager.Count())
	}
}

func TestService_EvictedConnectionCannotReachNewSession(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	procs := newFakeProcesses()
	service, manager := setupTestService(t, procs, session.Config{SessionTimeout: time.Minute, Now: clock}, Config{})
	ctx := context.Background()

	connA := service.NewConnection(NewClient(nil), "test")
	connA.HandleEvent(ctx, joinEvent("s1", "A", 80, 24))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if n := manager.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	connB := service.NewConnection(NewClient(nil), "test")
	connB.HandleEvent(ctx, joinEvent("s1", "B", 80, 24))
	drainEventsTest(t, connB.Client())
	before, _ := manager.Get("s1")

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	connA.HandleEvent(ctx, NewEvent("s1", "A", InputPayload{Data: "rm -rf ~\r"}))
	connA.HandleEvent(ctx, NewEvent("s1", "A", ResizePayload{Resolution: model.Resolution{Cols: 10, Rows: 5}}))
	connA.HandleEvent(ctx, NewEvent("s1", "A", PingPayload{}))

	if state, _, _ := connA.State(); state != StateClosed {
		t.Errorf("expected the evicted connection to be closed, got %s", state)
	}
	procs.mu.Lock()
	input := append([]string(nil), procs.input...)
	procs.mu.Unlock()
	if len(input) != 0 {
		t.Errorf("input of an evicted client reached the new session: %q", input)
	}
	if events := drainEventsTest(t, connB.Client()); len(events) != 0 {
		t.Errorf("new session member received %v", eventTypes(events))
	}
	after, _ := manager.Get("s1")
	if after.CurrentResolution != (model.Resolution{Cols: 80, Rows: 24}) || !after.LastActivity.Equal(before.LastActivity) {
		t.Errorf("evicted client changed the new session: %v %v", after.CurrentResolution, after.LastActivity)
	}
}

func TestService_ConcurrentJoins(t *testing.T) {
	service, manager := setupTestService(t, nil, session.Config{}, Config{})
	ctx := context.Background()

	const n = 20
	conns := make([]*Connection, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = service.NewConnection(NewClient(nil), "test")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i].HandleEvent(ctx, joinEvent("s1", fmt.Sprintf("c%d", i), uint16(80+i), 24))
		}(i)
	}
	wg.Wait()

	s, err := manager.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(s.Clients) != n {
		t.Errorf("expected %d clients, got %d", n, len(s.Clients))
	}
	if s.CurrentResolution != (model.Resolution{Cols: 80, Rows: 24}) {
		t.Errorf("expected 80x24, got %v", s.CurrentResolution)
	}
	if service.Hub().ClientCount("s1") != n {
		t.Errorf("expected %d hub members, got %d", n, service.Hub().ClientCount("s1"))
	}
}
