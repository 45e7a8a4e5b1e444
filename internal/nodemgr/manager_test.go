package nodemgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/internal/nodes"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

type fakeNodeStore struct {
	mu          sync.Mutex
	node        *models.Node
	transitions []string
	heartbeats  int
}

func (f *fakeNodeStore) Get(ctx context.Context, id string) (*models.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.node == nil {
		return nil, fmt.Errorf("node %s: %w", id, nodes.ErrNodeNotFound)
	}
	cp := *f.node
	return &cp, nil
}

func (f *fakeNodeStore) Register(ctx context.Context, id, host string, capacityMB int64, agentVersion string) (*models.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.node == nil {
		f.node = &models.Node{ID: id, Host: host, Status: models.NodeActive, CapacityMB: capacityMB}
	} else {
		f.node.Host = host
		f.node.CapacityMB = capacityMB
	}
	cp := *f.node
	return &cp, nil
}

func (f *fakeNodeStore) Transition(ctx context.Context, id, to, reason, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, to+"/"+reason)
	f.node.Status = to
	return nil
}

func (f *fakeNodeStore) UpdateHeartbeat(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeNodeStore) setStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.node.Status = status
}

func (f *fakeNodeStore) lastTransition() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transitions) == 0 {
		return ""
	}
	return f.transitions[len(f.transitions)-1]
}

func (f *fakeNodeStore) transitionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transitions)
}

func (f *fakeNodeStore) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type fakeRecoveryCloser struct {
	mu     sync.Mutex
	calls  int
	closed int
}

func (f *fakeRecoveryCloser) CloseInProgressForNode(ctx context.Context, nodeID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.closed, nil
}

type fakeCleaner struct {
	mu      sync.Mutex
	calls   int
	started chan string
	release chan struct{}
}

func (f *fakeCleaner) Clean(ctx context.Context, nodeID string, running []models.AgentContainer) (*models.OrphanReport, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- nodeID
	}
	if f.release != nil {
		<-f.release
	}
	return &models.OrphanReport{Kept: []string{"bot-kept"}}, nil
}

func (f *fakeCleaner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(store *fakeNodeStore) (*Manager, *fakeRecoveryCloser, *fakeCleaner) {
	closer := &fakeRecoveryCloser{}
	cleaner := &fakeCleaner{}
	m := NewManager(Config{
		Nodes:       store,
		Recovery:    closer,
		AgentSecret: []byte("test-secret"),
		Logger:      logging.NewLogger(),
	})
	m.BindCleaner(cleaner)
	return m, closer, cleaner
}

func TestRegisterNodeFirstContact(t *testing.T) {
	store := &fakeNodeStore{}
	m, closer, _ := newTestManager(store)

	node, err := m.RegisterNode(context.Background(), Registration{ID: "n1", Host: "10.0.0.1", CapacityMB: 8192})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if node.Status != models.NodeActive {
		t.Errorf("first contact should be active, got %s", node.Status)
	}
	if store.transitionCount() != 0 {
		t.Errorf("first contact must not record a transition, got %v", store.transitions)
	}
	if closer.calls != 1 {
		t.Errorf("expected recovery events closed once, got %d", closer.calls)
	}
}

func TestRegisterNodeComeback(t *testing.T) {
	for _, from := range []string{models.NodeOffline, models.NodeRecovering, models.NodeFailed} {
		t.Run(from, func(t *testing.T) {
			store := &fakeNodeStore{node: &models.Node{ID: "n1", Status: from}}
			m, closer, _ := newTestManager(store)

			node, err := m.RegisterNode(context.Background(), Registration{ID: "n1", Host: "10.0.0.1", CapacityMB: 8192})
			if err != nil {
				t.Fatalf("RegisterNode: %v", err)
			}
			if node.Status != models.NodeReturning {
				t.Errorf("expected returning, got %s", node.Status)
			}
			if got := store.lastTransition(); got != models.NodeReturning+"/"+models.ReasonReRegistration {
				t.Errorf("unexpected transition %q", got)
			}
			if closer.calls != 1 {
				t.Errorf("expected recovery events closed, got %d calls", closer.calls)
			}
		})
	}
}

func TestRegisterNodeUnhealthyRecovers(t *testing.T) {
	store := &fakeNodeStore{node: &models.Node{ID: "n1", Status: models.NodeUnhealthy}}
	m, _, _ := newTestManager(store)

	node, err := m.RegisterNode(context.Background(), Registration{ID: "n1", Host: "10.0.0.1", CapacityMB: 8192})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if node.Status != models.NodeActive {
		t.Errorf("expected active, got %s", node.Status)
	}
	if got := store.lastTransition(); got != models.NodeActive+"/"+models.ReasonHeartbeatOK {
		t.Errorf("unexpected transition %q", got)
	}
}

func TestRegisterNodeHealthyUpdatesRow(t *testing.T) {
	store := &fakeNodeStore{node: &models.Node{ID: "n1", Host: "old", Status: models.NodeActive, CapacityMB: 4096}}
	m, _, _ := newTestManager(store)

	node, err := m.RegisterNode(context.Background(), Registration{ID: "n1", Host: "10.0.0.2", CapacityMB: 16384})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if node.Host != "10.0.0.2" || node.CapacityMB != 16384 {
		t.Errorf("row not refreshed: %+v", node)
	}
	if got := store.lastTransition(); got != models.NodeActive+"/"+models.ReasonReRegistration {
		t.Errorf("unexpected transition %q", got)
	}
}

func TestHeartbeatRestoresUnhealthyNode(t *testing.T) {
	store := &fakeNodeStore{node: &models.Node{ID: "n1", Status: models.NodeUnhealthy}}
	m, _, _ := newTestManager(store)

	m.handleHeartbeat(context.Background(), "n1", nil)

	if store.heartbeatCount() != 1 {
		t.Errorf("expected heartbeat stamped, got %d", store.heartbeatCount())
	}
	if got := store.lastTransition(); got != models.NodeActive+"/"+models.ReasonHeartbeatOK {
		t.Errorf("unexpected transition %q", got)
	}
}

func TestHeartbeatCleansReturningNodeOncePerEpisode(t *testing.T) {
	store := &fakeNodeStore{node: &models.Node{ID: "n1", Status: models.NodeReturning}}
	m, _, cleaner := newTestManager(store)
	cleaner.started = make(chan string, 2)
	cleaner.release = make(chan struct{})

	containers := []models.AgentContainer{{Name: "bot-kept", MemoryMB: 256}}

	// First returning heartbeat fires the cleaner.
	m.handleHeartbeat(context.Background(), "n1", containers)
	select {
	case <-cleaner.started:
	case <-time.After(time.Second):
		t.Fatal("cleaner never started")
	}

	// Second heartbeat while the pass is in flight must not fire again.
	m.handleHeartbeat(context.Background(), "n1", containers)
	select {
	case <-cleaner.started:
		t.Fatal("cleaner fired twice in one episode")
	case <-time.After(50 * time.Millisecond):
	}
	if cleaner.callCount() != 1 {
		t.Fatalf("expected 1 cleanup, got %d", cleaner.callCount())
	}

	// Let the pass finish. The fake does not transition the node, so the
	// next heartbeat has to close the episode itself.
	close(cleaner.release)
	waitForCleanupState(t, m, "n1", cleanupDone)

	m.handleHeartbeat(context.Background(), "n1", containers)
	if got := store.lastTransition(); got != models.NodeActive+"/"+models.ReasonHeartbeatOK {
		t.Fatalf("expected episode close transition, got %q", got)
	}
	if cleaner.callCount() != 1 {
		t.Fatalf("episode close must not re-run cleanup, got %d", cleaner.callCount())
	}

	// A new returning episode arms a new cleanup.
	store.setStatus(models.NodeReturning)
	m.handleHeartbeat(context.Background(), "n1", containers)
	select {
	case <-cleaner.started:
	case <-time.After(time.Second):
		t.Fatal("cleaner never started for the second episode")
	}
	if cleaner.callCount() != 2 {
		t.Fatalf("expected 2 cleanups across 2 episodes, got %d", cleaner.callCount())
	}
}

func waitForCleanupState(t *testing.T, m *Manager, nodeID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		m.cleanupMu.Lock()
		got := m.cleanup[nodeID]
		m.cleanupMu.Unlock()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cleanup state never reached %d, at %d", want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendFrameUnknownNode(t *testing.T) {
	m, _, _ := newTestManager(&fakeNodeStore{})

	err := m.SendFrame("ghost", []byte(`{}`))
	if !errors.Is(err, commandbus.ErrNodeNotConnected) {
		t.Fatalf("expected ErrNodeNotConnected, got %v", err)
	}
}

type recordingResolver struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingResolver) Resolve(res commandbus.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, res.ID)
	return true
}

func (r *recordingResolver) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.ids {
		if got == id {
			return true
		}
	}
	return false
}

func TestAgentSocketRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	store := &fakeNodeStore{node: &models.Node{ID: "n1", Status: models.NodeActive}}
	m, _, _ := newTestManager(store)
	resolver := &recordingResolver{}
	m.BindResolver(resolver)
	go m.Run()

	srv := httptest.NewServer(http.HandlerFunc(m.HandleAgentSocket))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	token, err := auth.GenerateAgentToken("n1", secret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, "agent registered", func() bool { return m.Connected("n1") })

	// Heartbeat frame stamps the node.
	hb := `{"type":"heartbeat","containers":[{"name":"bot-a","memory_mb":256}]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hb)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	waitFor(t, "heartbeat stamped", func() bool { return store.heartbeatCount() == 1 })

	// Ack frames route to the bound resolver.
	ack := `{"type":"ack","id":"cmd-42","command":"bot.start","success":true}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	waitFor(t, "ack resolved", func() bool { return resolver.has("cmd-42") })

	// Frames sent through the manager arrive on the agent side.
	if err := m.SendFrame("n1", []byte(`{"id":"out-1","type":"command","command":"bot.stop"}`)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !strings.Contains(string(msg), `"out-1"`) {
		t.Fatalf("unexpected frame %s", msg)
	}
}

func TestAgentSocketRejectsBadToken(t *testing.T) {
	store := &fakeNodeStore{}
	m, _, _ := newTestManager(store)
	go m.Run()

	srv := httptest.NewServer(http.HandlerFunc(m.HandleAgentSocket))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Authorization": []string{"Bearer not-a-jwt"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
