package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

type fakeNodeStore struct {
	mu          sync.Mutex
	nodes       []models.Node
	transitions []string
}

func (f *fakeNodeStore) ListByStatus(ctx context.Context, statuses ...string) ([]models.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Node
	for _, n := range f.nodes {
		for _, s := range statuses {
			if n.Status == s {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (f *fakeNodeStore) Transition(ctx context.Context, id, to, reason, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, id+":"+to+"/"+reason)
	for i := range f.nodes {
		if f.nodes[i].ID == id {
			f.nodes[i].Status = to
		}
	}
	return nil
}

func (f *fakeNodeStore) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transitions...)
}

func heartbeatAgo(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func TestTickDemotesStaleActiveNode(t *testing.T) {
	store := &fakeNodeStore{nodes: []models.Node{
		{ID: "fresh", Status: models.NodeActive, LastHeartbeatAt: heartbeatAgo(30 * time.Second)},
		{ID: "stale", Status: models.NodeActive, LastHeartbeatAt: heartbeatAgo(91 * time.Second)},
	}}
	w := New(Config{Nodes: store, Logger: logging.NewLogger()})

	w.Tick(context.Background())

	got := store.recorded()
	if len(got) != 1 || got[0] != "stale:"+models.NodeUnhealthy+"/"+models.ReasonHeartbeatTimeout {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestTickSkipsNodesWithoutHeartbeat(t *testing.T) {
	store := &fakeNodeStore{nodes: []models.Node{
		{ID: "silent", Status: models.NodeActive},
	}}
	w := New(Config{Nodes: store, Logger: logging.NewLogger()})

	w.Tick(context.Background())

	if got := store.recorded(); len(got) != 0 {
		t.Fatalf("null heartbeat must be skipped, got %v", got)
	}
}

func TestTickTakesUnhealthyNodeOfflineAndFiresRecovery(t *testing.T) {
	store := &fakeNodeStore{nodes: []models.Node{
		{ID: "n1", Status: models.NodeUnhealthy, LastHeartbeatAt: heartbeatAgo(301 * time.Second)},
	}}
	fired := make(chan string, 1)
	w := New(Config{
		Nodes:     store,
		OnOffline: func(nodeID string) { fired <- nodeID },
		Logger:    logging.NewLogger(),
	})

	w.Tick(context.Background())

	got := store.recorded()
	if len(got) != 1 || got[0] != "n1:"+models.NodeOffline+"/"+models.ReasonHeartbeatTimeout {
		t.Fatalf("unexpected transitions %v", got)
	}
	select {
	case nodeID := <-fired:
		if nodeID != "n1" {
			t.Fatalf("recovery fired for %s", nodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("recovery callback never fired")
	}
}

type fakeEventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEventRecorder) Record(_ context.Context, eventType string, detail models.JSONB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodeID, _ := detail["node_id"].(string)
	f.events = append(f.events, eventType+":"+nodeID)
	return nil
}

func TestTickRecordsFleetStopOnOffline(t *testing.T) {
	store := &fakeNodeStore{nodes: []models.Node{
		{ID: "n1", Status: models.NodeUnhealthy, LastHeartbeatAt: heartbeatAgo(301 * time.Second)},
	}}
	recorder := &fakeEventRecorder{}
	w := New(Config{
		Nodes:  store,
		Events: recorder,
		Logger: logging.NewLogger(),
	})

	w.Tick(context.Background())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.events) != 1 || recorder.events[0] != models.FleetEventStop+":n1" {
		t.Fatalf("unexpected fleet events %v", recorder.events)
	}
}

func TestTickHoldsUnhealthyNodeBeforeOfflineDeadline(t *testing.T) {
	store := &fakeNodeStore{nodes: []models.Node{
		{ID: "n1", Status: models.NodeUnhealthy, LastHeartbeatAt: heartbeatAgo(200 * time.Second)},
	}}
	w := New(Config{
		Nodes:     store,
		OnOffline: func(nodeID string) { t.Errorf("recovery fired early for %s", nodeID) },
		Logger:    logging.NewLogger(),
	})

	w.Tick(context.Background())

	if got := store.recorded(); len(got) != 0 {
		t.Fatalf("expected no transition before the offline deadline, got %v", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	w := New(Config{Logger: logging.NewLogger()})
	if w.interval != DefaultInterval {
		t.Errorf("interval default wrong: %v", w.interval)
	}
	if w.unhealthyAfter != DefaultUnhealthyAfter {
		t.Errorf("unhealthy default wrong: %v", w.unhealthyAfter)
	}
	if w.offlineAfter != DefaultOfflineAfter {
		t.Errorf("offline default wrong: %v", w.offlineAfter)
	}
}
