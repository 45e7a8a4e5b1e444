package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

type fakeStater struct {
	states          map[string]*models.CircuitState
	counts          map[string]int
	resets          []string
	trips           []string
	forceTripResult *bool
}

func newFakeStater() *fakeStater {
	return &fakeStater{
		states: map[string]*models.CircuitState{},
		counts: map[string]int{},
	}
}

func (f *fakeStater) Get(_ context.Context, id string) (*models.CircuitState, error) {
	return f.states[id], nil
}

func (f *fakeStater) IncrementOrReset(_ context.Context, id string, _ time.Duration) (int, error) {
	f.counts[id]++
	return f.counts[id], nil
}

func (f *fakeStater) Trip(_ context.Context, id string) (bool, error) {
	f.trips = append(f.trips, id)
	if f.forceTripResult != nil {
		return *f.forceTripResult, nil
	}
	state := f.states[id]
	if state == nil {
		state = &models.CircuitState{InstanceID: id}
		f.states[id] = state
	}
	if state.TrippedAt != nil {
		return false, nil
	}
	now := time.Now()
	state.TrippedAt = &now
	return true, nil
}

func (f *fakeStater) Reset(_ context.Context, id string) error {
	f.resets = append(f.resets, id)
	delete(f.states, id)
	f.counts[id] = 0
	return nil
}

type breakerFixture struct {
	store   *fakeStater
	breaker *Breaker
	trips   []string
}

func newBreakerFixture(max int) *breakerFixture {
	f := &breakerFixture{store: newFakeStater()}
	f.breaker = New(Config{
		Store:                f.store,
		Logger:               logging.NewLogger(),
		MaxRequestsPerWindow: max,
		Window:               10 * time.Second,
		Pause:                300 * time.Second,
		OnTrip: func(tenant, instance string, count int) {
			f.trips = append(f.trips, fmt.Sprintf("%s:%s:%d", tenant, instance, count))
		},
	})
	return f
}

func TestAllowUnderLimit(t *testing.T) {
	f := newBreakerFixture(3)

	for i := 0; i < 3; i++ {
		d, err := f.breaker.Allow(context.Background(), "acme", "bot-1")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should pass", i)
		}
	}
	if len(f.trips) != 0 {
		t.Errorf("no trip expected under the limit, got %v", f.trips)
	}
}

func TestTripFiresExactlyOnce(t *testing.T) {
	f := newBreakerFixture(3)

	var last *Decision
	for i := 0; i < 4; i++ {
		d, err := f.breaker.Allow(context.Background(), "acme", "bot-1")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		last = d
	}

	if last.Allowed {
		t.Fatal("request over the limit must be rejected")
	}
	if last.RetryAfter <= 0 || last.PausedUntil.IsZero() {
		t.Errorf("rejection must carry retry metadata, got %+v", last)
	}
	if len(f.trips) != 1 || f.trips[0] != "acme:bot-1:4" {
		t.Fatalf("expected exactly one trip callback, got %v", f.trips)
	}
}

func TestTrippedCircuitRejectsWithoutCounting(t *testing.T) {
	f := newBreakerFixture(3)
	trippedAt := time.Now().Add(-time.Minute)
	f.store.states["bot-1"] = &models.CircuitState{InstanceID: "bot-1", TrippedAt: &trippedAt}

	d, err := f.breaker.Allow(context.Background(), "acme", "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("paused circuit must reject")
	}
	if f.store.counts["bot-1"] != 0 {
		t.Errorf("paused circuit must not count requests, got %d", f.store.counts["bot-1"])
	}
	wantPause := trippedAt.Add(300 * time.Second)
	if !d.PausedUntil.Equal(wantPause) {
		t.Errorf("expected paused_until %v, got %v", wantPause, d.PausedUntil)
	}
}

func TestPauseExpiryClosesCircuit(t *testing.T) {
	f := newBreakerFixture(3)
	trippedAt := time.Now().Add(-6 * time.Minute)
	f.store.states["bot-1"] = &models.CircuitState{InstanceID: "bot-1", TrippedAt: &trippedAt}

	d, err := f.breaker.Allow(context.Background(), "acme", "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("request after the pause must pass")
	}
	if len(f.store.resets) != 1 || f.store.resets[0] != "bot-1" {
		t.Errorf("expected one reset, got %v", f.store.resets)
	}
}

func TestLostTripRaceDoesNotRefire(t *testing.T) {
	f := newBreakerFixture(3)
	// Another replica tripped the row between our count and our trip
	// statement, so Trip reports no transition.
	f.store.counts["bot-1"] = 10
	lost := false
	f.store.forceTripResult = &lost

	d, err := f.breaker.Allow(context.Background(), "acme", "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("over-limit request must be rejected")
	}
	if len(f.store.trips) != 1 {
		t.Fatalf("expected one trip attempt, got %v", f.store.trips)
	}
	if len(f.trips) != 0 {
		t.Errorf("lost trip race must not fire the callback, got %v", f.trips)
	}
}

func TestInstanceFallsBackToTenant(t *testing.T) {
	f := newBreakerFixture(3)

	if _, err := f.breaker.Allow(context.Background(), "acme", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.store.counts["acme"] != 1 {
		t.Errorf("expected tenant-keyed circuit, got %v", f.store.counts)
	}
}

func TestDefaultsApplied(t *testing.T) {
	b := New(Config{Store: newFakeStater(), Logger: logging.NewLogger()})
	if b.max != DefaultMaxRequestsPerWindow || b.window != DefaultWindow || b.pause != DefaultPause {
		t.Errorf("expected defaults, got max=%d window=%v pause=%v", b.max, b.window, b.pause)
	}
}
