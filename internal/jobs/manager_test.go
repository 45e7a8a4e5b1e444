package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/kafka"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

type countingRunner struct {
	started chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) {
	close(r.started)
	<-ctx.Done()
}

type countingSyncer struct {
	calls atomic.Int64
}

func (s *countingSyncer) Sync() error {
	s.calls.Add(1)
	return nil
}

type countingSchedule struct {
	calls atomic.Int64
}

func (s *countingSchedule) RunDue(context.Context, time.Time) error {
	s.calls.Add(1)
	return nil
}

type fakeConsumer struct {
	mu       sync.Mutex
	topics   []string
	started  chan struct{}
	closed   bool
	startErr error
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{started: make(chan struct{})}
}

func (f *fakeConsumer) AddHandler(topic string, _ kafka.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
}

func (f *fakeConsumer) Start(ctx context.Context) error {
	close(f.started)
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestManagerStartsRunners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchdog := &countingRunner{started: make(chan struct{})}
	alerts := &countingRunner{started: make(chan struct{})}
	m := NewManager(Config{
		Watchdog: watchdog,
		Alerts:   alerts,
		Logger:   logging.NewLogger(),
	})
	m.Start(ctx)

	waitFor(t, watchdog.started, "watchdog start")
	waitFor(t, alerts.started, "alert checker start")
}

func TestManagerRunsScheduledTopups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topups := &countingSchedule{}
	m := NewManager(Config{
		Topups:        topups,
		TopupInterval: 5 * time.Millisecond,
		Logger:        logging.NewLogger(),
	})
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for topups.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled top-up job never ran")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerSyncsPoller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &countingSyncer{}
	m := NewManager(Config{
		Poller:       poller,
		SyncInterval: 5 * time.Millisecond,
		Logger:       logging.NewLogger(),
	})
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for poller.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller sync job never ran")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerWiresMeterConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newFakeConsumer()
	handler := func(context.Context, kafka.Message) error { return nil }
	m := NewManager(Config{
		Consumer:     consumer,
		MeterHandler: handler,
		Logger:       logging.NewLogger(),
	})
	m.Start(ctx)

	waitFor(t, consumer.started, "consumer start")
	consumer.mu.Lock()
	topics := append([]string(nil), consumer.topics...)
	consumer.mu.Unlock()
	if len(topics) != 1 || topics[0] != "wopr.meter.events" {
		t.Fatalf("topics = %v, want the default meter topic", topics)
	}

	m.Stop()
	consumer.mu.Lock()
	closed := consumer.closed
	consumer.mu.Unlock()
	if !closed {
		t.Fatal("Stop did not close the consumer")
	}
}

func TestManagerStopEndsLoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topups := &countingSchedule{}
	m := NewManager(Config{
		Topups:        topups,
		TopupInterval: 5 * time.Millisecond,
		Logger:        logging.NewLogger(),
	})
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for topups.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled top-up job never ran")
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()

	// Let any tick already selected drain, then require quiet.
	time.Sleep(25 * time.Millisecond)
	before := topups.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if after := topups.calls.Load(); after != before {
		t.Fatalf("top-up job still running after Stop: %d -> %d", before, after)
	}
}

func TestManagerSkipsNilComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(Config{Logger: logging.NewLogger()})
	m.Start(ctx)
	m.Stop()
}
