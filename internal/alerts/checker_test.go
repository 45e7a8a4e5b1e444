package alerts

import (
	"context"
	"errors"
	"testing"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

type checkStep struct {
	fired  bool
	detail string
	err    error
}

// scriptedAlert returns its steps in order, repeating the last one.
type scriptedAlert struct {
	name  string
	steps []checkStep
	pos   int
}

func (s *scriptedAlert) alert() Alert {
	return Alert{
		Name: s.name,
		Check: func(context.Context) (bool, string, error) {
			step := s.steps[s.pos]
			if s.pos < len(s.steps)-1 {
				s.pos++
			}
			return step.fired, step.detail, step.err
		},
	}
}

type transitionLog struct {
	fires    []string
	resolves []string
}

func newTestChecker(alerts []Alert) (*Checker, *transitionLog) {
	log := &transitionLog{}
	checker := NewChecker(CheckerConfig{
		Alerts: alerts,
		OnFire: func(name, detail string) {
			log.fires = append(log.fires, name+": "+detail)
		},
		OnResolve: func(name string) {
			log.resolves = append(log.resolves, name)
		},
		Logger: logging.NewLogger(),
	})
	return checker, log
}

func TestCheckerFiresOncePerTransition(t *testing.T) {
	scripted := &scriptedAlert{
		name: "test-alert",
		steps: []checkStep{
			{fired: false},
			{fired: true, detail: "boom"},
			{fired: true, detail: "still boom"},
			{fired: false},
		},
	}
	checker, log := newTestChecker([]Alert{scripted.alert()})
	ctx := context.Background()

	checker.CheckNow(ctx) // quiet
	checker.CheckNow(ctx) // fires
	checker.CheckNow(ctx) // still firing, no second notification
	checker.CheckNow(ctx) // resolves

	if len(log.fires) != 1 || log.fires[0] != "test-alert: boom" {
		t.Fatalf("expected exactly one fire, got %v", log.fires)
	}
	if len(log.resolves) != 1 || log.resolves[0] != "test-alert" {
		t.Fatalf("expected exactly one resolve, got %v", log.resolves)
	}
}

func TestCheckerFiresOnFirstCheck(t *testing.T) {
	scripted := &scriptedAlert{
		name:  "test-alert",
		steps: []checkStep{{fired: true, detail: "already bad"}},
	}
	checker, log := newTestChecker([]Alert{scripted.alert()})

	checker.CheckNow(context.Background())

	if len(log.fires) != 1 {
		t.Fatalf("expected the first check to fire, got %v", log.fires)
	}
	if len(log.resolves) != 0 {
		t.Fatalf("nothing to resolve yet, got %v", log.resolves)
	}
}

func TestCheckerErrorKeepsCachedState(t *testing.T) {
	scripted := &scriptedAlert{
		name: "test-alert",
		steps: []checkStep{
			{fired: true, detail: "boom"},
			{err: errors.New("db down")},
		},
	}
	checker, log := newTestChecker([]Alert{scripted.alert()})
	ctx := context.Background()

	checker.CheckNow(ctx)
	checker.CheckNow(ctx) // errors; must not resolve

	if len(log.resolves) != 0 {
		t.Fatalf("check error resolved the alert: %v", log.resolves)
	}
	status := checker.Status()
	if len(status) != 1 || !status[0].Fired {
		t.Fatalf("cached state lost on error: %+v", status)
	}
}

func TestStatusNeverInvokesChecks(t *testing.T) {
	calls := 0
	alert := Alert{
		Name: "counting-alert",
		Check: func(context.Context) (bool, string, error) {
			calls++
			return false, "", nil
		},
	}
	checker, _ := newTestChecker([]Alert{alert})

	status := checker.Status()
	if calls != 0 {
		t.Fatalf("Status ran checks %d times", calls)
	}
	if len(status) != 1 || status[0].Name != "counting-alert" || status[0].Fired {
		t.Fatalf("unexpected unchecked status: %+v", status)
	}

	checker.CheckNow(context.Background())
	if calls != 1 {
		t.Fatalf("expected exactly one check invocation, got %d", calls)
	}
	if got := checker.Status()[0]; got.CheckedAt.IsZero() {
		t.Fatalf("checked status missing timestamp: %+v", got)
	}
}

func TestStatusKeepsRegistrationOrder(t *testing.T) {
	a := Alert{Name: "alpha", Check: func(context.Context) (bool, string, error) { return false, "", nil }}
	b := Alert{Name: "beta", Check: func(context.Context) (bool, string, error) { return true, "b", nil }}
	checker, _ := newTestChecker([]Alert{b, a})

	checker.CheckNow(context.Background())

	status := checker.Status()
	if status[0].Name != "beta" || status[1].Name != "alpha" {
		t.Fatalf("unexpected order: %+v", status)
	}
	if !status[0].Fired || status[1].Fired {
		t.Fatalf("unexpected fired flags: %+v", status)
	}
}
