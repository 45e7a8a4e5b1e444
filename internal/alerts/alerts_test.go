package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeStats struct {
	requests int64
	errored  int64
	err      error
}

func (f *fakeStats) WindowTotals(context.Context, time.Time) (int64, int64, error) {
	return f.requests, f.errored, f.err
}

type fakeFailures struct {
	count int
}

func (f *fakeFailures) CountDebitFailuresSince(context.Context, time.Time) (int, error) {
	return f.count, nil
}

type fakeStops struct {
	nodes []string
	calls int
}

func (f *fakeStops) ConsumeStops(context.Context) ([]string, error) {
	f.calls++
	nodes := f.nodes
	f.nodes = nil
	return nodes, nil
}

func TestGatewayErrorRateFiresAboveFivePercent(t *testing.T) {
	alert := GatewayErrorRate(&fakeStats{requests: 100, errored: 6})
	fired, detail, err := alert.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !fired {
		t.Fatal("6% error rate should fire")
	}
	if !strings.Contains(detail, "6.0%") {
		t.Fatalf("detail missing rate: %q", detail)
	}
}

func TestGatewayErrorRateFivePercentExactlyDoesNotFire(t *testing.T) {
	alert := GatewayErrorRate(&fakeStats{requests: 100, errored: 5})
	fired, _, err := alert.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if fired {
		t.Fatal("exactly 5% should not fire, the threshold is strict")
	}
}

func TestGatewayErrorRateQuietGatewayDoesNotFire(t *testing.T) {
	alert := GatewayErrorRate(&fakeStats{requests: 0, errored: 0})
	fired, _, err := alert.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if fired {
		t.Fatal("zero requests should never fire")
	}
}

func TestGatewayErrorRatePropagatesStoreError(t *testing.T) {
	alert := GatewayErrorRate(&fakeStats{err: errors.New("db down")})
	if _, _, err := alert.Check(context.Background()); err == nil {
		t.Fatal("expected store error to surface")
	}
}

func TestCreditDeductionSpikeThreshold(t *testing.T) {
	fired, _, err := CreditDeductionSpike(&fakeFailures{count: 10}).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if fired {
		t.Fatal("10 rejections should not fire, the threshold is strict")
	}

	fired, detail, err := CreditDeductionSpike(&fakeFailures{count: 11}).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !fired {
		t.Fatal("11 rejections should fire")
	}
	if !strings.Contains(detail, "11") {
		t.Fatalf("detail missing count: %q", detail)
	}
}

func TestFleetUnexpectedStopConsumesEvents(t *testing.T) {
	stops := &fakeStops{nodes: []string{"node-1", "node-2"}}
	alert := FleetUnexpectedStop(stops)

	fired, detail, err := alert.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !fired {
		t.Fatal("pending stops should fire")
	}
	if !strings.Contains(detail, "node-1") || !strings.Contains(detail, "node-2") {
		t.Fatalf("detail missing nodes: %q", detail)
	}

	// The first check consumed the events, so the second pass resolves.
	fired, _, err = alert.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if fired {
		t.Fatal("consumed stops should not fire again")
	}
	if stops.calls != 2 {
		t.Fatalf("expected 2 consume calls, got %d", stops.calls)
	}
}
