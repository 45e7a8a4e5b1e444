// Package alerts holds the operational alert checks and the checker
// that drives them on a timer. Checks are cheap reads over state other
// components already maintain; firing and resolving notify exactly once
// per transition.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// checkWindow is the lookback for the rate and spike checks.
	checkWindow = 5 * time.Minute
	// errorRateThreshold is the gateway error fraction that fires.
	errorRateThreshold = 0.05
	// debitSpikeThreshold is the rejected-debit count that fires.
	debitSpikeThreshold = 10
)

// Alert is one named condition. Check reports whether the condition
// holds right now plus a human detail line for the notification.
type Alert struct {
	Name  string
	Check func(ctx context.Context) (bool, string, error)
}

// StatsReader supplies windowed gateway request totals.
type StatsReader interface {
	WindowTotals(ctx context.Context, since time.Time) (requests, errors int64, err error)
}

// GatewayErrorRate fires when more than 5% of gateway requests errored
// over the last five minutes. A quiet gateway never fires.
func GatewayErrorRate(stats StatsReader) Alert {
	return Alert{
		Name: "gateway-error-rate",
		Check: func(ctx context.Context) (bool, string, error) {
			requests, errored, err := stats.WindowTotals(ctx, time.Now().Add(-checkWindow))
			if err != nil {
				return false, "", err
			}
			if requests == 0 {
				return false, "", nil
			}
			rate := float64(errored) / float64(requests)
			if rate <= errorRateThreshold {
				return false, "", nil
			}
			detail := fmt.Sprintf("%.1f%% of %d gateway requests errored in the last 5m", rate*100, requests)
			return true, detail, nil
		},
	}
}

// FailureCounter counts rejected debits since a cutoff.
type FailureCounter interface {
	CountDebitFailuresSince(ctx context.Context, since time.Time) (int, error)
}

// CreditDeductionSpike fires when more than ten debits were rejected in
// the last five minutes. A burst of rejections usually means a metering
// bug or a tenant the status gate should have stopped.
func CreditDeductionSpike(failures FailureCounter) Alert {
	return Alert{
		Name: "credit-deduction-spike",
		Check: func(ctx context.Context) (bool, string, error) {
			count, err := failures.CountDebitFailuresSince(ctx, time.Now().Add(-checkWindow))
			if err != nil {
				return false, "", err
			}
			if count <= debitSpikeThreshold {
				return false, "", nil
			}
			return true, fmt.Sprintf("%d debits rejected in the last 5m", count), nil
		},
	}
}

// StopConsumer drains unconsumed fleet_stop events.
type StopConsumer interface {
	ConsumeStops(ctx context.Context) ([]string, error)
}

// FleetUnexpectedStop fires when bots stopped without the control plane
// asking. The check consumes the pending events, so the alert resolves
// on the next pass unless new stops arrive.
func FleetUnexpectedStop(events StopConsumer) Alert {
	return Alert{
		Name: "fleet-unexpected-stop",
		Check: func(ctx context.Context) (bool, string, error) {
			nodes, err := events.ConsumeStops(ctx)
			if err != nil {
				return false, "", err
			}
			if len(nodes) == 0 {
				return false, "", nil
			}
			return true, "unexpected bot stops on nodes: " + strings.Join(nodes, ", "), nil
		},
	}
}
