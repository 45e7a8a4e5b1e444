package clients

import (
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// CircuitBreakerState mirrors the three failsafe-go breaker states.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures an outbound-call breaker.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// MaxRequests is the number of half-open successes required to close
	// the circuit again. Zero means one.
	MaxRequests uint32

	// Timeout is how long the circuit stays open before probing.
	// Zero means 15 seconds.
	Timeout time.Duration

	// FailureRatio opens the circuit when failures/requests exceeds it.
	// Zero means 0.5.
	FailureRatio float64

	// MinRequests is the sample size the ratio is evaluated over, so a
	// cold breaker does not trip on its very first error. Zero means 10.
	MinRequests uint32

	Logger logging.Logger

	// OnStateChange fires after each transition, once the state metrics
	// have been recorded.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker guards repeated calls to a single upstream, such as a
// container registry, so a dead host sheds load instead of absorbing every
// caller's full retry budget.
type CircuitBreaker struct {
	cb   circuitbreaker.CircuitBreaker[any]
	name string
}

// NewCircuitBreaker builds a breaker from cfg, filling zero fields with the
// documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "outbound"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	failures := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failures < 1 {
		failures = 1
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(failures, uint(cfg.MinRequests)).
		WithDelay(cfg.Timeout).
		WithSuccessThreshold(uint(cfg.MaxRequests)).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from := convertState(event.OldState)
			to := convertState(event.NewState)
			recordBreakerTransition(cfg.Name, from, to)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"breaker": cfg.Name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Outbound circuit breaker changed state")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		})

	recordBreakerState(cfg.Name, StateClosed)
	return &CircuitBreaker{cb: builder.Build(), name: cfg.Name}
}

func convertState(state circuitbreaker.State) CircuitBreakerState {
	switch state {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call runs fn through the breaker. While the circuit is open it returns
// circuitbreaker.ErrOpen without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := failsafe.With(cb.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return convertState(cb.cb.State())
}

// IsOpen reports whether calls are currently being rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.cb.IsOpen()
}

// DefaultShouldRetry retries network errors, 5xx responses and 429s.
// Everything else goes back to the caller as the final outcome.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
