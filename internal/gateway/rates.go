package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// Rate prices a model in dollars per 1000 tokens.
type Rate struct {
	InputPerK  float64 `json:"input_per_k"`
	OutputPerK float64 `json:"output_per_k"`
}

// DefaultFallbackRate prices models missing from the table. Deliberately
// on the expensive side so an unpriced model overcharges rather than
// leaks spend.
var DefaultFallbackRate = Rate{InputPerK: 0.01, OutputPerK: 0.03}

// RateTable answers per-model pricing for the token-math cost path. An
// unknown model gets the fallback rate and one warning, not an error;
// refusing traffic over a missing price row is worse than overcharging.
type RateTable struct {
	rates    map[string]Rate
	fallback Rate
	logger   logging.Logger

	mu     sync.Mutex
	warned map[string]bool
}

func NewRateTable(rates map[string]Rate, fallback Rate, logger logging.Logger) *RateTable {
	if fallback == (Rate{}) {
		fallback = DefaultFallbackRate
	}
	if rates == nil {
		rates = map[string]Rate{}
	}
	return &RateTable{
		rates:    rates,
		fallback: fallback,
		logger:   logger,
		warned:   map[string]bool{},
	}
}

// ParseRates decodes the MODEL_RATES env payload, a JSON object keyed by
// model name.
func ParseRates(raw string) (map[string]Rate, error) {
	if raw == "" {
		return map[string]Rate{}, nil
	}
	var rates map[string]Rate
	if err := json.Unmarshal([]byte(raw), &rates); err != nil {
		return nil, fmt.Errorf("failed to parse model rates: %w", err)
	}
	return rates, nil
}

// Lookup returns the rate for a model, falling back with a once-per-model
// warning.
func (t *RateTable) Lookup(model string) Rate {
	if rate, ok := t.rates[model]; ok {
		return rate
	}

	t.mu.Lock()
	seen := t.warned[model]
	t.warned[model] = true
	t.mu.Unlock()
	if !seen {
		t.logger.WithFields(logging.Fields{
			"model":        model,
			"input_per_k":  t.fallback.InputPerK,
			"output_per_k": t.fallback.OutputPerK,
		}).Warn("No rate configured for model, using fallback")
	}
	return t.fallback
}

// TokenCost prices a call from its token counts.
func (t *RateTable) TokenCost(model string, promptTokens, completionTokens int) credits.Credits {
	rate := t.Lookup(model)
	dollars := (float64(promptTokens)*rate.InputPerK + float64(completionTokens)*rate.OutputPerK) / 1000
	return credits.FromDollars(dollars)
}
