package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// CostHeader lets an upstream report its exact cost in dollars. When
// present it wins over token-based pricing.
const CostHeader = "X-Upstream-Cost-Usd"

const maxRequestBody = 10 << 20 // 10 MiB

type requestMeta struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (g *Gateway) dispatch(c *gin.Context, principal *auth.GatewayPrincipal) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		openAIError(c, http.StatusBadRequest, "invalid_request", "invalid_request_error", "Failed to read request body")
		return
	}

	// Best effort: non-JSON passthrough requests simply have no model.
	var meta requestMeta
	if len(body) > 0 {
		_ = json.Unmarshal(body, &meta)
	}

	path := c.Param("path")
	resp, err := g.upstream.Do(c.Request.Context(), principal.TenantID, c.Request.Method, "/v1"+path, c.Request.Header, body)
	if err != nil {
		// Never dispatched, so nothing to meter.
		g.countOutcome("upstream_error")
		g.logger.WithError(err).WithField("path", path).Error("Upstream dispatch failed")
		openAIError(c, http.StatusBadGateway, "upstream_unreachable", "api_error", "Upstream provider unreachable")
		return
	}
	defer resp.Body.Close() //nolint:errcheck // close is best-effort

	capability := capabilityFromPath(path)
	if isEventStream(resp) {
		g.streamResponse(c, resp, principal, meta.Model, capability)
		return
	}
	g.forwardResponse(c, resp, principal, meta.Model, capability)
}

func (g *Gateway) forwardResponse(c *gin.Context, resp *http.Response, principal *auth.GatewayPrincipal, model, capability string) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.countOutcome("upstream_error")
		g.logger.WithError(err).Error("Upstream response read failed")
		openAIError(c, http.StatusBadGateway, "upstream_unreachable", "api_error", "Upstream response truncated")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, respBody)

	if resp.StatusCode >= http.StatusBadRequest {
		// Upstream errors carry no billable usage.
		g.countOutcome("upstream_rejected")
		return
	}

	cost, model := g.responseCost(resp.Header, respBody, model)
	g.emitMeter(principal, model, capability, cost)
	g.countOutcome("proxied")
}

// headerCost parses the upstream's exact-cost header. Malformed values
// are logged and treated as absent.
func (g *Gateway) headerCost(header http.Header) (credits.Credits, bool) {
	raw := header.Get(CostHeader)
	if raw == "" {
		return 0, false
	}
	dollars, err := strconv.ParseFloat(raw, 64)
	if err != nil || dollars < 0 {
		g.logger.WithField("value", raw).Warn("Ignoring malformed upstream cost header")
		return 0, false
	}
	return credits.FromDollars(dollars), true
}

// responseCost prices a completed call: the cost header when the
// upstream sent one, token counts against the rate table otherwise.
func (g *Gateway) responseCost(header http.Header, body []byte, model string) (credits.Credits, string) {
	if cost, ok := g.headerCost(header); ok {
		return cost, model
	}

	var parsed struct {
		Model string      `json:"model"`
		Usage *usageBlock `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Usage == nil {
		return 0, model
	}
	if parsed.Model != "" {
		model = parsed.Model
	}
	return g.rates.TokenCost(model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens), model
}

// emitMeter records exactly one meter event for a dispatched request.
// Persistence happens off the request path so the caller's response
// never waits on billing writes.
func (g *Gateway) emitMeter(principal *auth.GatewayPrincipal, model, capability string, cost credits.Credits) {
	ev := &models.MeterEvent{
		EventID:    uuid.NewString(),
		TenantID:   principal.TenantID,
		Cost:       cost,
		Charge:     cost.ApplyMarginPercent(g.margin),
		Capability: capability,
		Provider:   g.upstream.Name(),
		CreatedAt:  time.Now().UTC(),
	}
	if principal.InstanceID != "" {
		instanceID := principal.InstanceID
		ev.InstanceID = &instanceID
	}
	if model != "" {
		m := model
		ev.Model = &m
	}

	if g.metrics != nil && g.metrics.MeterEvents != nil {
		g.metrics.MeterEvents.Inc()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := g.meters.Insert(ctx, ev); err != nil {
			g.logger.WithError(err).WithField("event_id", ev.EventID).Error("Failed to record meter event")
		}
		if g.publisher == nil {
			return
		}
		if err := g.publisher.Publish(ctx, ev); err != nil {
			g.logger.WithError(err).WithField("event_id", ev.EventID).Error("Failed to publish meter event")
		}
	}()
}

func capabilityFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "proxy"
	}
	if i := strings.IndexByte(trimmed, '/'); i > 0 {
		return trimmed[:i]
	}
	return trimmed
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
