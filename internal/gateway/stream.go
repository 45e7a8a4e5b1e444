package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
)

var (
	ssePrefix  = []byte("data:")
	sseDone    = []byte("[DONE]")
	sseNewline = []byte("\n")
)

// streamMeter accumulates usage from SSE frames as they pass through.
// OpenAI-style streams carry cumulative totals in the final usage frame,
// so observe replaces counts rather than summing them.
type streamMeter struct {
	model            string
	promptTokens     int
	completionTokens int
	sawUsage         bool
	done             bool
}

func (m *streamMeter) observe(line []byte) {
	if !bytes.HasPrefix(line, ssePrefix) {
		return
	}
	payload := bytes.TrimSpace(line[len(ssePrefix):])
	if bytes.Equal(payload, sseDone) {
		m.done = true
		return
	}

	var frame struct {
		Model string      `json:"model"`
		Usage *usageBlock `json:"usage"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.Model != "" {
		m.model = frame.Model
	}
	if frame.Usage != nil {
		m.promptTokens = frame.Usage.PromptTokens
		m.completionTokens = frame.Usage.CompletionTokens
		m.sawUsage = true
	}
}

// streamResponse relays the provider's event stream line by line and
// emits the single meter event when the stream ends, whether it reached
// [DONE], hit EOF, or the client went away mid-stream.
func (g *Gateway) streamResponse(c *gin.Context, resp *http.Response, principal *auth.GatewayPrincipal, model, capability string) {
	meter := &streamMeter{model: model}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(resp.StatusCode)

	writer := c.Writer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		meter.observe(line)

		if _, err := writer.Write(line); err != nil {
			// Client went away; the provider still generated the
			// tokens, so bill what accumulated.
			break
		}
		if _, err := writer.Write(sseNewline); err != nil {
			break
		}
		writer.Flush()
	}
	if err := scanner.Err(); err != nil {
		g.logger.WithError(err).Warn("Upstream stream ended abnormally")
	}

	g.emitMeter(principal, meter.model, capability, g.streamCost(resp.Header, meter))
	g.countOutcome("proxied")
}

func (g *Gateway) streamCost(header http.Header, meter *streamMeter) credits.Credits {
	if cost, ok := g.headerCost(header); ok {
		return cost
	}
	if !meter.sawUsage {
		return 0
	}
	return g.rates.TokenCost(meter.model, meter.promptTokens, meter.completionTokens)
}
