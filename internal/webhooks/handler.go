package webhooks

import (
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// maxWebhookBodyBytes caps event payloads. Stripe events are a few KB;
// anything near a megabyte is abuse.
const maxWebhookBodyBytes = 1 << 20

// Metrics are optional counters for webhook outcomes.
type Metrics struct {
	Deliveries *prometheus.CounterVec // labels: outcome
}

// Config wires the HTTP handler.
type Config struct {
	Reconciler *Reconciler
	Penalties  PenaltyStore
	// Secret is the Stripe endpoint signing secret (whsec_...).
	Secret  string
	Logger  logging.Logger
	Metrics *Metrics
}

// Handler terminates POST /webhooks/stripe: throttle, verify, apply.
type Handler struct {
	reconciler *Reconciler
	penalties  PenaltyStore
	secret     string
	logger     logging.Logger
	metrics    *Metrics
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		reconciler: cfg.Reconciler,
		penalties:  cfg.Penalties,
		secret:     cfg.Secret,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/webhooks/stripe", h.HandleStripe)
}

func (h *Handler) HandleStripe(c *gin.Context) {
	sourceIP := c.ClientIP()

	// 1. Sources that keep sending bad signatures back off before we
	// spend any verification work on them.
	remaining, err := h.penalties.Throttled(c.Request.Context(), sourceIP)
	if err != nil {
		// A dead penalty store must not block payment deliveries.
		h.logger.WithError(err).Warn("Signature penalty check failed, allowing delivery")
	} else if remaining > 0 {
		retrySeconds := int(math.Ceil(remaining.Seconds()))
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retrySeconds))
		h.count("throttled")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many invalid signatures"})
		return
	}

	// 2. Bounded read.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		h.count("read_error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxWebhookBodyBytes {
		h.count("oversized")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	// 3. Verify the signature before trusting a byte of the payload.
	event, err := webhook.ConstructEvent(body, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		if perr := h.penalties.RecordFailure(c.Request.Context(), sourceIP); perr != nil {
			h.logger.WithError(perr).Warn("Failed to record signature failure")
		}
		h.count("invalid_signature")
		h.logger.WithFields(logging.Fields{
			"source_ip": sourceIP,
			"error":     err.Error(),
		}).Warn("Invalid Stripe webhook signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	// 4. Reconcile.
	result, err := h.reconciler.Apply(c.Request.Context(), &event)
	if err != nil {
		h.count("error")
		h.logger.WithError(err).WithFields(logging.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Error("Failed to process Stripe webhook")
		// 500 tells Stripe to retry the delivery later.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
		return
	}

	switch {
	case result.CreditedCents > 0:
		h.count("credited")
	case result.Handled:
		h.count("acknowledged")
	default:
		h.count("ignored")
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) count(outcome string) {
	if h.metrics != nil && h.metrics.Deliveries != nil {
		h.metrics.Deliveries.WithLabelValues(outcome).Inc()
	}
}
