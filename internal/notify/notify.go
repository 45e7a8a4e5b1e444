// Package notify sends operator email for recovery outcomes and alert
// transitions. Without SMTP configuration every notification degrades
// to a log line, so nothing here is load-bearing for correctness.
package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Mailer delivers one message. Implemented by pkg/email.Sender.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, htmlBody string) error
}

// Config carries the notifier's dependencies. A nil Mailer or empty To
// disables email.
type Config struct {
	Mailer Mailer
	To     string
	Logger logging.Logger
}

// Notifier emails the operator address about fleet events.
type Notifier struct {
	mailer Mailer
	to     string
	logger logging.Logger
}

func New(cfg Config) *Notifier {
	return &Notifier{
		mailer: cfg.Mailer,
		to:     cfg.To,
		logger: cfg.Logger,
	}
}

func (n *Notifier) enabled() bool {
	return n.mailer != nil && n.to != ""
}

// RecoveryFinished reports how a node recovery ended.
func (n *Notifier) RecoveryFinished(ctx context.Context, event *models.RecoveryEvent) error {
	subject := fmt.Sprintf("[wopr] Recovery %s for node %s", event.Status, event.NodeID)
	body := fmt.Sprintf(
		"<p>Recovery <b>%s</b> finished with status <b>%s</b>.</p>"+
			"<ul><li>Node: %s</li><li>Trigger: %s</li>"+
			"<li>Tenants: %d total, %d recovered, %d failed, %d waiting</li></ul>",
		html.EscapeString(event.ID), html.EscapeString(event.Status),
		html.EscapeString(event.NodeID), html.EscapeString(event.Trigger),
		event.TenantsTotal, event.TenantsRecovered, event.TenantsFailed, event.TenantsWaiting,
	)
	return n.send(ctx, subject, body)
}

// CapacityOverflow reports tenants left waiting because no node could
// take them.
func (n *Notifier) CapacityOverflow(ctx context.Context, nodeID string, waiting int) error {
	subject := fmt.Sprintf("[wopr] Recovery capacity overflow on node %s", nodeID)
	body := fmt.Sprintf(
		"<p>Recovery from node <b>%s</b> left <b>%d</b> tenant(s) waiting for capacity."+
			" Add a node or free memory, then retry the waiting items.</p>",
		html.EscapeString(nodeID), waiting,
	)
	return n.send(ctx, subject, body)
}

// AlertFired matches the alert checker's OnFire hook.
func (n *Notifier) AlertFired(name, detail string) {
	subject := fmt.Sprintf("[wopr] ALERT %s", name)
	body := fmt.Sprintf("<p>Alert <b>%s</b> fired at %s.</p><p>%s</p>",
		html.EscapeString(name),
		time.Now().UTC().Format(time.RFC3339),
		html.EscapeString(detail),
	)
	if err := n.send(context.Background(), subject, body); err != nil {
		n.logger.WithError(err).WithField("alert", name).Error("Failed to send alert email")
	}
}

// AlertResolved matches the alert checker's OnResolve hook.
func (n *Notifier) AlertResolved(name string) {
	subject := fmt.Sprintf("[wopr] RESOLVED %s", name)
	body := fmt.Sprintf("<p>Alert <b>%s</b> resolved at %s.</p>",
		html.EscapeString(name),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err := n.send(context.Background(), subject, body); err != nil {
		n.logger.WithError(err).WithField("alert", name).Error("Failed to send resolve email")
	}
}

func (n *Notifier) send(ctx context.Context, subject, body string) error {
	if !n.enabled() {
		n.logger.WithField("subject", subject).Info("Email disabled, notification logged only")
		return nil
	}
	if err := n.mailer.SendMail(ctx, n.to, subject, body); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
