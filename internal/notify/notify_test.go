package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

type fakeMailer struct {
	subjects []string
	bodies   []string
	err      error
}

func (f *fakeMailer) SendMail(_ context.Context, _, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

func TestRecoveryFinishedEmail(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(Config{Mailer: mailer, To: "ops@wopr.network", Logger: logging.NewLogger()})

	event := &models.RecoveryEvent{
		ID: "rec-1", NodeID: "node-1", Trigger: "watchdog", Status: "partial",
		TenantsTotal: 3, TenantsRecovered: 2, TenantsWaiting: 1,
	}
	if err := n.RecoveryFinished(context.Background(), event); err != nil {
		t.Fatalf("RecoveryFinished: %v", err)
	}

	if len(mailer.subjects) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(mailer.subjects))
	}
	if !strings.Contains(mailer.subjects[0], "partial") || !strings.Contains(mailer.subjects[0], "node-1") {
		t.Fatalf("subject missing outcome: %q", mailer.subjects[0])
	}
	if !strings.Contains(mailer.bodies[0], "2 recovered") {
		t.Fatalf("body missing counts: %q", mailer.bodies[0])
	}
}

func TestCapacityOverflowEmail(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(Config{Mailer: mailer, To: "ops@wopr.network", Logger: logging.NewLogger()})

	if err := n.CapacityOverflow(context.Background(), "node-1", 4); err != nil {
		t.Fatalf("CapacityOverflow: %v", err)
	}
	if len(mailer.bodies) != 1 || !strings.Contains(mailer.bodies[0], "4") {
		t.Fatalf("body missing waiting count: %v", mailer.bodies)
	}
}

func TestDisabledNotifierOnlyLogs(t *testing.T) {
	n := New(Config{Logger: logging.NewLogger()})

	if err := n.RecoveryFinished(context.Background(), &models.RecoveryEvent{ID: "rec-1"}); err != nil {
		t.Fatalf("disabled notifier should not error: %v", err)
	}
	n.AlertFired("gateway-error-rate", "9% of requests errored")
	n.AlertResolved("gateway-error-rate")
}

func TestAlertHooksSendMail(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(Config{Mailer: mailer, To: "ops@wopr.network", Logger: logging.NewLogger()})

	n.AlertFired("credit-deduction-spike", "11 debits rejected")
	n.AlertResolved("credit-deduction-spike")

	if len(mailer.subjects) != 2 {
		t.Fatalf("expected fire+resolve mails, got %v", mailer.subjects)
	}
	if !strings.Contains(mailer.subjects[0], "ALERT") || !strings.Contains(mailer.subjects[1], "RESOLVED") {
		t.Fatalf("unexpected subjects: %v", mailer.subjects)
	}
	if !strings.Contains(mailer.bodies[0], "11 debits rejected") {
		t.Fatalf("fire body missing detail: %q", mailer.bodies[0])
	}
}

func TestSendFailureSurfacesFromRecovery(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp down")}
	n := New(Config{Mailer: mailer, To: "ops@wopr.network", Logger: logging.NewLogger()})

	if err := n.RecoveryFinished(context.Background(), &models.RecoveryEvent{ID: "rec-1"}); err == nil {
		t.Fatal("expected smtp failure to surface")
	}
}
