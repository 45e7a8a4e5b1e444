package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

func newVaultStore(t *testing.T, master string) (*Store, *Vault, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	v, err := New([]byte(master))
	if err != nil {
		t.Fatalf("failed to build vault: %v", err)
	}
	store := NewStore(mockDB, v, logging.NewLogger())
	return store, v, mock, func() { mockDB.Close() }
}

func credentialColumns() []string {
	return []string{"id", "scope", "tenant_id", "provider", "name", "payload", "created_at", "updated_at"}
}

func TestPutPlatformUpserts(t *testing.T) {
	store, _, mock, done := newVaultStore(t, "master")
	defer done()

	mock.ExpectExec(`INSERT INTO vault_credentials`).
		WithArgs(ScopePlatform, "", "openai", "api_key", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.PutPlatform(context.Background(), "openai", "api_key", "sk-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPlatformCredentialDecrypts(t *testing.T) {
	store, v, mock, done := newVaultStore(t, "master")
	defer done()

	sealed, err := v.Encrypt("sk-123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	mock.ExpectQuery(`SELECT payload FROM vault_credentials`).
		WithArgs(ScopePlatform, "", "openai", "api_key").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(sealed))

	secret, err := store.PlatformCredential(context.Background(), "openai", "api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "sk-123" {
		t.Errorf("expected decrypted secret, got %q", secret)
	}
}

func TestTenantCredentialDecrypts(t *testing.T) {
	store, v, mock, done := newVaultStore(t, "master")
	defer done()

	sealed, err := v.EncryptForTenant("acme", "byok-key")
	if err != nil {
		t.Fatalf("EncryptForTenant: %v", err)
	}
	mock.ExpectQuery(`SELECT payload FROM vault_credentials`).
		WithArgs(ScopeTenant, "acme", "anthropic", "api_key").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(sealed))

	secret, err := store.TenantCredential(context.Background(), "acme", "anthropic", "api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "byok-key" {
		t.Errorf("expected decrypted secret, got %q", secret)
	}
}

func TestCredentialNotFound(t *testing.T) {
	store, _, mock, done := newVaultStore(t, "master")
	defer done()

	mock.ExpectQuery(`SELECT payload FROM vault_credentials`).
		WithArgs(ScopePlatform, "", "openai", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := store.PlatformCredential(context.Background(), "openai", "missing")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestAuditFlagsPlaintextRows(t *testing.T) {
	store, v, mock, done := newVaultStore(t, "master")
	defer done()

	sealed, err := v.Encrypt("sk-safe")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	now := time.Now()
	rows := sqlmock.NewRows(credentialColumns()).
		AddRow(1, ScopePlatform, "", "openai", "api_key", sealed, now, now).
		AddRow(2, ScopePlatform, "", "groq", "api_key", "sk-raw-plaintext", now, now)
	mock.ExpectQuery(`SELECT id, scope, tenant_id, provider, name, payload`).WillReturnRows(rows)

	report, err := store.Audit(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 2 || report.Sealed != 1 {
		t.Errorf("expected 2 total / 1 sealed, got %d / %d", report.Total, report.Sealed)
	}
	if len(report.Plaintext) != 1 {
		t.Fatalf("expected 1 flagged row, got %d", len(report.Plaintext))
	}
	flagged := report.Plaintext[0]
	if flagged.Provider != "groq" {
		t.Errorf("expected groq flagged, got %q", flagged.Provider)
	}
	if flagged.Payload != "" {
		t.Error("audit report must not carry payloads")
	}
}

func TestMigratePlaintextSealsOnlyFlaggedRows(t *testing.T) {
	store, v, mock, done := newVaultStore(t, "master")
	defer done()

	sealed, err := v.Encrypt("already-safe")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	now := time.Now()
	rows := sqlmock.NewRows(credentialColumns()).
		AddRow(1, ScopePlatform, "", "openai", "api_key", sealed, now, now).
		AddRow(2, ScopePlatform, "", "groq", "api_key", "sk-raw", now, now).
		AddRow(3, ScopeTenant, "acme", "anthropic", "api_key", "byok-raw", now, now)
	mock.ExpectQuery(`SELECT id, scope, tenant_id, provider, name, payload`).WillReturnRows(rows)

	// Only the two plaintext rows get rewritten.
	mock.ExpectExec(`UPDATE vault_credentials SET payload`).
		WithArgs(sqlmock.AnyArg(), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE vault_credentials SET payload`).
		WithArgs(sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	migrated, err := store.MigratePlaintext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if migrated != 2 {
		t.Errorf("expected 2 migrated rows, got %d", migrated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReEncryptAllRotatesAndReportsFailures(t *testing.T) {
	store, _, mock, done := newVaultStore(t, "old-master")
	defer done()

	oldVault, err := New([]byte("old-master"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	platformSealed, err := oldVault.Encrypt("sk-123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tenantSealed, err := oldVault.EncryptForTenant("acme", "byok-key")
	if err != nil {
		t.Fatalf("EncryptForTenant: %v", err)
	}

	now := time.Now()
	rows := sqlmock.NewRows(credentialColumns()).
		AddRow(1, ScopePlatform, "", "openai", "api_key", platformSealed, now, now).
		AddRow(2, ScopeTenant, "acme", "anthropic", "api_key", tenantSealed, now, now).
		AddRow(3, ScopePlatform, "", "groq", "api_key", "never-sealed", now, now)
	mock.ExpectQuery(`SELECT id, scope, tenant_id, provider, name, payload`).WillReturnRows(rows)

	mock.ExpectExec(`UPDATE vault_credentials SET payload`).
		WithArgs(sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE vault_credentials SET payload`).
		WithArgs(sqlmock.AnyArg(), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := store.ReEncryptAll(context.Background(), []byte("old-master"), []byte("new-master"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 3 || report.ReEncrypted != 2 {
		t.Errorf("expected 3 total / 2 re-encrypted, got %d / %d", report.Total, report.ReEncrypted)
	}
	if len(report.Failures) != 1 || !strings.Contains(report.Failures[0], "credential 3") {
		t.Errorf("expected one failure naming credential 3, got %v", report.Failures)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUnknownCredential(t *testing.T) {
	store, _, mock, done := newVaultStore(t, "master")
	defer done()

	mock.ExpectExec(`DELETE FROM vault_credentials`).
		WithArgs(ScopePlatform, "", "openai", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), ScopePlatform, "", "openai", "ghost")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}
