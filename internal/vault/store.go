package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// Credential scopes. Platform rows hold provider keys shared by every
// tenant; tenant rows hold BYOK material sealed under the tenant's key.
const (
	ScopePlatform = "platform"
	ScopeTenant   = "tenant"
)

// ErrCredentialNotFound is returned for lookups with no matching row.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is one vault_credentials row. TenantID is empty for
// platform-scoped rows.
type Credential struct {
	ID        int64     `json:"id"`
	Scope     string    `json:"scope"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	Payload   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditReport summarises a plaintext scan. Flagged rows carry identity
// only, never the payload.
type AuditReport struct {
	Total     int          `json:"total"`
	Sealed    int          `json:"sealed"`
	Plaintext []Credential `json:"plaintext,omitempty"`
}

// ReEncryptReport summarises a master-secret rotation pass.
type ReEncryptReport struct {
	Total       int      `json:"total"`
	ReEncrypted int      `json:"re_encrypted"`
	Failures    []string `json:"failures,omitempty"`
}

// Store owns vault_credentials.
type Store struct {
	db     *sql.DB
	vault  *Vault
	logger logging.Logger
}

func NewStore(db *sql.DB, vault *Vault, logger logging.Logger) *Store {
	return &Store{db: db, vault: vault, logger: logger}
}

// PutPlatform seals and upserts a platform-scoped secret.
func (s *Store) PutPlatform(ctx context.Context, provider, name, secret string) error {
	sealed, err := s.vault.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}
	return s.put(ctx, ScopePlatform, "", provider, name, sealed)
}

// PutTenant seals and upserts a tenant-scoped secret under the tenant's
// derived key.
func (s *Store) PutTenant(ctx context.Context, tenantID, provider, name, secret string) error {
	sealed, err := s.vault.EncryptForTenant(tenantID, secret)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}
	return s.put(ctx, ScopeTenant, tenantID, provider, name, sealed)
}

func (s *Store) put(ctx context.Context, scope, tenantID, provider, name, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_credentials (scope, tenant_id, provider, name, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, tenant_id, provider, name)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`, scope, tenantID, provider, name, payload)
	if err != nil {
		return fmt.Errorf("failed to store credential %s/%s: %w", provider, name, err)
	}
	return nil
}

// PlatformCredential returns a decrypted platform secret. Falken resolves
// upstream provider keys through this.
func (s *Store) PlatformCredential(ctx context.Context, provider, name string) (string, error) {
	payload, err := s.payload(ctx, ScopePlatform, "", provider, name)
	if err != nil {
		return "", err
	}
	return s.vault.Decrypt(payload)
}

// TenantCredential returns a decrypted tenant-scoped secret.
func (s *Store) TenantCredential(ctx context.Context, tenantID, provider, name string) (string, error) {
	payload, err := s.payload(ctx, ScopeTenant, tenantID, provider, name)
	if err != nil {
		return "", err
	}
	return s.vault.DecryptForTenant(tenantID, payload)
}

func (s *Store) payload(ctx context.Context, scope, tenantID, provider, name string) (string, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM vault_credentials
		WHERE scope = $1 AND tenant_id = $2 AND provider = $3 AND name = $4
	`, scope, tenantID, provider, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s/%s: %w", provider, name, ErrCredentialNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return payload, nil
}

// Delete removes a credential row.
func (s *Store) Delete(ctx context.Context, scope, tenantID, provider, name string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM vault_credentials
		WHERE scope = $1 AND tenant_id = $2 AND provider = $3 AND name = $4
	`, scope, tenantID, provider, name)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s/%s: %w", provider, name, ErrCredentialNotFound)
	}
	return nil
}

// Audit scans every row and flags the ones not in the sealed format.
func (s *Store) Audit(ctx context.Context) (*AuditReport, error) {
	creds, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{Total: len(creds)}
	for _, c := range creds {
		if IsSealed(c.Payload) {
			report.Sealed++
			continue
		}
		c.Payload = ""
		report.Plaintext = append(report.Plaintext, c)
	}
	return report, nil
}

// MigratePlaintext seals every flagged row in place. Already-sealed rows
// are untouched, so re-running is a no-op.
func (s *Store) MigratePlaintext(ctx context.Context) (int, error) {
	creds, err := s.list(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, c := range creds {
		if IsSealed(c.Payload) {
			continue
		}
		sealed, err := s.sealFor(c, c.Payload)
		if err != nil {
			return migrated, fmt.Errorf("failed to seal credential %d: %w", c.ID, err)
		}
		if err := s.updatePayload(ctx, c.ID, sealed); err != nil {
			return migrated, err
		}
		migrated++
		s.logger.WithFields(logging.Fields{
			"credential_id": c.ID,
			"provider":      c.Provider,
		}).Info("Sealed plaintext credential")
	}
	return migrated, nil
}

// ReEncryptAll moves every row from oldSecret to newSecret. Failing rows
// stay on the old secret and are reported; successes are never rolled
// back. The receiver still derives from its original master, so build a
// fresh Vault and Store once the rotation is done.
func (s *Store) ReEncryptAll(ctx context.Context, oldSecret, newSecret []byte) (*ReEncryptReport, error) {
	oldVault, err := New(oldSecret)
	if err != nil {
		return nil, fmt.Errorf("bad old secret: %w", err)
	}
	newVault, err := New(newSecret)
	if err != nil {
		return nil, fmt.Errorf("bad new secret: %w", err)
	}

	creds, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReEncryptReport{Total: len(creds)}
	for _, c := range creds {
		plaintext, err := unsealFor(oldVault, c)
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("credential %d (%s/%s): %v", c.ID, c.Provider, c.Name, err))
			continue
		}
		sealed, err := sealWith(newVault, c, plaintext)
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("credential %d (%s/%s): %v", c.ID, c.Provider, c.Name, err))
			continue
		}
		if err := s.updatePayload(ctx, c.ID, sealed); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("credential %d (%s/%s): %v", c.ID, c.Provider, c.Name, err))
			continue
		}
		report.ReEncrypted++
	}

	s.logger.WithFields(logging.Fields{
		"total":        report.Total,
		"re_encrypted": report.ReEncrypted,
		"failures":     len(report.Failures),
	}).Info("Vault re-encryption finished")
	return report, nil
}

func (s *Store) list(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, tenant_id, provider, name, payload, created_at, updated_at
		FROM vault_credentials
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var tenantID sql.NullString
		if err := rows.Scan(&c.ID, &c.Scope, &tenantID, &c.Provider, &c.Name, &c.Payload, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		c.TenantID = tenantID.String
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *Store) updatePayload(ctx context.Context, id int64, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vault_credentials SET payload = $1, updated_at = NOW() WHERE id = $2
	`, payload, id)
	if err != nil {
		return fmt.Errorf("failed to update credential %d: %w", id, err)
	}
	return nil
}

func (s *Store) sealFor(c Credential, plaintext string) (string, error) {
	return sealWith(s.vault, c, plaintext)
}

func sealWith(v *Vault, c Credential, plaintext string) (string, error) {
	if c.Scope == ScopeTenant {
		return v.EncryptForTenant(c.TenantID, plaintext)
	}
	return v.Encrypt(plaintext)
}

func unsealFor(v *Vault, c Credential) (string, error) {
	if c.Scope == ScopeTenant {
		return v.DecryptForTenant(c.TenantID, c.Payload)
	}
	return v.Decrypt(c.Payload)
}
