// Package vault seals provider credentials and tenant BYOK keys with
// AES-256-GCM and keeps them in vault_credentials.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation labels. Changing either orphans every sealed row.
const (
	hkdfSalt        = "wopr-vault"
	platformPurpose = "wopr-vault-platform"
	tenantPrefix    = "tenant:"
)

// ErrNotSealed is returned when Decrypt is handed a payload that is not in
// the sealed format.
var ErrNotSealed = errors.New("payload is not sealed")

// sealedPayload is the stored form: all three parts hex-encoded.
type sealedPayload struct {
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Ciphertext string `json:"ciphertext"`
}

// Vault encrypts and decrypts credential payloads. The platform key is
// derived once; per-tenant keys are re-derived from the master secret on
// every call so a rotation re-keys every tenant deterministically.
type Vault struct {
	master      []byte
	platformGCM cipher.AEAD
}

// New derives the platform key from the master secret and returns a Vault.
func New(master []byte) (*Vault, error) {
	if len(master) == 0 {
		return nil, errors.New("vault master secret is empty")
	}

	reader := hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(platformPurpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive platform key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Vault{master: master, platformGCM: gcm}, nil
}

// Encrypt seals a platform-scoped secret.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	return seal(v.platformGCM, plaintext)
}

// Decrypt opens a platform-scoped payload.
func (v *Vault) Decrypt(payload string) (string, error) {
	return open(v.platformGCM, payload)
}

// EncryptForTenant seals a secret under the tenant's derived BYOK key.
func (v *Vault) EncryptForTenant(tenantID, plaintext string) (string, error) {
	gcm, err := v.tenantGCM(tenantID)
	if err != nil {
		return "", err
	}
	return seal(gcm, plaintext)
}

// DecryptForTenant opens a payload sealed under the tenant's key.
func (v *Vault) DecryptForTenant(tenantID, payload string) (string, error) {
	gcm, err := v.tenantGCM(tenantID)
	if err != nil {
		return "", err
	}
	return open(gcm, payload)
}

// tenantGCM derives the tenant key as HMAC-SHA256(master, "tenant:"+id).
func (v *Vault) tenantGCM(tenantID string) (cipher.AEAD, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is empty")
	}
	mac := hmac.New(sha256.New, v.master)
	mac.Write([]byte(tenantPrefix + tenantID))
	return newGCM(mac.Sum(nil))
}

// IsSealed reports whether a stored value is in the sealed format: valid
// JSON carrying all three of iv, authTag and ciphertext.
func IsSealed(payload string) bool {
	var p sealedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return false
	}
	return p.IV != "" && p.AuthTag != "" && p.Ciphertext != ""
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM: %w", err)
	}
	return gcm, nil
}

func seal(gcm cipher.AEAD, plaintext string) (string, error) {
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the auth tag to the ciphertext; the stored format keeps
	// them in separate fields.
	out := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(out) - gcm.Overhead()

	payload, err := json.Marshal(sealedPayload{
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(out[tagStart:]),
		Ciphertext: hex.EncodeToString(out[:tagStart]),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(payload), nil
}

func open(gcm cipher.AEAD, payload string) (string, error) {
	var p sealedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", ErrNotSealed
	}
	if p.IV == "" || p.AuthTag == "" || p.Ciphertext == "" {
		return "", ErrNotSealed
	}

	iv, err := hex.DecodeString(p.IV)
	if err != nil {
		return "", fmt.Errorf("bad iv encoding: %w", err)
	}
	tag, err := hex.DecodeString(p.AuthTag)
	if err != nil {
		return "", fmt.Errorf("bad auth tag encoding: %w", err)
	}
	ciphertext, err := hex.DecodeString(p.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("bad ciphertext encoding: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}
