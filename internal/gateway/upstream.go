package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/vault"
	"github.com/wopr-network/wopr-platform-sub005/pkg/clients"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// CredentialSource resolves provider API keys from the vault. Tenant
// BYOK keys win over the platform key.
type CredentialSource interface {
	PlatformCredential(ctx context.Context, provider, name string) (string, error)
	TenantCredential(ctx context.Context, tenantID, provider, name string) (string, error)
}

// UpstreamConfig wires one provider endpoint.
type UpstreamConfig struct {
	// Name labels meter events and keys vault lookups, e.g. "openai".
	Name string
	// BaseURL is the provider root, e.g. "https://api.openai.com".
	BaseURL string
	// CredentialName is the vault credential name, e.g. "api_key".
	CredentialName string
	// Timeout bounds one proxied call end to end, streaming included.
	Timeout time.Duration

	Creds  CredentialSource
	Logger logging.Logger
}

// Upstream dispatches proxied requests to the provider. Calls are never
// retried: replaying a completion request would double the tokens billed.
type Upstream struct {
	name     string
	baseURL  string
	credName string
	creds    CredentialSource
	client   *http.Client
	logger   logging.Logger
}

func NewUpstream(cfg UpstreamConfig) *Upstream {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Upstream{
		name:     cfg.Name,
		baseURL:  cfg.BaseURL,
		credName: cfg.CredentialName,
		creds:    cfg.Creds,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: clients.DefaultTransport(),
		},
		logger: cfg.Logger,
	}
}

// Name labels meter events.
func (u *Upstream) Name() string { return u.name }

// Do forwards one request with the resolved provider key. The caller's
// bearer token never reaches the provider.
func (u *Upstream) Do(ctx context.Context, tenantID, method, path string, header http.Header, body []byte) (*http.Response, error) {
	key, err := u.credentialFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	if ct := header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s unreachable: %w", u.name, err)
	}
	return resp, nil
}

func (u *Upstream) credentialFor(ctx context.Context, tenantID string) (string, error) {
	key, err := u.creds.TenantCredential(ctx, tenantID, u.name, u.credName)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, vault.ErrCredentialNotFound) {
		return "", err
	}
	key, err = u.creds.PlatformCredential(ctx, u.name, u.credName)
	if err != nil {
		return "", fmt.Errorf("no usable credential for provider %s: %w", u.name, err)
	}
	return key, nil
}
