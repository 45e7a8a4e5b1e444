// Package images watches container registries for new image digests and
// rolls bots onto them with health-checked updates and rollback.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/clients"
	"github.com/wopr-network/wopr-platform-sub005/pkg/imageref"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// manifestAccept lists every manifest media type we can take a digest from.
// Multi-arch images answer with an index type, single-arch with a manifest.
const manifestAccept = "application/vnd.oci.image.index.v1+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.docker.distribution.manifest.v2+json"

// tokenLifetimeFallback is assumed when the token endpoint omits expires_in.
const tokenLifetimeFallback = 300 * time.Second

// RegistryClient reads manifest digests from an OCI registry over the v2
// API. Anonymous pulls authenticate through the registry's token endpoint
// (the ghcr.io flow); tokens are cached per repository until shortly
// before expiry.
type RegistryClient struct {
	httpClient *http.Client
	logger     logging.Logger
	retry      clients.RetryConfig
	insecure   bool

	mu     sync.Mutex
	tokens map[string]registryToken
}

type registryToken struct {
	value   string
	expires time.Time
}

// RegistryConfig configures a RegistryClient.
type RegistryConfig struct {
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig

	// Insecure switches to plain http, for local registries and tests.
	Insecure bool
}

// NewRegistryClient creates a registry client.
func NewRegistryClient(config RegistryConfig) *RegistryClient {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}
	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	return &RegistryClient{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.DefaultTransport(),
		},
		logger:   config.Logger,
		retry:    retryConfig,
		insecure: config.Insecure,
		tokens:   map[string]registryToken{},
	}
}

// Digest returns the manifest digest the registry currently serves for the
// reference's tag, as reported by the Docker-Content-Digest header.
func (c *RegistryClient) Digest(ctx context.Context, ref imageref.Ref) (string, error) {
	token := c.cachedToken(ref)

	resp, err := c.headManifest(ctx, ref, token)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		token, err = c.fetchToken(ctx, ref)
		if err != nil {
			return "", err
		}
		resp, err = c.headManifest(ctx, ref, token)
		if err != nil {
			return "", err
		}
		resp.Body.Close()
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("manifest %s not found", ref.String())
	default:
		return "", fmt.Errorf("registry %s answered %d for %s", ref.Registry, resp.StatusCode, ref.String())
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("registry %s returned no digest for %s", ref.Registry, ref.String())
	}
	return digest, nil
}

func (c *RegistryClient) headManifest(ctx context.Context, ref imageref.Ref, token string) (*http.Response, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.endpoint(ref.Registry), ref.Repository, ref.Tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest request: %w", err)
	}
	req.Header.Set("Accept", manifestAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry %s: %w", ref.Registry, err)
	}
	return resp, nil
}

// fetchToken runs the anonymous pull-token flow and caches the result.
func (c *RegistryClient) fetchToken(ctx context.Context, ref imageref.Ref) (string, error) {
	u := fmt.Sprintf("%s/token?service=%s&scope=%s",
		c.endpoint(ref.Registry),
		url.QueryEscape(ref.Registry),
		url.QueryEscape("repository:"+ref.Repository+":pull"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retry)
	if err != nil {
		return "", fmt.Errorf("failed to fetch pull token from %s: %w", ref.Registry, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint of %s answered %d", ref.Registry, resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("token endpoint of %s returned an empty token", ref.Registry)
	}

	lifetime := tokenLifetimeFallback
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}

	c.mu.Lock()
	c.tokens[tokenKey(ref)] = registryToken{
		value: body.Token,
		// Refresh a little early so an expiring token never hits the wire.
		expires: time.Now().Add(lifetime - 30*time.Second),
	}
	c.mu.Unlock()

	return body.Token, nil
}

func (c *RegistryClient) cachedToken(ref imageref.Ref) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[tokenKey(ref)]
	if !ok || time.Now().After(token.expires) {
		return ""
	}
	return token.value
}

func (c *RegistryClient) endpoint(registry string) string {
	if c.insecure {
		return "http://" + registry
	}
	return "https://" + registry
}

func tokenKey(ref imageref.Ref) string {
	return ref.Registry + "/" + ref.Repository
}
