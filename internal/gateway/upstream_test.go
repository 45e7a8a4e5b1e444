package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wopr-network/wopr-platform-sub005/internal/vault"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

type fakeCreds struct {
	platform  map[string]string // provider/name
	tenant    map[string]string // tenant/provider/name
	tenantErr error
}

func (f *fakeCreds) PlatformCredential(_ context.Context, provider, name string) (string, error) {
	if key, ok := f.platform[provider+"/"+name]; ok {
		return key, nil
	}
	return "", fmt.Errorf("%s/%s: %w", provider, name, vault.ErrCredentialNotFound)
}

func (f *fakeCreds) TenantCredential(_ context.Context, tenantID, provider, name string) (string, error) {
	if f.tenantErr != nil {
		return "", f.tenantErr
	}
	if key, ok := f.tenant[tenantID+"/"+provider+"/"+name]; ok {
		return key, nil
	}
	return "", fmt.Errorf("%s/%s: %w", provider, name, vault.ErrCredentialNotFound)
}

func newTestUpstream(baseURL string, creds CredentialSource) *Upstream {
	return NewUpstream(UpstreamConfig{
		Name:           "openai",
		BaseURL:        baseURL,
		CredentialName: "api_key",
		Creds:          creds,
		Logger:         logging.NewLogger(),
	})
}

func TestDoUsesPlatformKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	up := newTestUpstream(srv.URL, &fakeCreds{platform: map[string]string{"openai/api_key": "sk-platform"}})
	resp, err := up.Do(context.Background(), "acme", http.MethodPost, "/v1/chat/completions", http.Header{}, []byte(`{}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if gotAuth != "Bearer sk-platform" {
		t.Errorf("Authorization = %q, want platform key", gotAuth)
	}
}

func TestDoPrefersTenantKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up := newTestUpstream(srv.URL, &fakeCreds{
		platform: map[string]string{"openai/api_key": "sk-platform"},
		tenant:   map[string]string{"acme/openai/api_key": "sk-acme-byok"},
	})
	resp, err := up.Do(context.Background(), "acme", http.MethodPost, "/v1/embeddings", http.Header{}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer sk-acme-byok" {
		t.Errorf("Authorization = %q, want tenant BYOK key", gotAuth)
	}
}

func TestDoReplacesCallerAuthAndDropsExtraHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-platform" {
			t.Errorf("Authorization = %q, caller token leaked upstream", got)
		}
		if got := r.Header.Get("X-Forwarded-For"); got != "" {
			t.Errorf("X-Forwarded-For = %q, want dropped", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want passed through", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"gpt-4o"}` {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer wopr_caller_token")
	header.Set("X-Forwarded-For", "10.0.0.1")
	header.Set("Content-Type", "application/json")

	up := newTestUpstream(srv.URL, &fakeCreds{platform: map[string]string{"openai/api_key": "sk-platform"}})
	resp, err := up.Do(context.Background(), "acme", http.MethodPost, "/v1/chat/completions", header, []byte(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
}

func TestDoVaultErrorShortCircuits(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	up := newTestUpstream(srv.URL, &fakeCreds{tenantErr: errors.New("vault unavailable")})
	_, err := up.Do(context.Background(), "acme", http.MethodPost, "/v1/chat/completions", http.Header{}, nil)
	if err == nil {
		t.Fatal("expected error when vault lookup fails")
	}
	if hit {
		t.Error("request reached upstream despite missing credential")
	}
}

func TestDoNoCredentialAnywhere(t *testing.T) {
	up := newTestUpstream("http://127.0.0.1:0", &fakeCreds{})
	_, err := up.Do(context.Background(), "acme", http.MethodPost, "/v1/chat/completions", http.Header{}, nil)
	if err == nil {
		t.Fatal("expected error with no credentials configured")
	}
	if !strings.Contains(err.Error(), "no usable credential") {
		t.Errorf("err = %v, want credential error", err)
	}
	if !errors.Is(err, vault.ErrCredentialNotFound) {
		t.Errorf("err = %v, want ErrCredentialNotFound in chain", err)
	}
}
