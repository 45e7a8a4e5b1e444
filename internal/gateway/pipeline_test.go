package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/internal/breaker"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

type fakeTokens struct {
	principals map[string]*auth.GatewayPrincipal
}

func (f *fakeTokens) Resolve(_ context.Context, token string) (*auth.GatewayPrincipal, error) {
	if p, ok := f.principals[token]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidGatewayToken
}

type fakeStatuses struct {
	status string
}

func (f *fakeStatuses) GetStatus(_ context.Context, tenantID string) (*models.TenantStatus, error) {
	return &models.TenantStatus{TenantID: tenantID, Status: f.status}, nil
}

type fakeSettings struct {
	settings models.TenantSettings
}

func (f *fakeSettings) Get(_ context.Context, tenantID string) (*models.TenantSettings, error) {
	s := f.settings
	s.TenantID = tenantID
	return &s, nil
}

type fakeSpend struct {
	spend models.SpendSummary
	calls int
}

func (f *fakeSpend) QuerySpend(_ context.Context, _ string, _ time.Time) (*models.SpendSummary, error) {
	f.calls++
	s := f.spend
	return &s, nil
}

type fakeBalance struct {
	balance credits.Credits
}

func (f *fakeBalance) Balance(_ context.Context, _ string) (credits.Credits, error) {
	return f.balance, nil
}

type fakeGate struct {
	decision breaker.Decision
	calls    int
}

func (f *fakeGate) Allow(_ context.Context, _, _ string) (*breaker.Decision, error) {
	f.calls++
	d := f.decision
	return &d, nil
}

type fakeUpstream struct {
	status int
	header http.Header
	body   string
	err    error

	mu      sync.Mutex
	calls   int
	gotPath string
	gotBody []byte
}

func (f *fakeUpstream) Name() string { return "openai" }

func (f *fakeUpstream) Do(_ context.Context, _, _, path string, _ http.Header, body []byte) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	f.gotPath = path
	f.gotBody = body
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	header := f.header
	if header == nil {
		header = http.Header{"Content-Type": []string{"application/json"}}
	}
	return &http.Response{
		StatusCode: f.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeUpstream) lastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotPath
}

func (f *fakeUpstream) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.gotBody)
}

type fakeMeters struct {
	ch chan *models.MeterEvent
}

func (f *fakeMeters) Insert(_ context.Context, ev *models.MeterEvent) error {
	f.ch <- ev
	return nil
}

type fakePublisher struct {
	ch chan *models.MeterEvent
}

func (f *fakePublisher) Publish(_ context.Context, ev *models.MeterEvent) error {
	f.ch <- ev
	return nil
}

type gatewayFixture struct {
	router   *gin.Engine
	tokens   *fakeTokens
	statuses *fakeStatuses
	settings *fakeSettings
	spend    *fakeSpend
	ledger   *fakeBalance
	gate     *fakeGate
	upstream *fakeUpstream
	meters   *fakeMeters
	pub      *fakePublisher
}

func newGatewayFixture() *gatewayFixture {
	gin.SetMode(gin.TestMode)
	f := &gatewayFixture{
		tokens: &fakeTokens{principals: map[string]*auth.GatewayPrincipal{
			"wopr_valid": {TenantID: "acme", InstanceID: "bot-1"},
		}},
		statuses: &fakeStatuses{status: models.TenantActive},
		settings: &fakeSettings{},
		spend:    &fakeSpend{},
		ledger:   &fakeBalance{balance: credits.Credits(5000)},
		gate:     &fakeGate{decision: breaker.Decision{Allowed: true}},
		upstream: &fakeUpstream{
			status: http.StatusOK,
			body:   `{"model":"gpt-4o","usage":{"prompt_tokens":1000,"completion_tokens":1000}}`,
		},
		meters: &fakeMeters{ch: make(chan *models.MeterEvent, 8)},
		pub:    &fakePublisher{ch: make(chan *models.MeterEvent, 8)},
	}

	gw := New(Config{
		Tokens:        f.tokens,
		Statuses:      f.statuses,
		Settings:      f.settings,
		Spend:         f.spend,
		Ledger:        f.ledger,
		Breaker:       f.gate,
		Upstream:      f.upstream,
		Meters:        f.meters,
		Publisher:     f.pub,
		Rates:         NewRateTable(map[string]Rate{"gpt-4o": {InputPerK: 0.01, OutputPerK: 0.03}}, Rate{}, logging.NewLogger()),
		MarginPercent: 20,
		Logger:        logging.NewLogger(),
	})
	f.router = gin.New()
	gw.Register(f.router)
	return f
}

func (f *gatewayFixture) request(t *testing.T, token, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *gatewayFixture) chat(t *testing.T, token string) *httptest.ResponseRecorder {
	return f.request(t, token, "/v1/chat/completions", `{"model":"gpt-4o"}`)
}

// Meter emission is asynchronous, so assertions wait on the recorder
// channel instead of inspecting shared state.
func (f *gatewayFixture) waitMeter(t *testing.T) *models.MeterEvent {
	t.Helper()
	select {
	case ev := <-f.meters.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for meter event")
		return nil
	}
}

func (f *gatewayFixture) expectNoMeter(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.meters.ch:
		t.Fatalf("unexpected meter event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return m
}

func nestedError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	m := decodeBody(t, w)
	obj, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested error object, got %v", m["error"])
	}
	return obj
}

func TestProxySuccessMetersWithMargin(t *testing.T) {
	f := newGatewayFixture()

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "usage") {
		t.Errorf("upstream body not relayed: %s", w.Body.String())
	}
	if got := f.upstream.lastBody(); got != `{"model":"gpt-4o"}` {
		t.Errorf("upstream received body %q", got)
	}

	ev := f.waitMeter(t)
	if ev.TenantID != "acme" || ev.Provider != "openai" || ev.Capability != "chat" {
		t.Errorf("unexpected event identity: %+v", ev)
	}
	if ev.InstanceID == nil || *ev.InstanceID != "bot-1" {
		t.Errorf("InstanceID = %v, want bot-1", ev.InstanceID)
	}
	if ev.Model == nil || *ev.Model != "gpt-4o" {
		t.Errorf("Model = %v, want gpt-4o", ev.Model)
	}
	// 1000 in at $0.01/K plus 1000 out at $0.03/K is $0.04 = 4 credits;
	// a 20% margin takes the charge to 5 (rounded up).
	if ev.Cost != credits.Credits(4) {
		t.Errorf("Cost = %d, want 4", ev.Cost)
	}
	if ev.Charge != credits.Credits(5) {
		t.Errorf("Charge = %d, want 5", ev.Charge)
	}

	select {
	case pub := <-f.pub.ch:
		if pub.EventID != ev.EventID {
			t.Errorf("published event %s does not match recorded %s", pub.EventID, ev.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestProxyMissingTokenRejected(t *testing.T) {
	f := newGatewayFixture()

	w := f.chat(t, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if code := nestedError(t, w)["code"]; code != "invalid_api_key" {
		t.Errorf("code = %v, want invalid_api_key", code)
	}
	if f.upstream.callCount() != 0 {
		t.Error("unauthenticated request reached upstream")
	}
	f.expectNoMeter(t)
}

func TestProxyRevokedTokenRejected(t *testing.T) {
	f := newGatewayFixture()

	w := f.chat(t, "wopr_revoked")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	f.expectNoMeter(t)
}

func TestProxySuspendedTenantBlocked(t *testing.T) {
	f := newGatewayFixture()
	f.statuses.status = models.TenantSuspended

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	// The account gate uses the flat shape: error is a string code.
	m := decodeBody(t, w)
	if m["error"] != "account_suspended" {
		t.Errorf("error = %v, want account_suspended", m["error"])
	}
	if _, ok := m["message"].(string); !ok {
		t.Error("expected top-level message string")
	}
	if f.upstream.callCount() != 0 {
		t.Error("suspended tenant reached upstream")
	}
	f.expectNoMeter(t)
}

func TestProxyBannedTenantBlocked(t *testing.T) {
	f := newGatewayFixture()
	f.statuses.status = models.TenantBanned

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if m := decodeBody(t, w); m["error"] != "account_banned" {
		t.Errorf("error = %v, want account_banned", m["error"])
	}
	f.expectNoMeter(t)
}

func TestProxyGracePeriodPasses(t *testing.T) {
	f := newGatewayFixture()
	f.statuses.status = models.TenantGracePeriod

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	f.waitMeter(t)
}

func TestProxyDailyCapBlocks(t *testing.T) {
	f := newGatewayFixture()
	daily := credits.Credits(1000)
	f.settings.settings.DailyCapCents = &daily
	f.spend.spend = models.SpendSummary{Daily: 1000, Monthly: 1000}

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	obj := nestedError(t, w)
	if obj["code"] != "spending_cap_exceeded" || obj["cap_type"] != "daily" {
		t.Errorf("unexpected error: %v", obj)
	}
	if obj["current_spend_usd"] != 10.0 || obj["cap_usd"] != 10.0 {
		t.Errorf("unexpected amounts: %v", obj)
	}
	if f.upstream.callCount() != 0 {
		t.Error("capped tenant reached upstream")
	}
	f.expectNoMeter(t)
}

func TestProxyDailyCapCheckedBeforeMonthly(t *testing.T) {
	f := newGatewayFixture()
	daily := credits.Credits(500)
	monthly := credits.Credits(2000)
	f.settings.settings.DailyCapCents = &daily
	f.settings.settings.MonthlyCapCents = &monthly
	f.spend.spend = models.SpendSummary{Daily: 600, Monthly: 3000}

	w := f.chat(t, "wopr_valid")
	if obj := nestedError(t, w); obj["cap_type"] != "daily" {
		t.Errorf("cap_type = %v, want daily", obj["cap_type"])
	}
}

func TestProxyMonthlyCapBlocks(t *testing.T) {
	f := newGatewayFixture()
	monthly := credits.Credits(2000)
	f.settings.settings.MonthlyCapCents = &monthly
	f.spend.spend = models.SpendSummary{Daily: 100, Monthly: 2500}

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if obj := nestedError(t, w); obj["cap_type"] != "monthly" {
		t.Errorf("cap_type = %v, want monthly", obj["cap_type"])
	}
	f.expectNoMeter(t)
}

func TestProxyUncappedTenantSkipsSpendQuery(t *testing.T) {
	f := newGatewayFixture()

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if f.spend.calls != 0 {
		t.Errorf("spend queried %d times for uncapped tenant", f.spend.calls)
	}
	f.waitMeter(t)
}

func TestProxyBalanceFloorBlocks(t *testing.T) {
	f := newGatewayFixture()
	f.ledger.balance = BalanceFloor - 1

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if obj := nestedError(t, w); obj["code"] != "insufficient_credits" {
		t.Errorf("code = %v, want insufficient_credits", obj["code"])
	}
	if f.upstream.callCount() != 0 {
		t.Error("broke tenant reached upstream")
	}
	f.expectNoMeter(t)
}

func TestProxyBalanceAtFloorPasses(t *testing.T) {
	f := newGatewayFixture()
	f.ledger.balance = BalanceFloor

	if w := f.chat(t, "wopr_valid"); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	f.waitMeter(t)
}

func TestProxyCircuitRejects(t *testing.T) {
	f := newGatewayFixture()
	pausedUntil := time.Now().Add(90 * time.Second)
	f.gate.decision = breaker.Decision{RetryAfter: 90 * time.Second, PausedUntil: pausedUntil}

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "90" {
		t.Errorf("Retry-After = %q, want 90", got)
	}
	obj := nestedError(t, w)
	if obj["code"] != "circuit_breaker_tripped" || obj["type"] != "rate_limit_error" {
		t.Errorf("unexpected error: %v", obj)
	}
	if obj["remaining_ms"] != 90000.0 {
		t.Errorf("remaining_ms = %v, want 90000", obj["remaining_ms"])
	}
	if _, err := time.Parse(time.RFC3339, obj["paused_until"].(string)); err != nil {
		t.Errorf("paused_until not RFC3339: %v", obj["paused_until"])
	}
	if f.upstream.callCount() != 0 {
		t.Error("tripped circuit let a request through")
	}
	f.expectNoMeter(t)
}

func TestProxyStatusGateRunsBeforeCaps(t *testing.T) {
	f := newGatewayFixture()
	f.statuses.status = models.TenantSuspended
	daily := credits.Credits(1)
	f.settings.settings.DailyCapCents = &daily
	f.spend.spend = models.SpendSummary{Daily: 100}

	if w := f.chat(t, "wopr_valid"); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 from the account gate", w.Code)
	}
}

func TestProxyUpstreamUnreachableNoMeter(t *testing.T) {
	f := newGatewayFixture()
	f.upstream.err = errors.New("connection refused")

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if obj := nestedError(t, w); obj["code"] != "upstream_unreachable" {
		t.Errorf("code = %v", obj["code"])
	}
	f.expectNoMeter(t)
}

func TestProxyUpstreamErrorStatusNotBilled(t *testing.T) {
	f := newGatewayFixture()
	f.upstream.status = http.StatusTooManyRequests
	f.upstream.body = `{"error":{"message":"rate limited upstream"}}`

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want upstream 429 relayed", w.Code)
	}
	f.expectNoMeter(t)
}

func TestProxyCostHeaderWinsOverTokenMath(t *testing.T) {
	f := newGatewayFixture()
	f.upstream.header = http.Header{
		"Content-Type": []string{"application/json"},
		CostHeader:     []string{"0.10"},
	}

	w := f.chat(t, "wopr_valid")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ev := f.waitMeter(t)
	if ev.Cost != credits.Credits(10) {
		t.Errorf("Cost = %d, want 10 from cost header", ev.Cost)
	}
	if ev.Charge != credits.Credits(12) {
		t.Errorf("Charge = %d, want 12", ev.Charge)
	}
}

func TestProxyCapabilityFollowsPath(t *testing.T) {
	f := newGatewayFixture()
	f.upstream.body = `{"model":"text-embedding-3-small","usage":{"prompt_tokens":8,"completion_tokens":0}}`

	w := f.request(t, "wopr_valid", "/v1/embeddings", `{"model":"text-embedding-3-small","input":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ev := f.waitMeter(t)
	if ev.Capability != "embeddings" {
		t.Errorf("Capability = %q, want embeddings", ev.Capability)
	}
	if got := f.upstream.lastPath(); got != "/v1/embeddings" {
		t.Errorf("upstream path = %q", got)
	}
}
