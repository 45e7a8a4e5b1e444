package nodemgr

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
)

func registerFixture(t *testing.T, store *fakeNodeStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, _, _ := newTestManager(store)
	r := gin.New()
	m.RegisterRoutes(r)
	return r
}

func agentToken(t *testing.T, nodeID string) string {
	t.Helper()
	token, err := auth.GenerateAgentToken(nodeID, []byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("GenerateAgentToken: %v", err)
	}
	return token
}

func TestRegisterRouteUpsertsNode(t *testing.T) {
	store := &fakeNodeStore{}
	r := registerFixture(t, store)

	body := `{"id":"n1","host":"10.0.0.5","capacity_mb":4096,"agent_version":"1.2.0"}`
	req := httptest.NewRequest("POST", "/agent/register", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+agentToken(t, "n1"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var node map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &node); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if node["id"] != "n1" {
		t.Errorf("id = %v, want n1", node["id"])
	}
	if store.node == nil || store.node.Host != "10.0.0.5" {
		t.Errorf("node not stored: %+v", store.node)
	}
}

func TestRegisterRouteRejectsForeignNodeID(t *testing.T) {
	store := &fakeNodeStore{}
	r := registerFixture(t, store)

	body := `{"id":"n2","host":"10.0.0.5","capacity_mb":4096}`
	req := httptest.NewRequest("POST", "/agent/register", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+agentToken(t, "n1"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 403 {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if store.node != nil {
		t.Errorf("node stored despite mismatched token: %+v", store.node)
	}
}

func TestRegisterRouteRequiresToken(t *testing.T) {
	store := &fakeNodeStore{}
	r := registerFixture(t, store)

	body := `{"id":"n1","host":"10.0.0.5","capacity_mb":4096}`
	req := httptest.NewRequest("POST", "/agent/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRegisterRouteValidatesBody(t *testing.T) {
	store := &fakeNodeStore{}
	r := registerFixture(t, store)

	req := httptest.NewRequest("POST", "/agent/register", strings.NewReader(`{"host":"x"}`))
	req.Header.Set("Authorization", "Bearer "+agentToken(t, "n1"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
