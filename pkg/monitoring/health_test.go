package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCheckHealthAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("norad", "v1")
	hc.AddCheck("database", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	if got := hc.CheckHealth(); got.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got.Status)
	}

	hc.AddCheck("kafka", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth(); got.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got.Status)
	}

	hc.AddCheck("redis", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	got := hc.CheckHealth()
	if got.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy to win, got %s", got.Status)
	}
	if len(got.Checks) != 3 || got.Service != "norad" {
		t.Fatalf("unexpected status payload: %+v", got)
	}
}

func TestCheckHealthTreatsUnknownStatusAsUnhealthy(t *testing.T) {
	hc := NewHealthChecker("falken", "v1")
	hc.AddCheck("weird", func() CheckResult { return CheckResult{Status: "confused"} })
	if got := hc.CheckHealth(); got.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for unknown status, got %s", got.Status)
	}
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("norad", "v1")
	hc.AddCheck("database", func() CheckResult {
		return CheckResult{Status: StatusUnhealthy, Message: "down"}
	})

	router := gin.New()
	router.GET("/healthz", hc.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Checks["database"].Message != "down" {
		t.Fatalf("expected check detail in body, got %+v", body)
	}
}

func TestKafkaHealthCheckNilClient(t *testing.T) {
	if res := KafkaHealthCheck(nil)(); res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil client, got %s", res.Status)
	}
}

func TestRedisHealthCheckNilClient(t *testing.T) {
	if res := RedisHealthCheck(nil)(); res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil client, got %s", res.Status)
	}
}

func TestConfigurationHealthCheckNamesMissingKeys(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":  "postgres://x",
		"SERVICE_TOKEN": "",
	})
	res := check()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", res.Status)
	}
	if !strings.Contains(res.Message, "SERVICE_TOKEN") {
		t.Fatalf("expected SERVICE_TOKEN in message, got %q", res.Message)
	}

	check = ConfigurationHealthCheck(map[string]string{"DATABASE_URL": "postgres://x"})
	if res := check(); res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", res.Status)
	}
}
