package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvFallsBackWhenUnset(t *testing.T) {
	t.Setenv("PROFILES_DIR", "")
	if got := GetEnv("PROFILES_DIR", "/var/lib/norad/profiles"); got != "/var/lib/norad/profiles" {
		t.Fatalf("expected default, got %s", got)
	}
	t.Setenv("PROFILES_DIR", "/tmp/profiles")
	if got := GetEnv("PROFILES_DIR", "/var/lib/norad/profiles"); got != "/tmp/profiles" {
		t.Fatalf("expected override, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "")
	if got := GetEnvInt("RETENTION_DAYS", 30); got != 30 {
		t.Fatalf("expected 30, got %d", got)
	}
	t.Setenv("RETENTION_DAYS", "90")
	if got := GetEnvInt("RETENTION_DAYS", 30); got != 90 {
		t.Fatalf("expected 90, got %d", got)
	}
	t.Setenv("RETENTION_DAYS", "ninety")
	if got := GetEnvInt("RETENTION_DAYS", 30); got != 30 {
		t.Fatalf("expected default on parse error, got %d", got)
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("BREAKER_MAX_REQUESTS", "9000000000")
	if got := GetEnvInt64("BREAKER_MAX_REQUESTS", 100); got != 9000000000 {
		t.Fatalf("expected 9000000000, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG", "")
	if !GetEnvBool("FLAG", true) {
		t.Fatal("expected true default")
	}
	t.Setenv("FLAG", "false")
	if GetEnvBool("FLAG", true) {
		t.Fatal("expected explicit false to win")
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("MARGIN_PERCENT", "12.5")
	if got := GetEnvFloat("MARGIN_PERCENT", 20); got != 12.5 {
		t.Fatalf("expected 12.5, got %v", got)
	}
	t.Setenv("MARGIN_PERCENT", "lots")
	if got := GetEnvFloat("MARGIN_PERCENT", 20); got != 20 {
		t.Fatalf("expected default on parse error, got %v", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("WRITE_TIMEOUT", "")
	if got := GetEnvDuration("WRITE_TIMEOUT", 10*time.Minute); got != 10*time.Minute {
		t.Fatalf("expected default, got %v", got)
	}
	t.Setenv("WRITE_TIMEOUT", "90s")
	if got := GetEnvDuration("WRITE_TIMEOUT", 10*time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	// Bare integers read as seconds.
	t.Setenv("WRITE_TIMEOUT", "45")
	if got := GetEnvDuration("WRITE_TIMEOUT", 10*time.Minute); got != 45*time.Second {
		t.Fatalf("expected 45s, got %v", got)
	}
	t.Setenv("WRITE_TIMEOUT", "soon")
	if got := GetEnvDuration("WRITE_TIMEOUT", 10*time.Minute); got != 10*time.Minute {
		t.Fatalf("expected default on garbage, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	for value, want := range map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"":      logrus.InfoLevel,
		"loud":  logrus.InfoLevel,
	} {
		t.Setenv("LOG_LEVEL", value)
		if got := GetLogLevel(); got != want {
			t.Fatalf("LOG_LEVEL=%q: expected %v, got %v", value, want, got)
		}
	}
}

func TestLoadEnvWithoutFiles(t *testing.T) {
	// No .env in the test working directory; must be a silent no-op.
	LoadEnv(logrus.New())
	LoadEnv(nil)
}
