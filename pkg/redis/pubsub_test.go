package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

type statusMsg struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

func TestTypedPubSubRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ps := NewTypedPubSub[statusMsg](client, logging.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan statusMsg, 1)
	done := make(chan error, 1)
	go func() {
		done <- ps.Subscribe(ctx, "status", func(m statusMsg) {
			got <- m
		})
	}()

	// Subscribe needs a moment to register before the publish.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := ps.Publish(ctx, "status", statusMsg{TenantID: "acme", Status: "suspended"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case m := <-got:
			if m.TenantID != "acme" || m.Status != "suspended" {
				t.Fatalf("received %+v", m)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Subscribe returned %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("message never delivered")
			}
		}
	}
}

func TestTypedPubSubSkipsUndecodable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ps := NewTypedPubSub[statusMsg](client, logging.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan statusMsg, 1)
	go func() {
		_ = ps.Subscribe(ctx, "status", func(m statusMsg) {
			got <- m
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := client.Publish(ctx, "status", "not json").Err(); err != nil {
			t.Fatalf("raw publish: %v", err)
		}
		if err := ps.Publish(ctx, "status", statusMsg{TenantID: "acme", Status: "active"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case m := <-got:
			// The garbage frame is dropped; the decodable one arrives.
			if m.TenantID != "acme" {
				t.Fatalf("received %+v", m)
			}
			return
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("message never delivered")
			}
		}
	}
}
