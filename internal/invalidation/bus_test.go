package invalidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeTarget struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTarget) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeTarget) Invalidate(tenantID, toolID string) bool {
	f.record("tool:" + tenantID + "/" + toolID)
	return true
}

func (f *fakeTarget) InvalidateTenant(tenantID string) int {
	f.record("tenant:" + tenantID)
	return 1
}

func (f *fakeTarget) Purge() { f.record("purge") }

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"tool", Message{TenantID: "acme", ToolID: "greet"}, "tool:acme/greet"},
		{"tenant", Message{TenantID: "acme"}, "tenant:acme"},
		{"everything", Message{}, "purge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeTarget{}
			Apply(f, tt.msg)
			if len(f.calls) != 1 || f.calls[0] != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, f.calls)
			}
		})
	}
}

func newBus(t *testing.T, mr *miniredis.Miniredis) *Bus {
	t.Helper()
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", zap.NewNop())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBus_DeliversToOtherReplicas(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	a, b := newBus(t, mr), newBus(t, mr)
	ctx := context.Background()

	got := make(chan Message, 4)
	stopA, err := a.Subscribe(ctx, func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stopA()
	stopB, err := b.Subscribe(ctx, func(m Message) { t.Errorf("publisher received its own message %+v", m) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stopB()

	if err := b.Publish(ctx, "acme", "greet"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-got:
		if m.TenantID != "acme" || m.ToolID != "greet" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_StopEndsDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	a := newBus(t, mr)
	stop, err := a.Subscribe(context.Background(), func(Message) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestNewFromURL_Invalid(t *testing.T) {
	if _, err := NewFromURL("not a url", zap.NewNop()); err == nil {
		t.Fatal("expected an error for a malformed URL")
	}
}
