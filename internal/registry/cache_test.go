package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

func TestCache_FreshHit(t *testing.T) {
	c := NewDefinitionCache(30 * time.Second)
	c.Set("acme", "greet", &tool.Definition{ToolID: "greet", Version: "1"})

	result := c.Get("acme", "greet")
	if !result.Hit || result.NeedsRefresh {
		t.Fatalf("expected fresh hit, got %+v", result)
	}
	if result.Definition.ToolID != "greet" {
		t.Fatalf("expected greet, got %s", result.Definition.ToolID)
	}
	if c.Get("globex", "greet").Hit {
		t.Fatal("entries must be per tenant")
	}
}

func TestCache_NegativeCache(t *testing.T) {
	c := NewDefinitionCache(30 * time.Second)
	c.Set("acme", "unknown", nil)

	result := c.Get("acme", "unknown")
	if !result.Hit || result.Definition != nil {
		t.Fatalf("expected negative hit, got %+v", result)
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := NewDefinitionCache(1 * time.Millisecond)
	c.Set("acme", "greet", &tool.Definition{ToolID: "greet"})

	time.Sleep(5 * time.Millisecond)

	var refreshCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.Get("acme", "greet")
			if !result.Hit || result.Definition == nil {
				t.Error("expected stale value to be served")
			}
			if result.NeedsRefresh {
				refreshCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if refreshCount.Load() != 1 {
		t.Fatalf("expected exactly 1 refresh across 50 goroutines, got %d", refreshCount.Load())
	}
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	c := NewDefinitionCache(1 * time.Millisecond)
	c.Set("acme", "greet", &tool.Definition{ToolID: "greet", Version: "1"})

	time.Sleep(5 * time.Millisecond)

	c.Set("acme", "greet", &tool.Definition{ToolID: "greet", Version: "2"})

	result := c.Get("acme", "greet")
	if !result.Hit || result.NeedsRefresh {
		t.Fatal("expected fresh after re-set")
	}
	if result.Definition.Version != "2" {
		t.Fatalf("expected version 2, got %s", result.Definition.Version)
	}
}

func TestCache_Delete(t *testing.T) {
	c := NewDefinitionCache(30 * time.Second)
	c.Set("acme", "greet", &tool.Definition{ToolID: "greet"})
	c.Delete("acme", "greet")

	if c.Get("acme", "greet").Hit {
		t.Fatal("expected miss after delete")
	}
}

func BenchmarkDefinitionCache_Get_FreshHit(b *testing.B) {
	c := NewDefinitionCache(30 * time.Second)
	c.Set("acme", "greet", &tool.Definition{ToolID: "greet"})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.Get("acme", "greet")
	}
}
