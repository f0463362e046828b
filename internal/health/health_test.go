package health

import (
	"sync"
	"testing"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("capture", Healthy, "")
	m.Update("backend", Degraded, "no usable source")
	m.Update("hub", Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}

	m.Update("backend", Unhealthy, "unreachable")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("backend", Status("bogus"), "")

	c, ok := m.Get("backend")
	if !ok {
		t.Fatal("component not found after Update")
	}
	if c.Status != Unknown {
		t.Fatalf("Status = %q, want %q", c.Status, Unknown)
	}
}

func TestSummary(t *testing.T) {
	m := NewMonitor()
	m.Update("hub", Healthy, "")

	s := m.Summary()
	if s["status"] != "healthy" {
		t.Fatalf("Summary status = %v, want healthy", s["status"])
	}
	components := s["components"].(map[string]string)
	if components["hub"] != "healthy" {
		t.Fatalf("components[hub] = %q, want healthy", components["hub"])
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update("backend", Healthy, "")
			} else {
				m.Update("backend", Degraded, "")
			}
			_ = m.Overall()
		}(i)
	}
	wg.Wait()

	if len(m.All()) != 1 {
		t.Fatalf("All() len = %d, want 1", len(m.All()))
	}
}
