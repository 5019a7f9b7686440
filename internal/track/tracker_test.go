package track

import (
	"sync"
	"testing"
	"time"
)

func TestTracker_MeasuresElapsed(t *testing.T) {
	tracker := New()
	now := time.Unix(1000, 0)
	tracker.clock = func() time.Time { return now }

	handle := tracker.Start()
	now = now.Add(250 * time.Millisecond)

	elapsed, ok := tracker.Stop(handle)
	if !ok {
		t.Fatal("expected a valid measurement")
	}
	if elapsed != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", elapsed)
	}
}

func TestTracker_StaleHandle(t *testing.T) {
	tracker := New()

	handle := tracker.Start()
	if _, ok := tracker.Stop(handle); !ok {
		t.Fatal("first stop should succeed")
	}
	if _, ok := tracker.Stop(handle); ok {
		t.Fatal("second stop on the same handle must report stale")
	}

	if _, ok := tracker.Stop(Handle{}); ok {
		t.Fatal("zero handle must report stale")
	}
}

func TestTracker_CancelInvalidates(t *testing.T) {
	tracker := New()

	handle := tracker.Start()
	tracker.Cancel(handle)
	if _, ok := tracker.Stop(handle); ok {
		t.Fatal("stop after cancel must report stale")
	}
	if n := tracker.InFlight(); n != 0 {
		t.Fatalf("expected no in-flight requests, got %d", n)
	}

	// Cancelling again is a no-op.
	tracker.Cancel(handle)
}

func TestTracker_ConcurrentHandlesAreDistinct(t *testing.T) {
	tracker := New()

	const workers = 50
	var wg sync.WaitGroup
	handles := make([]Handle, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = tracker.Start()
		}(i)
	}
	wg.Wait()

	if n := tracker.InFlight(); n != workers {
		t.Fatalf("expected %d in-flight, got %d", workers, n)
	}

	seen := make(map[uint64]bool, workers)
	for _, h := range handles {
		if seen[h.id] {
			t.Fatalf("duplicate handle id %d", h.id)
		}
		seen[h.id] = true
		if _, ok := tracker.Stop(h); !ok {
			t.Fatalf("handle %d should be stoppable exactly once", h.id)
		}
	}
	if n := tracker.InFlight(); n != 0 {
		t.Fatalf("expected tracker to drain, got %d in-flight", n)
	}
}

func TestTracker_OverlappingRequests(t *testing.T) {
	tracker := New()
	now := time.Unix(2000, 0)
	tracker.clock = func() time.Time { return now }

	first := tracker.Start()
	now = now.Add(100 * time.Millisecond)
	second := tracker.Start()
	now = now.Add(100 * time.Millisecond)

	// Stopping out of order still attributes the right window to each.
	if elapsed, ok := tracker.Stop(second); !ok || elapsed != 100*time.Millisecond {
		t.Fatalf("second: expected 100ms, got %v (ok=%v)", elapsed, ok)
	}
	if elapsed, ok := tracker.Stop(first); !ok || elapsed != 200*time.Millisecond {
		t.Fatalf("first: expected 200ms, got %v (ok=%v)", elapsed, ok)
	}
}
