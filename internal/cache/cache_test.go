package cache

import (
	"testing"
	"time"
)

func TestGetPutRoundTrip(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	c.Put("a", 1, 0)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("Get(missing) returned ok=true")
	}
}

func TestZeroCapacityIsAlwaysEmpty(t *testing.T) {
	c := New[string, int](Config{Capacity: 0})
	c.Put("a", 1, 0)
	if c.Contains("a") {
		t.Fatalf("zero-capacity cache retained a key")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("zero-capacity cache served a value")
	}
}

func TestEviction(t *testing.T) {
	c := New[string, int](Config{Capacity: 2})
	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	c.Put("c", 3, 0) // evicts a (least recently used)

	if c.Contains("a") {
		t.Fatalf("expected a to be evicted")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Fatalf("expected b and c to remain")
	}
	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", c.Size())
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	c.Put("a", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to have expired")
	}
	if c.HasKey("a") {
		t.Fatalf("HasKey(a) true after expiry")
	}
}

func TestDefaultTTLNoExpiry(t *testing.T) {
	c := New[string, int](Config{Capacity: 4, NoExpiry: true})
	c.Put("a", 1, 0)
	if _, ok := c.GetExpiry("a"); ok {
		t.Fatalf("expected no expiry recorded")
	}
}

func TestCleanupExpired(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	c.Put("a", 1, time.Millisecond)
	c.Put("b", 2, time.Hour)
	time.Sleep(5 * time.Millisecond)

	n := c.CleanupExpired()
	if n != 1 {
		t.Fatalf("CleanupExpired() = %d, want 1", n)
	}
	if c.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", c.Size())
	}
}

func TestBatchPutMismatchedLengths(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	err := c.BatchPut([]string{"a", "b"}, []int{1}, 0)
	if err != ErrInvalidArguments {
		t.Fatalf("BatchPut() err = %v, want ErrInvalidArguments", err)
	}
	if c.Size() != 0 {
		t.Fatalf("BatchPut left partial state: Size() = %d", c.Size())
	}
}

func TestBatchGetPutRemove(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	keys := []string{"a", "b", "c"}
	vals := []int{1, 2, 3}
	if err := c.BatchPut(keys, vals, 0); err != nil {
		t.Fatalf("BatchPut() err = %v", err)
	}

	got, oks := c.BatchGet([]string{"a", "missing", "c"})
	if !oks[0] || got[0] != 1 {
		t.Fatalf("BatchGet[0] = %v, %v", got[0], oks[0])
	}
	if oks[1] {
		t.Fatalf("BatchGet[1] should be a miss")
	}
	if !oks[2] || got[2] != 3 {
		t.Fatalf("BatchGet[2] = %v, %v", got[2], oks[2])
	}

	c.BatchRemove([]string{"a", "b"})
	if c.Contains("a") || c.Contains("b") {
		t.Fatalf("BatchRemove left keys behind")
	}
	if !c.Contains("c") {
		t.Fatalf("BatchRemove removed an untargeted key")
	}
}

func TestHotKeyTracking(t *testing.T) {
	c := New[string, int](Config{Capacity: 4, HotThreshold: 3})
	c.Put("a", 1, 0)
	for i := 0; i < 3; i++ {
		c.Get("a")
	}
	hot := c.HotKeys()
	if len(hot) != 1 || hot[0] != "a" {
		t.Fatalf("HotKeys() = %v, want [a]", hot)
	}
}

func TestStartStopReaper(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	c.Put("a", 1, 2*time.Millisecond)

	c.StartReaper(time.Millisecond)
	defer c.StopReaper()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.Size() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("reaper did not clean up expired entry in time")
}

func TestClear(t *testing.T) {
	c := New[string, int](Config{Capacity: 4})
	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("Size() = %d after Clear, want 0", c.Size())
	}
}
