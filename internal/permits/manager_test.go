package permits

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	mgr := NewManager(2)
	if !mgr.TryAcquire() || !mgr.TryAcquire() {
		t.Fatalf("expected two permits available")
	}
	if mgr.TryAcquire() {
		t.Fatalf("expected third acquire to fail")
	}
	if mgr.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", mgr.InUse())
	}
	mgr.Release()
	if !mgr.TryAcquire() {
		t.Fatalf("released permit should be reusable")
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	mgr := NewManager(1)
	if err := mgr.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- mgr.Acquire(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	mgr.Release()
	if err := <-done; err != nil {
		t.Fatalf("blocked acquire should succeed after release: %v", err)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	mgr := NewManager(1)
	if err := mgr.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := mgr.Acquire(ctx); err == nil {
		t.Fatalf("expected context timeout")
	}
}

func TestDefaultCapacity(t *testing.T) {
	mgr := NewManager(0)
	if mgr.Capacity() != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, mgr.Capacity())
	}
}
