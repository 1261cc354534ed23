package session

import (
	"context"
	"testing"
	"time"

	"go.starlark.net/starlark"
)

func TestRegistryAcquireCreates(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Acquire(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release()

	if s.ID != "sess-1" {
		t.Errorf("ID = %q, want %q", s.ID, "sess-1")
	}
	if s.Globals == nil {
		t.Error("Globals not allocated")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryStatePersists(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	ctx := context.Background()

	s, err := r.Acquire(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Globals["x"] = starlark.String("kept")
	s.Release()

	s, err = r.Acquire(ctx, "sess-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if v, ok := s.Globals["x"]; !ok || v != starlark.String("kept") {
		t.Errorf("Globals[x] = %v, want kept", v)
	}
	s.Release()

	other, err := r.Acquire(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Acquire other: %v", err)
	}
	defer other.Release()
	if _, ok := other.Globals["x"]; ok {
		t.Error("state leaked across session identifiers")
	}
}

func TestRegistrySameIDSerializes(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	ctx := context.Background()

	first, err := r.Acquire(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *Session, 1)
	go func() {
		s, err := r.Acquire(ctx, "sess-1")
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			return
		}
		got <- s
	}()

	select {
	case <-got:
		t.Fatal("second Acquire proceeded while first held the session")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case s := <-got:
		s.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never proceeded after Release")
	}
}

func TestRegistryDistinctIDsRunInParallel(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	a, err := r.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := r.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("Acquire b blocked behind a: %v", err)
	}
	b.Release()
}

func TestRegistryAcquireHonorsContext(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Acquire(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "sess-1"); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRegistryGetDoesNotCreate(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	if _, ok := r.Get("sess-1"); ok {
		t.Error("Get reported a session that was never acquired")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after Get, want 0", r.Len())
	}

	s, err := r.Acquire(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Release()

	got, ok := r.Get("sess-1")
	if !ok || got != s {
		t.Errorf("Get = %v, %v, want the acquired session", got, ok)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	ctx := context.Background()

	s, err := r.Acquire(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Globals["x"] = starlark.String("gone")
	s.Release()

	if !r.Remove("sess-1") {
		t.Error("Remove = false, want true")
	}
	if r.Remove("sess-1") {
		t.Error("second Remove = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}

	s, err = r.Acquire(ctx, "sess-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer s.Release()
	if _, ok := s.Globals["x"]; ok {
		t.Error("removed session kept its globals")
	}
}

func TestRegistryEvictsIdle(t *testing.T) {
	r := NewRegistry(WithTTL(10 * time.Millisecond))
	defer r.Close()
	ctx := context.Background()

	s, err := r.Acquire(ctx, "idle")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Release()

	time.Sleep(20 * time.Millisecond)
	if n := r.evictExpired(); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryEvictionSkipsBusy(t *testing.T) {
	r := NewRegistry(WithTTL(10 * time.Millisecond))
	defer r.Close()

	s, err := r.Acquire(context.Background(), "busy")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := r.evictExpired(); n != 0 {
		t.Errorf("evicted %d while executing, want 0", n)
	}

	s.Release()
	time.Sleep(20 * time.Millisecond)
	if n := r.evictExpired(); n != 1 {
		t.Errorf("evicted %d after release, want 1", n)
	}
}

func TestRegistryCloseIdempotent(t *testing.T) {
	r := NewRegistry(WithTTL(time.Minute))
	r.Close()
	r.Close()

	// Close on a registry without a sweep must not block either.
	r = NewRegistry()
	r.Close()
}
