package progress

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "job:1", []byte(`{"status":"processing"}`), JobTTL); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	got, err := s.Get(ctx, "job:1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got) != `{"status":"processing"}` {
		t.Errorf("got %q", got)
	}
}

func TestMemoryStore_GetMissingKey(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "job:missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ExpiresAfterTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Set(ctx, "worker:1:0", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "worker:1:0")
	if err != ErrNotFound {
		t.Errorf("expected entry to have expired, got err=%v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "job:1", []byte("x"), JobTTL)
	s.Delete(ctx, "job:1")

	_, err := s.Get(ctx, "job:1")
	if err != ErrNotFound {
		t.Errorf("expected deleted key to be absent, got err=%v", err)
	}
}

func TestMemoryStore_JanitorSweepsExpiredEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Set(ctx, "worker:1:0", []byte("x"), 5*time.Millisecond)
	go s.RunJanitor(ctx, 10*time.Millisecond)

	time.Sleep(40 * time.Millisecond)

	s.mu.RLock()
	_, stillPresent := s.entries["worker:1:0"]
	s.mu.RUnlock()

	if stillPresent {
		t.Error("expected janitor to evict expired entry")
	}
}

func TestJobKey(t *testing.T) {
	if got := JobKey("abc"); got != "job:abc" {
		t.Errorf("JobKey() = %q", got)
	}
}

func TestWorkerKey(t *testing.T) {
	if got := WorkerKey("abc", 3); got != "worker:abc:3" {
		t.Errorf("WorkerKey() = %q", got)
	}
}
