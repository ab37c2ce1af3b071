package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"pagewatch/pkg/watch"
)

func newSession(id, owner string) *watch.Session {
	return &watch.Session{
		ID:        id,
		Owner:     owner,
		URL:       "https://example.com/",
		Selectors: []string{"#price"},
		State:     watch.StatePending,
	}
}

func TestTryActivate(t *testing.T) {
	r := New(2)

	if err := r.TryActivate(newSession("a", "alice@example.com"), nil); err != nil {
		t.Fatalf("TryActivate() error = %v", err)
	}
	if err := r.TryActivate(newSession("b", "alice@example.com"), nil); !watch.IsDuplicateOwner(err) {
		t.Errorf("TryActivate() same owner error = %v, want DuplicateOwnerError", err)
	}
	if err := r.TryActivate(newSession("c", "bob@example.com"), nil); err != nil {
		t.Fatalf("TryActivate() error = %v", err)
	}
	if err := r.TryActivate(newSession("d", "carol@example.com"), nil); !watch.IsCapacity(err) {
		t.Errorf("TryActivate() over cap error = %v, want CapacityError", err)
	}
	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	got, ok := r.Get("alice@example.com")
	if !ok {
		t.Fatal("Get() found nothing for alice")
	}
	if got.State != watch.StateActive {
		t.Errorf("Get() state = %v, want %v", got.State, watch.StateActive)
	}
}

func TestTryActivateSetsActive(t *testing.T) {
	r := New(1)
	s := newSession("a", "alice@example.com")
	if err := r.TryActivate(s, nil); err != nil {
		t.Fatalf("TryActivate() error = %v", err)
	}
	if s.State != watch.StateActive {
		t.Errorf("session state = %v, want %v", s.State, watch.StateActive)
	}
}

func TestRemoveReleasesSlot(t *testing.T) {
	r := New(1)
	if err := r.TryActivate(newSession("a", "alice@example.com"), nil); err != nil {
		t.Fatalf("TryActivate() error = %v", err)
	}
	r.MarkTerminated("a", watch.ReasonExpired)
	if err := r.TryActivate(newSession("b", "bob@example.com"), nil); !watch.IsCapacity(err) {
		t.Errorf("TryActivate() before Remove error = %v, want CapacityError", err)
	}

	r.Remove("a")
	r.Remove("a") // idempotent

	if _, ok := r.Get("alice@example.com"); ok {
		t.Error("Get() still returns removed session")
	}
	if err := r.TryActivate(newSession("b", "bob@example.com"), nil); err != nil {
		t.Errorf("TryActivate() after Remove error = %v", err)
	}
}

func TestRequestStop(t *testing.T) {
	r := New(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.TryActivate(newSession("a", "alice@example.com"), cancel); err != nil {
		t.Fatalf("TryActivate() error = %v", err)
	}

	if _, err := r.RequestStop("nobody@example.com"); !watch.IsNotFound(err) {
		t.Errorf("RequestStop() unknown owner error = %v, want NotFoundError", err)
	}

	id, err := r.RequestStop("alice@example.com")
	if err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	if id != "a" {
		t.Errorf("RequestStop() id = %q, want %q", id, "a")
	}
	if !r.Stopping("a") {
		t.Error("Stopping() = false after RequestStop")
	}
	if ctx.Err() == nil {
		t.Error("RequestStop() did not cancel the session context")
	}

	// Second request is a no-op.
	if _, err := r.RequestStop("alice@example.com"); err != nil {
		t.Errorf("RequestStop() repeated error = %v", err)
	}

	r.MarkTerminated("a", watch.ReasonUserStopped)
	if r.Stopping("a") {
		t.Error("Stopping() = true after MarkTerminated")
	}
}

func TestConcurrentActivationNeverExceedsCap(t *testing.T) {
	r := New(watch.MaxConcurrentSessions)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newSession(fmt.Sprintf("s-%d", i), fmt.Sprintf("owner-%d@example.com", i))
			if err := r.TryActivate(s, nil); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != watch.MaxConcurrentSessions {
		t.Errorf("admitted = %d, want %d", admitted, watch.MaxConcurrentSessions)
	}
	if got := r.Count(); got != watch.MaxConcurrentSessions {
		t.Errorf("Count() = %d, want %d", got, watch.MaxConcurrentSessions)
	}
}

func TestRequestStopAfterTerminated(t *testing.T) {
	r := New(1)
	var cancelled bool
	if err := r.TryActivate(newSession("a", "alice@example.com"), func() { cancelled = true }); err != nil {
		t.Fatalf("TryActivate() error = %v", err)
	}
	r.MarkTerminated("a", watch.ReasonExpired)

	id, err := r.RequestStop("alice@example.com")
	if err != nil || id != "a" {
		t.Fatalf("RequestStop() = %q, %v, want %q, nil", id, err, "a")
	}
	if cancelled {
		t.Error("RequestStop() cancelled a terminated session")
	}
	got, _ := r.Get("alice@example.com")
	if !got.Terminal() || got.Reason != watch.ReasonExpired {
		t.Errorf("session = %v/%v, want terminated/%v", got.State, got.Reason, watch.ReasonExpired)
	}
}
