package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	errs   map[string]error
}

func (h *recordingHandler) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, name)
	return h.errs[name]
}

func (h *recordingHandler) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) HandleUserUnlocked(_ context.Context, userID int) error {
	return h.record("user_unlocked")
}

func (h *recordingHandler) HandleUserRemoved(_ context.Context, userID int) error {
	return h.record("user_removed")
}

func (h *recordingHandler) HandlePackageAdded(_ context.Context, userID int, pkg string) error {
	return h.record("package_added:" + pkg)
}

func (h *recordingHandler) HandlePackageUpdated(_ context.Context, userID int, pkg string) error {
	return h.record("package_updated:" + pkg)
}

func (h *recordingHandler) HandlePackageRemoved(_ context.Context, userID int, pkg string, uid int64) error {
	return h.record("package_removed:" + pkg)
}

func (h *recordingHandler) HandlePermissionsChanged(_ context.Context, userID int, uid int64) error {
	return h.record("permissions_changed")
}

func TestCoordinatorPreservesOrder(t *testing.T) {
	handler := &recordingHandler{}
	c := NewCoordinator(handler)

	events := []Event{
		UserUnlocked{UserID: 0},
		PackageAdded{UserID: 0, Pkg: "com.a"},
		PackageRemoved{UserID: 0, Pkg: "com.b", UID: 10001},
		PermissionsChanged{UserID: 0, UID: 10002},
	}
	for _, event := range events {
		if err := c.Publish(event); err != nil {
			t.Fatalf("publish %s: %v", event.Name(), err)
		}
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []string{"user_unlocked", "package_added:com.a", "package_removed:com.b", "permissions_changed"}
	got := handler.recorded()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestCoordinatorContinuesAfterHandlerError(t *testing.T) {
	handler := &recordingHandler{errs: map[string]error{
		"user_removed": platformerrors.New(platformerrors.CodeStorageFailure, "boom"),
	}}
	c := NewCoordinator(handler)

	if err := c.Publish(UserRemoved{UserID: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Publish(UserUnlocked{UserID: 0}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := handler.recorded()
	if len(got) != 2 || got[1] != "user_unlocked" {
		t.Fatalf("events = %v, want failure then next event", got)
	}
}

func TestCoordinatorRejectsPublishAfterClose(t *testing.T) {
	c := NewCoordinator(&recordingHandler{})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Publish(UserUnlocked{UserID: 0}); err == nil {
		t.Fatal("expected publish after close to fail")
	}
	// Closing again stays a no-op.
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCoordinatorCloseHonorsContext(t *testing.T) {
	handler := &blockingHandler{
		startedCh: make(chan struct{}),
		release:   make(chan struct{}),
	}
	c := NewCoordinator(handler)

	if err := c.Publish(UserUnlocked{UserID: 0}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-handler.startedCh

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); err != context.DeadlineExceeded {
		t.Fatalf("close err = %v, want deadline exceeded", err)
	}
	close(handler.release)
}

func TestPublishNeverBlocksBehindSlowHandler(t *testing.T) {
	handler := &blockingHandler{
		startedCh: make(chan struct{}),
		release:   make(chan struct{}),
	}
	c := NewCoordinator(handler)

	if err := c.Publish(UserUnlocked{UserID: 0}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-handler.startedCh

	// Pile up far more events than any fixed buffer while the handler is
	// stuck; every publish must return immediately.
	const backlog = 256
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < backlog; i++ {
			if err := c.Publish(PermissionsChanged{UserID: 0, UID: int64(i)}); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked behind slow handler")
	}

	close(handler.release)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(handler.recorded()); got != backlog {
		t.Fatalf("handled %d backlog events, want %d", got, backlog)
	}
}

type blockingHandler struct {
	recordingHandler
	startedCh chan struct{}
	release   chan struct{}
}

func (h *blockingHandler) HandleUserUnlocked(_ context.Context, userID int) error {
	close(h.startedCh)
	<-h.release
	return nil
}
