// Package lifecycle serializes reactions to user and package events.
//
// Every event runs on one background goroutine in submission order, so
// handlers never race each other and never block the caller that observed
// the event. Handler failures are logged and the queue moves on; every
// handler is written to be idempotent, so a retry after a crash is safe.
package lifecycle

import (
	"context"
	"log"
	"sync"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// Handler reacts to lifecycle events. The coordinator invokes at most one
// method at a time.
type Handler interface {
	HandleUserUnlocked(ctx context.Context, userID int) error
	HandleUserRemoved(ctx context.Context, userID int) error
	HandlePackageAdded(ctx context.Context, userID int, pkg string) error
	HandlePackageUpdated(ctx context.Context, userID int, pkg string) error
	HandlePackageRemoved(ctx context.Context, userID int, pkg string, uid int64) error
	HandlePermissionsChanged(ctx context.Context, userID int, uid int64) error
}

// Event is one observed change the engine must react to.
type Event interface {
	// Name labels the event for logs.
	Name() string
	dispatch(ctx context.Context, h Handler) error
}

// UserUnlocked fires when a user's credential-encrypted storage becomes
// available.
type UserUnlocked struct{ UserID int }

func (e UserUnlocked) Name() string { return "user_unlocked" }
func (e UserUnlocked) dispatch(ctx context.Context, h Handler) error {
	return h.HandleUserUnlocked(ctx, e.UserID)
}

// UserRemoved fires when a user is deleted from the device.
type UserRemoved struct{ UserID int }

func (e UserRemoved) Name() string { return "user_removed" }
func (e UserRemoved) dispatch(ctx context.Context, h Handler) error {
	return h.HandleUserRemoved(ctx, e.UserID)
}

// PackageAdded fires when a package is installed for a user.
type PackageAdded struct {
	UserID int
	Pkg    string
}

func (e PackageAdded) Name() string { return "package_added" }
func (e PackageAdded) dispatch(ctx context.Context, h Handler) error {
	return h.HandlePackageAdded(ctx, e.UserID, e.Pkg)
}

// PackageUpdated fires when an installed package is replaced.
type PackageUpdated struct {
	UserID int
	Pkg    string
}

func (e PackageUpdated) Name() string { return "package_updated" }
func (e PackageUpdated) dispatch(ctx context.Context, h Handler) error {
	return h.HandlePackageUpdated(ctx, e.UserID, e.Pkg)
}

// PackageRemoved fires when a package is uninstalled for a user. UID is the
// identity the package ran as, used to purge its grants.
type PackageRemoved struct {
	UserID int
	Pkg    string
	UID    int64
}

func (e PackageRemoved) Name() string { return "package_removed" }
func (e PackageRemoved) dispatch(ctx context.Context, h Handler) error {
	return h.HandlePackageRemoved(ctx, e.UserID, e.Pkg, e.UID)
}

// PermissionsChanged fires when a uid's permission or app-op state changes
// in a way that can affect account access.
type PermissionsChanged struct {
	UserID int
	UID    int64
}

func (e PermissionsChanged) Name() string { return "permissions_changed" }
func (e PermissionsChanged) dispatch(ctx context.Context, h Handler) error {
	return h.HandlePermissionsChanged(ctx, e.UserID, e.UID)
}

// Coordinator owns the background queue. The buffer grows as needed so a
// slow handler delays later events, never the publisher.
type Coordinator struct {
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	done    chan struct{}
}

// NewCoordinator starts the queue goroutine.
func NewCoordinator(handler Handler) *Coordinator {
	c := &Coordinator{
		handler: handler,
		done:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		event := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if err := event.dispatch(context.Background(), c.handler); err != nil {
			log.Printf("lifecycle: %s handler failed: %v", event.Name(), err)
		}
	}
}

// Publish enqueues an event and returns immediately. Events observed after
// Close are dropped with an error.
func (c *Coordinator) Publish(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return platformerrors.New(platformerrors.CodeUnknown, "lifecycle queue is closed")
	}
	c.pending = append(c.pending, event)
	c.cond.Signal()
	return nil
}

// Close stops accepting events and waits for the queue to drain or the
// context to expire.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.cond.Signal()
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
