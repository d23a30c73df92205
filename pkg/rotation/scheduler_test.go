package rotation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/vault"
)

func schedulerFixture(t *testing.T) (*vault.Vault, *Registry, *events.Bus) {
	t.Helper()

	bus := events.NewBus()
	v := vault.New(vault.Options{
		KeystorePath: filepath.Join(t.TempDir(), "keystore.json"),
		UserID:       "user-1",
		DeviceName:   "test-device",
		Bus:          bus,
	})
	if err := v.Unlock(testPassword); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	return v, NewRegistry(), bus
}

// TestCheckEmitsDueForAgedKey verifies rotation_due when the key is old
func TestCheckEmitsDueForAgedKey(t *testing.T) {
	v, locks, bus := schedulerFixture(t)

	var mu sync.Mutex
	due := 0
	bus.Subscribe(events.TopicSchedulerDue, func(e events.Event) {
		mu.Lock()
		due++
		mu.Unlock()
	})

	// A one-nanosecond interval makes any keypair overdue.
	s := NewScheduler(v, locks, bus, nil, time.Nanosecond, time.Hour)
	s.Check()

	mu.Lock()
	defer mu.Unlock()
	if due != 1 {
		t.Errorf("rotation_due events = %d, want 1", due)
	}
}

// TestCheckFreshKeyStaysQuiet verifies no event for a young keypair
func TestCheckFreshKeyStaysQuiet(t *testing.T) {
	v, locks, bus := schedulerFixture(t)

	var mu sync.Mutex
	due := 0
	bus.Subscribe(events.TopicSchedulerDue, func(e events.Event) {
		mu.Lock()
		due++
		mu.Unlock()
	})

	s := NewScheduler(v, locks, bus, nil, 0, 0) // defaults: 180 days
	s.Check()

	mu.Lock()
	defer mu.Unlock()
	if due != 0 {
		t.Errorf("rotation_due events = %d, want 0", due)
	}
}

// TestCheckSkippedWhileRotationHoldsLock verifies the scheduler defers to
// a manual rotation in flight
func TestCheckSkippedWhileRotationHoldsLock(t *testing.T) {
	v, locks, bus := schedulerFixture(t)

	var mu sync.Mutex
	skipped := 0
	due := 0
	bus.Subscribe(events.TopicSchedulerSkipped, func(e events.Event) {
		mu.Lock()
		if e.Fields["reason"] == "rotation-in-progress" {
			skipped++
		}
		mu.Unlock()
	})
	bus.Subscribe(events.TopicSchedulerDue, func(e events.Event) {
		mu.Lock()
		due++
		mu.Unlock()
	})

	locks.Acquire("user-1", "rotation")

	s := NewScheduler(v, locks, bus, nil, time.Nanosecond, time.Hour)
	s.Check()

	mu.Lock()
	defer mu.Unlock()
	if skipped != 1 {
		t.Errorf("check_skipped events = %d, want 1", skipped)
	}
	if due != 0 {
		t.Errorf("rotation_due emitted despite held lock")
	}
}

// TestCheckLockedVaultIsSilent verifies no events while LOCKED
func TestCheckLockedVaultIsSilent(t *testing.T) {
	v, locks, bus := schedulerFixture(t)
	v.Lock("test")

	var mu sync.Mutex
	total := 0
	bus.Subscribe(events.TopicSchedulerDue, func(e events.Event) {
		mu.Lock()
		total++
		mu.Unlock()
	})
	bus.Subscribe(events.TopicSchedulerSkipped, func(e events.Event) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	s := NewScheduler(v, locks, bus, nil, time.Nanosecond, time.Hour)
	s.Check()

	mu.Lock()
	defer mu.Unlock()
	if total != 0 {
		t.Errorf("events = %d, want 0 while locked", total)
	}
}

// TestStartStop verifies the polling goroutine lifecycle
func TestStartStop(t *testing.T) {
	v, locks, bus := schedulerFixture(t)

	s := NewScheduler(v, locks, bus, nil, time.Nanosecond, 10*time.Millisecond)
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("scheduler not running after Start")
	}

	// Second start is a no-op.
	s.Start(context.Background())

	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler still running after Stop")
	}

	// Stop twice is safe; Start works again after Stop.
	s.Stop()
	s.Start(context.Background())
	defer s.Stop()
	if !s.IsRunning() {
		t.Error("scheduler did not restart")
	}
}
