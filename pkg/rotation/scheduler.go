package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/logging"
	"github.com/onestarstream/onestar-vault/pkg/vault"
)

const (
	// DefaultRotationInterval is how old a current keypair may get
	// before the scheduler flags it.
	DefaultRotationInterval = 180 * 24 * time.Hour
	// DefaultCheckInterval is how often the scheduler polls keystore age
	DefaultCheckInterval = time.Hour
)

// Scheduler polls the current keypair's age and emits rotation_due when
// it exceeds the rotation interval. It never rotates by itself, and it
// skips the check entirely while a rotation holds the user's lock.
type Scheduler struct {
	vault    *vault.Vault
	locks    *Registry
	bus      *events.Bus
	log      *logging.Logger
	interval time.Duration
	every    time.Duration

	mu       sync.Mutex
	ticker   *time.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewScheduler creates a stopped scheduler. Zero durations select the
// defaults.
func NewScheduler(v *vault.Vault, locks *Registry, bus *events.Bus, logger *logging.Logger, rotationInterval, checkEvery time.Duration) *Scheduler {
	if rotationInterval <= 0 {
		rotationInterval = DefaultRotationInterval
	}
	if checkEvery <= 0 {
		checkEvery = DefaultCheckInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		vault:    v,
		locks:    locks,
		bus:      bus,
		log:      logger,
		interval: rotationInterval,
		every:    checkEvery,
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic checks. Returns immediately; a second Start while
// running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ticker = time.NewTicker(s.every)
	s.running = true

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.ticker.C:
			s.Check()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check performs one age check. Exposed so hosts can force a check at
// startup without waiting a full tick.
func (s *Scheduler) Check() {
	ks, err := s.vault.Keystore()
	if err != nil {
		// Locked vault: nothing to inspect.
		return
	}

	if s.locks.IsLocked(ks.UserID) {
		s.bus.Emit(events.TopicSchedulerSkipped, events.Fields{
			"reason": "rotation-in-progress",
		})
		s.log.Debug("rotation check skipped", logging.Fields{"reason": "rotation-in-progress"})
		return
	}

	age := time.Since(ks.CurrentKeypair.CreatedAt)
	if age >= s.interval {
		s.bus.Emit(events.TopicSchedulerDue, events.Fields{
			"key_id":  ks.CurrentKeypair.KeyID,
			"age_ms":  age.Milliseconds(),
			"user_id": ks.UserID,
		})
		s.log.Info("rotation due", logging.Fields{
			"key_id": ks.CurrentKeypair.KeyID,
			"age_ms": age.Milliseconds(),
		})
	}
}

// Stop halts the scheduler and waits for the polling goroutine to exit.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopChan)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.stopChan = make(chan struct{})
	s.mu.Unlock()
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
