// Package vault owns the unlock lifecycle of the keystore and the only
// in-memory copy of the decrypted keypairs. Other components borrow the
// resident keypair through GetCurrentKeypair/ResidentKeypairs and never
// retain it past their operation.
package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/keystore"
	"github.com/onestarstream/onestar-vault/pkg/logging"
)

// State is the vault lifecycle state.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
)

// String returns the state name used in events and logs.
func (s State) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Unlocking:
		return "UNLOCKING"
	case Unlocked:
		return "UNLOCKED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrVaultLocked indicates an operation that requires an unlocked vault
	ErrVaultLocked = errors.New("vault is locked")
	// ErrAlreadyUnlocking indicates a concurrent unlock is in flight
	ErrAlreadyUnlocking = errors.New("unlock already in progress")
)

// Options configure vault construction.
type Options struct {
	// KeystorePath is the keystore file location
	KeystorePath string
	// UserID identifies the vault owner; used when creating a keystore
	UserID string
	// DeviceName labels this device; used when creating a keystore
	DeviceName string
	// MinPasswordLength can raise (never lower) the policy floor
	MinPasswordLength int
	// Iterations overrides the at-rest PBKDF2 count for new keystores;
	// values below the floor are clamped up
	Iterations int
	// Bus receives vault.* events; may be nil
	Bus *events.Bus
	// Logger may be nil
	Logger *logging.Logger
}

// Vault is the lifecycle state machine {LOCKED, UNLOCKING, UNLOCKED}.
// Transitions are serialized; readers of the resident keypair get an
// immutable snapshot reference that is swapped atomically on
// lock/unlock/rotation commit rather than mutated in place.
type Vault struct {
	mu sync.RWMutex

	state          State
	opts           Options
	ks             *keystore.Keystore
	current        *hybrid.Keypair
	previous       []*hybrid.Keypair
	fileKey        [primitives.KeySize]byte
	hasFileKey     bool
	lastUnlockedAt time.Time
	lastActivity   time.Time

	idleTimer *time.Timer
	idleGen   uint64

	bus *events.Bus
	log *logging.Logger
}

// New creates a locked vault. No file I/O happens until Unlock.
func New(opts Options) *Vault {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Vault{
		state: Locked,
		opts:  opts,
		bus:   opts.Bus,
		log:   logger,
	}
}

// State returns the current lifecycle state.
func (v *Vault) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Unlock validates the password against policy, then loads (or creates)
// the keystore and makes the decrypted keypairs resident. Policy failures
// return ErrWeakPassword before any key-derivation work. A concurrent
// unlock returns ErrAlreadyUnlocking; unlocking an unlocked vault only
// records activity.
func (v *Vault) Unlock(password string) error {
	if err := ValidatePassword(password, v.opts.MinPasswordLength); err != nil {
		return err
	}

	v.mu.Lock()
	switch v.state {
	case Unlocking:
		v.mu.Unlock()
		return ErrAlreadyUnlocking
	case Unlocked:
		v.touchLocked()
		v.mu.Unlock()
		return nil
	}
	v.state = Unlocking
	v.mu.Unlock()

	ks, current, previous, fileKey, err := v.openKeystore([]byte(password))
	if err != nil {
		v.mu.Lock()
		v.state = Locked
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	v.ks = ks
	v.current = current
	v.previous = previous
	v.fileKey = fileKey
	v.hasFileKey = true
	v.state = Unlocked
	now := time.Now().UTC()
	v.lastUnlockedAt = now
	v.lastActivity = now
	v.startIdleTimerLocked()
	v.mu.Unlock()

	v.log.Info("vault unlocked", logging.Fields{"key_id": current.KeyID})
	v.emitStateChange(Locked, Unlocked, "unlock")
	return nil
}

// openKeystore runs off the state lock: PBKDF2 is deliberately slow. The
// derived file key is returned for residency; it is wiped on lock.
func (v *Vault) openKeystore(password []byte) (*keystore.Keystore, *hybrid.Keypair, []*hybrid.Keypair, [primitives.KeySize]byte, error) {
	var fileKey [primitives.KeySize]byte

	if !keystore.Exists(v.opts.KeystorePath) {
		kp, err := hybrid.GenerateKeypair()
		if err != nil {
			return nil, nil, nil, fileKey, err
		}
		ks, err := keystore.New(v.opts.UserID, v.opts.DeviceName, password, kp, v.opts.Iterations)
		if err != nil {
			kp.Zeroize()
			return nil, nil, nil, fileKey, err
		}
		if err := keystore.Save(ks, v.opts.KeystorePath); err != nil {
			kp.Zeroize()
			return nil, nil, nil, fileKey, err
		}
		fileKey, err = ks.DeriveFileKey(password)
		if err != nil {
			kp.Zeroize()
			return nil, nil, nil, fileKey, err
		}
		v.log.Info("keystore created", logging.Fields{
			"path":      v.opts.KeystorePath,
			"device_id": ks.DeviceID,
		})
		return ks, kp, nil, fileKey, nil
	}

	ks, err := keystore.Load(v.opts.KeystorePath)
	if err != nil {
		return nil, nil, nil, fileKey, err
	}

	fileKey, err = ks.DeriveFileKey(password)
	if err != nil {
		return nil, nil, nil, fileKey, err
	}

	current, err := keystore.OpenKeypair(ks.CurrentKeypair, fileKey)
	if err != nil {
		primitives.ZeroKey(&fileKey)
		return nil, nil, nil, fileKey, err
	}

	previous := make([]*hybrid.Keypair, 0, len(ks.PreviousKeypairs))
	for _, prev := range ks.PreviousKeypairs {
		kp, err := keystore.OpenKeypair(&prev.StoredKeypair, fileKey)
		if err != nil {
			current.Zeroize()
			for _, p := range previous {
				p.Zeroize()
			}
			primitives.ZeroKey(&fileKey)
			return nil, nil, nil, fileKey, err
		}
		previous = append(previous, kp)
	}

	return ks, current, previous, fileKey, nil
}

// Lock zeroizes the resident keypairs and transitions to LOCKED.
func (v *Vault) Lock(reason string) {
	v.mu.Lock()
	if v.state == Locked {
		v.mu.Unlock()
		return
	}
	old := v.state
	v.zeroizeResidentLocked()
	v.ks = nil
	v.state = Locked
	v.stopIdleTimerLocked()
	v.mu.Unlock()

	v.log.Info("vault locked", logging.Fields{"reason": reason})
	v.emitStateChange(old, Locked, reason)
}

// RecordActivity resets the idle auto-lock timer.
func (v *Vault) RecordActivity() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.touchLocked()
}

// GetCurrentKeypair returns the resident decrypted keypair. The caller
// borrows it read-only and must not retain it past the operation.
func (v *Vault) GetCurrentKeypair() (*hybrid.Keypair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != Unlocked {
		return nil, ErrVaultLocked
	}
	return v.current, nil
}

// GetCurrentPublicKey returns the current public key for wrapping fresh
// media keys.
func (v *Vault) GetCurrentPublicKey() (*hybrid.PublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != Unlocked {
		return nil, ErrVaultLocked
	}
	return &v.current.Public, nil
}

// ResidentKeypairs returns the current keypair and the retired keypairs
// (newest first) for fallback unwrap. Read-only borrow.
func (v *Vault) ResidentKeypairs() (*hybrid.Keypair, []*hybrid.Keypair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != Unlocked {
		return nil, nil, ErrVaultLocked
	}
	return v.current, v.previous, nil
}

// Keystore returns the loaded keystore record. Mutation is reserved for
// the rotation engine and sync codec, which serialize through their own
// locks and publish results via ReplaceState.
func (v *Vault) Keystore() (*keystore.Keystore, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != Unlocked {
		return nil, ErrVaultLocked
	}
	return v.ks, nil
}

// KeystorePath returns the configured keystore file path.
func (v *Vault) KeystorePath() string {
	return v.opts.KeystorePath
}

// VerifyPassword re-derives the file key and checks it against the
// current keypair ciphertext without touching resident state.
func (v *Vault) VerifyPassword(password string) error {
	v.mu.RLock()
	ks := v.ks
	state := v.state
	v.mu.RUnlock()

	if state != Unlocked {
		return ErrVaultLocked
	}
	return ks.VerifyPassword([]byte(password))
}

// ReplaceState atomically swaps the keystore record and resident
// keypairs. Used at rotation commit and after a sync import; readers in
// flight keep the old snapshot reference.
func (v *Vault) ReplaceState(ks *keystore.Keystore, current *hybrid.Keypair, previous []*hybrid.Keypair) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Unlocked {
		return ErrVaultLocked
	}

	// The old references are superseded, not borrowed: wipe any keypair
	// not carried over into the new resident set.
	carried := make(map[*hybrid.Keypair]bool, 1+len(previous))
	carried[current] = true
	for _, p := range previous {
		carried[p] = true
	}
	if v.current != nil && !carried[v.current] {
		v.current.Zeroize()
	}
	for _, p := range v.previous {
		if !carried[p] {
			p.Zeroize()
		}
	}

	v.ks = ks
	v.current = current
	v.previous = previous
	return nil
}

// SealWithFileKey encrypts a keypair's private half under this vault's
// resident at-rest key. Used by the sync codec to re-seal imported
// keypairs under the local salt without re-deriving from the password.
func (v *Vault) SealWithFileKey(kp *hybrid.Keypair) (*keystore.StoredKeypair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != Unlocked || !v.hasFileKey {
		return nil, ErrVaultLocked
	}
	return keystore.SealKeypair(kp, v.fileKey)
}

// LastUnlockedAt returns when the vault last transitioned to UNLOCKED.
func (v *Vault) LastUnlockedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastUnlockedAt
}

// IdleTimeout returns the effective idle auto-lock duration.
func (v *Vault) IdleTimeout() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.idleTimeoutLocked()
}

func (v *Vault) idleTimeoutLocked() time.Duration {
	ms := keystore.DefaultVaultSettings().IdleTimeoutMS
	if v.ks != nil && v.ks.VaultSettings.IdleTimeoutMS > 0 {
		ms = v.ks.VaultSettings.IdleTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (v *Vault) touchLocked() {
	v.lastActivity = time.Now().UTC()
	if v.state == Unlocked {
		v.startIdleTimerLocked()
	}
}

// startIdleTimerLocked (re)arms the idle timer. The generation counter
// invalidates callbacks from timers superseded by a reset or a lock.
func (v *Vault) startIdleTimerLocked() {
	v.stopIdleTimerLocked()
	v.idleGen++
	gen := v.idleGen
	timeout := v.idleTimeoutLocked()
	v.idleTimer = time.AfterFunc(timeout, func() {
		v.onIdleTimeout(gen)
	})
}

func (v *Vault) stopIdleTimerLocked() {
	if v.idleTimer != nil {
		v.idleTimer.Stop()
		v.idleTimer = nil
	}
}

func (v *Vault) onIdleTimeout(gen uint64) {
	v.mu.Lock()
	if v.state != Unlocked || gen != v.idleGen {
		v.mu.Unlock()
		return
	}
	old := v.state
	v.zeroizeResidentLocked()
	v.ks = nil
	v.state = Locked
	v.stopIdleTimerLocked()
	v.mu.Unlock()

	v.log.Info("vault auto-locked", logging.Fields{"reason": "idle"})
	v.bus.Emit(events.TopicVaultIdleTimeout, events.Fields{})
	v.emitStateChange(old, Locked, "idle")
}

func (v *Vault) zeroizeResidentLocked() {
	if v.current != nil {
		v.current.Zeroize()
		v.current = nil
	}
	for _, p := range v.previous {
		p.Zeroize()
	}
	v.previous = nil
	primitives.ZeroKey(&v.fileKey)
	v.hasFileKey = false
}

func (v *Vault) emitStateChange(oldState, newState State, reason string) {
	v.bus.Emit(events.TopicVaultStateChange, events.Fields{
		"old_state": oldState.String(),
		"new_state": newState.String(),
		"reason":    reason,
	})
}

// Erase locks the vault and destroys the keystore file.
func (v *Vault) Erase() error {
	v.Lock("erase")
	if !keystore.Exists(v.opts.KeystorePath) {
		return fmt.Errorf("%w: no keystore at %s", keystore.ErrIoFailure, v.opts.KeystorePath)
	}
	return keystore.Erase(v.opts.KeystorePath)
}
