package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/keystore"
	"github.com/onestarstream/onestar-vault/pkg/logging"
	"github.com/onestarstream/onestar-vault/pkg/mediastore"
	"github.com/onestarstream/onestar-vault/pkg/vault"
)

const (
	// DefaultRollbackThreshold is the failed/total ratio above which a
	// rotation rolls back instead of committing.
	DefaultRollbackThreshold = 0.20
	// DefaultProgressEvery is how many records pass between progress
	// events and abort checkpoints.
	DefaultProgressEvery = 10
)

var (
	// ErrLockHeld indicates another rotation holds the user's lock
	ErrLockHeld = errors.New("rotation already in progress for user")
)

// Options tune a single rotation.
type Options struct {
	// ReWrapMedia controls whether dependent media keys are re-wrapped
	ReWrapMedia bool
	// RollbackThreshold overrides DefaultRollbackThreshold when > 0
	RollbackThreshold float64
	// TriggeredBy is recorded in the rotation history entry; defaults
	// to "manual"
	TriggeredBy string
}

// DefaultOptions returns the options used by a plain rotation.
func DefaultOptions() Options {
	return Options{
		ReWrapMedia:       true,
		RollbackThreshold: DefaultRollbackThreshold,
		TriggeredBy:       keystore.TriggerManual,
	}
}

// Result describes a finished rotation attempt.
type Result struct {
	Success           bool
	NewKeyID          string
	OldKeyID          string
	MediaRewrapped    uint32
	MediaFailed       uint32
	DurationMS        uint32
	Aborted           bool
	RollbackPerformed bool
}

// Engine drives rotations against one vault and its media collaborator.
type Engine struct {
	vault *vault.Vault
	store mediastore.Store
	locks *Registry
	bus   *events.Bus
	log   *logging.Logger

	progressEvery int
}

// NewEngine wires a rotation engine. store may be nil when the host never
// re-wraps media; locks must be the process-wide registry.
func NewEngine(v *vault.Vault, store mediastore.Store, locks *Registry, bus *events.Bus, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		vault:         v,
		store:         store,
		locks:         locks,
		bus:           bus,
		log:           logger,
		progressEvery: DefaultProgressEvery,
	}
}

// Rotate generates a new current keypair, re-wraps dependent media keys,
// and commits the keystore — or rolls back when the failure threshold is
// crossed or ctx is cancelled.
//
// The supplied password is re-verified even though the vault is already
// unlocked: a stale unlocked session must not authorize a rotation.
// Cancellation is cooperative, polled at re-wrap iteration boundaries;
// cancelling after commit is a no-op. Rollback restores the keystore but
// never unwinds media records already updated at the collaborator —
// those stay decryptable through the retained retired keypair.
func (e *Engine) Rotate(ctx context.Context, password, reason string, opts Options) (*Result, error) {
	start := time.Now()
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = keystore.TriggerManual
	}
	threshold := opts.RollbackThreshold
	if threshold <= 0 {
		threshold = DefaultRollbackThreshold
	}

	// Step 1: lock acquisition.
	ks, err := e.vault.Keystore()
	if err != nil {
		return nil, err
	}
	userID := ks.UserID

	if !e.locks.Acquire(userID, "rotation") {
		return nil, ErrLockHeld
	}
	defer e.locks.Release(userID)

	// Re-read under the lock: a rotation that committed between the
	// first read and lock acquisition must not be cloned stale.
	ks, err = e.vault.Keystore()
	if err != nil {
		return nil, err
	}

	e.bus.Emit(events.TopicRotationStart, events.Fields{"reason": reason})
	e.log.Info("rotation started", logging.Fields{"reason": reason, "user_id": userID})

	// Step 2: precondition check. The password must re-verify.
	if err := e.vault.VerifyPassword(password); err != nil {
		e.emitError("password re-verification failed")
		return nil, err
	}

	// Step 3: snapshot for rollback.
	snapshot, err := ks.Clone()
	if err != nil {
		e.emitError("snapshot failed")
		return nil, err
	}

	oldKeypair, err := e.vault.GetCurrentKeypair()
	if err != nil {
		e.emitError("vault locked during rotation")
		return nil, err
	}
	_, residentPrevious, err := e.vault.ResidentKeypairs()
	if err != nil {
		e.emitError("vault locked during rotation")
		return nil, err
	}

	// Step 4: new keypair generation.
	newKeypair, err := hybrid.GenerateKeypair()
	if err != nil {
		e.emitError("keypair generation failed")
		return nil, err
	}

	// Step 5: re-wrap phase.
	var rewrapped, failed uint32
	aborted := false
	if opts.ReWrapMedia && e.store != nil {
		rewrapped, failed, aborted, err = e.rewrapAll(ctx, userID, oldKeypair, &newKeypair.Public)
		if err != nil {
			newKeypair.Zeroize()
			e.emitError(err.Error())
			return nil, err
		}
	}

	// Step 6: threshold evaluation.
	total := rewrapped + failed
	exceeded := total > 0 && float64(failed)/float64(total) > threshold
	if aborted || exceeded {
		return e.rollback(snapshot, newKeypair, rewrapped, failed, aborted, start)
	}

	// Step 7: commit.
	result, err := e.commit(ks, password, reason, opts.TriggeredBy, oldKeypair, residentPrevious, newKeypair, rewrapped, failed, start)
	if err != nil {
		// The vault's resident state is swapped only after a
		// successful save, so it still holds the pre-rotation
		// keypairs. Re-persist the snapshot so the file matches it,
		// in case the save landed before a later commit step failed.
		return e.rollback(snapshot, newKeypair, rewrapped, failed, false, start)
	}

	e.bus.Emit(events.TopicRotationFinished, events.Fields{
		"success":            true,
		"new_key_id":         result.NewKeyID,
		"old_key_id":         result.OldKeyID,
		"media_rewrapped":    result.MediaRewrapped,
		"media_failed":       result.MediaFailed,
		"duration_ms":        result.DurationMS,
		"rollback_performed": false,
	})
	e.log.Info("rotation committed", logging.Fields{
		"new_key_id":      result.NewKeyID,
		"old_key_id":      result.OldKeyID,
		"media_rewrapped": result.MediaRewrapped,
		"media_failed":    result.MediaFailed,
	})
	return result, nil
}

// rewrapAll iterates the collaborator's records, unwrapping each media
// key with the old keypair and re-wrapping it to the new public key.
// Record-level failures are counted, not fatal. Iteration order is the
// collaborator's; no ordering is assumed.
func (e *Engine) rewrapAll(ctx context.Context, userID string, oldKeypair *hybrid.Keypair, newPublic *hybrid.PublicKey) (rewrapped, failed uint32, aborted bool, err error) {
	it, err := e.store.ListRecords(ctx, userID)
	if err != nil {
		return 0, 0, false, err
	}
	defer it.Close()

	if ctx.Err() != nil {
		return 0, 0, true, nil
	}

	processed := 0
	for it.Next() {
		rec := it.Record()

		mediaKey, unwrapErr := hybrid.Unwrap(rec.WrappedKey, oldKeypair)
		if unwrapErr != nil {
			failed++
		} else {
			newWrapped, wrapErr := hybrid.Wrap(mediaKey, newPublic)
			primitives.ZeroBytes(mediaKey)
			if wrapErr != nil {
				failed++
			} else if updateErr := e.store.UpdateWrappedKey(ctx, rec.RecordID, newWrapped); updateErr != nil {
				failed++
			} else {
				rewrapped++
			}
		}

		processed++
		if processed%e.progressEvery == 0 {
			e.bus.Emit(events.TopicRotationProgress, events.Fields{
				"current": processed,
				"total":   e.recordTotal(userID),
				"success": rewrapped,
				"failed":  failed,
			})
			if ctx.Err() != nil {
				return rewrapped, failed, true, nil
			}
		}
	}
	if iterErr := it.Err(); iterErr != nil {
		if errors.Is(iterErr, context.Canceled) || errors.Is(iterErr, context.DeadlineExceeded) {
			return rewrapped, failed, true, nil
		}
		return rewrapped, failed, false, iterErr
	}
	if ctx.Err() != nil {
		return rewrapped, failed, true, nil
	}

	return rewrapped, failed, false, nil
}

// recordTotal reports the collaborator's record count when it exposes
// one; 0 means unknown.
func (e *Engine) recordTotal(userID string) int {
	if counter, ok := e.store.(interface{ Count(string) int }); ok {
		return counter.Count(userID)
	}
	return 0
}

// commit applies step 7: demote the current keypair, install the new one,
// append history, persist atomically, then swap the vault's resident
// reference. Readers keep seeing the old keypair until the swap.
func (e *Engine) commit(ks *keystore.Keystore, password, reason, triggeredBy string,
	oldKeypair *hybrid.Keypair, residentPrevious []*hybrid.Keypair,
	newKeypair *hybrid.Keypair, rewrapped, failed uint32, start time.Time) (*Result, error) {

	now := time.Now().UTC()

	next, err := ks.Clone()
	if err != nil {
		return nil, err
	}

	fileKey, err := next.DeriveFileKey([]byte(password))
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&fileKey)

	sealed, err := keystore.SealKeypair(newKeypair, fileKey)
	if err != nil {
		return nil, err
	}

	retired := &keystore.RetiredKeypair{
		StoredKeypair: *next.CurrentKeypair,
		RetiredAt:     now,
		Reason:        reason,
	}
	next.PreviousKeypairs = append([]*keystore.RetiredKeypair{retired}, next.PreviousKeypairs...)
	if len(next.PreviousKeypairs) > keystore.MaxPreviousKeypairs {
		next.PreviousKeypairs = next.PreviousKeypairs[:keystore.MaxPreviousKeypairs]
	}
	next.CurrentKeypair = sealed

	durationMS := uint32(time.Since(start).Milliseconds())
	next.RotationHistory = append(next.RotationHistory, keystore.RotationHistoryEntry{
		RotationID:     uuid.NewString(),
		Timestamp:      now,
		OldKeyID:       oldKeypair.KeyID,
		NewKeyID:       newKeypair.KeyID,
		Reason:         reason,
		MediaRewrapped: rewrapped,
		DurationMS:     durationMS,
		TriggeredBy:    triggeredBy,
		DeviceID:       next.DeviceID,
	})

	if err := keystore.Save(next, e.vault.KeystorePath()); err != nil {
		return nil, err
	}

	// Resident swap mirrors the persisted demotion: old current moves to
	// the head of the previous list, truncated alongside the stored one.
	newPrevious := append([]*hybrid.Keypair{oldKeypair}, residentPrevious...)
	if len(newPrevious) > keystore.MaxPreviousKeypairs {
		for _, dropped := range newPrevious[keystore.MaxPreviousKeypairs:] {
			dropped.Zeroize()
		}
		newPrevious = newPrevious[:keystore.MaxPreviousKeypairs]
	}
	if err := e.vault.ReplaceState(next, newKeypair, newPrevious); err != nil {
		return nil, err
	}

	return &Result{
		Success:        true,
		NewKeyID:       newKeypair.KeyID,
		OldKeyID:       oldKeypair.KeyID,
		MediaRewrapped: rewrapped,
		MediaFailed:    failed,
		DurationMS:     durationMS,
	}, nil
}

// rollback restores the snapshot taken before any mutation and wipes the
// never-committed keypair.
func (e *Engine) rollback(snapshot *keystore.Keystore, newKeypair *hybrid.Keypair,
	rewrapped, failed uint32, aborted bool, start time.Time) (*Result, error) {

	newKeypair.Zeroize()

	if err := keystore.Save(snapshot, e.vault.KeystorePath()); err != nil {
		e.emitError("rollback persistence failed")
		return nil, err
	}

	e.bus.Emit(events.TopicRotationRollback, events.Fields{
		"aborted":         aborted,
		"media_rewrapped": rewrapped,
		"media_failed":    failed,
	})
	e.log.Warn("rotation rolled back", logging.Fields{
		"aborted":         aborted,
		"media_rewrapped": rewrapped,
		"media_failed":    failed,
	})

	result := &Result{
		Success:           false,
		MediaRewrapped:    rewrapped,
		MediaFailed:       failed,
		DurationMS:        uint32(time.Since(start).Milliseconds()),
		Aborted:           aborted,
		RollbackPerformed: true,
	}
	e.bus.Emit(events.TopicRotationFinished, events.Fields{
		"success":            false,
		"aborted":            aborted,
		"media_rewrapped":    rewrapped,
		"media_failed":       failed,
		"rollback_performed": true,
	})
	return result, nil
}

func (e *Engine) emitError(message string) {
	e.bus.Emit(events.TopicRotationError, events.Fields{"message": message})
	e.log.Error("rotation failed", logging.Fields{"message": message})
}
