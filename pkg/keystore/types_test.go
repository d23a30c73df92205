package keystore

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
)

func retire(t *testing.T, ks *Keystore, retiredAt time.Time) *RetiredKeypair {
	t.Helper()

	kp, err := hybrid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	fileKey, err := ks.DeriveFileKey(testPassword)
	if err != nil {
		t.Fatalf("DeriveFileKey failed: %v", err)
	}
	stored, err := SealKeypair(kp, fileKey)
	if err != nil {
		t.Fatalf("SealKeypair failed: %v", err)
	}
	return &RetiredKeypair{
		StoredKeypair: *stored,
		RetiredAt:     retiredAt,
		Reason:        "scheduled",
	}
}

// TestValidateRejectsCurrentInPrevious verifies invariant (1)
func TestValidateRejectsCurrentInPrevious(t *testing.T) {
	ks, _ := newTestKeystore(t)

	dup := &RetiredKeypair{
		StoredKeypair: *ks.CurrentKeypair,
		RetiredAt:     time.Now().UTC(),
		Reason:        "bogus",
	}
	ks.PreviousKeypairs = append(ks.PreviousKeypairs, dup)

	if err := ks.Validate(); !errors.Is(err, ErrCorruptKeystore) {
		t.Errorf("got %v, want ErrCorruptKeystore", err)
	}
}

// TestValidateRejectsUnsortedPrevious verifies invariant (2) ordering
func TestValidateRejectsUnsortedPrevious(t *testing.T) {
	ks, _ := newTestKeystore(t)
	now := time.Now().UTC()

	older := retire(t, ks, now.Add(-2*time.Hour))
	newer := retire(t, ks, now.Add(-1*time.Hour))

	// Oldest first is the wrong order; the list must be newest-first.
	ks.PreviousKeypairs = []*RetiredKeypair{older, newer}
	if err := ks.Validate(); !errors.Is(err, ErrCorruptKeystore) {
		t.Errorf("got %v, want ErrCorruptKeystore", err)
	}

	ks.PreviousKeypairs = []*RetiredKeypair{newer, older}
	if err := ks.Validate(); err != nil {
		t.Errorf("correctly ordered list rejected: %v", err)
	}
}

// TestValidateRejectsUnknownRotationKey verifies invariant (3)
func TestValidateRejectsUnknownRotationKey(t *testing.T) {
	ks, _ := newTestKeystore(t)

	ks.RotationHistory = append(ks.RotationHistory, RotationHistoryEntry{
		RotationID:  uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		NewKeyID:    uuid.NewString(),
		Reason:      "phantom",
		TriggeredBy: TriggerManual,
		DeviceID:    ks.DeviceID,
	})

	if err := ks.Validate(); !errors.Is(err, ErrCorruptKeystore) {
		t.Errorf("got %v, want ErrCorruptKeystore", err)
	}
}

// TestValidateRejectsOutOfOrderHistoryPerDevice verifies invariant (4)
func TestValidateRejectsOutOfOrderHistoryPerDevice(t *testing.T) {
	ks, _ := newTestKeystore(t)
	now := time.Now().UTC()

	prev := retire(t, ks, now.Add(-time.Hour))
	ks.PreviousKeypairs = []*RetiredKeypair{prev}

	ks.RotationHistory = append(ks.RotationHistory,
		RotationHistoryEntry{
			RotationID: uuid.NewString(), Timestamp: now,
			NewKeyID: prev.KeyID, TriggeredBy: TriggerManual, DeviceID: ks.DeviceID,
		},
		RotationHistoryEntry{
			RotationID: uuid.NewString(), Timestamp: now.Add(-time.Minute),
			NewKeyID: ks.CurrentKeypair.KeyID, TriggeredBy: TriggerManual, DeviceID: ks.DeviceID,
		},
	)

	if err := ks.Validate(); !errors.Is(err, ErrCorruptKeystore) {
		t.Errorf("got %v, want ErrCorruptKeystore", err)
	}

	// The same timestamps on different devices are fine.
	ks.RotationHistory[len(ks.RotationHistory)-1].DeviceID = uuid.NewString()
	if err := ks.Validate(); err != nil {
		t.Errorf("cross-device ordering should not be enforced: %v", err)
	}
}

// TestCloneIsDeep verifies snapshot independence
func TestCloneIsDeep(t *testing.T) {
	ks, _ := newTestKeystore(t)

	clone, err := ks.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	clone.CurrentKeypair.EncryptedKeypair[0] ^= 0xFF
	clone.RotationHistory[0].Reason = "mutated"

	if ks.CurrentKeypair.EncryptedKeypair[0] == clone.CurrentKeypair.EncryptedKeypair[0] {
		t.Error("clone shares ciphertext backing array with original")
	}
	if ks.RotationHistory[0].Reason == "mutated" {
		t.Error("clone shares rotation history with original")
	}
}

// TestHasSignatureHash verifies replay lookup
func TestHasSignatureHash(t *testing.T) {
	ks, _ := newTestKeystore(t)

	if ks.HasSignatureHash("abc") {
		t.Error("empty history reported a hash")
	}

	ks.SyncHistory = append(ks.SyncHistory, SyncRecord{
		SyncID:        uuid.NewString(),
		SignatureHash: "abc",
	})

	if !ks.HasSignatureHash("abc") {
		t.Error("known hash not found")
	}
	if ks.HasSignatureHash("def") {
		t.Error("unknown hash reported present")
	}
}

// TestLatestRotationFor verifies newest-entry selection
func TestLatestRotationFor(t *testing.T) {
	ks, _ := newTestKeystore(t)
	keyID := ks.CurrentKeypair.KeyID
	now := time.Now().UTC()

	ks.RotationHistory = append(ks.RotationHistory, RotationHistoryEntry{
		RotationID: uuid.NewString(),
		Timestamp:  now.Add(time.Hour),
		NewKeyID:   keyID,
		Reason:     "later",
		DeviceID:   ks.DeviceID,
	})

	latest := ks.LatestRotationFor(keyID)
	if latest == nil || latest.Reason != "later" {
		t.Errorf("latest = %+v, want the later entry", latest)
	}
	if ks.LatestRotationFor("nope") != nil {
		t.Error("unknown key returned an entry")
	}
}
