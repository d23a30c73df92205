// Package keystore implements the persistent, password-encrypted container
// of a user's current hybrid keypair, retired keypairs, and rotation/sync
// audit history. The on-disk form holds only ciphertext, IVs, salts and
// auth tags for private material; public halves and audit metadata are
// plaintext JSON.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
)

const (
	// Version is the current keystore format version
	Version = "v4"
	// SchemaVersion is the numeric schema version stored in v4 files
	SchemaVersion = 4
	// Algorithm is the fixed algorithm identifier stored in the file
	Algorithm = "ML-KEM-768 + X25519 + AES-256-GCM"

	// MinAtRestIterations is the PBKDF2 floor for keystore-at-rest keys
	MinAtRestIterations = 600_000
	// DefaultIterations is the iteration count for new keystores
	DefaultIterations = 600_000
	// SaltSize is the PBKDF2 salt size in bytes
	SaltSize = 32

	// MaxPreviousKeypairs bounds the retired keypair list
	MaxPreviousKeypairs = 10
)

// Rotation trigger values stored in RotationHistoryEntry.TriggeredBy.
const (
	TriggerAutomatic     = "automatic"
	TriggerManual        = "manual"
	TriggerSecurityEvent = "security-event"
)

var (
	// ErrCorruptKeystore indicates the file does not match the schema
	ErrCorruptKeystore = errors.New("corrupt keystore")
	// ErrUnsupportedVersion indicates a file newer than this build knows
	ErrUnsupportedVersion = errors.New("unsupported keystore version")
	// ErrInvalidPassword is returned for wrong password or tampered
	// ciphertext; the two are deliberately indistinguishable.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrIoFailure indicates a filesystem operation failed
	ErrIoFailure = errors.New("keystore I/O failure")
)

// StoredKeypair is a keypair in its at-rest form: the private half sealed
// with AES-256-GCM under the password-derived key, the public half,
// identity and creation time in plaintext.
type StoredKeypair struct {
	EncryptedKeypair []byte           `json:"encrypted_keypair"`
	IV               []byte           `json:"iv"`
	AuthTag          []byte           `json:"auth_tag"`
	Public           hybrid.PublicKey `json:"public"`
	KeyID            string           `json:"key_id"`
	CreatedAt        time.Time        `json:"created_at"`
}

// RetiredKeypair is a StoredKeypair that is no longer used to wrap new
// material. It remains available for fallback unwrap.
type RetiredKeypair struct {
	StoredKeypair
	RetiredAt time.Time `json:"retired_at"`
	Reason    string    `json:"reason"`
}

// RotationHistoryEntry records one completed rotation.
type RotationHistoryEntry struct {
	RotationID     string    `json:"rotation_id"`
	Timestamp      time.Time `json:"timestamp"`
	OldKeyID       string    `json:"old_key_id"`
	NewKeyID       string    `json:"new_key_id"`
	Reason         string    `json:"reason"`
	MediaRewrapped uint32    `json:"media_rewrapped"`
	DurationMS     uint32    `json:"duration_ms"`
	TriggeredBy    string    `json:"triggered_by"`
	DeviceID       string    `json:"device_id"`
}

// SyncRecord records one export or import on this device.
type SyncRecord struct {
	SyncID            string    `json:"sync_id"`
	Timestamp         time.Time `json:"timestamp"`
	SourceDeviceID    string    `json:"source_device_id"`
	TargetDeviceID    string    `json:"target_device_id"`
	Kind              string    `json:"kind"`
	KeypairsUpdated   bool      `json:"keypairs_updated"`
	PreviousMerged    uint32    `json:"previous_merged"`
	RotationsMerged   uint32    `json:"rotations_merged"`
	ConflictsResolved uint32    `json:"conflicts_resolved"`
	SignatureHash     string    `json:"signature_hash"`
}

// BiometricProfile is the device-local biometric unlock binding. Never
// exported.
type BiometricProfile struct {
	Enabled      bool   `json:"enabled"`
	Platform     string `json:"platform"`
	CredentialID []byte `json:"credential_id"`
}

// VaultSettings are the device-local lock-behavior knobs. They alter only
// when a lock is triggered, never the password policy.
type VaultSettings struct {
	IdleTimeoutMS     int64 `json:"idle_timeout_ms"`
	MinPasswordLength int   `json:"min_password_length"`
	LockOnSleep       bool  `json:"lock_on_sleep"`
	LockOnScreenLock  bool  `json:"lock_on_screen_lock"`
	LockOnMinimize    bool  `json:"lock_on_minimize"`
	LockOnWindowBlur  bool  `json:"lock_on_window_blur"`
}

// DefaultVaultSettings returns the v4 defaults.
func DefaultVaultSettings() VaultSettings {
	return VaultSettings{
		IdleTimeoutMS:     300_000,
		MinPasswordLength: 16,
		LockOnSleep:       true,
		LockOnScreenLock:  true,
		LockOnMinimize:    false,
		LockOnWindowBlur:  false,
	}
}

// Keystore is the v4 on-disk keystore record.
type Keystore struct {
	Version          string                 `json:"version"`
	Algorithm        string                 `json:"algorithm"`
	PBKDF2Iterations int                    `json:"pbkdf2_iterations"`
	PasswordSalt     []byte                 `json:"password_salt"`
	UserID           string                 `json:"user_id"`
	CurrentKeypair   *StoredKeypair         `json:"current_keypair"`
	PreviousKeypairs []*RetiredKeypair      `json:"previous_keypairs"`
	RotationHistory  []RotationHistoryEntry `json:"rotation_history"`
	DeviceID         string                 `json:"device_id"`
	DeviceName       string                 `json:"device_name"`
	DeviceCreatedAt  time.Time              `json:"device_created_at"`
	LastSyncedAt     int64                  `json:"last_synced_at"`
	SyncHistory      []SyncRecord           `json:"sync_history"`
	BiometricProfile *BiometricProfile      `json:"biometric_profile"`
	VaultSettings    VaultSettings          `json:"vault_settings"`
	CreatedAt        time.Time              `json:"created_at"`
	LastModified     time.Time              `json:"last_modified"`
	SchemaVersion    uint32                 `json:"schema_version"`
}

// Validate checks the keystore's structural invariants: the current key
// never appears among the retired keypairs, the retired list is bounded
// and ordered newest-first, the newest rotation of each device names a
// retained key, and rotation timestamps are non-decreasing per device.
func (ks *Keystore) Validate() error {
	if ks.Version != Version {
		return fmt.Errorf("%w: version %q", ErrCorruptKeystore, ks.Version)
	}
	if ks.CurrentKeypair == nil {
		return fmt.Errorf("%w: missing current keypair", ErrCorruptKeystore)
	}
	if len(ks.PasswordSalt) != SaltSize {
		return fmt.Errorf("%w: password salt must be %d bytes", ErrCorruptKeystore, SaltSize)
	}
	if ks.PBKDF2Iterations < 1 {
		return fmt.Errorf("%w: non-positive iteration count", ErrCorruptKeystore)
	}

	if len(ks.PreviousKeypairs) > MaxPreviousKeypairs {
		return fmt.Errorf("%w: %d previous keypairs exceeds limit %d",
			ErrCorruptKeystore, len(ks.PreviousKeypairs), MaxPreviousKeypairs)
	}

	currentFP := ks.CurrentKeypair.Public.Fingerprint()
	knownKeys := map[string]bool{ks.CurrentKeypair.KeyID: true}
	for i, prev := range ks.PreviousKeypairs {
		if prev.Public.Fingerprint() == currentFP {
			return fmt.Errorf("%w: current keypair present in previous list", ErrCorruptKeystore)
		}
		if i > 0 && prev.RetiredAt.After(ks.PreviousKeypairs[i-1].RetiredAt) {
			return fmt.Errorf("%w: previous keypairs not sorted by retirement time", ErrCorruptKeystore)
		}
		knownKeys[prev.KeyID] = true
	}

	// History references keys the keystore has ever held; only the
	// newest entry per device must still name a retained keypair —
	// older entries may outlive the 10-keypair retention window.
	perDevice := make(map[string]time.Time)
	tipPerDevice := make(map[string]*RotationHistoryEntry)
	for i := range ks.RotationHistory {
		entry := &ks.RotationHistory[i]
		if last, ok := perDevice[entry.DeviceID]; ok && entry.Timestamp.Before(last) {
			return fmt.Errorf("%w: rotation history not ordered for device %s",
				ErrCorruptKeystore, entry.DeviceID)
		}
		perDevice[entry.DeviceID] = entry.Timestamp
		tipPerDevice[entry.DeviceID] = entry
	}
	for _, tip := range tipPerDevice {
		if !knownKeys[tip.NewKeyID] {
			return fmt.Errorf("%w: rotation %s names unknown key %s",
				ErrCorruptKeystore, tip.RotationID, tip.NewKeyID)
		}
	}

	return nil
}

// Clone returns a deep copy of the keystore, used as the rollback snapshot
// during rotation.
func (ks *Keystore) Clone() (*Keystore, error) {
	data, err := json.Marshal(ks)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot failed: %v", ErrCorruptKeystore, err)
	}
	clone := &Keystore{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("%w: snapshot failed: %v", ErrCorruptKeystore, err)
	}
	return clone, nil
}

// LatestRotationFor returns the newest rotation-history entry whose
// NewKeyID matches keyID, or nil when none exists.
func (ks *Keystore) LatestRotationFor(keyID string) *RotationHistoryEntry {
	var latest *RotationHistoryEntry
	for i := range ks.RotationHistory {
		entry := &ks.RotationHistory[i]
		if entry.NewKeyID != keyID {
			continue
		}
		if latest == nil || entry.Timestamp.After(latest.Timestamp) {
			latest = entry
		}
	}
	return latest
}

// HasSignatureHash reports whether a sync record with the given signature
// hash already exists. Used for replay detection on import.
func (ks *Keystore) HasSignatureHash(hash string) bool {
	for _, rec := range ks.SyncHistory {
		if rec.SignatureHash == hash {
			return true
		}
	}
	return false
}
