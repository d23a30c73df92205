package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Legacy keystore formats. Each version struct carries exactly the fields
// that existed at that version; migrations only ever add fields, so the
// chain is one-way and idempotent.

// keystoreV1 held a single keypair and the KDF parameters.
type keystoreV1 struct {
	Version          string         `json:"version"`
	PBKDF2Iterations int            `json:"pbkdf2_iterations"`
	PasswordSalt     []byte         `json:"password_salt"`
	UserID           string         `json:"user_id"`
	CurrentKeypair   *StoredKeypair `json:"current_keypair"`
	CreatedAt        time.Time      `json:"created_at"`
	LastModified     time.Time      `json:"last_modified"`
}

// keystoreV2 added retired keypairs and the rotation audit trail.
type keystoreV2 struct {
	keystoreV1
	PreviousKeypairs []*RetiredKeypair      `json:"previous_keypairs"`
	RotationHistory  []RotationHistoryEntry `json:"rotation_history"`
}

// keystoreV3 added the device registry and sync history.
type keystoreV3 struct {
	keystoreV2
	DeviceID        string       `json:"device_id"`
	DeviceName      string       `json:"device_name"`
	DeviceCreatedAt time.Time    `json:"device_created_at"`
	LastSyncedAt    int64        `json:"last_synced_at"`
	SyncHistory     []SyncRecord `json:"sync_history"`
}

// migrate parses raw keystore bytes, runs the migration chain in memory
// and returns the v4 keystore plus the version the file was at before
// migration ("" when the file was already v4).
func migrate(data []byte) (*Keystore, string, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, "", fmt.Errorf("%w: not a keystore file: %v", ErrCorruptKeystore, err)
	}

	switch probe.Version {
	case Version:
		ks := &Keystore{}
		if err := json.Unmarshal(data, ks); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
		}
		return ks, "", nil

	case "v1":
		var v1 keystoreV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
		}
		ks := migrateV3toV4(migrateV2toV3(migrateV1toV2(v1)))
		return ks, "v1", nil

	case "v2":
		var v2 keystoreV2
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
		}
		ks := migrateV3toV4(migrateV2toV3(v2))
		return ks, "v2", nil

	case "v3":
		var v3 keystoreV3
		if err := json.Unmarshal(data, &v3); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
		}
		ks := migrateV3toV4(v3)
		return ks, "v3", nil

	case "":
		return nil, "", fmt.Errorf("%w: missing version field", ErrCorruptKeystore)

	default:
		return nil, "", fmt.Errorf("%w: %q is newer than this build", ErrUnsupportedVersion, probe.Version)
	}
}

// migrateV1toV2 introduces empty retired-keypair and rotation-history
// lists. A v1 file never rotated, so history starts with the synthetic
// "initial" entry for the current keypair.
func migrateV1toV2(v1 keystoreV1) keystoreV2 {
	v2 := keystoreV2{keystoreV1: v1}
	v2.Version = "v2"

	if v1.CurrentKeypair != nil {
		v2.RotationHistory = []RotationHistoryEntry{{
			RotationID:  uuid.NewString(),
			Timestamp:   v1.CreatedAt,
			NewKeyID:    v1.CurrentKeypair.KeyID,
			Reason:      "initial",
			TriggeredBy: TriggerManual,
		}}
	}

	return v2
}

// migrateV2toV3 registers this device. Pre-v3 files predate multi-device
// sync, so the device identity is minted at migration time.
func migrateV2toV3(v2 keystoreV2) keystoreV3 {
	v3 := keystoreV3{keystoreV2: v2}
	v3.Version = "v3"
	v3.DeviceID = uuid.NewString()
	v3.DeviceName = migrationDeviceName()
	v3.DeviceCreatedAt = time.Now().UTC()

	// Backfill the device ID onto pre-existing rotation entries so the
	// per-device ordering invariant holds.
	for i := range v3.RotationHistory {
		if v3.RotationHistory[i].DeviceID == "" {
			v3.RotationHistory[i].DeviceID = v3.DeviceID
		}
	}

	return v3
}

// migrateV3toV4 adds the biometric profile slot, vault settings and the
// numeric schema version.
func migrateV3toV4(v3 keystoreV3) *Keystore {
	return &Keystore{
		Version:          Version,
		Algorithm:        Algorithm,
		PBKDF2Iterations: v3.PBKDF2Iterations,
		PasswordSalt:     v3.PasswordSalt,
		UserID:           v3.UserID,
		CurrentKeypair:   v3.CurrentKeypair,
		PreviousKeypairs: v3.PreviousKeypairs,
		RotationHistory:  v3.RotationHistory,
		DeviceID:         v3.DeviceID,
		DeviceName:       v3.DeviceName,
		DeviceCreatedAt:  v3.DeviceCreatedAt,
		LastSyncedAt:     v3.LastSyncedAt,
		SyncHistory:      v3.SyncHistory,
		BiometricProfile: nil,
		VaultSettings:    DefaultVaultSettings(),
		CreatedAt:        v3.CreatedAt,
		LastModified:     v3.LastModified,
		SchemaVersion:    SchemaVersion,
	}
}

func migrationDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "migrated-device"
}
