// Package keysync moves keystores between a user's devices: password-
// encrypted, HMAC-authenticated export files, an import validation chain
// (authenticity, integrity, identity, downgrade, replay), and a
// deterministic merge.
//
// Keypair private material inside an export is sealed under a PBKDF2
// subkey of the export password, never under the device at-rest key: the
// device password salt is device-local and must not leave the device, so
// the export has to be self-contained. Importing devices re-seal the
// received keypairs under their own at-rest key during merge.
package keysync

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/keystore"
	"github.com/onestarstream/onestar-vault/pkg/logging"
	"github.com/onestarstream/onestar-vault/pkg/rotation"
	"github.com/onestarstream/onestar-vault/pkg/vault"
)

const (
	// Format is the export wrapper magic
	Format = "onestar-keystore-export-v1"
	// ExportIterations is the PBKDF2 count for export-derived keys
	ExportIterations = 100_000
	// MinExportPasswordLength is the export password policy floor
	MinExportPasswordLength = 12
	// ExportSaltSize is the per-export salt size
	ExportSaltSize = 32
)

var (
	// ErrPasswordMismatch indicates password and confirmation differ
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrPasswordTooShort indicates the export password fails policy
	ErrPasswordTooShort = errors.New("export password too short")
	// ErrCorrupted indicates a malformed or checksum-failing export file
	ErrCorrupted = errors.New("export file corrupted")
	// ErrTampered indicates the HMAC signature did not verify
	ErrTampered = errors.New("export file failed authentication")
	// ErrReplay indicates this export was already imported
	ErrReplay = errors.New("export already imported")
	// ErrDowngradeDetected indicates the export predates local state
	ErrDowngradeDetected = errors.New("export would roll back local rotations")
	// ErrIdentityMismatch indicates the export belongs to another user
	ErrIdentityMismatch = errors.New("export belongs to a different user")
	// ErrBrokenChain indicates merged rotation history is inconsistent
	ErrBrokenChain = errors.New("rotation history chain broken")
)

// wrapper is the outer export file structure.
type wrapper struct {
	Format     string `json:"format"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iter"`
	Enc        string `json:"enc"`
	SaltEnc    []byte `json:"salt_enc"`
	SaltSig    []byte `json:"salt_sig"`
	SaltKeys   []byte `json:"salt_keys"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// payload is the signed, encrypted inner structure. Only syncable fields:
// no password salt, no biometric profile, no vault settings.
type payload struct {
	UserID           string                          `json:"user_id"`
	CurrentKeypair   *keystore.StoredKeypair         `json:"current_keypair"`
	PreviousKeypairs []*keystore.RetiredKeypair      `json:"previous_keypairs"`
	RotationHistory  []keystore.RotationHistoryEntry `json:"rotation_history"`
	DeviceID         string                          `json:"device_id"`
	DeviceName       string                          `json:"device_name"`
	Checksum         string                          `json:"checksum,omitempty"`
	Signature        []byte                          `json:"signature,omitempty"`
}

// canonical returns the deterministic byte form signatures and checksums
// are computed over: the payload with both attestation fields cleared.
func (p *payload) canonical() ([]byte, error) {
	stripped := *p
	stripped.Checksum = ""
	stripped.Signature = nil

	data, err := json.Marshal(&stripped)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalization: %v", ErrCorrupted, err)
	}
	return data, nil
}

// ExportResult describes a written export.
type ExportResult struct {
	Path          string
	SignatureHash string
}

// Codec performs exports and imports against one vault. Keystore
// mutation is serialized through the same per-user lock registry the
// rotation engine uses.
type Codec struct {
	vault *vault.Vault
	locks *rotation.Registry
	bus   *events.Bus
	log   *logging.Logger
}

// NewCodec wires a sync codec. locks must be the process-wide registry
// shared with the rotation engine.
func NewCodec(v *vault.Vault, locks *rotation.Registry, bus *events.Bus, logger *logging.Logger) *Codec {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Codec{vault: v, locks: locks, bus: bus, log: logger}
}

// Export writes an authenticated, encrypted transfer file carrying the
// syncable subset of the keystore. Preconditions: matching password pair,
// export password policy, vault UNLOCKED.
func (c *Codec) Export(password, confirmPassword, outputPath string) (*ExportResult, error) {
	if password != confirmPassword {
		return nil, ErrPasswordMismatch
	}
	if utf8.RuneCountInString(password) < MinExportPasswordLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrPasswordTooShort, MinExportPasswordLength)
	}

	ks, err := c.vault.Keystore()
	if err != nil {
		return nil, err
	}
	if c.locks != nil {
		if !c.locks.Acquire(ks.UserID, "export") {
			return nil, rotation.ErrLockHeld
		}
		defer c.locks.Release(ks.UserID)
	}
	current, previous, err := c.vault.ResidentKeypairs()
	if err != nil {
		return nil, err
	}

	saltEnc, err := primitives.RandomBytes(ExportSaltSize)
	if err != nil {
		return nil, err
	}
	saltSig, err := primitives.RandomBytes(ExportSaltSize)
	if err != nil {
		return nil, err
	}
	saltKeys, err := primitives.RandomBytes(ExportSaltSize)
	if err != nil {
		return nil, err
	}

	sigKey, err := primitives.DeriveKey([]byte(password), saltSig, ExportIterations)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&sigKey)
	encKey, err := primitives.DeriveKey([]byte(password), saltEnc, ExportIterations)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&encKey)
	keysKey, err := primitives.DeriveKey([]byte(password), saltKeys, ExportIterations)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&keysKey)

	p, err := buildPayload(ks, current, previous, keysKey)
	if err != nil {
		return nil, err
	}

	canonical, err := p.canonical()
	if err != nil {
		return nil, err
	}
	checksum := primitives.SHA256(canonical)
	p.Checksum = hex.EncodeToString(checksum[:])
	p.Signature = primitives.HMACSHA256(sigKey[:], canonical)

	signed, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: payload serialization: %v", ErrCorrupted, err)
	}

	box, err := primitives.AESSeal(signed, nil, encKey)
	if err != nil {
		return nil, err
	}
	primitives.ZeroBytes(signed)

	w := wrapper{
		Format:     Format,
		KDF:        primitives.AlgorithmKDF,
		Iterations: ExportIterations,
		Enc:        primitives.AlgorithmCipher,
		SaltEnc:    saltEnc,
		SaltSig:    saltSig,
		SaltKeys:   saltKeys,
		IV:         box.IV[:],
		AuthTag:    box.Tag[:],
		Ciphertext: box.Ciphertext,
	}
	out, err := json.MarshalIndent(&w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: wrapper serialization: %v", ErrCorrupted, err)
	}
	if err := os.WriteFile(outputPath, out, 0600); err != nil {
		return nil, fmt.Errorf("%w: %v", keystore.ErrIoFailure, err)
	}

	sigHash := primitives.SHA256(p.Signature)
	sigHashHex := hex.EncodeToString(sigHash[:])

	if err := c.recordSync(ks, current, previous, keystore.SyncRecord{
		SyncID:         uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		SourceDeviceID: ks.DeviceID,
		Kind:           "export",
		SignatureHash:  sigHashHex,
	}); err != nil {
		return nil, err
	}

	c.bus.Emit(events.TopicSyncExportDone, events.Fields{
		"path":           outputPath,
		"signature_hash": sigHashHex,
	})
	c.log.Info("keystore exported", logging.Fields{
		"path":      outputPath,
		"device_id": ks.DeviceID,
	})

	return &ExportResult{Path: outputPath, SignatureHash: sigHashHex}, nil
}

// buildPayload seals the resident keypairs under the export keys key and
// assembles the syncable subset.
func buildPayload(ks *keystore.Keystore, current *hybrid.Keypair, previous []*hybrid.Keypair, keysKey [primitives.KeySize]byte) (*payload, error) {
	sealedCurrent, err := keystore.SealKeypair(current, keysKey)
	if err != nil {
		return nil, err
	}

	residentByID := make(map[string]*hybrid.Keypair, len(previous))
	for _, kp := range previous {
		residentByID[kp.KeyID] = kp
	}

	sealedPrevious := make([]*keystore.RetiredKeypair, 0, len(ks.PreviousKeypairs))
	for _, stored := range ks.PreviousKeypairs {
		kp, ok := residentByID[stored.KeyID]
		if !ok {
			return nil, fmt.Errorf("%w: retired keypair %s not resident", keystore.ErrCorruptKeystore, stored.KeyID)
		}
		sealed, err := keystore.SealKeypair(kp, keysKey)
		if err != nil {
			return nil, err
		}
		sealedPrevious = append(sealedPrevious, &keystore.RetiredKeypair{
			StoredKeypair: *sealed,
			RetiredAt:     stored.RetiredAt,
			Reason:        stored.Reason,
		})
	}

	history := make([]keystore.RotationHistoryEntry, len(ks.RotationHistory))
	copy(history, ks.RotationHistory)

	return &payload{
		UserID:           ks.UserID,
		CurrentKeypair:   sealedCurrent,
		PreviousKeypairs: sealedPrevious,
		RotationHistory:  history,
		DeviceID:         ks.DeviceID,
		DeviceName:       ks.DeviceName,
	}, nil
}

// recordSync appends a sync record, persists, and republishes the vault
// state so readers see the updated history.
func (c *Codec) recordSync(ks *keystore.Keystore, current *hybrid.Keypair, previous []*hybrid.Keypair, rec keystore.SyncRecord) error {
	next, err := ks.Clone()
	if err != nil {
		return err
	}
	next.SyncHistory = append(next.SyncHistory, rec)
	next.LastSyncedAt = rec.Timestamp.UnixMilli()

	if err := keystore.Save(next, c.vault.KeystorePath()); err != nil {
		return err
	}
	return c.vault.ReplaceState(next, current, previous)
}
