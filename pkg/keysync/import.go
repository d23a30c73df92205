package keysync

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/keystore"
	"github.com/onestarstream/onestar-vault/pkg/logging"
	"github.com/onestarstream/onestar-vault/pkg/rotation"
)

// ImportResult describes a completed import.
type ImportResult struct {
	KeypairsUpdated   bool
	PreviousMerged    uint32
	RotationsMerged   uint32
	ConflictsResolved uint32
	SignatureHash     string
}

// importedRetired carries a decrypted retired keypair with its metadata.
type importedRetired struct {
	keypair   *hybrid.Keypair
	retiredAt time.Time
	reason    string
}

// Import validates an export file, merges it into the local keystore and
// persists the result. The validation chain runs strictly in order:
// password (decryption), signature, checksum, identity, downgrade,
// replay. A wrong password and a garbled ciphertext are indistinguishable
// by design.
func (c *Codec) Import(filePath, password string) (*ImportResult, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keystore.ErrIoFailure, err)
	}

	var w wrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: not an export file: %v", ErrCorrupted, err)
	}
	if w.Format != Format {
		return nil, fmt.Errorf("%w: unknown format %q", ErrCorrupted, w.Format)
	}
	if w.KDF != primitives.AlgorithmKDF || w.Enc != primitives.AlgorithmCipher {
		return nil, fmt.Errorf("%w: unknown algorithms", ErrCorrupted)
	}
	if len(w.IV) != primitives.IVSize || len(w.AuthTag) != primitives.TagSize {
		return nil, fmt.Errorf("%w: malformed envelope", ErrCorrupted)
	}

	// Step 2: decrypt. Tag mismatch is reported exactly like a wrong
	// password.
	encKey, err := primitives.DeriveKey([]byte(password), w.SaltEnc, w.Iterations)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&encKey)

	box := &primitives.SealedBox{Ciphertext: w.Ciphertext}
	copy(box.IV[:], w.IV)
	copy(box.Tag[:], w.AuthTag)
	signed, err := primitives.AESOpen(box, nil, encKey)
	if err != nil {
		return nil, keystore.ErrInvalidPassword
	}
	defer primitives.ZeroBytes(signed)

	var p payload
	if err := json.Unmarshal(signed, &p); err != nil {
		return nil, fmt.Errorf("%w: payload parse: %v", ErrCorrupted, err)
	}

	// Step 3: signature over the canonical form, constant-time compare.
	sigKey, err := primitives.DeriveKey([]byte(password), w.SaltSig, w.Iterations)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&sigKey)

	canonical, err := p.canonical()
	if err != nil {
		return nil, err
	}
	expected := primitives.HMACSHA256(sigKey[:], canonical)
	if !primitives.ConstantTimeCompare(expected, p.Signature) {
		c.log.Warn("import signature mismatch", logging.Fields{"path": filePath})
		return nil, ErrTampered
	}

	// Step 4: checksum.
	checksum := primitives.SHA256(canonical)
	if hex.EncodeToString(checksum[:]) != p.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	local, err := c.vault.Keystore()
	if err != nil {
		return nil, err
	}
	if c.locks != nil {
		if !c.locks.Acquire(local.UserID, "import") {
			return nil, rotation.ErrLockHeld
		}
		defer c.locks.Release(local.UserID)
	}
	localCurrent, localPrevious, err := c.vault.ResidentKeypairs()
	if err != nil {
		return nil, err
	}

	// Step 5: identity.
	if p.UserID != local.UserID {
		return nil, ErrIdentityMismatch
	}

	// Step 6: downgrade. Every rotation this device already knows from
	// the exporting device must be present in the import; a missing one
	// means the export predates state we have already accepted, i.e. a
	// rollback replay. Rotations from other lineages are merge material,
	// not downgrade evidence.
	imported := make(map[string]bool, len(p.RotationHistory))
	for _, entry := range p.RotationHistory {
		imported[entry.RotationID] = true
	}
	for _, entry := range local.RotationHistory {
		if entry.DeviceID == p.DeviceID && !imported[entry.RotationID] {
			return nil, ErrDowngradeDetected
		}
	}

	// Step 7: replay.
	sigHash := primitives.SHA256(p.Signature)
	sigHashHex := hex.EncodeToString(sigHash[:])
	if local.HasSignatureHash(sigHashHex) {
		return nil, ErrReplay
	}

	// Decrypt the imported keypairs with the export keys key.
	keysKey, err := primitives.DeriveKey([]byte(password), w.SaltKeys, w.Iterations)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&keysKey)

	impCurrent, err := keystore.OpenKeypair(p.CurrentKeypair, keysKey)
	if err != nil {
		return nil, err
	}
	impPrevious := make([]*importedRetired, 0, len(p.PreviousKeypairs))
	for _, stored := range p.PreviousKeypairs {
		kp, err := keystore.OpenKeypair(&stored.StoredKeypair, keysKey)
		if err != nil {
			impCurrent.Zeroize()
			for _, ir := range impPrevious {
				ir.keypair.Zeroize()
			}
			return nil, err
		}
		impPrevious = append(impPrevious, &importedRetired{
			keypair:   kp,
			retiredAt: stored.RetiredAt,
			reason:    stored.Reason,
		})
	}

	// Step 8: merge.
	merged, err := mergeKeystores(local, &p, impCurrent, impPrevious, localCurrent, localPrevious, c.vault.SealWithFileKey)
	if err != nil {
		impCurrent.Zeroize()
		for _, ir := range impPrevious {
			ir.keypair.Zeroize()
		}
		return nil, err
	}

	// Step 9: sync record.
	merged.ks.SyncHistory = append(merged.ks.SyncHistory, keystore.SyncRecord{
		SyncID:            uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		SourceDeviceID:    p.DeviceID,
		TargetDeviceID:    local.DeviceID,
		Kind:              "import",
		KeypairsUpdated:   merged.keypairsUpdated,
		PreviousMerged:    merged.previousMerged,
		RotationsMerged:   merged.rotationsMerged,
		ConflictsResolved: merged.conflictsResolved,
		SignatureHash:     sigHashHex,
	})
	merged.ks.LastSyncedAt = time.Now().UTC().UnixMilli()

	// Step 10: persist, then publish the new resident set.
	if err := keystore.Save(merged.ks, c.vault.KeystorePath()); err != nil {
		return nil, err
	}
	if err := c.vault.ReplaceState(merged.ks, merged.residentCurrent, merged.residentPrevious); err != nil {
		return nil, err
	}

	c.bus.Emit(events.TopicSyncImportDone, events.Fields{
		"source_device_id":   p.DeviceID,
		"keypairs_updated":   merged.keypairsUpdated,
		"previous_merged":    merged.previousMerged,
		"rotations_merged":   merged.rotationsMerged,
		"conflicts_resolved": merged.conflictsResolved,
	})
	c.log.Info("keystore imported", logging.Fields{
		"source_device_id": p.DeviceID,
		"keypairs_updated": merged.keypairsUpdated,
	})

	return &ImportResult{
		KeypairsUpdated:   merged.keypairsUpdated,
		PreviousMerged:    merged.previousMerged,
		RotationsMerged:   merged.rotationsMerged,
		ConflictsResolved: merged.conflictsResolved,
		SignatureHash:     sigHashHex,
	}, nil
}
