package keysync

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/keystore"
)

// supersededReason marks keypairs demoted by a sync merge.
const supersededReason = "superseded-by-sync"

// mergeOutcome is the merged keystore plus the resident keypair set that
// must replace the vault's references when the merge is persisted.
type mergeOutcome struct {
	ks               *keystore.Keystore
	residentCurrent  *hybrid.Keypair
	residentPrevious []*hybrid.Keypair

	keypairsUpdated   bool
	previousMerged    uint32
	rotationsMerged   uint32
	conflictsResolved uint32
}

// prevCandidate is one retired-keypair candidate during the union step.
type prevCandidate struct {
	stored     *keystore.RetiredKeypair
	resident   *hybrid.Keypair
	fromImport bool
}

// mergeKeystores unifies the local keystore with an imported payload.
// Device-local fields of the local keystore are preserved verbatim; the
// identity, keypair and history state is unified deterministically:
// applying the same import twice yields the same keystore.
//
// seal re-encrypts an imported keypair under the local at-rest key.
func mergeKeystores(local *keystore.Keystore, p *payload,
	impCurrent *hybrid.Keypair, impPrevious []*importedRetired,
	localCurrent *hybrid.Keypair, localPrevious []*hybrid.Keypair,
	seal func(*hybrid.Keypair) (*keystore.StoredKeypair, error)) (*mergeOutcome, error) {

	next, err := local.Clone()
	if err != nil {
		return nil, err
	}
	out := &mergeOutcome{ks: next}
	now := time.Now().UTC()

	// Step 1: current keypair conflict resolution.
	localFP := localCurrent.Public.Fingerprint()
	impFP := impCurrent.Public.Fingerprint()

	var demoted []prevCandidate
	unionHistory := historyUnion(local.RotationHistory, p.RotationHistory)

	if localFP == impFP {
		// Same current key on both sides: keep the local ciphertext.
		out.residentCurrent = localCurrent
		impCurrent.Zeroize()
	} else {
		out.conflictsResolved = 1
		// A pristine keystore (auto-created at first unlock, never
		// rotated or synced) adopts the imported identity outright: its
		// keypair has wrapped nothing and exists only because unlock
		// requires one.
		importWins := isPristine(local) || resolveCurrentConflict(unionHistory, localCurrent.KeyID, impCurrent.KeyID)

		if importWins {
			sealed, err := seal(impCurrent)
			if err != nil {
				return nil, err
			}
			demotedStored := &keystore.RetiredKeypair{
				StoredKeypair: *next.CurrentKeypair,
				RetiredAt:     now,
				Reason:        supersededReason,
			}
			demoted = append(demoted, prevCandidate{stored: demotedStored, resident: localCurrent})
			next.CurrentKeypair = sealed
			out.residentCurrent = impCurrent
			out.keypairsUpdated = true
		} else {
			sealed, err := seal(impCurrent)
			if err != nil {
				return nil, err
			}
			demoted = append(demoted, prevCandidate{
				stored: &keystore.RetiredKeypair{
					StoredKeypair: *sealed,
					RetiredAt:     now,
					Reason:        supersededReason,
				},
				resident:   impCurrent,
				fromImport: true,
			})
			out.residentCurrent = localCurrent
		}
	}

	// Step 2: previous keypairs union. Local entries first so the local
	// ciphertext wins a fingerprint tie, then demoted, then imported.
	candidates := make([]prevCandidate, 0, len(next.PreviousKeypairs)+len(demoted)+len(impPrevious))

	localResidentByID := make(map[string]*hybrid.Keypair, len(localPrevious))
	for _, kp := range localPrevious {
		localResidentByID[kp.KeyID] = kp
	}
	for _, stored := range next.PreviousKeypairs {
		resident, ok := localResidentByID[stored.KeyID]
		if !ok {
			return nil, fmt.Errorf("%w: retired keypair %s not resident", keystore.ErrCorruptKeystore, stored.KeyID)
		}
		candidates = append(candidates, prevCandidate{stored: stored, resident: resident})
	}
	candidates = append(candidates, demoted...)
	for _, ir := range impPrevious {
		sealed, err := seal(ir.keypair)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, prevCandidate{
			stored: &keystore.RetiredKeypair{
				StoredKeypair: *sealed,
				RetiredAt:     ir.retiredAt,
				Reason:        ir.reason,
			},
			resident:   ir.keypair,
			fromImport: true,
		})
	}

	currentFP := out.residentCurrent.Public.Fingerprint()
	seen := map[string]bool{hex.EncodeToString(currentFP[:]): true}
	retained := make([]prevCandidate, 0, len(candidates))
	for _, cand := range candidates {
		fp := cand.stored.Public.Fingerprint()
		key := hex.EncodeToString(fp[:])
		if seen[key] {
			if cand.fromImport {
				cand.resident.Zeroize()
			}
			continue
		}
		seen[key] = true
		retained = append(retained, cand)
	}

	sort.SliceStable(retained, func(i, j int) bool {
		if !retained[i].stored.RetiredAt.Equal(retained[j].stored.RetiredAt) {
			return retained[i].stored.RetiredAt.After(retained[j].stored.RetiredAt)
		}
		return retained[i].stored.KeyID > retained[j].stored.KeyID
	})
	if len(retained) > keystore.MaxPreviousKeypairs {
		for _, dropped := range retained[keystore.MaxPreviousKeypairs:] {
			if dropped.fromImport {
				dropped.resident.Zeroize()
			}
		}
		retained = retained[:keystore.MaxPreviousKeypairs]
	}

	next.PreviousKeypairs = make([]*keystore.RetiredKeypair, 0, len(retained))
	out.residentPrevious = make([]*hybrid.Keypair, 0, len(retained))
	for _, cand := range retained {
		next.PreviousKeypairs = append(next.PreviousKeypairs, cand.stored)
		out.residentPrevious = append(out.residentPrevious, cand.resident)
		if cand.fromImport {
			out.previousMerged++
			out.keypairsUpdated = true
		}
	}

	// Step 3: rotation history union with chain verification.
	out.rotationsMerged = uint32(len(unionHistory) - len(local.RotationHistory))
	if err := verifyChain(unionHistory); err != nil {
		return nil, err
	}
	next.RotationHistory = unionHistory

	// Steps 4 and 5 are inherent in starting from the local clone: the
	// password salt, iteration count, biometric profile, vault settings,
	// device identity and sync history all remain local.

	return out, nil
}

// isPristine reports whether the keystore still carries only its
// auto-created first keypair: one initial history entry, nothing retired,
// never synced.
func isPristine(ks *keystore.Keystore) bool {
	return len(ks.SyncHistory) == 0 &&
		len(ks.PreviousKeypairs) == 0 &&
		len(ks.RotationHistory) == 1 &&
		ks.RotationHistory[0].Reason == "initial"
}

// historyUnion deduplicates by rotation ID and sorts ascending by
// timestamp, tie-broken on rotation ID for determinism.
func historyUnion(local, imported []keystore.RotationHistoryEntry) []keystore.RotationHistoryEntry {
	seen := make(map[string]bool, len(local)+len(imported))
	union := make([]keystore.RotationHistoryEntry, 0, len(local)+len(imported))

	for _, entry := range local {
		if !seen[entry.RotationID] {
			seen[entry.RotationID] = true
			union = append(union, entry)
		}
	}
	for _, entry := range imported {
		if !seen[entry.RotationID] {
			seen[entry.RotationID] = true
			union = append(union, entry)
		}
	}

	sort.SliceStable(union, func(i, j int) bool {
		if !union[i].Timestamp.Equal(union[j].Timestamp) {
			return union[i].Timestamp.Before(union[j].Timestamp)
		}
		return union[i].RotationID < union[j].RotationID
	})
	return union
}

// resolveCurrentConflict decides whether the imported current keypair
// supersedes the local one: the candidate with the newer latest rotation
// entry wins; ties break lexicographically on key ID.
func resolveCurrentConflict(union []keystore.RotationHistoryEntry, localKeyID, impKeyID string) bool {
	localLatest := latestFor(union, localKeyID)
	impLatest := latestFor(union, impKeyID)

	switch {
	case impLatest.After(localLatest):
		return true
	case localLatest.After(impLatest):
		return false
	default:
		return impKeyID > localKeyID
	}
}

func latestFor(union []keystore.RotationHistoryEntry, keyID string) time.Time {
	var latest time.Time
	for _, entry := range union {
		if entry.NewKeyID == keyID && entry.Timestamp.After(latest) {
			latest = entry.Timestamp
		}
	}
	return latest
}

// verifyChain checks that every rotation's old key was introduced by an
// earlier entry. Entries with an empty old key ID introduce a lineage
// (initial keypair creation).
func verifyChain(union []keystore.RotationHistoryEntry) error {
	known := make(map[string]bool, len(union))
	for _, entry := range union {
		if entry.OldKeyID != "" && !known[entry.OldKeyID] {
			return fmt.Errorf("%w: rotation %s references unknown key %s",
				ErrBrokenChain, entry.RotationID, entry.OldKeyID)
		}
		known[entry.NewKeyID] = true
	}
	return nil
}
