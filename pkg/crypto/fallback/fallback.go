// Package fallback decrypts wrapped media keys by trying the current
// keypair and every retired keypair. All attempts run concurrently to
// completion so elapsed time does not reveal which rotation generation
// wrapped a given key.
package fallback

import (
	"errors"
	"sync"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
	"github.com/onestarstream/onestar-vault/pkg/logging"
)

var (
	// ErrAllAttemptsFailed indicates no resident keypair could unwrap
	// the ciphertext.
	ErrAllAttemptsFailed = errors.New("no keypair could unwrap the media key")
)

type attempt struct {
	mediaKey []byte
	err      error
}

// Unwrap attempts the ciphertext against the current keypair and every
// previous keypair (ordered newest to oldest) concurrently, waits for all
// attempts to resolve, then selects the first success in fixed order:
// current first, then previous in list order.
//
// Pending attempts are never cancelled when an earlier one succeeds —
// short-circuiting would reintroduce the timing oracle this exists to
// close. CPU cost is therefore N hybrid unwraps per call, N typically
// 1-6. Media keys recovered by losing attempts are wiped before
// returning. Which keypair succeeded is logged only after every attempt
// has resolved.
func Unwrap(ct *hybrid.Ciphertext, current *hybrid.Keypair, previous []*hybrid.Keypair, log *logging.Logger) ([]byte, error) {
	candidates := make([]*hybrid.Keypair, 0, 1+len(previous))
	if current != nil {
		candidates = append(candidates, current)
	}
	candidates = append(candidates, previous...)

	if len(candidates) == 0 {
		return nil, ErrAllAttemptsFailed
	}

	results := make([]attempt, len(candidates))
	var wg sync.WaitGroup
	for i, kp := range candidates {
		wg.Add(1)
		go func(i int, kp *hybrid.Keypair) {
			defer wg.Done()
			mediaKey, err := hybrid.Unwrap(ct, kp)
			results[i] = attempt{mediaKey: mediaKey, err: err}
		}(i, kp)
	}
	wg.Wait()

	winner := -1
	for i := range results {
		if results[i].err == nil {
			winner = i
			break
		}
	}

	// Wipe every successful result except the winner's.
	for i := range results {
		if i != winner && results[i].mediaKey != nil {
			primitives.ZeroBytes(results[i].mediaKey)
		}
	}

	if winner < 0 {
		log.Debug("fallback unwrap exhausted all keypairs", logging.Fields{
			"attempts": len(candidates),
		})
		return nil, ErrAllAttemptsFailed
	}

	log.Debug("fallback unwrap succeeded", logging.Fields{
		"key_id":   candidates[winner].KeyID,
		"position": winner,
		"attempts": len(candidates),
	})
	return results[winner].mediaKey, nil
}
