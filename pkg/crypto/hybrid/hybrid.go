// Package hybrid implements media-key wrapping under a hybrid
// ML-KEM-768 + X25519 scheme. A 32-byte media key is sealed to a
// recipient's hybrid public key so that confidentiality survives a break
// of either the lattice KEM or the classical ECDH.
package hybrid

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
)

const (
	// CombinerLabel is the domain-separation label mixed into the wrap key
	CombinerLabel = "onestar-hybrid-v1"

	// MediaKeySize is the size of a media key in bytes
	MediaKeySize = 32
)

var (
	// ErrUnwrapFailure is the single error returned for any unwrap
	// failure. Callers cannot distinguish a KEM failure from a tag
	// mismatch; the specific cause goes to logs only.
	ErrUnwrapFailure = errors.New("unwrap failed")

	// ErrInvalidPublicKey indicates a malformed recipient public key
	ErrInvalidPublicKey = errors.New("invalid hybrid public key")

	// ErrInvalidMediaKey indicates the media key is not 32 bytes
	ErrInvalidMediaKey = errors.New("media key must be 32 bytes")
)

// PublicKey is the shareable half of a hybrid keypair.
type PublicKey struct {
	KEMPublic  []byte `json:"kem_public"`
	ECDHPublic []byte `json:"ecdh_public"`
}

// PrivateKey is the secret half of a hybrid keypair. Call Zeroize when the
// key leaves residency.
type PrivateKey struct {
	KEMPrivate  []byte `json:"kem_private"`
	ECDHPrivate []byte `json:"ecdh_private"`
}

// Keypair is a hybrid keypair with its identity and creation time. KeyID is
// unique process-wide and survives persistence.
type Keypair struct {
	Public    PublicKey  `json:"public"`
	Private   PrivateKey `json:"private"`
	KeyID     string     `json:"key_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// Ciphertext is the self-contained envelope holding a wrapped media key.
// It is bound to a specific recipient public key by construction; no
// recipient metadata is stored.
type Ciphertext struct {
	KEMCiphertext    []byte
	ECDHEphemeralPub []byte
	IV               [primitives.IVSize]byte
	WrappedKey       []byte
	AuthTag          [primitives.TagSize]byte
}

// GenerateKeypair creates a fresh hybrid keypair with a new key ID.
func GenerateKeypair() (*Keypair, error) {
	kemPub, kemPriv, err := primitives.KEMGenerateKeypair()
	if err != nil {
		return nil, err
	}

	ecdhPub, ecdhPriv, err := primitives.ECDHGenerateKeypair()
	if err != nil {
		primitives.ZeroBytes(kemPriv)
		return nil, err
	}

	return &Keypair{
		Public:    PublicKey{KEMPublic: kemPub, ECDHPublic: ecdhPub},
		Private:   PrivateKey{KEMPrivate: kemPriv, ECDHPrivate: ecdhPriv},
		KeyID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Validate checks the structural well-formedness of a public key.
func (pk *PublicKey) Validate() error {
	if pk == nil {
		return ErrInvalidPublicKey
	}
	if len(pk.KEMPublic) != primitives.KEMPublicKeySize {
		return fmt.Errorf("%w: KEM public key must be %d bytes, got %d",
			ErrInvalidPublicKey, primitives.KEMPublicKeySize, len(pk.KEMPublic))
	}
	if len(pk.ECDHPublic) != primitives.X25519KeySize {
		return fmt.Errorf("%w: ECDH public key must be %d bytes, got %d",
			ErrInvalidPublicKey, primitives.X25519KeySize, len(pk.ECDHPublic))
	}
	return nil
}

// Zeroize wipes the private key material.
func (sk *PrivateKey) Zeroize() {
	if sk == nil {
		return
	}
	primitives.ZeroAll(sk.KEMPrivate, sk.ECDHPrivate)
}

// Zeroize wipes the keypair's private half. The public half, key ID and
// timestamp are not secret and are left intact.
func (kp *Keypair) Zeroize() {
	if kp == nil {
		return
	}
	kp.Private.Zeroize()
}

// Fingerprint computes the SHA-256 fingerprint of the serialized public
// key (KEM public || ECDH public). Used to deduplicate keypairs across
// devices during sync merges.
func (pk *PublicKey) Fingerprint() [32]byte {
	combined := make([]byte, len(pk.KEMPublic)+len(pk.ECDHPublic))
	copy(combined, pk.KEMPublic)
	copy(combined[len(pk.KEMPublic):], pk.ECDHPublic)
	return primitives.SHA256(combined)
}

// Equal reports whether two public keys carry identical key material.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return primitives.ConstantTimeCompare(pk.KEMPublic, other.KEMPublic) &&
		primitives.ConstantTimeCompare(pk.ECDHPublic, other.ECDHPublic)
}

// Wrap seals a 32-byte media key to the recipient public key.
//
// The wrap key is SHA-256(kem_ss || ecdh_ss || CombinerLabel) over the
// ML-KEM-768 shared secret and an ephemeral X25519 exchange; the media key
// is then sealed with AES-256-GCM under a fresh IV and empty AAD. All
// intermediate secrets and the ephemeral private key are wiped before
// returning.
func Wrap(mediaKey []byte, recipient *PublicKey) (*Ciphertext, error) {
	if len(mediaKey) != MediaKeySize {
		return nil, ErrInvalidMediaKey
	}
	if err := recipient.Validate(); err != nil {
		return nil, err
	}

	kemCT, kemSecret, err := primitives.KEMEncapsulate(recipient.KEMPublic)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroBytes(kemSecret)

	ephemeralPub, ephemeralPriv, err := primitives.ECDHGenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroBytes(ephemeralPriv)

	ecdhSecret, err := primitives.ECDH(ephemeralPriv, recipient.ECDHPublic)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroBytes(ecdhSecret)

	wrapKey := combineSecrets(kemSecret, ecdhSecret)
	defer primitives.ZeroKey(&wrapKey)

	box, err := primitives.AESSeal(mediaKey, nil, wrapKey)
	if err != nil {
		return nil, err
	}

	return &Ciphertext{
		KEMCiphertext:    kemCT,
		ECDHEphemeralPub: ephemeralPub,
		IV:               box.IV,
		WrappedKey:       box.Ciphertext,
		AuthTag:          box.Tag,
	}, nil
}

// Unwrap recovers the media key from a hybrid ciphertext using the
// recipient keypair. Any failure — malformed envelope, KEM decapsulation,
// GCM tag mismatch — returns the generic ErrUnwrapFailure.
func Unwrap(ct *Ciphertext, recipient *Keypair) ([]byte, error) {
	if ct == nil || recipient == nil {
		return nil, ErrUnwrapFailure
	}
	if len(ct.KEMCiphertext) != primitives.KEMCiphertextSize ||
		len(ct.ECDHEphemeralPub) != primitives.X25519KeySize {
		return nil, ErrUnwrapFailure
	}

	kemSecret, err := primitives.KEMDecapsulate(recipient.Private.KEMPrivate, ct.KEMCiphertext)
	if err != nil {
		return nil, ErrUnwrapFailure
	}
	defer primitives.ZeroBytes(kemSecret)

	ecdhSecret, err := primitives.ECDH(recipient.Private.ECDHPrivate, ct.ECDHEphemeralPub)
	if err != nil {
		return nil, ErrUnwrapFailure
	}
	defer primitives.ZeroBytes(ecdhSecret)

	wrapKey := combineSecrets(kemSecret, ecdhSecret)
	defer primitives.ZeroKey(&wrapKey)

	box := &primitives.SealedBox{
		Ciphertext: ct.WrappedKey,
		IV:         ct.IV,
		Tag:        ct.AuthTag,
	}
	mediaKey, err := primitives.AESOpen(box, nil, wrapKey)
	if err != nil {
		return nil, ErrUnwrapFailure
	}
	if len(mediaKey) != MediaKeySize {
		primitives.ZeroBytes(mediaKey)
		return nil, ErrUnwrapFailure
	}

	return mediaKey, nil
}

// combineSecrets derives the 32-byte wrap key from both shared secrets.
func combineSecrets(kemSecret, ecdhSecret []byte) [primitives.KeySize]byte {
	ikm := make([]byte, 0, len(kemSecret)+len(ecdhSecret)+len(CombinerLabel))
	ikm = append(ikm, kemSecret...)
	ikm = append(ikm, ecdhSecret...)
	ikm = append(ikm, []byte(CombinerLabel)...)

	digest := primitives.SHA256(ikm)
	primitives.ZeroBytes(ikm)

	return digest
}
