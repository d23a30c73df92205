// Package primitives provides uniform access to the cryptographic
// primitives used by the vault core: AES-256-GCM, PBKDF2-SHA512,
// HMAC-SHA256, SHA-256, ML-KEM-768, X25519, and secure random.
//
// Every operation fails with an error wrapping ErrPrimitiveFailure when the
// underlying provider signals an error. There are no silent fallbacks.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// AlgorithmKEM is the fixed identifier of the lattice KEM
	AlgorithmKEM = "ML-KEM-768"
	// AlgorithmECDH is the fixed identifier of the classical key exchange
	AlgorithmECDH = "X25519"
	// AlgorithmCipher is the fixed identifier of the AEAD cipher
	AlgorithmCipher = "AES-256-GCM"
	// AlgorithmKDF is the fixed identifier of the password KDF
	AlgorithmKDF = "PBKDF2-SHA512"
	// AlgorithmMAC is the fixed identifier of the export authenticator
	AlgorithmMAC = "HMAC-SHA256"

	// KeySize is the symmetric key size in bytes (AES-256)
	KeySize = 32
	// IVSize is the AES-GCM nonce size in bytes
	IVSize = 12
	// TagSize is the AES-GCM authentication tag size in bytes
	TagSize = 16

	// X25519KeySize is the size of X25519 public and private keys
	X25519KeySize = 32
)

var (
	// ErrPrimitiveFailure indicates the underlying cryptographic provider
	// signalled an error. The wrapped detail is for logs only.
	ErrPrimitiveFailure = errors.New("cryptographic primitive failure")
)

// KEMPublicKeySize is the ML-KEM-768 public key size in bytes (1184).
var KEMPublicKeySize = mlkem768.Scheme().PublicKeySize()

// KEMPrivateKeySize is the ML-KEM-768 private key size in bytes (2400).
var KEMPrivateKeySize = mlkem768.Scheme().PrivateKeySize()

// KEMCiphertextSize is the ML-KEM-768 ciphertext size in bytes (1088).
var KEMCiphertextSize = mlkem768.Scheme().CiphertextSize()

// SealedBox holds the output of an AEAD seal with the tag split out, the
// shape the keystore file and hybrid envelope store on disk.
type SealedBox struct {
	Ciphertext []byte
	IV         [IVSize]byte
	Tag        [TagSize]byte
}

// FillRandom fills buf with cryptographically secure random bytes.
func FillRandom(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("%w: random source: %v", ErrPrimitiveFailure, err)
	}
	return nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := FillRandom(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AESSeal encrypts plaintext under key with AES-256-GCM using a fresh
// random 12-byte IV and returns the ciphertext, IV and 16-byte tag
// separately. The additional data may be nil.
func AESSeal(plaintext, additional []byte, key [KeySize]byte) (*SealedBox, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	box := &SealedBox{}
	if err := FillRandom(box.IV[:]); err != nil {
		return nil, err
	}

	// Seal appends ciphertext || tag; split the tag off so callers can
	// persist it as a distinct field.
	sealed := aead.Seal(nil, box.IV[:], plaintext, additional)
	box.Ciphertext = sealed[:len(sealed)-TagSize]
	copy(box.Tag[:], sealed[len(sealed)-TagSize:])

	return box, nil
}

// AESOpen decrypts a SealedBox produced by AESSeal. Tag verification
// failure and malformed input return the same ErrPrimitiveFailure wrap.
func AESOpen(box *SealedBox, additional []byte, key [KeySize]byte) ([]byte, error) {
	if box == nil {
		return nil, fmt.Errorf("%w: nil sealed box", ErrPrimitiveFailure)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, len(box.Ciphertext)+TagSize)
	copy(sealed, box.Ciphertext)
	copy(sealed[len(box.Ciphertext):], box.Tag[:])

	plaintext, err := aead.Open(nil, box.IV[:], sealed, additional)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrPrimitiveFailure)
	}

	return plaintext, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", ErrPrimitiveFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM init: %v", ErrPrimitiveFailure, err)
	}
	return aead, nil
}

// DeriveKey derives a 32-byte key from a password using PBKDF2-SHA512.
// The caller owns salt uniqueness and the iteration floor; iterations
// below 1 are rejected here.
func DeriveKey(password []byte, salt []byte, iterations int) ([KeySize]byte, error) {
	var key [KeySize]byte

	if iterations < 1 {
		return key, fmt.Errorf("%w: non-positive PBKDF2 iteration count", ErrPrimitiveFailure)
	}
	if len(salt) == 0 {
		return key, fmt.Errorf("%w: empty PBKDF2 salt", ErrPrimitiveFailure)
	}

	derived := pbkdf2.Key(password, salt, iterations, KeySize, sha512.New)
	copy(key[:], derived)
	ZeroBytes(derived)

	return key, nil
}

// HMACSHA256 computes HMAC-SHA256 over data with the given key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// SHA256 computes a SHA-256 digest.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first difference. Unequal lengths return false.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// KEMGenerateKeypair generates an ML-KEM-768 keypair and returns the keys
// in their binary encodings.
func KEMGenerateKeypair() (publicKey, privateKey []byte, err error) {
	scheme := mlkem768.Scheme()

	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ML-KEM keygen: %v", ErrPrimitiveFailure, err)
	}

	publicKey, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ML-KEM public key marshal: %v", ErrPrimitiveFailure, err)
	}
	privateKey, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ML-KEM private key marshal: %v", ErrPrimitiveFailure, err)
	}

	return publicKey, privateKey, nil
}

// KEMEncapsulate encapsulates to an ML-KEM-768 public key, returning the
// KEM ciphertext and the 32-byte shared secret.
func KEMEncapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	scheme := mlkem768.Scheme()

	if len(publicKey) != KEMPublicKeySize {
		return nil, nil, fmt.Errorf("%w: ML-KEM public key must be %d bytes, got %d",
			ErrPrimitiveFailure, KEMPublicKeySize, len(publicKey))
	}

	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ML-KEM public key unmarshal: %v", ErrPrimitiveFailure, err)
	}

	ciphertext, sharedSecret, err = scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ML-KEM encapsulate: %v", ErrPrimitiveFailure, err)
	}

	return ciphertext, sharedSecret, nil
}

// KEMDecapsulate recovers the shared secret from an ML-KEM-768 ciphertext.
func KEMDecapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()

	if len(privateKey) != KEMPrivateKeySize {
		return nil, fmt.Errorf("%w: ML-KEM private key must be %d bytes, got %d",
			ErrPrimitiveFailure, KEMPrivateKeySize, len(privateKey))
	}
	if len(ciphertext) != KEMCiphertextSize {
		return nil, fmt.Errorf("%w: ML-KEM ciphertext must be %d bytes, got %d",
			ErrPrimitiveFailure, KEMCiphertextSize, len(ciphertext))
	}

	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ML-KEM private key unmarshal: %v", ErrPrimitiveFailure, err)
	}

	sharedSecret, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ML-KEM decapsulate: %v", ErrPrimitiveFailure, err)
	}

	return sharedSecret, nil
}

// ECDHGenerateKeypair generates an X25519 keypair in binary encodings.
func ECDHGenerateKeypair() (publicKey, privateKey []byte, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: X25519 keygen: %v", ErrPrimitiveFailure, err)
	}
	return priv.PublicKey().Bytes(), priv.Bytes(), nil
}

// ECDH performs an X25519 exchange between a private key and a peer
// public key, both in binary encodings.
func ECDH(privateKey, peerPublicKey []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 private key: %v", ErrPrimitiveFailure, err)
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 public key: %v", ErrPrimitiveFailure, err)
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 exchange: %v", ErrPrimitiveFailure, err)
	}
	return secret, nil
}
