package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
)

// DeriveFileKey derives the at-rest encryption key from the vault password
// using this keystore's salt and iteration count.
func (ks *Keystore) DeriveFileKey(password []byte) ([primitives.KeySize]byte, error) {
	return primitives.DeriveKey(password, ks.PasswordSalt, ks.PBKDF2Iterations)
}

// SealKeypair encrypts a keypair's private half under the file key and
// returns its at-rest form. The plaintext serialization is wiped before
// returning.
func SealKeypair(kp *hybrid.Keypair, fileKey [primitives.KeySize]byte) (*StoredKeypair, error) {
	plaintext, err := json.Marshal(&kp.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: keypair serialization: %v", ErrCorruptKeystore, err)
	}
	defer primitives.ZeroBytes(plaintext)

	box, err := primitives.AESSeal(plaintext, nil, fileKey)
	if err != nil {
		return nil, err
	}

	return &StoredKeypair{
		EncryptedKeypair: box.Ciphertext,
		IV:               box.IV[:],
		AuthTag:          box.Tag[:],
		Public: hybrid.PublicKey{
			KEMPublic:  append([]byte(nil), kp.Public.KEMPublic...),
			ECDHPublic: append([]byte(nil), kp.Public.ECDHPublic...),
		},
		KeyID:     kp.KeyID,
		CreatedAt: kp.CreatedAt,
	}, nil
}

// OpenKeypair decrypts a stored keypair with the file key. Wrong key and
// tampered ciphertext both return ErrInvalidPassword; no oracle.
func OpenKeypair(sk *StoredKeypair, fileKey [primitives.KeySize]byte) (*hybrid.Keypair, error) {
	if sk == nil {
		return nil, ErrCorruptKeystore
	}
	if len(sk.IV) != primitives.IVSize || len(sk.AuthTag) != primitives.TagSize {
		return nil, ErrInvalidPassword
	}

	box := &primitives.SealedBox{Ciphertext: sk.EncryptedKeypair}
	copy(box.IV[:], sk.IV)
	copy(box.Tag[:], sk.AuthTag)

	plaintext, err := primitives.AESOpen(box, nil, fileKey)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	defer primitives.ZeroBytes(plaintext)

	var private hybrid.PrivateKey
	if err := json.Unmarshal(plaintext, &private); err != nil {
		return nil, ErrInvalidPassword
	}

	return &hybrid.Keypair{
		Public: hybrid.PublicKey{
			KEMPublic:  append([]byte(nil), sk.Public.KEMPublic...),
			ECDHPublic: append([]byte(nil), sk.Public.ECDHPublic...),
		},
		Private:   private,
		KeyID:     sk.KeyID,
		CreatedAt: sk.CreatedAt,
	}, nil
}

// New creates a v4 keystore around a freshly generated keypair. The
// initial rotation-history entry records the keypair's creation so every
// key the keystore has ever held is traceable.
func New(userID, deviceName string, password []byte, kp *hybrid.Keypair, iterations int) (*Keystore, error) {
	if iterations < MinAtRestIterations {
		iterations = MinAtRestIterations
	}

	salt, err := primitives.RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ks := &Keystore{
		Version:          Version,
		Algorithm:        Algorithm,
		PBKDF2Iterations: iterations,
		PasswordSalt:     salt,
		UserID:           userID,
		DeviceID:         uuid.NewString(),
		DeviceName:       deviceName,
		DeviceCreatedAt:  now,
		VaultSettings:    DefaultVaultSettings(),
		CreatedAt:        now,
		LastModified:     now,
		SchemaVersion:    SchemaVersion,
	}

	fileKey, err := ks.DeriveFileKey(password)
	if err != nil {
		return nil, err
	}
	defer primitives.ZeroKey(&fileKey)

	stored, err := SealKeypair(kp, fileKey)
	if err != nil {
		return nil, err
	}
	ks.CurrentKeypair = stored

	ks.RotationHistory = append(ks.RotationHistory, RotationHistoryEntry{
		RotationID:  uuid.NewString(),
		Timestamp:   now,
		OldKeyID:    "",
		NewKeyID:    kp.KeyID,
		Reason:      "initial",
		TriggeredBy: TriggerManual,
		DeviceID:    ks.DeviceID,
	})

	return ks, nil
}

// VerifyPassword re-derives the file key and attempts to open the current
// keypair, zeroizing the result. Returns ErrInvalidPassword on mismatch.
func (ks *Keystore) VerifyPassword(password []byte) error {
	fileKey, err := ks.DeriveFileKey(password)
	if err != nil {
		return err
	}
	defer primitives.ZeroKey(&fileKey)

	kp, err := OpenKeypair(ks.CurrentKeypair, fileKey)
	if err != nil {
		return err
	}
	kp.Zeroize()
	return nil
}

// Save serializes the keystore to canonical JSON and persists it with the
// atomic writer (write-temp, fsync, rename). On any failure the prior file
// is preserved byte-for-byte.
func Save(ks *Keystore, path string) error {
	ks.LastModified = time.Now().UTC()

	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: serialization: %v", ErrCorruptKeystore, err)
	}

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return err
	}
	return nil
}

// Load reads and parses a keystore file, migrating older versions in
// memory. When a migration ran, the migrated keystore is persisted and a
// backup snapshot of the prior file is written as <path>.vN.backup (for
// keystore.json: keystore.json.v1.backup); the file extension is kept.
func Load(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	ks, migratedFrom, err := migrate(data)
	if err != nil {
		return nil, err
	}

	if migratedFrom != "" {
		backupPath := fmt.Sprintf("%s.%s.backup", path, migratedFrom)
		if err := writeFileAtomic(backupPath, data, 0600); err != nil {
			return nil, err
		}
		if err := Save(ks, path); err != nil {
			return nil, err
		}
	}

	if err := ks.Validate(); err != nil {
		return nil, err
	}

	return ks, nil
}

// Exists reports whether a keystore file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Erase destroys the keystore file. This is the only sanctioned way to
// delete a keystore.
func Erase(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	return nil
}
