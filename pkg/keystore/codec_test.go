package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
)

// Tests use a low iteration count; New clamps to the at-rest floor, so
// helpers call New and then re-seal the keypair at the test count.
const testIterations = 1_000

var testPassword = []byte("CorrectHorseBatteryStaple!99")

func newTestKeystore(t *testing.T) (*Keystore, *hybrid.Keypair) {
	t.Helper()

	kp, err := hybrid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	ks, err := New("user-1", "laptop", testPassword, kp, testIterations)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Re-derive at a test-friendly iteration count.
	ks.PBKDF2Iterations = testIterations
	fileKey, err := ks.DeriveFileKey(testPassword)
	if err != nil {
		t.Fatalf("DeriveFileKey failed: %v", err)
	}
	stored, err := SealKeypair(kp, fileKey)
	if err != nil {
		t.Fatalf("SealKeypair failed: %v", err)
	}
	ks.CurrentKeypair = stored

	return ks, kp
}

// TestNewKeystoreShape verifies a fresh keystore's structure
func TestNewKeystoreShape(t *testing.T) {
	kp, err := hybrid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	ks, err := New("user-1", "laptop", testPassword, kp, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if ks.Version != Version {
		t.Errorf("version = %q, want %q", ks.Version, Version)
	}
	if ks.PBKDF2Iterations < MinAtRestIterations {
		t.Errorf("iterations = %d, below at-rest floor %d", ks.PBKDF2Iterations, MinAtRestIterations)
	}
	if len(ks.PreviousKeypairs) != 0 {
		t.Errorf("previous keypairs = %d, want 0", len(ks.PreviousKeypairs))
	}
	if len(ks.RotationHistory) != 1 || ks.RotationHistory[0].Reason != "initial" {
		t.Errorf("rotation history = %+v, want single initial entry", ks.RotationHistory)
	}
	if ks.CurrentKeypair.KeyID != kp.KeyID {
		t.Errorf("stored key ID = %q, want %q", ks.CurrentKeypair.KeyID, kp.KeyID)
	}
	if err := ks.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

// TestSealOpenKeypairRoundtrip verifies the at-rest envelope
func TestSealOpenKeypairRoundtrip(t *testing.T) {
	ks, kp := newTestKeystore(t)

	fileKey, err := ks.DeriveFileKey(testPassword)
	if err != nil {
		t.Fatalf("DeriveFileKey failed: %v", err)
	}

	opened, err := OpenKeypair(ks.CurrentKeypair, fileKey)
	if err != nil {
		t.Fatalf("OpenKeypair failed: %v", err)
	}

	if !bytes.Equal(opened.Private.KEMPrivate, kp.Private.KEMPrivate) {
		t.Error("KEM private key lost through at-rest roundtrip")
	}
	if !bytes.Equal(opened.Private.ECDHPrivate, kp.Private.ECDHPrivate) {
		t.Error("ECDH private key lost through at-rest roundtrip")
	}
	if opened.KeyID != kp.KeyID {
		t.Errorf("key ID = %q, want %q", opened.KeyID, kp.KeyID)
	}
}

// TestVerifyPasswordNoOracle verifies wrong password and tampered
// ciphertext are indistinguishable
func TestVerifyPasswordNoOracle(t *testing.T) {
	ks, _ := newTestKeystore(t)

	if err := ks.VerifyPassword(testPassword); err != nil {
		t.Fatalf("VerifyPassword with correct password failed: %v", err)
	}

	wrongErr := ks.VerifyPassword([]byte("wrong-password-entirely!"))
	if !errors.Is(wrongErr, ErrInvalidPassword) {
		t.Fatalf("wrong password: got %v, want ErrInvalidPassword", wrongErr)
	}

	ks.CurrentKeypair.EncryptedKeypair[0] ^= 0x01
	tamperErr := ks.VerifyPassword(testPassword)
	if !errors.Is(tamperErr, ErrInvalidPassword) {
		t.Fatalf("tampered ciphertext: got %v, want ErrInvalidPassword", tamperErr)
	}

	if wrongErr.Error() != tamperErr.Error() {
		t.Error("wrong-password and tampered errors differ; oracle exposed")
	}
}

// TestSaveLoadRoundtrip verifies disk persistence
func TestSaveLoadRoundtrip(t *testing.T) {
	ks, _ := newTestKeystore(t)
	path := filepath.Join(t.TempDir(), "keystore.json")

	if err := Save(ks, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.UserID != ks.UserID || loaded.DeviceID != ks.DeviceID {
		t.Error("identity fields lost through roundtrip")
	}
	if loaded.CurrentKeypair.KeyID != ks.CurrentKeypair.KeyID {
		t.Error("current keypair lost through roundtrip")
	}
	if err := loaded.VerifyPassword(testPassword); err != nil {
		t.Errorf("password no longer verifies after roundtrip: %v", err)
	}
}

// TestOnDiskFormHasNoPlaintextPrivateKey verifies the at-rest invariant
func TestOnDiskFormHasNoPlaintextPrivateKey(t *testing.T) {
	ks, kp := newTestKeystore(t)
	path := filepath.Join(t.TempDir(), "keystore.json")

	if err := Save(ks, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// Private key bytes must not appear in the file in raw form. A raw
	// scan for the whole ECDH key and a 64-byte KEM key prefix is a
	// reasonable proxy.
	if bytes.Contains(raw, kp.Private.ECDHPrivate) {
		t.Error("raw ECDH private key bytes present in keystore file")
	}
	if bytes.Contains(raw, kp.Private.KEMPrivate[:64]) {
		t.Error("raw KEM private key bytes present in keystore file")
	}
}

// TestSaveFailurePreservesPriorFile verifies atomicity when the
// destination directory disappears mid-operation
func TestSaveFailurePreservesPriorFile(t *testing.T) {
	ks, _ := newTestKeystore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")

	if err := Save(ks, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// Force a write failure: target a directory that does not exist.
	if err := Save(ks, filepath.Join(dir, "missing", "keystore.json")); err == nil {
		t.Fatal("expected Save into missing directory to fail")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("prior keystore file changed after failed save")
	}
}

// TestErase verifies explicit destruction
func TestErase(t *testing.T) {
	ks, _ := newTestKeystore(t)
	path := filepath.Join(t.TempDir(), "keystore.json")

	if err := Save(ks, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !Exists(path) {
		t.Fatal("keystore should exist after save")
	}

	if err := Erase(path); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if Exists(path) {
		t.Error("keystore still exists after erase")
	}

	if err := Erase(path); !errors.Is(err, ErrIoFailure) {
		t.Errorf("double erase: got %v, want ErrIoFailure", err)
	}
}

// TestLoadMissingFile verifies the I/O error surface
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); !errors.Is(err, ErrIoFailure) {
		t.Errorf("got %v, want ErrIoFailure", err)
	}
}

// TestLoadGarbageFile verifies the corruption error surface
func TestLoadGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrCorruptKeystore) {
		t.Errorf("got %v, want ErrCorruptKeystore", err)
	}
}
