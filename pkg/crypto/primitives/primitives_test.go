package primitives

import (
	"bytes"
	"errors"
	"testing"
)

func testKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var key [KeySize]byte
	if err := FillRandom(key[:]); err != nil {
		t.Fatalf("FillRandom failed: %v", err)
	}
	return key
}

// TestAESSealOpenRoundtrip verifies seal/open over a range of plaintext sizes
func TestAESSealOpenRoundtrip(t *testing.T) {
	key := testKey(t)

	testCases := []struct {
		name string
		size int
	}{
		{"Media key", 32},
		{"Small record", 100},
		{"Serialized keypair", 4096},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plaintext := make([]byte, tc.size)
			if err := FillRandom(plaintext); err != nil {
				t.Fatalf("FillRandom failed: %v", err)
			}

			box, err := AESSeal(plaintext, nil, key)
			if err != nil {
				t.Fatalf("AESSeal failed: %v", err)
			}
			if len(box.Ciphertext) != len(plaintext) {
				t.Errorf("ciphertext length = %d, want %d", len(box.Ciphertext), len(plaintext))
			}

			recovered, err := AESOpen(box, nil, key)
			if err != nil {
				t.Fatalf("AESOpen failed: %v", err)
			}
			if !bytes.Equal(recovered, plaintext) {
				t.Error("recovered plaintext does not match original")
			}
		})
	}
}

// TestAESOpenRejectsTamperedTag verifies the tag binds the ciphertext
func TestAESOpenRejectsTamperedTag(t *testing.T) {
	key := testKey(t)

	box, err := AESSeal([]byte("vault keystore record"), nil, key)
	if err != nil {
		t.Fatalf("AESSeal failed: %v", err)
	}

	box.Tag[0] ^= 0x01
	if _, err := AESOpen(box, nil, key); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("expected ErrPrimitiveFailure for flipped tag, got %v", err)
	}

	box.Tag[0] ^= 0x01
	box.Ciphertext[0] ^= 0x01
	if _, err := AESOpen(box, nil, key); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("expected ErrPrimitiveFailure for flipped ciphertext byte, got %v", err)
	}
}

// TestAESOpenWrongKey verifies decryption fails under a different key
func TestAESOpenWrongKey(t *testing.T) {
	key := testKey(t)
	wrongKey := testKey(t)

	box, err := AESSeal([]byte("secret"), nil, key)
	if err != nil {
		t.Fatalf("AESSeal failed: %v", err)
	}

	if _, err := AESOpen(box, nil, wrongKey); err == nil {
		t.Error("expected failure decrypting with wrong key")
	}
}

// TestAESSealAdditionalData verifies AAD participates in authentication
func TestAESSealAdditionalData(t *testing.T) {
	key := testKey(t)

	box, err := AESSeal([]byte("payload"), []byte("context-a"), key)
	if err != nil {
		t.Fatalf("AESSeal failed: %v", err)
	}

	if _, err := AESOpen(box, []byte("context-a"), key); err != nil {
		t.Fatalf("AESOpen with matching AAD failed: %v", err)
	}
	if _, err := AESOpen(box, []byte("context-b"), key); err == nil {
		t.Error("expected failure with mismatched AAD")
	}
}

// TestDeriveKeyDeterministic verifies PBKDF2 determinism and salt separation
func TestDeriveKeyDeterministic(t *testing.T) {
	password := []byte("CorrectHorseBatteryStaple!99")
	salt := bytes.Repeat([]byte{0xA5}, 32)

	key1, err := DeriveKey(password, salt, 1000)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	key2, err := DeriveKey(password, salt, 1000)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if key1 != key2 {
		t.Error("same inputs produced different keys")
	}

	otherSalt := bytes.Repeat([]byte{0x5A}, 32)
	key3, err := DeriveKey(password, otherSalt, 1000)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if key1 == key3 {
		t.Error("different salts produced identical keys")
	}
}

// TestDeriveKeyRejectsBadParams verifies parameter validation
func TestDeriveKeyRejectsBadParams(t *testing.T) {
	if _, err := DeriveKey([]byte("pw"), nil, 1000); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("empty salt: got %v", err)
	}
	if _, err := DeriveKey([]byte("pw"), []byte("salt"), 0); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("zero iterations: got %v", err)
	}
}

// TestKEMRoundtrip verifies ML-KEM-768 encapsulate/decapsulate
func TestKEMRoundtrip(t *testing.T) {
	pub, priv, err := KEMGenerateKeypair()
	if err != nil {
		t.Fatalf("KEMGenerateKeypair failed: %v", err)
	}
	if len(pub) != KEMPublicKeySize {
		t.Errorf("public key size = %d, want %d", len(pub), KEMPublicKeySize)
	}
	if len(priv) != KEMPrivateKeySize {
		t.Errorf("private key size = %d, want %d", len(priv), KEMPrivateKeySize)
	}

	ct, ss1, err := KEMEncapsulate(pub)
	if err != nil {
		t.Fatalf("KEMEncapsulate failed: %v", err)
	}
	if len(ct) != KEMCiphertextSize {
		t.Errorf("ciphertext size = %d, want %d", len(ct), KEMCiphertextSize)
	}

	ss2, err := KEMDecapsulate(priv, ct)
	if err != nil {
		t.Fatalf("KEMDecapsulate failed: %v", err)
	}
	if !bytes.Equal(ss1, ss2) {
		t.Error("shared secrets do not match")
	}
}

// TestKEMRejectsWrongSizes verifies input validation
func TestKEMRejectsWrongSizes(t *testing.T) {
	if _, _, err := KEMEncapsulate(make([]byte, 10)); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("short public key: got %v", err)
	}
	if _, err := KEMDecapsulate(make([]byte, 10), make([]byte, KEMCiphertextSize)); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("short private key: got %v", err)
	}
	if _, err := KEMDecapsulate(make([]byte, KEMPrivateKeySize), make([]byte, 10)); !errors.Is(err, ErrPrimitiveFailure) {
		t.Errorf("short ciphertext: got %v", err)
	}
}

// TestECDHRoundtrip verifies both sides derive the same X25519 secret
func TestECDHRoundtrip(t *testing.T) {
	pubA, privA, err := ECDHGenerateKeypair()
	if err != nil {
		t.Fatalf("ECDHGenerateKeypair failed: %v", err)
	}
	pubB, privB, err := ECDHGenerateKeypair()
	if err != nil {
		t.Fatalf("ECDHGenerateKeypair failed: %v", err)
	}

	secretAB, err := ECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}
	secretBA, err := ECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}
	if !bytes.Equal(secretAB, secretBA) {
		t.Error("ECDH secrets do not match")
	}
}

// TestConstantTimeCompare verifies comparison semantics
func TestConstantTimeCompare(t *testing.T) {
	testCases := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"Equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"Different content", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"Different length", []byte{1, 2, 3}, []byte{1, 2}, false},
		{"Both empty", []byte{}, []byte{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ConstantTimeCompare(tc.a, tc.b); got != tc.want {
				t.Errorf("ConstantTimeCompare = %v, want %v", got, tc.want)
			}
		})
	}
}
