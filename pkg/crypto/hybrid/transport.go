package hybrid

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
)

// ciphertextJSON is the base64 transport form of a Ciphertext.
type ciphertextJSON struct {
	KEMCiphertext    string `json:"kem_ciphertext"`
	ECDHEphemeralPub string `json:"ecdh_ephemeral_public"`
	IV               string `json:"iv"`
	Ciphertext       string `json:"ciphertext"`
	AuthTag          string `json:"auth_tag"`
}

// MarshalJSON implements the json.Marshaler interface.
func (ct *Ciphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(ciphertextJSON{
		KEMCiphertext:    base64.StdEncoding.EncodeToString(ct.KEMCiphertext),
		ECDHEphemeralPub: base64.StdEncoding.EncodeToString(ct.ECDHEphemeralPub),
		IV:               base64.StdEncoding.EncodeToString(ct.IV[:]),
		Ciphertext:       base64.StdEncoding.EncodeToString(ct.WrappedKey),
		AuthTag:          base64.StdEncoding.EncodeToString(ct.AuthTag[:]),
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (ct *Ciphertext) UnmarshalJSON(data []byte) error {
	var raw ciphertextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse hybrid ciphertext: %w", err)
	}

	kemCT, err := base64.StdEncoding.DecodeString(raw.KEMCiphertext)
	if err != nil {
		return fmt.Errorf("failed to decode kem_ciphertext: %w", err)
	}
	ephemeralPub, err := base64.StdEncoding.DecodeString(raw.ECDHEphemeralPub)
	if err != nil {
		return fmt.Errorf("failed to decode ecdh_ephemeral_public: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(raw.IV)
	if err != nil {
		return fmt.Errorf("failed to decode iv: %w", err)
	}
	if len(iv) != primitives.IVSize {
		return fmt.Errorf("iv must be %d bytes, got %d", primitives.IVSize, len(iv))
	}
	wrapped, err := base64.StdEncoding.DecodeString(raw.Ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(raw.AuthTag)
	if err != nil {
		return fmt.Errorf("failed to decode auth_tag: %w", err)
	}
	if len(tag) != primitives.TagSize {
		return fmt.Errorf("auth_tag must be %d bytes, got %d", primitives.TagSize, len(tag))
	}

	ct.KEMCiphertext = kemCT
	ct.ECDHEphemeralPub = ephemeralPub
	copy(ct.IV[:], iv)
	ct.WrappedKey = wrapped
	copy(ct.AuthTag[:], tag)

	return nil
}
