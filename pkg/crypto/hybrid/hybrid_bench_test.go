package hybrid

import (
	"testing"

	"github.com/onestarstream/onestar-vault/pkg/crypto/primitives"
)

func BenchmarkGenerateKeypair(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := GenerateKeypair(); err != nil {
			b.Fatalf("GenerateKeypair failed: %v", err)
		}
	}
}

func BenchmarkWrap(b *testing.B) {
	kp, err := GenerateKeypair()
	if err != nil {
		b.Fatalf("GenerateKeypair failed: %v", err)
	}
	mediaKey, err := primitives.RandomBytes(MediaKeySize)
	if err != nil {
		b.Fatalf("RandomBytes failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Wrap(mediaKey, &kp.Public); err != nil {
			b.Fatalf("Wrap failed: %v", err)
		}
	}
}

func BenchmarkUnwrap(b *testing.B) {
	kp, err := GenerateKeypair()
	if err != nil {
		b.Fatalf("GenerateKeypair failed: %v", err)
	}
	mediaKey, err := primitives.RandomBytes(MediaKeySize)
	if err != nil {
		b.Fatalf("RandomBytes failed: %v", err)
	}
	ct, err := Wrap(mediaKey, &kp.Public)
	if err != nil {
		b.Fatalf("Wrap failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Unwrap(ct, kp); err != nil {
			b.Fatalf("Unwrap failed: %v", err)
		}
	}
}
