package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasherAlgorithms(t *testing.T) {
	tests := []struct {
		name      string
		algorithm HashAlgorithm
		input     string
		want      string
	}{
		{
			name:      "sha256 empty",
			algorithm: SHA256,
			input:     "",
			want:      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:      "blake3 empty",
			algorithm: BLAKE3,
			input:     "",
			want:      "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewHasher(tt.algorithm).HashString(tt.input))
		})
	}
}

func TestHashFieldsIsOrderIndependent(t *testing.T) {
	h := NewHasher(SHA256)
	assert.Equal(t, h.HashFields("a", "b", "c"), h.HashFields("c", "a", "b"))
	assert.NotEqual(t, h.HashFields("a", "b"), h.HashFields("a", "c"))
}

func TestFingerprint(t *testing.T) {
	h := NewHasher(BLAKE3)

	short := h.Fingerprint(16, "sandbox", "codec")
	assert.Len(t, short, 16)
	assert.Equal(t, short, h.Fingerprint(16, "codec", "sandbox"))
	assert.Len(t, h.Fingerprint(0, "x"), 64)
}
