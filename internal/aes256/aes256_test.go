package aes256

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feaser/openblt/internal/blterr"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestEncrypt_FIPS197(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	plain := mustHex(t, "00112233445566778899aabbccddeeff")
	want := mustHex(t, "8ea2b7ca516745bfeafc49904b496089")

	got, err := Encrypt(plain, key)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	back, err := Decrypt(got, key)
	require.NoError(t, err)
	assert.Equal(t, plain, back)
}

func TestEncrypt_MultipleBlocksAreIndependent(t *testing.T) {
	key := make([]byte, KeySize)
	data := make([]byte, 2*BlockSize)

	got, err := Encrypt(data, key)
	require.NoError(t, err)
	assert.Equal(t, got[:BlockSize], got[BlockSize:])
}

func TestEncrypt_InvalidInput(t *testing.T) {
	_, err := Encrypt(make([]byte, 15), make([]byte, KeySize))
	assert.ErrorIs(t, err, blterr.ErrRange)

	_, err = Decrypt(make([]byte, 16), make([]byte, 16))
	assert.ErrorIs(t, err, blterr.ErrConfig)
}

func TestEncrypt_Empty(t *testing.T) {
	got, err := Encrypt(nil, make([]byte, KeySize))
	require.NoError(t, err)
	assert.Empty(t, got)
}
