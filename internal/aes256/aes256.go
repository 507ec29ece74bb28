// Package aes256 implements AES-256 in ECB mode over whole 16-byte blocks.
package aes256

import (
	"crypto/aes"
	"fmt"

	"github.com/feaser/openblt/internal/blterr"
)

const (
	// KeySize is the length of an AES-256 key.
	KeySize = 32
	// BlockSize is the AES block length. Data length must be a multiple of it.
	BlockSize = aes.BlockSize
)

// Encrypt encrypts data block by block with key and returns the ciphertext.
func Encrypt(data, key []byte) ([]byte, error) {
	return run("encrypt", data, key, true)
}

// Decrypt decrypts data block by block with key and returns the plaintext.
func Decrypt(data, key []byte) ([]byte, error) {
	return run("decrypt", data, key, false)
}

func run(op string, data, key []byte, encrypt bool) ([]byte, error) {
	if len(key) != KeySize {
		return nil, blterr.Errorf(blterr.ErrConfig, op, "key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(data)%BlockSize != 0 {
		return nil, blterr.Errorf(blterr.ErrRange, op, "data length %d is not a multiple of %d", len(data), BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, blterr.New(blterr.ErrConfig, op, fmt.Errorf("create cipher: %w", err))
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		if encrypt {
			block.Encrypt(out[i:i+BlockSize], data[i:i+BlockSize])
		} else {
			block.Decrypt(out[i:i+BlockSize], data[i:i+BlockSize])
		}
	}
	return out, nil
}
