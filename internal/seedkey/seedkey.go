// Package seedkey computes unlock keys from the seeds a protected target sends.
package seedkey

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/feaser/openblt/internal/aes256"
	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/protocol"
)

// Provider computes the key that unlocks a protected resource.
type Provider interface {
	// Privileges returns the resource mask the provider can compute keys for.
	Privileges() byte
	// ComputeKey returns the key for seed. resource is a single resource bit.
	ComputeKey(resource byte, seed []byte) ([]byte, error)
}

func checkRequest(p Provider, resource byte, seed []byte) error {
	if len(seed) == 0 {
		return blterr.Errorf(blterr.ErrAuthentication, "seedkey", "empty seed")
	}
	if p.Privileges()&resource == 0 {
		return blterr.Errorf(blterr.ErrAuthentication, "seedkey", "no key algorithm for resource 0x%02X", resource)
	}
	return nil
}

// Decrement is the key algorithm of the demo bootloaders: every key byte is the seed
// byte minus one. It only covers the programming resource.
type Decrement struct{}

func (Decrement) Privileges() byte {
	return protocol.ResourcePGM
}

func (d Decrement) ComputeKey(resource byte, seed []byte) ([]byte, error) {
	if err := checkRequest(d, resource, seed); err != nil {
		return nil, err
	}
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b - 1
	}
	return key, nil
}

// AES derives the key by encrypting the seed with a shared AES-256 key. Seeds that are
// not a whole number of blocks are padded with zeros.
type AES struct {
	key []byte
}

// NewAES creates an AES key provider for the programming resource.
func NewAES(key []byte) (*AES, error) {
	if len(key) != aes256.KeySize {
		return nil, blterr.Errorf(blterr.ErrConfig, "seedkey", "AES key must be %d bytes, got %d", aes256.KeySize, len(key))
	}
	return &AES{key: bytes.Clone(key)}, nil
}

func (*AES) Privileges() byte {
	return protocol.ResourcePGM
}

func (a *AES) ComputeKey(resource byte, seed []byte) ([]byte, error) {
	if err := checkRequest(a, resource, seed); err != nil {
		return nil, err
	}
	padded := bytes.Clone(seed)
	if rem := len(padded) % aes256.BlockSize; rem != 0 {
		padded = append(padded, make([]byte, aes256.BlockSize-rem)...)
	}
	return aes256.Encrypt(padded, a.key)
}

// Parse creates a provider from its command line form: "decrement" or
// "aes256:<64 hex digits>".
func Parse(s string) (Provider, error) {
	name, arg, _ := strings.Cut(s, ":")
	switch strings.ToLower(name) {
	case "decrement":
		return Decrement{}, nil
	case "aes256":
		key, err := hex.DecodeString(arg)
		if err != nil {
			return nil, blterr.New(blterr.ErrConfig, "seedkey", fmt.Errorf("AES key: %w", err))
		}
		return NewAES(key)
	default:
		return nil, blterr.Errorf(blterr.ErrConfig, "seedkey", "unknown algorithm %q", name)
	}
}
