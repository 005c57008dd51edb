// Package secrets seals provider credentials before they reach the store.
package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/aead/v2"
	"google.golang.org/protobuf/proto"
)

// sealedPrefix marks values produced by AEADSealer.
const sealedPrefix = "sealed:v1:"

// iv (12) + GCM tag (16)
const minCiphertextLen = 28

// Sealer protects sensitive provider fields at rest. field names the column
// the value belongs to and is bound into the ciphertext.
type Sealer interface {
	Seal(ctx context.Context, field, plaintext string) (string, error)
	Unseal(ctx context.Context, field, stored string) (string, error)
}

// NopSealer stores values unchanged.
type NopSealer struct{}

func (NopSealer) Seal(_ context.Context, _, plaintext string) (string, error) { return plaintext, nil }

// Unseal refuses sealed values, since they cannot be read without a key.
func (NopSealer) Unseal(_ context.Context, field, stored string) (string, error) {
	if strings.HasPrefix(stored, sealedPrefix) {
		return "", fmt.Errorf("%s is sealed but no secrets key is configured", field)
	}
	return stored, nil
}

// AEADSealer seals values with AES-256-GCM through the go-kms-wrapping AEAD
// wrapper and stores the marshalled BlobInfo as base64.
type AEADSealer struct {
	wrapper *aead.Wrapper
}

// NewAEADSealer creates a sealer from a 32 byte key.
func NewAEADSealer(key []byte) (*AEADSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(key))
	}
	w := aead.NewWrapper()
	if err := w.SetAesGcmKeyBytes(key); err != nil {
		return nil, fmt.Errorf("configure aead wrapper: %w", err)
	}
	return &AEADSealer{wrapper: w}, nil
}

// New returns an AEADSealer for a non-empty key and a NopSealer otherwise.
func New(key []byte) (Sealer, error) {
	if len(key) == 0 {
		return NopSealer{}, nil
	}
	return NewAEADSealer(key)
}

func (s *AEADSealer) Seal(ctx context.Context, field, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	blob, err := s.wrapper.Encrypt(ctx, []byte(plaintext), wrapping.WithAad([]byte(field)))
	if err != nil {
		return "", fmt.Errorf("seal %s: %w", field, err)
	}
	raw, err := proto.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("marshal sealed %s: %w", field, err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Unseal opens a sealed value. Values without the sealed prefix were written
// before a key was configured and are returned unchanged.
func (s *AEADSealer) Unseal(ctx context.Context, field, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed %s: %w", field, err)
	}
	var blob wrapping.BlobInfo
	if err := proto.Unmarshal(raw, &blob); err != nil {
		return "", fmt.Errorf("unmarshal sealed %s: %w", field, err)
	}
	if len(blob.Ciphertext) < minCiphertextLen {
		return "", errors.New("sealed " + field + " is truncated")
	}
	plaintext, err := s.wrapper.Decrypt(ctx, &blob, wrapping.WithAad([]byte(field)))
	if err != nil {
		return "", fmt.Errorf("unseal %s: %w", field, err)
	}
	return string(plaintext), nil
}
