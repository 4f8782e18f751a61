// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Signature is one detached signature over a path's fingerprint, in
// the "<key name>:<base64>" form narinfo records and the store
// database carry.
type Signature struct {
	// KeyName identifies the signing key, e.g.
	// "cache.example.org-1". Verification requires a configured
	// public key with the same name.
	KeyName string

	// Bytes is the raw 64-byte ed25519 signature.
	Bytes []byte
}

// ParseSignature parses a "<key name>:<base64>" signature line.
func ParseSignature(s string) (Signature, error) {
	name, encoded, ok := strings.Cut(s, ":")
	if !ok || name == "" || encoded == "" {
		return Signature{}, fmt.Errorf("signature %q is not of the form <key name>:<base64>", s)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Signature{}, fmt.Errorf("decoding signature for key %q: %w", name, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return Signature{}, fmt.Errorf("signature for key %q has %d bytes, want %d", name, len(raw), ed25519.SignatureSize)
	}
	return Signature{KeyName: name, Bytes: raw}, nil
}

// String returns the "<key name>:<base64>" form.
func (s Signature) String() string {
	return s.KeyName + ":" + base64.StdEncoding.EncodeToString(s.Bytes)
}

// PublicKey is a named ed25519 verification key in the ecosystem's
// "<name>:<base64>" form, as carried in trusted-key configuration.
type PublicKey struct {
	name string
	key  ed25519.PublicKey
}

// ParsePublicKey parses a "<name>:<base64>" public key string.
func ParsePublicKey(s string) (PublicKey, error) {
	name, encoded, ok := strings.Cut(s, ":")
	if !ok || name == "" || encoded == "" {
		return PublicKey{}, fmt.Errorf("public key %q is not of the form <name>:<base64>", s)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decoding public key %q: %w", name, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key %q has %d bytes, want %d", name, len(raw), ed25519.PublicKeySize)
	}
	return PublicKey{name: name, key: ed25519.PublicKey(raw)}, nil
}

// Name returns the key's identifier.
func (k PublicKey) Name() string { return k.name }

// String returns the "<name>:<base64>" form.
func (k PublicKey) String() string {
	return k.name + ":" + base64.StdEncoding.EncodeToString(k.key)
}

// Verify reports whether sig is a valid signature over fingerprint by
// this key. A signature from a different key name never verifies.
func (k PublicKey) Verify(fingerprint string, sig Signature) bool {
	if sig.KeyName != k.name {
		return false
	}
	return ed25519.Verify(k.key, []byte(fingerprint), sig.Bytes)
}

// VerifyAny reports whether any of sigs is a valid signature over
// fingerprint by any of keys.
func VerifyAny(keys []PublicKey, fingerprint string, sigs []Signature) bool {
	for _, sig := range sigs {
		for _, key := range keys {
			if key.Verify(fingerprint, sig) {
				return true
			}
		}
	}
	return false
}

// SecretKey is a named ed25519 signing key in the ecosystem's
// "<name>:<base64>" form, where the base64 payload is the 64-byte
// private key (seed followed by public half).
type SecretKey struct {
	name string
	key  ed25519.PrivateKey
}

// ParseSecretKey parses a "<name>:<base64>" secret key string.
func ParseSecretKey(s string) (SecretKey, error) {
	name, encoded, ok := strings.Cut(s, ":")
	if !ok || name == "" || encoded == "" {
		return SecretKey{}, fmt.Errorf("secret key is not of the form <name>:<base64>")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return SecretKey{}, fmt.Errorf("decoding secret key %q: %w", name, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return SecretKey{}, fmt.Errorf("secret key %q has %d bytes, want %d", name, len(raw), ed25519.PrivateKeySize)
	}
	return SecretKey{name: name, key: ed25519.PrivateKey(raw)}, nil
}

// LoadSecretKey reads and parses a secret key file, the format written
// by the ecosystem's key generation tooling: a single
// "<name>:<base64>" line.
func LoadSecretKey(path string) (SecretKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SecretKey{}, fmt.Errorf("reading secret key file: %w", err)
	}
	key, err := ParseSecretKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return SecretKey{}, fmt.Errorf("parsing secret key file %s: %w", path, err)
	}
	return key, nil
}

// Name returns the key's identifier.
func (k SecretKey) Name() string { return k.name }

// Sign signs a fingerprint, producing a signature that verifies under
// the corresponding public key.
func (k SecretKey) Sign(fingerprint string) Signature {
	return Signature{
		KeyName: k.name,
		Bytes:   ed25519.Sign(k.key, []byte(fingerprint)),
	}
}

// PublicKey returns the verification half of the key under the same
// name.
func (k SecretKey) PublicKey() PublicKey {
	return PublicKey{
		name: k.name,
		key:  k.key.Public().(ed25519.PublicKey),
	}
}
