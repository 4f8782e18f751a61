// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash is a SHA-256 digest in the renderings the store ecosystem uses:
// prefixed base16 ("sha256:<hex>", the database form), prefixed
// base32 ("sha256:<base32>", the narinfo and fingerprint form), the
// bare variants of both (daemon wire form), and SRI
// ("sha256-<base64>"). SHA-256 is the only algorithm the binary-cache
// formats carry for NAR hashes, so the algorithm is part of the type
// rather than a field.
type Hash [sha256.Size]byte

// HashBytes returns the SHA-256 hash of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// ParseHash parses any of the accepted renderings. The "sha256:"
// prefix is optional for base16 and base32 forms (the daemon sends
// bare base16); the two are distinguished by length (64 hex
// characters vs 52 base32 characters). Other algorithms are rejected.
func ParseHash(s string) (Hash, error) {
	var h Hash

	if rest, ok := strings.CutPrefix(s, "sha256-"); ok {
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return h, fmt.Errorf("parsing SRI hash %q: %w", s, err)
		}
		if len(raw) != sha256.Size {
			return h, fmt.Errorf("parsing SRI hash %q: got %d bytes, want %d", s, len(raw), sha256.Size)
		}
		copy(h[:], raw)
		return h, nil
	}

	rest := s
	if cut, ok := strings.CutPrefix(s, "sha256:"); ok {
		rest = cut
	} else if strings.Contains(s, ":") {
		return h, fmt.Errorf("unsupported hash algorithm in %q (only sha256)", s)
	}

	switch len(rest) {
	case hex.EncodedLen(sha256.Size):
		raw, err := hex.DecodeString(rest)
		if err != nil {
			return h, fmt.Errorf("parsing base16 hash %q: %w", s, err)
		}
		copy(h[:], raw)
		return h, nil
	case nixbase32EncodedLen(sha256.Size):
		raw, err := decodeNixBase32(rest)
		if err != nil {
			return h, fmt.Errorf("parsing base32 hash %q: %w", s, err)
		}
		copy(h[:], raw)
		return h, nil
	default:
		return h, fmt.Errorf("hash %q has length %d, want %d (base16) or %d (base32)",
			s, len(rest), hex.EncodedLen(sha256.Size), nixbase32EncodedLen(sha256.Size))
	}
}

// Base16 returns the bare lowercase hex rendering.
func (h Hash) Base16() string {
	return hex.EncodeToString(h[:])
}

// Base32 returns the bare base32 rendering used in narinfo records
// and fingerprints.
func (h Hash) Base32() string {
	return encodeNixBase32(h[:])
}

// SRI returns the Subresource Integrity rendering,
// "sha256-<base64>".
func (h Hash) SRI() string {
	return "sha256-" + base64.StdEncoding.EncodeToString(h[:])
}

// String returns the canonical prefixed base32 rendering,
// "sha256:<base32>".
func (h Hash) String() string {
	return "sha256:" + h.Base32()
}

// IsZero reports whether h is the zero value, meaning no hash is
// known. The all-zero digest does not occur for real content.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
