// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func TestNixBase32EncodedLen(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		bytes int
		want  int
	}{
		{0, 0},
		{1, 2},
		{2, 4},
		{20, 32}, // store path digest
		{32, 52}, // sha256
	} {
		if got := nixbase32EncodedLen(tc.bytes); got != tc.want {
			t.Errorf("nixbase32EncodedLen(%d) = %d, want %d", tc.bytes, got, tc.want)
		}
	}
}

func TestNixBase32KnownValues(t *testing.T) {
	t.Parallel()

	// Small vectors computed by hand from the bit layout: characters
	// encode 5-bit groups starting at the least significant bit, and
	// the string is emitted highest group first.
	for _, tc := range []struct {
		input []byte
		want  string
	}{
		{[]byte{}, ""},
		{[]byte{0x00}, "00"},
		{[]byte{0x01}, "01"},
		{[]byte{0x1f}, "0z"},
		{[]byte{0xff}, "7z"},
		{[]byte{0x01, 0x00}, "0001"},
	} {
		if got := encodeNixBase32(tc.input); got != tc.want {
			t.Errorf("encodeNixBase32(%x) = %q, want %q", tc.input, got, tc.want)
		}
		decoded, err := decodeNixBase32(tc.want)
		if err != nil {
			t.Errorf("decodeNixBase32(%q) error: %v", tc.want, err)
			continue
		}
		if !bytes.Equal(decoded, tc.input) {
			t.Errorf("decodeNixBase32(%q) = %x, want %x", tc.want, decoded, tc.input)
		}
	}
}

func TestNixBase32RoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{1, 2, 3, 19, 20, 32, 33, 100} {
		input := make([]byte, size)
		rng.Read(input)

		encoded := encodeNixBase32(input)
		if len(encoded) != nixbase32EncodedLen(size) {
			t.Errorf("size %d: encoded length %d, want %d", size, len(encoded), nixbase32EncodedLen(size))
		}
		for i := 0; i < len(encoded); i++ {
			if !strings.ContainsRune(nixbase32Alphabet, rune(encoded[i])) {
				t.Errorf("size %d: encoded byte %q outside alphabet", size, encoded[i])
			}
		}

		decoded, err := decodeNixBase32(encoded)
		if err != nil {
			t.Fatalf("size %d: decode error: %v", size, err)
		}
		if !bytes.Equal(decoded, input) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestNixBase32DecodeRejects(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		input string
	}{
		{"excluded letter e", "0e"},
		{"excluded letter o", "0o"},
		{"excluded letter t", "0t"},
		{"excluded letter u", "0u"},
		{"uppercase", "0A"},
		{"length with no byte count", "000"},
		{"single character", "0"},
		{"nonzero padding", "zz"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := decodeNixBase32(tc.input); err == nil {
				t.Errorf("decodeNixBase32(%q) = nil error, want rejection", tc.input)
			}
		})
	}
}
