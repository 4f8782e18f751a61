// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "fmt"

// The store's base32 flavor: the alphabet omits e, o, t, and u, and
// characters encode the source bytes from the least significant bit
// upward, so the string reads "reversed" relative to RFC 4648. Both
// quirks come from the upstream package manager and are load-bearing
// for interoperability — a digest encoded any other way names a
// different path.
const nixbase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// nixbase32Value maps an ASCII byte to its 5-bit value, or -1 for
// bytes outside the alphabet.
var nixbase32Value [256]int8

func init() {
	for i := range nixbase32Value {
		nixbase32Value[i] = -1
	}
	for i := 0; i < len(nixbase32Alphabet); i++ {
		nixbase32Value[nixbase32Alphabet[i]] = int8(i)
	}
}

// nixbase32EncodedLen returns the encoded length for n source bytes:
// one character per 5 bits, rounded up.
func nixbase32EncodedLen(n int) int {
	return (n*8 + 4) / 5
}

// encodeNixBase32 encodes src in the store's base32 flavor.
func encodeNixBase32(src []byte) string {
	out := make([]byte, 0, nixbase32EncodedLen(len(src)))
	for n := nixbase32EncodedLen(len(src)) - 1; n >= 0; n-- {
		b := uint(n) * 5
		i := int(b / 8)
		j := b % 8
		c := src[i] >> j
		if i+1 < len(src) {
			c |= src[i+1] << (8 - j)
		}
		out = append(out, nixbase32Alphabet[c&0x1f])
	}
	return string(out)
}

// decodeNixBase32 decodes a string produced by encodeNixBase32. The
// length must correspond to a whole number of bytes and the trailing
// padding bits must be zero.
func decodeNixBase32(s string) ([]byte, error) {
	n := len(s) * 5 / 8
	if nixbase32EncodedLen(n) != len(s) {
		return nil, fmt.Errorf("invalid base32 length %d", len(s))
	}
	out := make([]byte, n)
	for k := 0; k < len(s); k++ {
		c := s[len(s)-1-k]
		value := nixbase32Value[c]
		if value < 0 {
			return nil, fmt.Errorf("invalid base32 character %q", c)
		}
		b := uint(k) * 5
		i := int(b / 8)
		j := b % 8
		out[i] |= byte(value) << j
		if carry := byte(value) >> (8 - j); carry != 0 {
			if i+1 >= n {
				return nil, fmt.Errorf("invalid base32 string %q: nonzero padding", s)
			}
			out[i+1] |= carry
		}
	}
	return out, nil
}
