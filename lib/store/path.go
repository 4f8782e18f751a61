// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"sort"
	"strings"
)

// DigestLen is the length of the base32 digest prefix in a store path
// basename: 32 characters encoding a truncated 160-bit hash.
const DigestLen = 32

// Path identifies one store entry by its basename, the
// "<digest>-<name>" final component of its absolute path. The store
// directory prefix is deliberately not part of the value — the client
// or remote that produced a Path knows its own store directory, and
// keeping paths as basenames makes them comparable across stores with
// different roots. Path values are comparable and usable as map keys.
//
// The zero Path means "no path" (an unknown deriver, for example).
type Path struct {
	base string
}

// ParsePath parses an absolute store path that must live directly
// under storeDir, such as "/nix/store/<digest>-<name>".
func ParsePath(storeDir, absolute string) (Path, error) {
	if storeDir == "" {
		return Path{}, fmt.Errorf("store directory is empty")
	}
	base, ok := strings.CutPrefix(absolute, storeDir+"/")
	if !ok {
		return Path{}, fmt.Errorf("path %q is not under store directory %q", absolute, storeDir)
	}
	path, err := ParseBase(base)
	if err != nil {
		return Path{}, fmt.Errorf("parsing store path %q: %w", absolute, err)
	}
	return path, nil
}

// ParseBase parses a store path basename, "<digest>-<name>".
func ParseBase(base string) (Path, error) {
	if len(base) < DigestLen+2 || base[DigestLen] != '-' {
		return Path{}, fmt.Errorf("store path basename %q is not of the form <digest>-<name>", base)
	}
	if !ValidDigest(base[:DigestLen]) {
		return Path{}, fmt.Errorf("store path basename %q has an invalid digest", base)
	}
	name := base[DigestLen+1:]
	for i := 0; i < len(name); i++ {
		if !validNameByte(name[i]) {
			return Path{}, fmt.Errorf("store path name %q contains invalid character %q", name, name[i])
		}
	}
	return Path{base: base}, nil
}

// ValidDigest reports whether s is a well-formed store path digest:
// exactly DigestLen characters from the base32 alphabet.
func ValidDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if nixbase32Value[s[i]] < 0 {
			return false
		}
	}
	return true
}

func validNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '-', c == '.', c == '_', c == '?', c == '=':
		return true
	default:
		return false
	}
}

// Base returns the "<digest>-<name>" basename.
func (p Path) Base() string { return p.base }

// Digest returns the 32-character base32 digest prefix.
func (p Path) Digest() string { return p.base[:DigestLen] }

// Name returns the human-readable name suffix after the digest.
func (p Path) Name() string { return p.base[DigestLen+1:] }

// In returns the absolute form of the path under storeDir.
func (p Path) In(storeDir string) string { return storeDir + "/" + p.base }

// IsZero reports whether p is the zero Path.
func (p Path) IsZero() bool { return p.base == "" }

// String returns the basename. Logs and error messages use this form;
// rendering an absolute path requires the owning store's directory
// via In.
func (p Path) String() string { return p.base }

// SortPaths sorts paths in place by basename, the canonical order for
// reference lists and fingerprints.
func SortPaths(paths []Path) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].base < paths[j].base })
}
