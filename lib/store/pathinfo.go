// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"strconv"
	"strings"
	"time"
)

// PathInfo is the store-side metadata record for one path, as reported
// by the daemon or read from the store database.
type PathInfo struct {
	// Path is the store path this record describes.
	Path Path

	// Deriver is the store path of the derivation that built this
	// path. Zero when unknown (substituted paths often lack it).
	Deriver Path

	// NarHash is the SHA-256 hash of the path's uncompressed NAR
	// serialization.
	NarHash Hash

	// NarSize is the byte length of the uncompressed NAR.
	NarSize int64

	// References lists the store paths this path's contents mention,
	// sorted by basename. A path may reference itself; such
	// self-references are not dependency edges.
	References []Path

	// RegistrationTime is when the path became valid in the store.
	RegistrationTime time.Time

	// Ultimate marks a path that was built locally rather than
	// substituted from a cache.
	Ultimate bool

	// Signatures are the fingerprint signatures attached to the path.
	Signatures []Signature

	// CA is the content-address assertion ("fixed:...", "text:..."),
	// empty for ordinary input-addressed paths.
	CA string
}

// Fingerprint returns the canonical string that signatures cover:
// the format version, the absolute store path, the prefixed base32
// NAR hash, the NAR size, and the comma-joined absolute reference
// paths, separated by semicolons. References must already be sorted.
func (i *PathInfo) Fingerprint(storeDir string) string {
	return fingerprint(storeDir, i.Path, i.NarHash, i.NarSize, i.References)
}

// ReferencesWithoutSelf returns References minus any self-reference.
// Dependency traversal uses this view; the narinfo record keeps the
// full list.
func (i *PathInfo) ReferencesWithoutSelf() []Path {
	refs := make([]Path, 0, len(i.References))
	for _, ref := range i.References {
		if ref != i.Path {
			refs = append(refs, ref)
		}
	}
	return refs
}

func fingerprint(storeDir string, path Path, narHash Hash, narSize int64, references []Path) string {
	var b strings.Builder
	b.WriteString("1;")
	b.WriteString(path.In(storeDir))
	b.WriteString(";")
	b.WriteString(narHash.String())
	b.WriteString(";")
	b.WriteString(strconv.FormatInt(narSize, 10))
	b.WriteString(";")
	for i, ref := range references {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(ref.In(storeDir))
	}
	return b.String()
}
