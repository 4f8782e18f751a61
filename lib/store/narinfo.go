// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// NarInfo is the record a binary cache publishes for one store path:
// where the archive lives (URL, Compression, FileHash, FileSize), what
// it contains (NarHash, NarSize, References, Deriver, CA), and who
// vouches for it (Sig lines). The text rendering is the narinfo wire
// format consumed by stock substituters.
type NarInfo struct {
	// StoreDir is the store directory the record's absolute paths
	// live under, normally "/nix/store".
	StoreDir string

	// Path is the store path the record describes.
	Path Path

	// URL locates the archive relative to the cache root, e.g.
	// "nar/<filehash>.nar.zst".
	URL string

	// Compression names the codec applied to the stored archive:
	// "none", "xz", "zstd", "gzip", "lz4", or another ecosystem
	// value. Records missing the field parse as "bzip2", the
	// ecosystem's historical default.
	Compression string

	// FileHash and FileSize describe the stored (compressed) file.
	// Zero/empty when the cache did not record them.
	FileHash Hash
	FileSize int64

	// NarHash and NarSize describe the uncompressed archive. The
	// declared NarHash must equal the hash of the decompressed bytes;
	// every fetch verifies this.
	NarHash Hash
	NarSize int64

	// References lists the store paths the archive's contents
	// mention, sorted by basename, possibly including Path itself.
	References []Path

	// Deriver is the derivation that built the path, zero when
	// unknown.
	Deriver Path

	// Signatures are fingerprint signatures over (Path, NarHash,
	// NarSize, References).
	Signatures []Signature

	// CA is the content-address assertion, empty for
	// input-addressed paths.
	CA string
}

// Fingerprint returns the canonical signing fingerprint for the
// record. References must already be sorted.
func (n *NarInfo) Fingerprint() string {
	return fingerprint(n.StoreDir, n.Path, n.NarHash, n.NarSize, n.References)
}

// PathInfo converts the record to store-side metadata, the shape a
// daemon import wants. RegistrationTime and Ultimate are zero: the
// importing store assigns its own.
func (n *NarInfo) PathInfo() *PathInfo {
	return &PathInfo{
		Path:       n.Path,
		Deriver:    n.Deriver,
		NarHash:    n.NarHash,
		NarSize:    n.NarSize,
		References: append([]Path(nil), n.References...),
		Signatures: append([]Signature(nil), n.Signatures...),
		CA:         n.CA,
	}
}

// Format renders the record in the narinfo text format. Field order,
// the always-present References line, and the omission rules for
// Deriver and CA match the reference implementation byte for byte.
func (n *NarInfo) Format() string {
	var b strings.Builder
	b.WriteString("StorePath: ")
	b.WriteString(n.Path.In(n.StoreDir))
	b.WriteString("\nURL: ")
	b.WriteString(n.URL)
	b.WriteString("\nCompression: ")
	b.WriteString(n.Compression)
	if !n.FileHash.IsZero() {
		b.WriteString("\nFileHash: ")
		b.WriteString(n.FileHash.String())
		b.WriteString("\nFileSize: ")
		b.WriteString(strconv.FormatInt(n.FileSize, 10))
	}
	b.WriteString("\nNarHash: ")
	b.WriteString(n.NarHash.String())
	b.WriteString("\nNarSize: ")
	b.WriteString(strconv.FormatInt(n.NarSize, 10))
	b.WriteString("\nReferences: ")
	for i, ref := range n.References {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(ref.Base())
	}
	b.WriteString("\n")
	if !n.Deriver.IsZero() {
		b.WriteString("Deriver: ")
		b.WriteString(n.Deriver.Base())
		b.WriteString("\n")
	}
	for _, sig := range n.Signatures {
		b.WriteString("Sig: ")
		b.WriteString(sig.String())
		b.WriteString("\n")
	}
	if n.CA != "" {
		b.WriteString("CA: ")
		b.WriteString(n.CA)
		b.WriteString("\n")
	}
	return b.String()
}

// ParseNarInfo parses narinfo text. Unknown keys are ignored for
// forward compatibility; StorePath, URL, NarHash, and NarSize are
// required. The store directory is taken from the StorePath line.
func ParseNarInfo(text string) (*NarInfo, error) {
	info := &NarInfo{}
	var haveNarHash, haveNarSize bool

	for len(text) > 0 {
		line, rest, found := strings.Cut(text, "\n")
		if !found && strings.TrimSpace(line) == "" {
			break
		}
		text = rest
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			// An empty References list renders as "References: "
			// whose value (and the separator's trailing space) is
			// consumed by the newline cut above.
			if key, ok = strings.CutSuffix(line, ":"); ok {
				value = ""
			} else {
				return nil, fmt.Errorf("narinfo line %q is not of the form <key>: <value>", line)
			}
		}

		switch key {
		case "StorePath":
			dir := filepath.Dir(value)
			path, err := ParsePath(dir, value)
			if err != nil {
				return nil, fmt.Errorf("narinfo StorePath: %w", err)
			}
			info.StoreDir = dir
			info.Path = path
		case "URL":
			info.URL = value
		case "Compression":
			info.Compression = value
		case "FileHash":
			hash, err := ParseHash(value)
			if err != nil {
				return nil, fmt.Errorf("narinfo FileHash: %w", err)
			}
			info.FileHash = hash
		case "FileSize":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("narinfo FileSize: %w", err)
			}
			info.FileSize = size
		case "NarHash":
			hash, err := ParseHash(value)
			if err != nil {
				return nil, fmt.Errorf("narinfo NarHash: %w", err)
			}
			info.NarHash = hash
			haveNarHash = true
		case "NarSize":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("narinfo NarSize: %w", err)
			}
			info.NarSize = size
			haveNarSize = true
		case "References":
			for _, base := range strings.Fields(value) {
				ref, err := ParseBase(base)
				if err != nil {
					return nil, fmt.Errorf("narinfo References: %w", err)
				}
				info.References = append(info.References, ref)
			}
		case "Deriver":
			if value != "" && value != "unknown-deriver" {
				deriver, err := ParseBase(value)
				if err != nil {
					return nil, fmt.Errorf("narinfo Deriver: %w", err)
				}
				info.Deriver = deriver
			}
		case "Sig":
			sig, err := ParseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("narinfo Sig: %w", err)
			}
			info.Signatures = append(info.Signatures, sig)
		case "CA":
			info.CA = value
		}
	}

	if info.Path.IsZero() {
		return nil, fmt.Errorf("narinfo is missing StorePath")
	}
	if info.URL == "" {
		return nil, fmt.Errorf("narinfo for %s is missing URL", info.Path)
	}
	if !haveNarHash || !haveNarSize {
		return nil, fmt.Errorf("narinfo for %s is missing NarHash or NarSize", info.Path)
	}
	if info.Compression == "" {
		info.Compression = "bzip2"
	}
	SortPaths(info.References)
	return info, nil
}
