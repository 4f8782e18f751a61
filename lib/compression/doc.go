// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package compression provides the streaming archive codecs the
// binary-cache ecosystem uses: none, xz, zstd, gzip, and lz4. Remote
// backends compress archives on put and decompress on fetch; the
// server compresses on the fly for ".nar.<ext>" requests. Everything
// is stream-oriented — archives are never buffered whole.
package compression
