// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package nar encodes filesystem trees into the NAR archive format,
// the canonical serialization the store ecosystem transfers and
// hashes. The grammar is a stream of 8-byte-padded, length-prefixed
// tokens: "nix-archive-1" followed by one node, where a node is a
// regular file (with optional executable marker), a symlink, or a
// directory of byte-sorted named entries.
//
// Direct-mode serving encodes store paths on the fly; daemon mode
// receives ready-made NAR bytes from the daemon instead.
package nar
