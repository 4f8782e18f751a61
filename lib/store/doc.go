// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the content-addressed model shared by every
// nixcast component: store paths, SHA-256 hashes in the ecosystem's
// renderings, store-side path metadata (PathInfo), cache-side records
// (NarInfo), ed25519 signatures and signing keys, and streaming
// integrity verification.
//
// Everything here is a value or a read-only view. The package never
// touches the store itself — lib/localstore and lib/remote produce and
// consume these types.
//
// # Wire fidelity
//
// The narinfo text format, the nix-base32 digest encoding, and the
// signing fingerprint are byte-compatible with the existing
// binary-cache ecosystem. Field order, omission rules, and the base32
// bit order all follow the reference implementation, because records
// produced here are consumed by stock clients and vice versa.
package store
