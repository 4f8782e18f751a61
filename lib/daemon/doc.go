// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon implements the client side of the store daemon's
// worker protocol: little-endian u64 framing, padded strings, the
// version handshake, the interleaved stderr stream, and the subset of
// operations nixcast needs (path validity, metadata queries, referrer
// queries, NAR export, and framed NAR import).
//
// A Client wraps one connection and is strictly sequential — the
// protocol has no request multiplexing. lib/localstore pools clients
// for concurrent queries against the local daemon socket, and the SSH
// remote backend runs a Client over a "nix-daemon --stdio" channel.
package daemon
