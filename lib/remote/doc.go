// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote abstracts the destinations and sources of cache
// transfers behind one [Backend] interface.
//
// Three families exist. [Filesystem] lays out a standard binary cache
// in a local directory with atomic writes. [SSH] reaches the store of
// another host by running its daemon in stdio mode over an SSH channel
// and speaking the worker protocol; metadata rides inside the import
// call. [HTTP] is a read-only substituter client for http(s) caches.
//
// Failures divide into classes the transfer engine treats differently:
// [ErrNotFound] (expected miss), [ErrUnsupportedOperation] (capability
// mismatch), [ErrAuthorizationFailure] (permanent), and
// [*TransportError] (transient, retried with backoff). Archive fetches
// are always verified: bytes reach the caller only through a reader
// that checks the declared hash and size.
package remote
