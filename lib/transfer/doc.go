// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves closures between the local store and remote
// caches.
//
// Both directions share one model: the closure's dependency levels are
// transferred leaves first with a strict barrier between levels, so a
// path is never visible on a destination before its references. Within
// a level a bounded worker pool runs paths concurrently; on push,
// remotes additionally proceed independently of each other.
//
// Failures are classified, not aggregated. Transient transport errors
// retry with exponential backoff on an injected clock; integrity,
// authorization, and capability errors are permanent. A failed path
// marks its dependents failed without attempting them, and every
// (path, remote) pair lands in the [Report] with exactly one outcome.
package transfer
