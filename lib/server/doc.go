// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the local store as a binary cache over HTTP.
//
// The handler answers the three request shapes binary-cache clients
// issue: the cache manifest (/nix-cache-info), metadata records
// (/<digest>.narinfo), and archives (/nar/<digest>.nar with an
// optional compression extension). Handlers are stateless; every
// request resolves against the store at that moment, so a path that
// appears in the store is immediately servable.
//
// Server wraps the handler with listener lifecycle: bind, readiness
// signaling, and graceful drain on context cancellation.
package server
