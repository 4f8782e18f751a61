// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the nixcast CLI command tree: add (push a
// closure to remote caches), pull (fetch a closure from one), serve
// (run the binary-cache server), and info (inspect local store
// metadata). Each command loads the shared YAML configuration, then
// wires the localstore, remote, transfer, and server packages
// together.
package commands
