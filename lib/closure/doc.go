// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package closure resolves store paths to their full reference
// closure and orders it for transfer.
//
// A path's references are the store paths its contents point into; a
// correct copy of the path needs every reference present on the
// destination first. [Resolve] walks the reference graph breadth-first
// from a set of roots, querying each path's metadata exactly once, and
// [Closure.Levels] groups the result leaves-first so a transfer engine
// can upload each level in parallel while still never publishing a
// path before its references.
package closure
