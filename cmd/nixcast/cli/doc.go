// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the nixcast command framework: a lightweight
// command tree over pflag with structured help, typo suggestions for
// unknown commands and flags, and the ExitError convention for
// commands whose non-zero exits are outcomes rather than errors.
package cli
