// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the nixcast configuration file.
//
// Configuration is a single YAML file resolved by [Path]: the
// --config flag, then the NIXCAST_CONFIG environment variable, then
// /etc/nixcast/config.yaml. A missing file at the default location is
// fine; nixcast runs against a conventional local store with no
// remotes configured. ${VAR} and ${VAR:-default} references are
// expanded from the environment before decoding, unknown keys are
// rejected so typos fail loudly, and [Config.Validate] reports every
// problem at once rather than stopping at the first.
package config
