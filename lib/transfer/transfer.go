// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nixcast/nixcast/lib/clock"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/store"
)

// ErrDependencyFailed marks a path that was never attempted because a
// reference failed on the same remote. Transferring it anyway would
// publish a path whose references are missing.
var ErrDependencyFailed = errors.New("dependency failed")

// ErrSignatureVerification marks a path whose metadata carries no
// signature from a trusted key. Permanent: retrying cannot produce a
// signature.
var ErrSignatureVerification = errors.New("no signature from a trusted key")

// Status classifies one path's outcome on one remote.
type Status string

const (
	// StatusPushed and StatusPulled mean the transfer completed.
	StatusPushed Status = "pushed"
	StatusPulled Status = "pulled"

	// StatusAlreadyPresent means the destination had the path and no
	// bytes moved.
	StatusAlreadyPresent Status = "already-present"

	// StatusFailed means the path did not transfer; Outcome.Err says
	// why.
	StatusFailed Status = "failed"
)

// Outcome is the result for one path on one remote.
type Outcome struct {
	Path   store.Path
	Remote string
	Status Status
	Err    error
}

// Report collects every outcome of one operation, ordered by remote
// then by closure discovery order, so repeated runs render
// identically.
type Report struct {
	Outcomes []Outcome
}

// Failed reports whether any path failed anywhere.
func (r *Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Counts tallies outcomes by class.
func (r *Report) Counts() (transferred, present, failed int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusFailed:
			failed++
		case StatusAlreadyPresent:
			present++
		default:
			transferred++
		}
	}
	return transferred, present, failed
}

// Config tunes a push or pull operation. The zero value gets sensible
// defaults from withDefaults.
type Config struct {
	// StoreDir is the store directory, used for signing fingerprints.
	StoreDir string

	// Workers bounds concurrent per-path transfers within a level,
	// per remote. Defaults to 4.
	Workers int

	// MaxAttempts bounds tries per path for transient failures.
	// Defaults to 3.
	MaxAttempts int

	// RetryDelay is the backoff before the second attempt; it doubles
	// per subsequent attempt. Defaults to 1s.
	RetryDelay time.Duration

	// Clock drives backoff waits. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives per-path progress. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// SecretKeys sign pushed paths. Signatures for key names already
	// present on a path are not duplicated.
	SecretKeys []store.SecretKey

	// TrustedKeys verify pulled paths when RequireSignature is set.
	TrustedKeys []store.PublicKey

	// RequireSignature makes pull reject paths without a signature
	// from a trusted key.
	RequireSignature bool
}

func (c Config) withDefaults() Config {
	if c.StoreDir == "" {
		c.StoreDir = "/nix/store"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// isTransient reports whether err is worth retrying: transport
// trouble, not integrity, authorization, or capability failures.
func isTransient(err error) bool {
	var transport *remote.TransportError
	return errors.As(err, &transport) && transport.Temporary()
}

// retry runs op up to cfg.MaxAttempts times, backing off exponentially
// between attempts. Permanent failures and context expiry stop the
// loop immediately.
func retry(ctx context.Context, cfg Config, what string, op func() error) error {
	delay := cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !isTransient(err) || attempt >= cfg.MaxAttempts {
			return err
		}
		cfg.Logger.Warn("transient failure, retrying",
			"what", what,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-cfg.Clock.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
}

// runLevel executes one task per path with at most cfg.Workers running
// at once, returning when all complete. Levels are strict barriers:
// the caller does not start the next level until this returns.
func runLevel(cfg Config, paths []store.Path, run func(store.Path)) {
	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	for _, path := range paths {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			run(path)
		}()
	}
	wg.Wait()
}

// signedInfo returns info with signatures for cfg.SecretKeys merged
// in. Keys whose name already signed the path are skipped; the input
// is not modified.
func signedInfo(cfg Config, info *store.PathInfo) *store.PathInfo {
	if len(cfg.SecretKeys) == 0 {
		return info
	}
	signed := *info
	signed.References = append([]store.Path(nil), info.References...)
	store.SortPaths(signed.References)
	signed.Signatures = append([]store.Signature(nil), info.Signatures...)

	fingerprint := signed.Fingerprint(cfg.StoreDir)
	for _, key := range cfg.SecretKeys {
		already := false
		for _, sig := range signed.Signatures {
			if sig.KeyName == key.Name() {
				already = true
				break
			}
		}
		if !already {
			signed.Signatures = append(signed.Signatures, key.Sign(fingerprint))
		}
	}
	return &signed
}

// narInfoFor assembles the metadata record for a stored archive.
func narInfoFor(storeDir string, info *store.PathInfo, placement *remote.Placement) *store.NarInfo {
	refs := append([]store.Path(nil), info.References...)
	store.SortPaths(refs)
	return &store.NarInfo{
		StoreDir:    storeDir,
		Path:        info.Path,
		URL:         placement.URL,
		Compression: placement.Compression,
		FileHash:    placement.FileHash,
		FileSize:    placement.FileSize,
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  refs,
		Deriver:     info.Deriver,
		Signatures:  append([]store.Signature(nil), info.Signatures...),
		CA:          info.CA,
	}
}
