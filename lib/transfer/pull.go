// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/nixcast/nixcast/lib/closure"
	"github.com/nixcast/nixcast/lib/localstore"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/store"
)

// Pull fetches the closure of roots from one remote into the local
// store. The closure is resolved by walking metadata records on the
// remote; resolution failure is fatal for the whole operation, while
// per-path transfer failures isolate like push.
func Pull(ctx context.Context, cfg Config, dst localstore.Importer, source remote.Backend, roots []store.Path) (*Report, error) {
	cfg = cfg.withDefaults()
	name := source.Name()

	records := &recordSource{ctx: ctx, cfg: cfg, backend: source, records: make(map[store.Path]*store.NarInfo)}
	cl, err := closure.Resolve(ctx, records, roots)
	if err != nil {
		return nil, fmt.Errorf("resolving closure on %s: %w", name, err)
	}

	valid, err := dst.QueryValidPaths(ctx, cl.Paths)
	if err != nil {
		return nil, fmt.Errorf("querying local store: %w", err)
	}
	present := make(map[store.Path]bool, len(valid))
	for _, path := range valid {
		present[path] = true
	}

	var mu sync.Mutex
	outcomes := make(map[store.Path]Outcome, len(cl.Paths))
	failed := make(map[store.Path]bool)

	for _, level := range cl.Levels() {
		var todo []store.Path
		for _, path := range level {
			if present[path] {
				outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusAlreadyPresent}
				continue
			}
			if dep := failedDependency(cl, failed, path); !dep.IsZero() {
				outcomes[path] = Outcome{
					Path:   path,
					Remote: name,
					Status: StatusFailed,
					Err:    fmt.Errorf("%w: %s", ErrDependencyFailed, dep),
				}
				failed[path] = true
				continue
			}
			if cfg.RequireSignature {
				if err := verifyRecord(cfg, records.record(path)); err != nil {
					outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusFailed, Err: err}
					failed[path] = true
					continue
				}
			}
			todo = append(todo, path)
		}

		runLevel(cfg, todo, func(path store.Path) {
			err := retry(ctx, cfg, "pull "+path.String(), func() error {
				return pullPath(ctx, dst, source, records.record(path))
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cfg.Logger.Error("pull failed",
					"path", path.String(),
					"remote", name,
					"error", err,
				)
				outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusFailed, Err: err}
				failed[path] = true
				return
			}
			cfg.Logger.Info("path pulled", "path", path.String(), "remote", name)
			outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusPulled}
		})
	}

	report := &Report{}
	for _, path := range cl.Paths {
		report.Outcomes = append(report.Outcomes, outcomes[path])
	}
	return report, nil
}

// recordSource adapts a remote backend to the closure resolver,
// retaining every fetched record for the transfer phase. Resolution is
// sequential, so the map needs no locking during Resolve; record() is
// only called afterwards.
type recordSource struct {
	ctx     context.Context
	cfg     Config
	backend remote.Backend
	records map[store.Path]*store.NarInfo
}

func (s *recordSource) QueryPathInfo(ctx context.Context, path store.Path) (*store.PathInfo, error) {
	var record *store.NarInfo
	err := retry(ctx, s.cfg, "fetch metadata "+path.String(), func() error {
		var fetchErr error
		record, fetchErr = s.backend.FetchMetadata(ctx, path)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	s.records[path] = record
	return record.PathInfo(), nil
}

func (s *recordSource) record(path store.Path) *store.NarInfo { return s.records[path] }

// verifyRecord checks that the record carries a signature from a
// trusted key.
func verifyRecord(cfg Config, record *store.NarInfo) error {
	if store.VerifyAny(cfg.TrustedKeys, record.Fingerprint(), record.Signatures) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSignatureVerification, record.Path)
}

// pullPath imports one path: fetch the verified archive stream and
// hand it to the store daemon.
func pullPath(ctx context.Context, dst localstore.Importer, source remote.Backend, record *store.NarInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nar, err := source.FetchArchive(ctx, record)
	if err != nil {
		return err
	}
	defer nar.Close()
	return dst.ImportNAR(ctx, record.PathInfo(), nar)
}
