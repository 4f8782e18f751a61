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

// Push replicates a resolved closure onto every remote. Remotes
// proceed independently and concurrently; a failure on one never
// affects another. The report covers every (path, remote) pair.
func Push(ctx context.Context, cfg Config, src localstore.Store, cl *closure.Closure, remotes []remote.Backend) *Report {
	cfg = cfg.withDefaults()

	results := make([]map[store.Path]Outcome, len(remotes))
	var wg sync.WaitGroup
	for i, backend := range remotes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = pushToRemote(ctx, cfg, src, cl, backend)
		}()
	}
	wg.Wait()

	report := &Report{}
	for i, backend := range remotes {
		for _, path := range cl.Paths {
			outcome, ok := results[i][path]
			if !ok {
				// Should not happen; keep the report total.
				outcome = Outcome{
					Path:   path,
					Remote: backend.Name(),
					Status: StatusFailed,
					Err:    fmt.Errorf("no outcome recorded"),
				}
			}
			report.Outcomes = append(report.Outcomes, outcome)
		}
	}
	return report
}

// pushToRemote runs the full per-remote pipeline: batch dedup probe,
// then level-ordered transfer with dependency-failure propagation.
func pushToRemote(ctx context.Context, cfg Config, src localstore.Store, cl *closure.Closure, backend remote.Backend) map[store.Path]Outcome {
	name := backend.Name()
	outcomes := make(map[store.Path]Outcome, len(cl.Paths))

	var present map[store.Path]bool
	err := retry(ctx, cfg, "probe "+name, func() error {
		var probeErr error
		present, probeErr = backend.ExistsBatch(ctx, cl.Paths)
		return probeErr
	})
	if err != nil {
		// Without the probe nothing can be safely deduplicated;
		// every path on this remote fails.
		for _, path := range cl.Paths {
			outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusFailed, Err: err}
		}
		return outcomes
	}

	var mu sync.Mutex
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
			todo = append(todo, path)
		}

		runLevel(cfg, todo, func(path store.Path) {
			err := retry(ctx, cfg, "push "+path.String(), func() error {
				return pushPath(ctx, cfg, src, cl.Infos[path], backend)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cfg.Logger.Error("push failed",
					"path", path.String(),
					"remote", name,
					"error", err,
				)
				outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusFailed, Err: err}
				failed[path] = true
				return
			}
			cfg.Logger.Info("path pushed", "path", path.String(), "remote", name)
			outcomes[path] = Outcome{Path: path, Remote: name, Status: StatusPushed}
		})
	}
	return outcomes
}

// failedDependency returns the first closure reference of path that
// already failed, or the zero path.
func failedDependency(cl *closure.Closure, failed map[store.Path]bool, path store.Path) store.Path {
	for _, ref := range cl.References(path) {
		if failed[ref] {
			return ref
		}
	}
	return store.Path{}
}

// pushPath transfers one path: sign, upload the archive, then publish
// the metadata record pointing at it. The order is load-bearing: a
// reader that sees the record must find the archive.
func pushPath(ctx context.Context, cfg Config, src localstore.Store, info *store.PathInfo, backend remote.Backend) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	signed := signedInfo(cfg, info)

	nar, _, err := src.OpenNAR(ctx, signed.Path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer nar.Close()

	placement, err := backend.PutArchive(ctx, signed, nar)
	if err != nil {
		return err
	}
	return backend.PutMetadata(ctx, narInfoFor(cfg.StoreDir, signed, placement))
}
