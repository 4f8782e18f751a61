// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nixcast/nixcast/lib/store"
)

// Source supplies path metadata. localstore.Store satisfies it; tests
// use in-memory fakes.
type Source interface {
	QueryPathInfo(ctx context.Context, path store.Path) (*store.PathInfo, error)
}

// ErrCycleDetected is the sentinel wrapped by CycleError, so callers
// can errors.Is without holding the concrete type.
var ErrCycleDetected = errors.New("reference cycle detected")

// CycleError reports a reference cycle in the store metadata. Valid
// stores cannot contain one (references are fixed at registration),
// so a cycle means the metadata source is corrupt; the closure is
// unusable because no upload order can satisfy it.
type CycleError struct {
	// Paths are the closure members on or downstream of the cycle,
	// in discovery order.
	Paths []store.Path
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Paths))
	for i, p := range e.Paths {
		names[i] = p.String()
	}
	return fmt.Sprintf("reference cycle involving: %s", strings.Join(names, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Closure is the reference closure of a set of roots: every path
// reachable through references, with its metadata, and a
// dependency-respecting upload order.
type Closure struct {
	// Paths lists every closure member in discovery order:
	// breadth-first from the roots, references of a path in their
	// recorded (sorted) order.
	Paths []store.Path

	// Infos holds each member's metadata record.
	Infos map[store.Path]*store.PathInfo

	levels [][]store.Path
}

// Resolve expands roots to their full reference closure. Each path's
// metadata is queried exactly once, however many referrers share it.
// Self-references are recorded in the metadata but never treated as
// dependency edges.
func Resolve(ctx context.Context, source Source, roots []store.Path) (*Closure, error) {
	c := &Closure{Infos: make(map[store.Path]*store.PathInfo)}

	seen := make(map[store.Path]bool)
	var frontier []store.Path
	for _, root := range roots {
		if !seen[root] {
			seen[root] = true
			frontier = append(frontier, root)
		}
	}

	for len(frontier) > 0 {
		path := frontier[0]
		frontier = frontier[1:]

		info, err := source.QueryPathInfo(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolving closure at %s: %w", path, err)
		}
		c.Paths = append(c.Paths, path)
		c.Infos[path] = info

		for _, ref := range info.References {
			if ref == path || seen[ref] {
				continue
			}
			seen[ref] = true
			frontier = append(frontier, ref)
		}
	}

	levels, err := c.sortLevels()
	if err != nil {
		return nil, err
	}
	c.levels = levels
	return c, nil
}

// Levels returns the closure grouped into dependency levels, leaves
// first: level 0 has no references inside the closure, and every
// member of level n only references members of earlier levels.
// Uploading level by level guarantees a path never lands on a remote
// before its references. Within a level, paths keep discovery order.
func (c *Closure) Levels() [][]store.Path { return c.levels }

// References returns path's reference edges inside the closure,
// excluding the self-reference.
func (c *Closure) References(path store.Path) []store.Path {
	info := c.Infos[path]
	if info == nil {
		return nil
	}
	var refs []store.Path
	for _, ref := range info.References {
		if ref == path {
			continue
		}
		if _, ok := c.Infos[ref]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// TotalNarSize sums the archive sizes of every closure member.
func (c *Closure) TotalNarSize() int64 {
	var total int64
	for _, info := range c.Infos {
		total += info.NarSize
	}
	return total
}

// sortLevels runs Kahn's algorithm over the reference edges, grouping
// paths by the round in which their remaining out-degree reaches
// zero. Rounds preserve discovery order, which keeps the result
// deterministic for a given closure.
func (c *Closure) sortLevels() ([][]store.Path, error) {
	pending := make(map[store.Path]int, len(c.Paths)) // outstanding references
	referrers := make(map[store.Path][]store.Path)
	for _, path := range c.Paths {
		refs := c.References(path)
		pending[path] = len(refs)
		for _, ref := range refs {
			referrers[ref] = append(referrers[ref], path)
		}
	}

	var levels [][]store.Path
	current := make([]store.Path, 0, len(c.Paths))
	for _, path := range c.Paths {
		if pending[path] == 0 {
			current = append(current, path)
		}
	}

	placed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)

		ready := make(map[store.Path]bool)
		for _, path := range current {
			for _, referrer := range referrers[path] {
				pending[referrer]--
				if pending[referrer] == 0 {
					ready[referrer] = true
				}
			}
		}
		// Rebuild in discovery order rather than release order.
		current = nil
		for _, path := range c.Paths {
			if ready[path] {
				current = append(current, path)
			}
		}
	}

	if placed < len(c.Paths) {
		cycleErr := &CycleError{}
		for _, path := range c.Paths {
			if pending[path] > 0 {
				cycleErr.Paths = append(cycleErr.Paths, path)
			}
		}
		return nil, cycleErr
	}
	return levels, nil
}
