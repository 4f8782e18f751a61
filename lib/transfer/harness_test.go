// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package transfer_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/nixcast/nixcast/lib/closure"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/store"
	"github.com/nixcast/nixcast/lib/transfer"
)

const testStoreDir = "/nix/store"

func testPath(t *testing.T, name string) store.Path {
	t.Helper()
	digest := strings.Repeat(name[:1], 32)
	path, err := store.ParseBase(digest + "-" + name)
	if err != nil {
		t.Fatalf("ParseBase: %v", err)
	}
	return path
}

// fakeStore is an in-memory Importer: metadata and archives keyed by
// path, imports recorded in arrival order.
type fakeStore struct {
	mu       sync.Mutex
	infos    map[store.Path]*store.PathInfo
	archives map[store.Path][]byte
	imported []store.Path
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		infos:    make(map[store.Path]*store.PathInfo),
		archives: make(map[store.Path][]byte),
	}
}

// add registers a path with a deterministic archive derived from its
// name.
func (s *fakeStore) add(t *testing.T, path store.Path, refs ...store.Path) *store.PathInfo {
	t.Helper()
	narBytes := bytes.Repeat([]byte(path.String()+"\n"), 16)
	info := &store.PathInfo{
		Path:       path,
		NarHash:    store.HashBytes(narBytes),
		NarSize:    int64(len(narBytes)),
		References: refs,
	}
	store.SortPaths(info.References)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[path] = info
	s.archives[path] = narBytes
	return info
}

func (s *fakeStore) StoreDir() string { return testStoreDir }

func (s *fakeStore) PathExists(ctx context.Context, path store.Path) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.infos[path]
	return ok, nil
}

func (s *fakeStore) QueryValidPaths(ctx context.Context, paths []store.Path) ([]store.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var valid []store.Path
	for _, path := range paths {
		if _, ok := s.infos[path]; ok {
			valid = append(valid, path)
		}
	}
	return valid, nil
}

func (s *fakeStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.PathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[path]
	if !ok {
		return nil, fmt.Errorf("path %s not in store", path)
	}
	return info, nil
}

func (s *fakeStore) QueryReferrers(ctx context.Context, path store.Path) ([]store.Path, error) {
	return nil, nil
}

func (s *fakeStore) PathFromDigest(ctx context.Context, digest string) (store.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.infos {
		if path.Digest() == digest {
			return path, nil
		}
	}
	return store.Path{}, fmt.Errorf("no path with digest %s", digest)
}

func (s *fakeStore) OpenNAR(ctx context.Context, path store.Path) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	narBytes, ok := s.archives[path]
	if !ok {
		return nil, 0, fmt.Errorf("path %s not in store", path)
	}
	return io.NopCloser(bytes.NewReader(narBytes)), int64(len(narBytes)), nil
}

func (s *fakeStore) ImportNAR(ctx context.Context, info *store.PathInfo, nar io.Reader) error {
	narBytes, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	if store.HashBytes(narBytes) != info.NarHash {
		return fmt.Errorf("archive hash mismatch for %s", info.Path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.Path] = info
	s.archives[info.Path] = narBytes
	s.imported = append(s.imported, info.Path)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) importOrder() []store.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Path(nil), s.imported...)
}

// resolveClosure builds the closure the way the push command does.
func resolveClosure(t *testing.T, src *fakeStore, roots ...store.Path) *closure.Closure {
	t.Helper()
	cl, err := closure.Resolve(context.Background(), src, roots)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	return cl
}

// fakeBackend is an in-memory remote with scriptable failures and an
// event log for ordering assertions.
type fakeBackend struct {
	name string

	mu       sync.Mutex
	records  map[store.Path]*store.NarInfo
	archives map[string][]byte
	events   []string
	puts     map[store.Path]int

	probeErr error
	// putErr decides per attempt whether PutArchive fails; nil means
	// always succeed.
	putErr func(path store.Path, attempt int) error
	// fetchErr decides per attempt whether FetchMetadata fails.
	fetchErr func(path store.Path, attempt int) error

	fetchAttempts map[store.Path]int
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{
		name:          name,
		records:       make(map[store.Path]*store.NarInfo),
		archives:      make(map[string][]byte),
		puts:          make(map[store.Path]int),
		fetchAttempts: make(map[store.Path]int),
	}
}

// seed publishes a path directly, bypassing the engine.
func (b *fakeBackend) seed(t *testing.T, info *store.PathInfo, narBytes []byte, sigs ...store.Signature) {
	t.Helper()
	url := "nar/" + info.Path.Digest() + ".nar"
	refs := append([]store.Path(nil), info.References...)
	store.SortPaths(refs)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archives[url] = narBytes
	b.records[info.Path] = &store.NarInfo{
		StoreDir:    testStoreDir,
		Path:        info.Path,
		URL:         url,
		Compression: "none",
		FileHash:    info.NarHash,
		FileSize:    info.NarSize,
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  refs,
		Signatures:  sigs,
	}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Kind() remote.Kind { return remote.KindFilesystem }

func (b *fakeBackend) Exists(ctx context.Context, path store.Path) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[path]
	return ok, nil
}

func (b *fakeBackend) ExistsBatch(ctx context.Context, paths []store.Path) (map[store.Path]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probeErr != nil {
		return nil, b.probeErr
	}
	present := make(map[store.Path]bool, len(paths))
	for _, path := range paths {
		_, ok := b.records[path]
		present[path] = ok
	}
	return present, nil
}

func (b *fakeBackend) PutArchive(ctx context.Context, info *store.PathInfo, nar io.Reader) (*remote.Placement, error) {
	b.mu.Lock()
	b.puts[info.Path]++
	attempt := b.puts[info.Path]
	failer := b.putErr
	b.mu.Unlock()

	if failer != nil {
		if err := failer(info.Path, attempt); err != nil {
			return nil, err
		}
	}
	narBytes, err := io.ReadAll(nar)
	if err != nil {
		return nil, err
	}
	url := "nar/" + info.Path.Digest() + ".nar"
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archives[url] = narBytes
	b.events = append(b.events, "archive "+info.Path.String())
	return &remote.Placement{
		URL:         url,
		Compression: "none",
		FileHash:    store.HashBytes(narBytes),
		FileSize:    int64(len(narBytes)),
	}, nil
}

func (b *fakeBackend) PutMetadata(ctx context.Context, record *store.NarInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.archives[record.URL]; !ok {
		return fmt.Errorf("metadata for %s published before its archive", record.Path)
	}
	b.records[record.Path] = record
	b.events = append(b.events, "metadata "+record.Path.String())
	return nil
}

func (b *fakeBackend) FetchMetadata(ctx context.Context, path store.Path) (*store.NarInfo, error) {
	b.mu.Lock()
	b.fetchAttempts[path]++
	attempt := b.fetchAttempts[path]
	failer := b.fetchErr
	record, ok := b.records[path]
	b.mu.Unlock()

	if failer != nil {
		if err := failer(path, attempt); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, path)
	}
	return record, nil
}

func (b *fakeBackend) FetchArchive(ctx context.Context, record *store.NarInfo) (io.ReadCloser, error) {
	b.mu.Lock()
	narBytes, ok := b.archives[record.URL]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, record.URL)
	}
	return io.NopCloser(bytes.NewReader(narBytes)), nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) eventIndex(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (b *fakeBackend) record(path store.Path) *store.NarInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[path]
}

func (b *fakeBackend) putCount(path store.Path) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts[path]
}

// outcomeFor finds the outcome for one path on one remote, failing
// the test when it is absent.
func outcomeFor(t *testing.T, report *transfer.Report, remoteName string, path store.Path) transfer.Outcome {
	t.Helper()
	for _, o := range report.Outcomes {
		if o.Remote == remoteName && o.Path == path {
			return o
		}
	}
	t.Fatalf("no outcome for %s on %s", path, remoteName)
	return transfer.Outcome{}
}
