// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nixcast/nixcast/lib/compression"
	"github.com/nixcast/nixcast/lib/store"
)

// FilesystemConfig holds the parameters for a filesystem-backed cache.
type FilesystemConfig struct {
	// Root is the cache directory. Created if absent.
	Root string

	// StoreDir is the store directory the cache's records describe,
	// normally "/nix/store". Written into nix-cache-info.
	StoreDir string

	// Compression names the codec for stored archives. Defaults to
	// "zstd".
	Compression string

	// Priority is the substituter priority advertised in
	// nix-cache-info. Defaults to 40, below the public cache's 30 in
	// precedence (lower wins).
	Priority int

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Filesystem is a cache in a local directory: <digest>.narinfo records
// at the root, archives under nar/ named by stored file hash. The
// layout is the standard binary-cache layout, so the directory can
// also be served by any static file server.
//
// All writes are temp-file-plus-rename in the destination directory; a
// concurrent reader sees either the old state or the new, never a
// partial file.
type Filesystem struct {
	root     string
	storeDir string
	codec    compression.Codec
	priority int
	logger   *slog.Logger
}

var _ Backend = (*Filesystem)(nil)

// NewFilesystem opens (creating if needed) a filesystem cache.
func NewFilesystem(cfg FilesystemConfig) (*Filesystem, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("remote: filesystem Root is required")
	}
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("remote: filesystem StoreDir is required")
	}
	name := cfg.Compression
	if name == "" {
		name = "zstd"
	}
	codec, err := compression.ByName(name)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", cfg.Root, err)
	}
	priority := cfg.Priority
	if priority <= 0 {
		priority = 40
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "nar"), 0o755); err != nil {
		return nil, fmt.Errorf("remote %s: %w", cfg.Root, err)
	}
	return &Filesystem{
		root:     cfg.Root,
		storeDir: cfg.StoreDir,
		codec:    codec,
		priority: priority,
		logger:   logger,
	}, nil
}

func (f *Filesystem) Name() string { return f.root }

func (f *Filesystem) Kind() Kind { return KindFilesystem }

func (f *Filesystem) narinfoPath(path store.Path) string {
	return filepath.Join(f.root, path.Digest()+".narinfo")
}

// Exists reports whether the cache has a metadata record for path.
func (f *Filesystem) Exists(ctx context.Context, path store.Path) (bool, error) {
	_, err := os.Stat(f.narinfoPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("probing %s: %w", path, err)
}

// ExistsBatch loops Exists; the filesystem has no cheaper batch probe.
func (f *Filesystem) ExistsBatch(ctx context.Context, paths []store.Path) (map[store.Path]bool, error) {
	return existsSequential(ctx, f, paths)
}

// PutArchive compresses the archive into nar/, naming the file by the
// hash of its stored bytes. Re-pushing content the cache already has
// leaves the existing file in place.
func (f *Filesystem) PutArchive(ctx context.Context, info *store.PathInfo, nar io.Reader) (*Placement, error) {
	if err := f.ensureCacheInfo(); err != nil {
		return nil, err
	}

	narDir := filepath.Join(f.root, "nar")
	tmp, err := os.CreateTemp(narDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("staging archive for %s: %w", info.Path, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name()) // no-op after a successful rename
	}()

	digest := sha256.New()
	counted := &countingWriter{w: io.MultiWriter(tmp, digest)}
	compressor, err := f.codec.NewWriter(counted)
	if err != nil {
		return nil, fmt.Errorf("staging archive for %s: %w", info.Path, err)
	}
	if _, err := io.Copy(compressor, nar); err != nil {
		compressor.Close()
		return nil, fmt.Errorf("writing archive for %s: %w", info.Path, err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive for %s: %w", info.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive for %s: %w", info.Path, err)
	}
	// CreateTemp stages with 0600; published archives must be readable
	// by whatever serves the cache directory.
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return nil, fmt.Errorf("finishing archive for %s: %w", info.Path, err)
	}

	var fileHash store.Hash
	digest.Sum(fileHash[:0])
	name := fileHash.Base32() + ".nar" + f.codec.Extension()
	final := filepath.Join(narDir, name)

	if _, err := os.Stat(final); err == nil {
		// Identical content already present.
		os.Remove(tmp.Name())
	} else if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, fmt.Errorf("publishing archive for %s: %w", info.Path, err)
	}

	f.logger.Debug("archive stored",
		"path", info.Path.String(),
		"file", name,
		"file_size", counted.n,
	)
	return &Placement{
		URL:         "nar/" + name,
		Compression: f.codec.Name(),
		FileHash:    fileHash,
		FileSize:    counted.n,
	}, nil
}

// PutMetadata publishes the metadata record. The archive it points at
// must already be in the cache; publishing metadata first would open a
// window where a reader finds the record but not the content.
func (f *Filesystem) PutMetadata(ctx context.Context, info *store.NarInfo) error {
	if !filepath.IsLocal(info.URL) {
		return fmt.Errorf("publishing %s: archive URL %q escapes the cache", info.Path, info.URL)
	}
	if _, err := os.Stat(filepath.Join(f.root, info.URL)); err != nil {
		return fmt.Errorf("publishing %s: archive %s is not in the cache: %w", info.Path, info.URL, err)
	}
	if err := writeFileAtomic(f.narinfoPath(info.Path), []byte(info.Format())); err != nil {
		return fmt.Errorf("publishing %s: %w", info.Path, err)
	}
	return nil
}

// FetchMetadata reads and parses the metadata record for path.
func (f *Filesystem) FetchMetadata(ctx context.Context, path store.Path) (*store.NarInfo, error) {
	text, err := os.ReadFile(f.narinfoPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("fetching metadata for %s: %w", path, err)
	}
	info, err := store.ParseNarInfo(string(text))
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for %s: %w", path, err)
	}
	return info, nil
}

// FetchArchive opens the stored archive and returns the decompressed,
// hash-verified stream.
func (f *Filesystem) FetchArchive(ctx context.Context, info *store.NarInfo) (io.ReadCloser, error) {
	if !filepath.IsLocal(info.URL) {
		return nil, fmt.Errorf("fetching %s: archive URL %q escapes the cache", info.Path, info.URL)
	}
	file, err := os.Open(filepath.Join(f.root, info.URL))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: archive %s", ErrNotFound, info.URL)
		}
		return nil, fmt.Errorf("fetching %s: %w", info.Path, err)
	}
	stream, err := decompressVerified(file, info)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("fetching %s: %w", info.Path, err)
	}
	return stream, nil
}

// Close is a no-op; the filesystem backend holds no connections.
func (f *Filesystem) Close() error { return nil }

// ensureCacheInfo writes nix-cache-info on first use so substituters
// recognize the directory as a cache.
func (f *Filesystem) ensureCacheInfo() error {
	path := filepath.Join(f.root, "nix-cache-info")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("probing nix-cache-info: %w", err)
	}
	content := "StoreDir: " + f.storeDir + "\nWantMassQuery: 1\nPriority: " +
		strconv.Itoa(f.priority) + "\n"
	if err := writeFileAtomic(path, []byte(content)); err != nil {
		return fmt.Errorf("writing nix-cache-info: %w", err)
	}
	return nil
}

// decompressVerified layers the codec and hash verification over a
// raw archive stream. Closing the result closes raw.
func decompressVerified(raw io.ReadCloser, info *store.NarInfo) (io.ReadCloser, error) {
	codec, err := compression.ByName(info.Compression)
	if err != nil {
		return nil, err
	}
	decompressor, err := codec.NewReader(raw)
	if err != nil {
		return nil, err
	}
	verified := store.NewVerifiedReader(decompressor, info.Path.String(), info.NarHash, info.NarSize)
	return &archiveStream{verified: verified, decompressor: decompressor, raw: raw}, nil
}

type archiveStream struct {
	verified     io.Reader
	decompressor io.ReadCloser
	raw          io.ReadCloser
}

func (s *archiveStream) Read(p []byte) (int, error) { return s.verified.Read(p) }

func (s *archiveStream) Close() error {
	s.decompressor.Close()
	return s.raw.Close()
}

// writeFileAtomic writes data to path via a temporary file in the same
// directory and an atomic rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
