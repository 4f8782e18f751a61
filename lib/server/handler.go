// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nixcast/nixcast/lib/compression"
	"github.com/nixcast/nixcast/lib/localstore"
	"github.com/nixcast/nixcast/lib/store"
)

// Content types for the binary-cache wire formats.
const (
	cacheInfoContentType = "text/x-nix-cache-info"
	narInfoContentType   = "text/x-nix-narinfo"
	narContentType       = "application/x-nix-nar"
)

// HandlerConfig configures the binary-cache handler.
type HandlerConfig struct {
	// Store is the local store the cache serves from. Required.
	Store localstore.Store

	// Priority is advertised in nix-cache-info; lower wins when a
	// client consults several caches. Defaults to 30.
	Priority int

	// SecretKeys sign served metadata records. Signatures for key
	// names already present on a path are not duplicated.
	SecretKeys []store.SecretKey

	// Logger receives one line per request. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// NewHandler returns the binary-cache http.Handler.
func NewHandler(cfg HandlerConfig) http.Handler {
	if cfg.Store == nil {
		panic("server.NewHandler: Store is required")
	}
	if cfg.Priority <= 0 {
		cfg.Priority = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &handler{cfg: cfg}
}

type handler struct {
	cfg HandlerConfig
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	h.route(sw, r)
	h.cfg.Logger.Info("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", sw.status(),
		"duration", time.Since(start),
	)
}

func (h *handler) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case name == "nix-cache-info":
		h.cacheInfo(w, r)
	case strings.HasSuffix(name, ".narinfo"):
		h.narInfo(w, r, strings.TrimSuffix(name, ".narinfo"))
	default:
		h.archive(w, r, name)
	}
}

// cacheInfo serves the cache manifest clients fetch first.
func (h *handler) cacheInfo(w http.ResponseWriter, r *http.Request) {
	body := fmt.Sprintf("StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n",
		h.cfg.Store.StoreDir(), h.cfg.Priority)
	w.Header().Set("Content-Type", cacheInfoContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	io.WriteString(w, body)
}

// narInfo serves the metadata record for one digest. The record is
// built fresh from the store and signed with the configured keys, so
// paths signed after registration serve their current signatures.
func (h *handler) narInfo(w http.ResponseWriter, r *http.Request, digest string) {
	if !store.ValidDigest(digest) {
		http.NotFound(w, r)
		return
	}
	path, err := h.cfg.Store.PathFromDigest(r.Context(), digest)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	info, err := h.cfg.Store.QueryPathInfo(r.Context(), path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body := h.record(info).Format()
	w.Header().Set("Content-Type", narInfoContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	io.WriteString(w, body)
}

// record builds the served NarInfo for a path: archives are addressed
// uncompressed under nar/, and signatures for the handler's keys are
// merged in.
func (h *handler) record(info *store.PathInfo) *store.NarInfo {
	refs := append([]store.Path(nil), info.References...)
	store.SortPaths(refs)
	record := &store.NarInfo{
		StoreDir:    h.cfg.Store.StoreDir(),
		Path:        info.Path,
		URL:         "nar/" + info.Path.Digest() + ".nar",
		Compression: "none",
		FileHash:    info.NarHash,
		FileSize:    info.NarSize,
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  refs,
		Deriver:     info.Deriver,
		Signatures:  append([]store.Signature(nil), info.Signatures...),
		CA:          info.CA,
	}
	fingerprint := record.Fingerprint()
	for _, key := range h.cfg.SecretKeys {
		already := false
		for _, sig := range record.Signatures {
			if sig.KeyName == key.Name() {
				already = true
				break
			}
		}
		if !already {
			record.Signatures = append(record.Signatures, key.Sign(fingerprint))
		}
	}
	return record
}

// archive streams a path's NAR, compressed on the fly when the request
// names a compression extension. Only the uncompressed form has a
// known length up front.
func (h *handler) archive(w http.ResponseWriter, r *http.Request, name string) {
	name = strings.TrimPrefix(name, "nar/")
	digest, codec, ok := parseArchiveName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	path, err := h.cfg.Store.PathFromDigest(r.Context(), digest)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	nar, size, err := h.cfg.Store.OpenNAR(r.Context(), path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer nar.Close()

	w.Header().Set("Content-Type", narContentType)
	if codec.Name() == "none" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if r.Method == http.MethodHead {
		return
	}

	cw, err := codec.NewWriter(w)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := io.Copy(cw, nar); err != nil {
		// Headers are gone; all we can do is cut the stream short so
		// the client sees a truncated (and hash-invalid) archive.
		h.cfg.Logger.Error("archive stream failed",
			"path", path.String(),
			"error", err,
		)
		return
	}
	if err := cw.Close(); err != nil {
		h.cfg.Logger.Error("archive stream failed",
			"path", path.String(),
			"error", err,
		)
	}
}

// parseArchiveName splits "<digest>.nar[.<ext>]" into the digest and
// the codec for the extension.
func parseArchiveName(name string) (string, compression.Codec, bool) {
	if len(name) < store.DigestLen+len(".nar") {
		return "", nil, false
	}
	digest, rest := name[:store.DigestLen], name[store.DigestLen:]
	if !store.ValidDigest(digest) || !strings.HasPrefix(rest, ".nar") {
		return "", nil, false
	}
	ext := rest[len(".nar"):]
	if ext == "" {
		codec, err := compression.ByName("none")
		if err != nil {
			return "", nil, false
		}
		return digest, codec, true
	}
	codec, err := compression.ByExtension(ext)
	if err != nil || codec.Extension() != ext {
		return "", nil, false
	}
	return digest, codec, true
}

// fail maps store errors to status codes. Absence is an expected
// outcome, not a failure.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, localstore.ErrNotInStore) {
		http.NotFound(w, r)
		return
	}
	h.cfg.Logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// statusWriter records the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	wrote int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wrote == 0 {
		w.wrote = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.wrote == 0 {
		w.wrote = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) status() int {
	if w.wrote == 0 {
		return http.StatusOK
	}
	return w.wrote
}
