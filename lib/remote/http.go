// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nixcast/nixcast/lib/store"
)

// maxNarInfoSize bounds a metadata response body. Real records are a
// few hundred bytes; anything near the limit is garbage or an attack.
const maxNarInfoSize = 1 << 20

// HTTPConfig holds the parameters for an HTTP substituter backend.
type HTTPConfig struct {
	// Endpoint is the cache base URL without a trailing slash, e.g.
	// "https://cache.example.org".
	Endpoint string

	// MaxConnsPerHost caps the connection pool. Defaults to 16.
	MaxConnsPerHost int

	// Client overrides the HTTP client, for tests. When nil a client
	// with the connection ceiling is built.
	Client *http.Client

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// HTTP is a read-only substituter over a remote binary cache. Pushing
// to it is a capability mismatch, not a transient failure.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var _ Backend = (*HTTP)(nil)

// NewHTTP opens an HTTP substituter backend.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote: HTTP Endpoint is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := cfg.Client
	if client == nil {
		maxConns := cfg.MaxConnsPerHost
		if maxConns <= 0 {
			maxConns = 16
		}
		client = &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTP{endpoint: cfg.Endpoint, client: client, logger: logger}, nil
}

func (h *HTTP) Name() string { return h.endpoint }

func (h *HTTP) Kind() Kind { return KindHTTP }

// get issues one request and maps the transport-level and status-level
// failure classes. A non-nil response is always status 200 (or 404
// reported as ErrNotFound); the caller owns closing the body.
func (h *HTTP) get(ctx context.Context, method, url, op string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, url, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Remote: h.endpoint, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", ErrAuthorizationFailure, url, resp.Status)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &TransportError{
			Op:     op,
			Remote: h.endpoint,
			Err:    fmt.Errorf("%s returned %s", url, resp.Status),
		}
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: unexpected status %s", op, url, resp.Status)
	}
}

// Exists HEADs the metadata record.
func (h *HTTP) Exists(ctx context.Context, path store.Path) (bool, error) {
	resp, err := h.get(ctx, http.MethodHead, h.endpoint+"/"+path.Digest()+".narinfo", "probe")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// ExistsBatch loops Exists; the substituter protocol has no batch
// probe.
func (h *HTTP) ExistsBatch(ctx context.Context, paths []store.Path) (map[store.Path]bool, error) {
	return existsSequential(ctx, h, paths)
}

// PutArchive is unsupported: the substituter protocol is read-only.
func (h *HTTP) PutArchive(ctx context.Context, info *store.PathInfo, nar io.Reader) (*Placement, error) {
	return nil, fmt.Errorf("%w: cannot push to HTTP cache %s", ErrUnsupportedOperation, h.endpoint)
}

// PutMetadata is unsupported: the substituter protocol is read-only.
func (h *HTTP) PutMetadata(ctx context.Context, info *store.NarInfo) error {
	return fmt.Errorf("%w: cannot push to HTTP cache %s", ErrUnsupportedOperation, h.endpoint)
}

// FetchMetadata GETs and parses the metadata record for path.
func (h *HTTP) FetchMetadata(ctx context.Context, path store.Path) (*store.NarInfo, error) {
	url := h.endpoint + "/" + path.Digest() + ".narinfo"
	resp, err := h.get(ctx, http.MethodGet, url, "fetch metadata")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxNarInfoSize+1))
	if err != nil {
		return nil, &TransportError{Op: "fetch metadata", Remote: h.endpoint, Err: err}
	}
	if len(text) > maxNarInfoSize {
		return nil, fmt.Errorf("metadata for %s exceeds %d bytes", path, maxNarInfoSize)
	}
	info, err := store.ParseNarInfo(string(text))
	if err != nil {
		return nil, fmt.Errorf("metadata for %s from %s: %w", path, h.endpoint, err)
	}
	return info, nil
}

// FetchArchive GETs the archive named by the metadata record and
// returns the decompressed, hash-verified stream.
func (h *HTTP) FetchArchive(ctx context.Context, info *store.NarInfo) (io.ReadCloser, error) {
	resp, err := h.get(ctx, http.MethodGet, h.endpoint+"/"+info.URL, "fetch archive")
	if err != nil {
		return nil, err
	}
	stream, err := decompressVerified(resp.Body, info)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: %w", info.Path, err)
	}
	return stream, nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
