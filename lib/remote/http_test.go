// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nixcast/nixcast/lib/store"
)

// newTestHTTP serves the given handler and returns a backend pointed
// at it.
func newTestHTTP(t *testing.T, handler http.Handler) *HTTP {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	backend, err := NewHTTP(HTTPConfig{Endpoint: server.URL, Client: server.Client()})
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	return backend
}

// cacheHandler serves a single narinfo and archive, the smallest
// working substituter.
func cacheHandler(t *testing.T, record *store.NarInfo, archive []byte) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/"+record.Path.Digest()+".narinfo", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, record.Format())
	})
	mux.HandleFunc("/"+record.URL, func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	return mux
}

func TestHTTPFetchRoundTrip(t *testing.T) {
	t.Parallel()

	info, narBytes := testArchive(t, "hello-2.12.2", 4096)
	record := narInfoFor(info, &Placement{
		URL:         "nar/" + info.NarHash.Base32() + ".nar",
		Compression: "none",
		FileHash:    info.NarHash,
		FileSize:    info.NarSize,
	})
	backend := newTestHTTP(t, cacheHandler(t, record, narBytes))
	ctx := context.Background()

	exists, err := backend.Exists(ctx, info.Path)
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v; want true", exists, err)
	}

	fetched, err := backend.FetchMetadata(ctx, info.Path)
	if err != nil {
		t.Fatalf("FetchMetadata() error: %v", err)
	}
	if fetched.NarHash != info.NarHash {
		t.Error("fetched metadata does not match served record")
	}

	rc, err := backend.FetchArchive(ctx, fetched)
	if err != nil {
		t.Fatalf("FetchArchive() error: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if !bytes.Equal(got, narBytes) {
		t.Error("fetched archive differs from served archive")
	}
}

func TestHTTPNotFound(t *testing.T) {
	t.Parallel()

	backend := newTestHTTP(t, http.NotFoundHandler())
	missing := testPath(t, "cccccccccccccccccccccccccccccccc-missing-1.0")
	ctx := context.Background()

	exists, err := backend.Exists(ctx, missing)
	if err != nil || exists {
		t.Errorf("Exists() = %v, %v; want false, nil", exists, err)
	}
	if _, err := backend.FetchMetadata(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchMetadata() error = %v, want ErrNotFound", err)
	}
}

func TestHTTPAuthorizationFailure(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		backend := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		hello := testPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12.2")

		_, err := backend.FetchMetadata(context.Background(), hello)
		if !errors.Is(err, ErrAuthorizationFailure) {
			t.Errorf("status %d: FetchMetadata() error = %v, want ErrAuthorizationFailure", status, err)
		}
	}
}

func TestHTTPServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	backend := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	hello := testPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12.2")

	_, err := backend.FetchMetadata(context.Background(), hello)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("FetchMetadata() error = %v, want *TransportError", err)
	}
	if !transport.Temporary() {
		t.Error("Temporary() = false, want true")
	}
}

func TestHTTPPushUnsupported(t *testing.T) {
	t.Parallel()

	backend := newTestHTTP(t, http.NotFoundHandler())
	info, narBytes := testArchive(t, "hello-2.12.2", 64)
	ctx := context.Background()

	if _, err := backend.PutArchive(ctx, info, bytes.NewReader(narBytes)); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("PutArchive() error = %v, want ErrUnsupportedOperation", err)
	}
	if err := backend.PutMetadata(ctx, &store.NarInfo{}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("PutMetadata() error = %v, want ErrUnsupportedOperation", err)
	}
}

func TestHTTPFetchArchiveDetectsCorruption(t *testing.T) {
	t.Parallel()

	info, narBytes := testArchive(t, "hello-2.12.2", 2048)
	corrupted := append([]byte(nil), narBytes...)
	corrupted[10] ^= 0xff
	record := narInfoFor(info, &Placement{
		URL:         "nar/" + info.NarHash.Base32() + ".nar",
		Compression: "none",
	})
	backend := newTestHTTP(t, cacheHandler(t, record, corrupted))

	rc, err := backend.FetchArchive(context.Background(), record)
	if err != nil {
		t.Fatalf("FetchArchive() error: %v", err)
	}
	defer rc.Close()
	_, err = io.ReadAll(rc)
	var integrity *store.IntegrityError
	if !errors.As(err, &integrity) {
		t.Errorf("reading corrupted archive: error = %v, want IntegrityError", err)
	}
}
