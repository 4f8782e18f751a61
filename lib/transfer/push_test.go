// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package transfer_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/nixcast/nixcast/lib/clock"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/store"
	"github.com/nixcast/nixcast/lib/transfer"
)

// testSecretKey is a deterministic signing key in the ecosystem's
// <name>:<base64(64-byte private key)> form.
var testSecretKey = "test-cache-1:" + base64.StdEncoding.EncodeToString(
	ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x42}, 32)))

func testConfig() transfer.Config {
	return transfer.Config{
		StoreDir:   testStoreDir,
		Workers:    2,
		RetryDelay: time.Millisecond,
	}
}

func TestPushChainTransfersLeavesFirst(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	glibc := testPath(t, "glibc-2.38")
	hello := testPath(t, "hello-2.12.2")
	src.add(t, glibc)
	src.add(t, hello, glibc)

	backend := newFakeBackend("file:///srv/cache")
	cl := resolveClosure(t, src, hello)

	report := transfer.Push(context.Background(), testConfig(), src, cl, []remote.Backend{backend})
	if report.Failed() {
		t.Fatalf("push failed: %+v", report.Outcomes)
	}
	for _, path := range []store.Path{hello, glibc} {
		if got := outcomeFor(t, report, backend.name, path); got.Status != transfer.StatusPushed {
			t.Errorf("outcome for %s = %s, want pushed", path, got.Status)
		}
	}

	// The dependency's record must be complete before the referrer's
	// archive starts: a reader following hello's metadata never finds
	// glibc missing.
	glibcDone := backend.eventIndex("metadata " + glibc.String())
	helloStart := backend.eventIndex("archive " + hello.String())
	if glibcDone == -1 || helloStart == -1 || glibcDone > helloStart {
		t.Errorf("event order violates leaves-first: %v", backend.events)
	}

	// Archive precedes metadata for every path.
	for _, path := range []store.Path{hello, glibc} {
		archive := backend.eventIndex("archive " + path.String())
		metadata := backend.eventIndex("metadata " + path.String())
		if archive == -1 || metadata == -1 || archive > metadata {
			t.Errorf("metadata for %s published before its archive: %v", path, backend.events)
		}
	}
}

func TestPushDeduplicatesPresentPaths(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	glibc := testPath(t, "glibc-2.38")
	hello := testPath(t, "hello-2.12.2")
	glibcInfo := src.add(t, glibc)
	src.add(t, hello, glibc)

	backend := newFakeBackend("file:///srv/cache")
	backend.seed(t, glibcInfo, src.archives[glibc])

	cl := resolveClosure(t, src, hello)
	report := transfer.Push(context.Background(), testConfig(), src, cl, []remote.Backend{backend})

	if got := outcomeFor(t, report, backend.name, glibc); got.Status != transfer.StatusAlreadyPresent {
		t.Errorf("outcome for glibc = %s, want already-present", got.Status)
	}
	if got := backend.putCount(glibc); got != 0 {
		t.Errorf("glibc uploaded %d times despite being present", got)
	}
	if got := outcomeFor(t, report, backend.name, hello); got.Status != transfer.StatusPushed {
		t.Errorf("outcome for hello = %s, want pushed", got.Status)
	}
}

func TestPushIsIdempotent(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	glibc := testPath(t, "glibc-2.38")
	hello := testPath(t, "hello-2.12.2")
	src.add(t, glibc)
	src.add(t, hello, glibc)

	backend := newFakeBackend("file:///srv/cache")
	cl := resolveClosure(t, src, hello)
	ctx := context.Background()

	first := transfer.Push(ctx, testConfig(), src, cl, []remote.Backend{backend})
	if first.Failed() {
		t.Fatalf("first push failed: %+v", first.Outcomes)
	}
	second := transfer.Push(ctx, testConfig(), src, cl, []remote.Backend{backend})
	for _, o := range second.Outcomes {
		if o.Status != transfer.StatusAlreadyPresent {
			t.Errorf("second push: outcome for %s = %s, want already-present", o.Path, o.Status)
		}
	}
	for _, path := range []store.Path{hello, glibc} {
		if got := backend.putCount(path); got != 1 {
			t.Errorf("%s uploaded %d times across two pushes, want 1", path, got)
		}
	}
}

func TestPushDependentsOfFailureAreNotAttempted(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	glibc := testPath(t, "glibc-2.38")
	hello := testPath(t, "hello-2.12.2")
	zlib := testPath(t, "zlib-1.3") // independent sibling
	src.add(t, glibc)
	src.add(t, hello, glibc)
	src.add(t, zlib)

	backend := newFakeBackend("file:///srv/cache")
	backend.putErr = func(path store.Path, attempt int) error {
		if path == glibc {
			return errors.New("disk full") // permanent
		}
		return nil
	}

	cl := resolveClosure(t, src, hello, zlib)
	report := transfer.Push(context.Background(), testConfig(), src, cl, []remote.Backend{backend})

	if got := outcomeFor(t, report, backend.name, glibc); got.Status != transfer.StatusFailed {
		t.Errorf("outcome for glibc = %s, want failed", got.Status)
	}
	helloOutcome := outcomeFor(t, report, backend.name, hello)
	if helloOutcome.Status != transfer.StatusFailed {
		t.Errorf("outcome for hello = %s, want failed", helloOutcome.Status)
	}
	if !errors.Is(helloOutcome.Err, transfer.ErrDependencyFailed) {
		t.Errorf("hello error = %v, want ErrDependencyFailed", helloOutcome.Err)
	}
	if got := backend.putCount(hello); got != 0 {
		t.Errorf("hello attempted %d times despite failed dependency", got)
	}
	// The independent sibling is unaffected.
	if got := outcomeFor(t, report, backend.name, zlib); got.Status != transfer.StatusPushed {
		t.Errorf("outcome for zlib = %s, want pushed", got.Status)
	}
	if !report.Failed() {
		t.Error("Failed() = false with failures present")
	}
}

func TestPushRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	hello := testPath(t, "hello-2.12.2")
	src.add(t, hello)

	backend := newFakeBackend("file:///srv/cache")
	backend.putErr = func(path store.Path, attempt int) error {
		if attempt < 3 {
			return &remote.TransportError{Op: "put", Remote: backend.name, Err: errors.New("connection reset")}
		}
		return nil
	}

	clk := clock.Fake(time.Unix(1700000000, 0))
	cfg := testConfig()
	cfg.Clock = clk
	cfg.RetryDelay = time.Second
	cfg.MaxAttempts = 3

	cl := resolveClosure(t, src, hello)
	done := make(chan *transfer.Report, 1)
	go func() {
		done <- transfer.Push(context.Background(), cfg, src, cl, []remote.Backend{backend})
	}()

	// First retry waits 1s, second 2s.
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	report := <-done
	if got := outcomeFor(t, report, backend.name, hello); got.Status != transfer.StatusPushed {
		t.Errorf("outcome = %s (%v), want pushed after retries", got.Status, got.Err)
	}
	if got := backend.putCount(hello); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPushDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	hello := testPath(t, "hello-2.12.2")
	src.add(t, hello)

	backend := newFakeBackend("file:///srv/cache")
	backend.putErr = func(path store.Path, attempt int) error {
		return remote.ErrUnsupportedOperation
	}

	cl := resolveClosure(t, src, hello)
	report := transfer.Push(context.Background(), testConfig(), src, cl, []remote.Backend{backend})

	if got := outcomeFor(t, report, backend.name, hello); got.Status != transfer.StatusFailed {
		t.Errorf("outcome = %s, want failed", got.Status)
	}
	if got := backend.putCount(hello); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent failure)", got)
	}
}

func TestPushSignsWithConfiguredKeys(t *testing.T) {
	t.Parallel()

	key, err := store.ParseSecretKey(testSecretKey)
	if err != nil {
		t.Fatal(err)
	}

	src := newFakeStore()
	hello := testPath(t, "hello-2.12.2")
	src.add(t, hello)

	backend := newFakeBackend("file:///srv/cache")
	cfg := testConfig()
	cfg.SecretKeys = []store.SecretKey{key}

	cl := resolveClosure(t, src, hello)
	report := transfer.Push(context.Background(), cfg, src, cl, []remote.Backend{backend})
	if report.Failed() {
		t.Fatalf("push failed: %+v", report.Outcomes)
	}

	record := backend.record(hello)
	if record == nil {
		t.Fatal("no record published for hello")
	}
	if len(record.Signatures) != 1 {
		t.Fatalf("record has %d signatures, want 1", len(record.Signatures))
	}
	if !key.PublicKey().Verify(record.Fingerprint(), record.Signatures[0]) {
		t.Error("published signature does not verify")
	}

	// A second push must not stack another signature for the same key.
	backend2 := newFakeBackend("file:///srv/other")
	src.infos[hello].Signatures = record.Signatures
	report = transfer.Push(context.Background(), cfg, src, cl, []remote.Backend{backend2})
	if report.Failed() {
		t.Fatalf("second push failed: %+v", report.Outcomes)
	}
	if got := len(backend2.record(hello).Signatures); got != 1 {
		t.Errorf("record has %d signatures after re-push, want 1", got)
	}
}

func TestPushRemotesAreIndependent(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	hello := testPath(t, "hello-2.12.2")
	src.add(t, hello)

	broken := newFakeBackend("ssh://down.internal")
	broken.probeErr = errors.New("host unreachable")
	healthy := newFakeBackend("file:///srv/cache")

	cl := resolveClosure(t, src, hello)
	report := transfer.Push(context.Background(), testConfig(), src, cl, []remote.Backend{broken, healthy})

	if got := outcomeFor(t, report, broken.name, hello); got.Status != transfer.StatusFailed {
		t.Errorf("outcome on broken remote = %s, want failed", got.Status)
	}
	if got := outcomeFor(t, report, healthy.name, hello); got.Status != transfer.StatusPushed {
		t.Errorf("outcome on healthy remote = %s, want pushed", got.Status)
	}
}

func TestPushCancelledContext(t *testing.T) {
	t.Parallel()

	src := newFakeStore()
	hello := testPath(t, "hello-2.12.2")
	src.add(t, hello)

	backend := newFakeBackend("file:///srv/cache")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cl := resolveClosure(t, src, hello)
	report := transfer.Push(ctx, testConfig(), src, cl, []remote.Backend{backend})
	if got := outcomeFor(t, report, backend.name, hello); got.Status != transfer.StatusFailed {
		t.Errorf("outcome = %s, want failed under cancelled context", got.Status)
	}
}

func TestReportCounts(t *testing.T) {
	t.Parallel()

	report := &transfer.Report{Outcomes: []transfer.Outcome{
		{Status: transfer.StatusPushed},
		{Status: transfer.StatusPushed},
		{Status: transfer.StatusAlreadyPresent},
		{Status: transfer.StatusFailed, Err: errors.New("x")},
	}}
	transferred, present, failed := report.Counts()
	if transferred != 2 || present != 1 || failed != 1 {
		t.Errorf("Counts() = %d, %d, %d; want 2, 1, 1", transferred, present, failed)
	}
	if !report.Failed() {
		t.Error("Failed() = false")
	}
}
