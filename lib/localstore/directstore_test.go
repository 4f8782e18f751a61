// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nixcast/nixcast/lib/nar"
	"github.com/nixcast/nixcast/lib/store"
)

var (
	helloDigest = strings.Repeat("a", 32)
	glibcDigest = strings.Repeat("b", 32)
)

func testPath(t *testing.T, base string) store.Path {
	t.Helper()
	path, err := store.ParseBase(base)
	if err != nil {
		t.Fatalf("ParseBase(%q): %v", base, err)
	}
	return path
}

// fixtureRow describes one valid path in the fixture database.
type fixtureRow struct {
	path       store.Path
	narHash    store.Hash
	narSize    int64
	references []store.Path
	sigs       string
}

// createFixture builds a store directory with a real file tree for
// hello, and a database registering hello (referencing glibc) and
// glibc (no tree; metadata only).
func createFixture(t *testing.T) (storeDir, dbPath string, hello, glibc store.Path) {
	t.Helper()

	storeDir = filepath.Join(t.TempDir(), "store")
	hello = testPath(t, helloDigest+"-hello-2.12.2")
	glibc = testPath(t, glibcDigest+"-glibc-2.38")

	// hello's tree: bin/hello plus a README.
	helloRoot := filepath.Join(storeDir, hello.String())
	if err := os.MkdirAll(filepath.Join(helloRoot, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(helloRoot, "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(helloRoot, "README"), []byte("the hello package\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := nar.Encode(&buf, helloRoot); err != nil {
		t.Fatalf("encoding fixture archive: %v", err)
	}

	rows := []fixtureRow{
		{
			path:       hello,
			narHash:    store.HashBytes(buf.Bytes()),
			narSize:    int64(buf.Len()),
			references: []store.Path{glibc},
		},
		{
			path:    glibc,
			narHash: store.HashBytes([]byte("glibc nar")),
			narSize: 9,
		},
	}

	dbPath = filepath.Join(t.TempDir(), "db.sqlite")
	writeFixtureDB(t, dbPath, storeDir, rows)
	return storeDir, dbPath, hello, glibc
}

func writeFixtureDB(t *testing.T, dbPath, storeDir string, rows []fixtureRow) {
	t.Helper()

	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		t.Fatalf("creating fixture database: %v", err)
	}
	defer conn.Close()

	err = sqlitex.ExecuteScript(conn, `
		CREATE TABLE ValidPaths (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT UNIQUE NOT NULL,
			hash TEXT NOT NULL,
			registrationTime INTEGER NOT NULL,
			deriver TEXT,
			narSize INTEGER,
			ultimate INTEGER,
			sigs TEXT,
			ca TEXT
		);
		CREATE TABLE Refs (
			referrer INTEGER NOT NULL,
			reference INTEGER NOT NULL,
			PRIMARY KEY (referrer, reference)
		);
	`, nil)
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	ids := make(map[store.Path]int64)
	for _, row := range rows {
		err := sqlitex.Execute(conn, `
			INSERT INTO ValidPaths (path, hash, registrationTime, narSize, ultimate, sigs)
			VALUES (?, ?, ?, ?, 1, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				row.path.In(storeDir),
				"sha256:" + row.narHash.Base16(),
				time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix(),
				row.narSize,
				row.sigs,
			},
		})
		if err != nil {
			t.Fatalf("inserting %s: %v", row.path, err)
		}
		ids[row.path] = conn.LastInsertRowID()
	}
	for _, row := range rows {
		for _, ref := range row.references {
			err := sqlitex.Execute(conn, "INSERT INTO Refs (referrer, reference) VALUES (?, ?)", &sqlitex.ExecOptions{
				Args: []any{ids[row.path], ids[ref]},
			})
			if err != nil {
				t.Fatalf("inserting ref %s -> %s: %v", row.path, ref, err)
			}
		}
	}
}

func openFixture(t *testing.T) (*DirectStore, store.Path, store.Path) {
	t.Helper()

	storeDir, dbPath, hello, glibc := createFixture(t)
	s, err := OpenDirect(DirectConfig{
		StoreDir:     storeDir,
		DatabasePath: dbPath,
		PoolSize:     2,
	})
	if err != nil {
		t.Fatalf("OpenDirect() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, hello, glibc
}

func TestDirectPathExists(t *testing.T) {
	t.Parallel()

	s, hello, _ := openFixture(t)
	missing := testPath(t, strings.Repeat("c", 32)+"-missing-1.0")

	exists, err := s.PathExists(context.Background(), hello)
	if err != nil {
		t.Fatalf("PathExists() error: %v", err)
	}
	if !exists {
		t.Error("PathExists(hello) = false, want true")
	}

	exists, err = s.PathExists(context.Background(), missing)
	if err != nil {
		t.Fatalf("PathExists() error: %v", err)
	}
	if exists {
		t.Error("PathExists(missing) = true, want false")
	}
}

func TestDirectQueryValidPaths(t *testing.T) {
	t.Parallel()

	s, hello, glibc := openFixture(t)
	missing := testPath(t, strings.Repeat("c", 32)+"-missing-1.0")

	valid, err := s.QueryValidPaths(context.Background(), []store.Path{hello, missing, glibc})
	if err != nil {
		t.Fatalf("QueryValidPaths() error: %v", err)
	}
	if len(valid) != 2 || valid[0] != hello || valid[1] != glibc {
		t.Errorf("QueryValidPaths() = %v, want [%v %v]", valid, hello, glibc)
	}
}

func TestDirectQueryPathInfo(t *testing.T) {
	t.Parallel()

	s, hello, glibc := openFixture(t)

	info, err := s.QueryPathInfo(context.Background(), hello)
	if err != nil {
		t.Fatalf("QueryPathInfo() error: %v", err)
	}
	if info.Path != hello {
		t.Errorf("Path = %v, want %v", info.Path, hello)
	}
	if len(info.References) != 1 || info.References[0] != glibc {
		t.Errorf("References = %v, want [%v]", info.References, glibc)
	}
	if info.NarSize == 0 {
		t.Error("NarSize = 0, want the encoded archive size")
	}
	if !info.Ultimate {
		t.Error("Ultimate = false, want true")
	}
	if info.RegistrationTime.IsZero() {
		t.Error("RegistrationTime is zero")
	}
}

func TestDirectQueryPathInfoNotInStore(t *testing.T) {
	t.Parallel()

	s, _, _ := openFixture(t)
	missing := testPath(t, strings.Repeat("c", 32)+"-missing-1.0")

	_, err := s.QueryPathInfo(context.Background(), missing)
	if !errors.Is(err, ErrNotInStore) {
		t.Errorf("QueryPathInfo() error = %v, want ErrNotInStore", err)
	}
}

func TestDirectPathFromDigest(t *testing.T) {
	t.Parallel()

	s, hello, _ := openFixture(t)

	got, err := s.PathFromDigest(context.Background(), helloDigest)
	if err != nil {
		t.Fatalf("PathFromDigest() error: %v", err)
	}
	if got != hello {
		t.Errorf("PathFromDigest() = %v, want %v", got, hello)
	}

	_, err = s.PathFromDigest(context.Background(), strings.Repeat("c", 32))
	if !errors.Is(err, ErrNotInStore) {
		t.Errorf("PathFromDigest(unknown) error = %v, want ErrNotInStore", err)
	}

	_, err = s.PathFromDigest(context.Background(), "not-a-digest")
	if !errors.Is(err, ErrNotInStore) {
		t.Errorf("PathFromDigest(malformed) error = %v, want ErrNotInStore", err)
	}
}

func TestDirectQueryReferrers(t *testing.T) {
	t.Parallel()

	s, hello, glibc := openFixture(t)

	referrers, err := s.QueryReferrers(context.Background(), glibc)
	if err != nil {
		t.Fatalf("QueryReferrers() error: %v", err)
	}
	if len(referrers) != 1 || referrers[0] != hello {
		t.Errorf("QueryReferrers(glibc) = %v, want [%v]", referrers, hello)
	}

	referrers, err = s.QueryReferrers(context.Background(), hello)
	if err != nil {
		t.Fatalf("QueryReferrers() error: %v", err)
	}
	if len(referrers) != 0 {
		t.Errorf("QueryReferrers(hello) = %v, want none", referrers)
	}
}

func TestDirectOpenNAR(t *testing.T) {
	t.Parallel()

	s, hello, _ := openFixture(t)

	rc, size, err := s.OpenNAR(context.Background(), hello)
	if err != nil {
		t.Fatalf("OpenNAR() error: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if int64(len(got)) != size {
		t.Errorf("read %d bytes, want %d", len(got), size)
	}

	info, err := s.QueryPathInfo(context.Background(), hello)
	if err != nil {
		t.Fatal(err)
	}
	if store.HashBytes(got) != info.NarHash {
		t.Error("archive hash does not match the recorded hash")
	}
}

func TestDirectOpenNARDetectsTampering(t *testing.T) {
	t.Parallel()

	storeDir, dbPath, hello, _ := createFixture(t)
	s, err := OpenDirect(DirectConfig{StoreDir: storeDir, DatabasePath: dbPath})
	if err != nil {
		t.Fatalf("OpenDirect() error: %v", err)
	}
	defer s.Close()

	// Corrupt the tree after registration.
	readme := filepath.Join(storeDir, hello.String(), "README")
	if err := os.WriteFile(readme, []byte("tampered contents!\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, _, err := s.OpenNAR(context.Background(), hello)
	if err != nil {
		t.Fatalf("OpenNAR() error: %v", err)
	}
	defer rc.Close()

	_, err = io.ReadAll(rc)
	var integrity *store.IntegrityError
	if !errors.As(err, &integrity) {
		t.Errorf("reading tampered archive: error = %v, want IntegrityError", err)
	}
}

func TestDirectOpenNARMissingPath(t *testing.T) {
	t.Parallel()

	s, _, _ := openFixture(t)
	missing := testPath(t, strings.Repeat("c", 32)+"-missing-1.0")

	_, _, err := s.OpenNAR(context.Background(), missing)
	if !errors.Is(err, ErrNotInStore) {
		t.Errorf("OpenNAR() error = %v, want ErrNotInStore", err)
	}
}

func TestDirectConcurrentQueries(t *testing.T) {
	t.Parallel()

	s, hello, glibc := openFixture(t)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		path := hello
		if i%2 == 1 {
			path = glibc
		}
		go func() {
			_, err := s.QueryPathInfo(context.Background(), path)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent query error: %v", err)
		}
	}
}

func TestOpenDirectRequiresStoreDir(t *testing.T) {
	t.Parallel()

	if _, err := OpenDirect(DirectConfig{}); err == nil {
		t.Error("OpenDirect() with empty StoreDir succeeded, want error")
	}
}

func TestOpenDirectMissingDatabase(t *testing.T) {
	t.Parallel()

	_, err := OpenDirect(DirectConfig{
		StoreDir:     "/nix/store",
		DatabasePath: filepath.Join(t.TempDir(), "no-such.sqlite"),
	})
	if err == nil {
		t.Error("OpenDirect() with missing database succeeded, want error")
	}
}
