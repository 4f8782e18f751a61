// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Magic is the token that opens every NAR stream.
const Magic = "nix-archive-1"

// Encode writes the canonical NAR serialization of the filesystem
// tree rooted at fsPath to w. The output is deterministic: directory
// entries are emitted in byte-sorted name order, and nothing outside
// file content, type, the executable bit, and symlink targets is
// recorded (no timestamps, owners, or modes).
//
// Regular files stream through a fixed-size buffer; the archive is
// never held in memory. A file whose size changes between stat and
// read fails the encode rather than producing a silently corrupt
// archive.
func Encode(w io.Writer, fsPath string) error {
	buffered := bufio.NewWriterSize(w, 64*1024)
	enc := &encoder{w: buffered}
	enc.token(Magic)
	enc.node(fsPath)
	if enc.err != nil {
		return enc.err
	}
	return buffered.Flush()
}

// encoder accumulates the first write error and turns subsequent
// operations into no-ops, so the node walk reads linearly.
type encoder struct {
	w   *bufio.Writer
	err error
}

func (e *encoder) node(fsPath string) {
	if e.err != nil {
		return
	}
	info, err := os.Lstat(fsPath)
	if err != nil {
		e.err = fmt.Errorf("stat %s: %w", fsPath, err)
		return
	}

	e.token("(")
	e.token("type")
	switch {
	case info.Mode().IsRegular():
		e.token("regular")
		if info.Mode()&0o111 != 0 {
			e.token("executable")
			e.token("")
		}
		e.token("contents")
		e.fileContents(fsPath, info.Size())

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			e.err = fmt.Errorf("readlink %s: %w", fsPath, err)
			return
		}
		e.token("symlink")
		e.token("target")
		e.token(target)

	case info.IsDir():
		e.token("directory")
		entries, err := os.ReadDir(fsPath)
		if err != nil {
			e.err = fmt.Errorf("reading directory %s: %w", fsPath, err)
			return
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Name() < entries[j].Name()
		})
		for _, entry := range entries {
			e.token("entry")
			e.token("(")
			e.token("name")
			e.token(entry.Name())
			e.token("node")
			e.node(filepath.Join(fsPath, entry.Name()))
			e.token(")")
		}

	default:
		e.err = fmt.Errorf("unsupported file type %s at %s", info.Mode(), fsPath)
		return
	}
	e.token(")")
}

// token writes a padded string: u64 little-endian length, the bytes,
// and zero padding to the next 8-byte boundary.
func (e *encoder) token(s string) {
	if e.err != nil {
		return
	}
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(s)))
	if _, err := e.w.Write(length[:]); err != nil {
		e.err = err
		return
	}
	if _, err := e.w.WriteString(s); err != nil {
		e.err = err
		return
	}
	e.pad(len(s))
}

// fileContents writes a blob token: the declared length, exactly that
// many bytes of file content, and padding.
func (e *encoder) fileContents(fsPath string, size int64) {
	if e.err != nil {
		return
	}
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(size))
	if _, err := e.w.Write(length[:]); err != nil {
		e.err = err
		return
	}

	file, err := os.Open(fsPath)
	if err != nil {
		e.err = fmt.Errorf("opening %s: %w", fsPath, err)
		return
	}
	defer file.Close()

	copied, err := io.Copy(e.w, io.LimitReader(file, size))
	if err != nil {
		e.err = fmt.Errorf("reading %s: %w", fsPath, err)
		return
	}
	if copied != size {
		e.err = fmt.Errorf("file %s shrank during archive: read %d bytes, declared %d", fsPath, copied, size)
		return
	}
	// Detect growth: a single extra byte means the declared length no
	// longer matches the content.
	var probe [1]byte
	if n, _ := file.Read(probe[:]); n > 0 {
		e.err = fmt.Errorf("file %s grew during archive: declared %d bytes", fsPath, size)
		return
	}

	e.pad(int(size % 8))
}

func (e *encoder) pad(n int) {
	if e.err != nil {
		return
	}
	if rem := n % 8; rem != 0 {
		var zeros [8]byte
		if _, err := e.w.Write(zeros[:8-rem]); err != nil {
			e.err = err
		}
	}
}

// Size returns the byte length of the NAR serialization of fsPath
// without producing it. Direct-mode serving uses the size recorded in
// the store database instead; this exists for tests and tooling.
func Size(fsPath string) (int64, error) {
	var counter countingWriter
	if err := Encode(&counter, fsPath); err != nil {
		return 0, err
	}
	return counter.n, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
