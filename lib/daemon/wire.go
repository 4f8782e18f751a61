// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The worker protocol frames everything as little-endian u64s.
// Strings are a u64 byte length, the bytes, and zero padding to the
// next 8-byte boundary; string lists are a u64 count followed by that
// many strings.

// maxStringLen bounds a single wire string. Store paths, hashes, and
// signature lines are all well under this; a larger length prefix
// means a corrupt or hostile stream, not a legitimate message.
const maxStringLen = 1 << 20

type wireReader struct {
	r io.Reader
}

func (w wireReader) uint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(w.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w wireReader) bool() (bool, error) {
	v, err := w.uint64()
	return v != 0, err
}

func (w wireReader) string() (string, error) {
	length, err := w.uint64()
	if err != nil {
		return "", err
	}
	if length > maxStringLen {
		return "", fmt.Errorf("wire string of %d bytes exceeds limit", length)
	}
	padded := (length + 7) &^ 7
	buf := make([]byte, padded)
	if _, err := io.ReadFull(w.r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func (w wireReader) strings() ([]string, error) {
	count, err := w.uint64()
	if err != nil {
		return nil, err
	}
	if count > maxStringLen {
		return nil, fmt.Errorf("wire string list of %d entries exceeds limit", count)
	}
	list := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, err := w.string()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

type wireWriter struct {
	w io.Writer
}

func (w wireWriter) uint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.w.Write(buf[:])
	return err
}

func (w wireWriter) bool(v bool) error {
	if v {
		return w.uint64(1)
	}
	return w.uint64(0)
}

func (w wireWriter) string(s string) error {
	if err := w.uint64(uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w.w, s); err != nil {
		return err
	}
	if rem := len(s) % 8; rem != 0 {
		var zeros [8]byte
		if _, err := w.w.Write(zeros[:8-rem]); err != nil {
			return err
		}
	}
	return nil
}

func (w wireWriter) strings(list []string) error {
	if err := w.uint64(uint64(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := w.string(s); err != nil {
			return err
		}
	}
	return nil
}
