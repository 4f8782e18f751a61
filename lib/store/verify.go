// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
)

// IntegrityError reports content whose observed hash or size disagrees
// with its declared metadata. Callers use errors.As to detect it; it
// is never retried, and the stream that produced it must be considered
// unusable.
type IntegrityError struct {
	// Subject names what was being verified: a store path basename
	// or an archive URL.
	Subject string

	// WantHash and GotHash are the declared and observed content
	// hashes. GotHash is zero when the stream ended before the
	// declared size, so no full-content hash exists.
	WantHash Hash
	GotHash  Hash

	// WantSize and GotSize are the declared and observed byte
	// counts. GotSize exceeds WantSize by at most one probe byte
	// when the stream ran long.
	WantSize int64
	GotSize  int64
}

func (e *IntegrityError) Error() string {
	if e.GotSize != e.WantSize {
		return fmt.Sprintf("integrity mismatch for %s: got %d bytes, want %d", e.Subject, e.GotSize, e.WantSize)
	}
	return fmt.Sprintf("integrity mismatch for %s: got %s, want %s", e.Subject, e.GotHash, e.WantHash)
}

// IsIntegrityMismatch reports whether err is or wraps an
// IntegrityError.
func IsIntegrityMismatch(err error) bool {
	var integrityErr *IntegrityError
	return errors.As(err, &integrityErr)
}

// NewVerifiedReader wraps r so that the stream's SHA-256 hash and
// length are checked against the declared values. The final Read
// returns an IntegrityError instead of io.EOF when the content
// diverges: a short stream, a long stream, and a hash mismatch all
// surface before the consumer can treat the content as complete.
// Errors are sticky.
//
// The reader never yields more than size bytes; a longer underlying
// stream is detected by a one-byte probe at the declared boundary.
func NewVerifiedReader(r io.Reader, subject string, want Hash, size int64) io.Reader {
	return &verifiedReader{
		r:       r,
		digest:  sha256.New(),
		subject: subject,
		want:    want,
		size:    size,
	}
}

type verifiedReader struct {
	r       io.Reader
	digest  hash.Hash
	subject string
	want    Hash
	size    int64
	read    int64
	err     error
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}

	if v.read == v.size {
		v.err = v.finish()
		return 0, v.err
	}

	if remaining := v.size - v.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := v.r.Read(p)
	if n > 0 {
		v.digest.Write(p[:n])
		v.read += int64(n)
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if v.read < v.size {
			v.err = &IntegrityError{
				Subject:  v.subject,
				WantHash: v.want,
				WantSize: v.size,
				GotSize:  v.read,
			}
		} else {
			v.err = v.finish()
		}
		return n, v.err
	default:
		v.err = err
		return n, err
	}
}

// finish runs at the declared size boundary: probe for trailing bytes,
// then compare the accumulated digest.
func (v *verifiedReader) finish() error {
	var probe [1]byte
	n, err := v.r.Read(probe[:])
	if n > 0 {
		return &IntegrityError{
			Subject:  v.subject,
			WantHash: v.want,
			WantSize: v.size,
			GotSize:  v.size + 1,
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	var got Hash
	v.digest.Sum(got[:0])
	if got != v.want {
		return &IntegrityError{
			Subject:  v.subject,
			WantHash: v.want,
			GotHash:  got,
			WantSize: v.size,
			GotSize:  v.size,
		}
	}
	return io.EOF
}
