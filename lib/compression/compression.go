// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec is one archive compression algorithm, identified by the name
// carried in a narinfo Compression field. Codecs are stateless;
// readers and writers created from them are not safe for concurrent
// use, but the Codec values themselves are.
type Codec interface {
	// Name is the narinfo Compression identifier: "none", "xz",
	// "zstd", "gzip", or "lz4".
	Name() string

	// Extension is the archive filename suffix including the dot,
	// or "" for uncompressed archives.
	Extension() string

	// NewReader returns a decompressing reader over r. Closing it
	// releases codec resources but does not close r.
	NewReader(r io.Reader) (io.ReadCloser, error)

	// NewWriter returns a compressing writer to w. Close flushes the
	// final block; it does not close w.
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// ByName returns the codec for a narinfo Compression value.
func ByName(name string) (Codec, error) {
	switch name {
	case "none", "":
		return noneCodec{}, nil
	case "xz":
		return xzCodec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

// ByExtension returns the codec for an archive filename suffix.
// "nar/abc.nar.zst" and ".zst" both select zstd; a name without a
// compression suffix selects none.
func ByExtension(name string) (Codec, error) {
	switch {
	case strings.HasSuffix(name, ".xz"):
		return xzCodec{}, nil
	case strings.HasSuffix(name, ".zst"):
		return zstdCodec{}, nil
	case strings.HasSuffix(name, ".gz"):
		return gzipCodec{}, nil
	case strings.HasSuffix(name, ".lz4"):
		return lz4Codec{}, nil
	case strings.HasSuffix(name, ".nar"), !strings.Contains(name, "."):
		return noneCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported archive extension on %q", name)
	}
}

// Names lists the supported codec names, the order used in help text
// and validation messages.
func Names() []string {
	return []string{"none", "xz", "zstd", "gzip", "lz4"}
}

// --- none ---

type noneCodec struct{}

func (noneCodec) Name() string      { return "none" }
func (noneCodec) Extension() string { return "" }

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// --- xz ---

type xzCodec struct{}

func (xzCodec) Name() string      { return "xz" }
func (xzCodec) Extension() string { return ".xz" }

func (xzCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening xz stream: %w", err)
	}
	return io.NopCloser(xr), nil
}

func (xzCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("opening xz writer: %w", err)
	}
	return xw, nil
}

// --- zstd ---

type zstdCodec struct{}

func (zstdCodec) Name() string      { return "zstd" }
func (zstdCodec) Extension() string { return ".zst" }

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening zstd stream: %w", err)
	}
	return zr.IOReadCloser(), nil
}

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	// SpeedDefault (level 3): good ratio without excessive CPU, the
	// same tradeoff the rest of the codebase makes for bulk data.
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("opening zstd writer: %w", err)
	}
	return zw, nil
}

// --- gzip ---

type gzipCodec struct{}

func (gzipCodec) Name() string      { return "gzip" }
func (gzipCodec) Extension() string { return ".gz" }

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return gr, nil
}

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

// --- lz4 ---

type lz4Codec struct{}

func (lz4Codec) Name() string      { return "lz4" }
func (lz4Codec) Extension() string { return ".lz4" }

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}
