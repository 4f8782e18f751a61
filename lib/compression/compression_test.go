// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTripAllCodecs(t *testing.T) {
	t.Parallel()

	// Compressible content with some structure, larger than typical
	// codec block thresholds.
	content := bytes.Repeat([]byte("nixcast archive payload 0123456789 "), 4096)

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			codec, err := ByName(name)
			if err != nil {
				t.Fatalf("ByName(%q) error: %v", name, err)
			}
			if codec.Name() != name {
				t.Errorf("Name() = %q, want %q", codec.Name(), name)
			}

			var compressed bytes.Buffer
			writer, err := codec.NewWriter(&compressed)
			if err != nil {
				t.Fatalf("NewWriter() error: %v", err)
			}
			if _, err := writer.Write(content); err != nil {
				t.Fatalf("Write() error: %v", err)
			}
			if err := writer.Close(); err != nil {
				t.Fatalf("Close() error: %v", err)
			}

			reader, err := codec.NewReader(bytes.NewReader(compressed.Bytes()))
			if err != nil {
				t.Fatalf("NewReader() error: %v", err)
			}
			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("ReadAll() error: %v", err)
			}
			if err := reader.Close(); err != nil {
				t.Fatalf("reader Close() error: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(content))
			}

			if name != "none" && compressed.Len() >= len(content) {
				t.Errorf("compressed %d bytes >= input %d bytes", compressed.Len(), len(content))
			}
		})
	}
}

func TestByNameUnknown(t *testing.T) {
	t.Parallel()

	if _, err := ByName("bzip2"); err == nil {
		t.Error("ByName(bzip2) succeeded, want error")
	}
}

func TestByNameEmptyMeansNone(t *testing.T) {
	t.Parallel()

	codec, err := ByName("")
	if err != nil {
		t.Fatalf("ByName(\"\") error: %v", err)
	}
	if codec.Name() != "none" {
		t.Errorf("Name() = %q, want none", codec.Name())
	}
}

func TestByExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"nar/abc123.nar.xz", "xz", false},
		{"nar/abc123.nar.zst", "zstd", false},
		{"nar/abc123.nar.gz", "gzip", false},
		{"nar/abc123.nar.lz4", "lz4", false},
		{"nar/abc123.nar", "none", false},
		{"nar/abc123.nar.bz2", "", true},
	}
	for _, test := range tests {
		codec, err := ByExtension(test.name)
		if test.wantErr {
			if err == nil {
				t.Errorf("ByExtension(%q) succeeded, want error", test.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ByExtension(%q) error: %v", test.name, err)
			continue
		}
		if codec.Name() != test.wantName {
			t.Errorf("ByExtension(%q) = %q, want %q", test.name, codec.Name(), test.wantName)
		}
	}
}

func TestExtensionMatchesName(t *testing.T) {
	t.Parallel()

	want := map[string]string{
		"none": "",
		"xz":   ".xz",
		"zstd": ".zst",
		"gzip": ".gz",
		"lz4":  ".lz4",
	}
	for name, ext := range want {
		codec, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q) error: %v", name, err)
		}
		if codec.Extension() != ext {
			t.Errorf("%s Extension() = %q, want %q", name, codec.Extension(), ext)
		}
	}
}

func TestNoneCodecPassesBytesThrough(t *testing.T) {
	t.Parallel()

	codec, _ := ByName("none")
	var out bytes.Buffer
	writer, _ := codec.NewWriter(&out)
	content := []byte("raw bytes")
	writer.Write(content)
	writer.Close()
	if !bytes.Equal(out.Bytes(), content) {
		t.Errorf("none codec altered bytes: got %q", out.Bytes())
	}
}
