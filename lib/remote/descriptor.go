// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Descriptor is a parsed remote URL. The scheme selects the backend
// family; the remaining fields only apply to their family.
type Descriptor struct {
	// Raw is the descriptor as given.
	Raw string

	// Kind is the backend family the URL selects.
	Kind Kind

	// Root is the cache directory (filesystem).
	Root string

	// User, Host, Port, and RemoteStoreDir address an SSH store.
	// RemoteStoreDir is empty when the URL does not override the
	// remote's default store directory.
	User           string
	Host           string
	Port           int
	RemoteStoreDir string

	// Endpoint is the base URL of an HTTP cache, without a trailing
	// slash.
	Endpoint string
}

// ParseDescriptor parses a remote descriptor: "file:///path" or a bare
// filesystem path, "ssh://[user@]host[:port][/store/dir]", or
// "http(s)://host[/prefix]".
func ParseDescriptor(raw string) (*Descriptor, error) {
	if raw == "" {
		return nil, fmt.Errorf("remote descriptor is empty")
	}

	// Bare paths have no scheme.
	if !strings.Contains(raw, "://") {
		root, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("remote path %q: %w", raw, err)
		}
		return &Descriptor{Raw: raw, Kind: KindFilesystem, Root: root}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote descriptor %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return nil, fmt.Errorf("remote descriptor %q: file URLs cannot name a host", raw)
		}
		if u.Path == "" {
			return nil, fmt.Errorf("remote descriptor %q has no path", raw)
		}
		return &Descriptor{Raw: raw, Kind: KindFilesystem, Root: u.Path}, nil

	case "ssh":
		if u.Hostname() == "" {
			return nil, fmt.Errorf("remote descriptor %q has no host", raw)
		}
		d := &Descriptor{
			Raw:  raw,
			Kind: KindSSH,
			Host: u.Hostname(),
		}
		if u.User != nil {
			d.User = u.User.Username()
		}
		if port := u.Port(); port != "" {
			d.Port, err = strconv.Atoi(port)
			if err != nil || d.Port <= 0 || d.Port > 65535 {
				return nil, fmt.Errorf("remote descriptor %q: bad port %q", raw, port)
			}
		}
		if u.Path != "" && u.Path != "/" {
			d.RemoteStoreDir = strings.TrimSuffix(u.Path, "/")
		}
		return d, nil

	case "http", "https":
		if u.Hostname() == "" {
			return nil, fmt.Errorf("remote descriptor %q has no host", raw)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return nil, fmt.Errorf("remote descriptor %q: query and fragment are not allowed", raw)
		}
		return &Descriptor{
			Raw:      raw,
			Kind:     KindHTTP,
			Endpoint: strings.TrimSuffix(u.String(), "/"),
		}, nil

	default:
		return nil, fmt.Errorf("remote descriptor %q: unsupported scheme %q", raw, u.Scheme)
	}
}
