// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/nixcast/nixcast/cmd/nixcast/cli"
	"github.com/nixcast/nixcast/lib/version"
)

// Root builds the complete nixcast command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "nixcast",
		Description: `Nixcast: binary cache synchronizer for content-addressed stores.

Push store path closures to filesystem, SSH, or HTTP caches, fetch
them back, and serve the local store as a signed binary cache.`,
		Subcommands: []*cli.Command{
			addCommand(),
			pullCommand(),
			serveCommand(),
			infoCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("nixcast %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Push a closure to the configured remotes",
				Command:     "nixcast add /nix/store/b6gvzjyb2pg0kjfwrjmg1vfhpfs2bsqx-hello-2.12.2",
			},
			{
				Description: "Push to an explicit filesystem cache",
				Command:     "nixcast add --to file:///var/cache/nixcast /nix/store/...-hello-2.12.2",
			},
			{
				Description: "Fetch a closure from an HTTP cache",
				Command:     "nixcast pull --from https://cache.example.org /nix/store/...-hello-2.12.2",
			},
			{
				Description: "Serve the local store as a binary cache",
				Command:     "nixcast serve --listen :8080",
			},
			{
				Description: "Inspect a path's metadata and closure size",
				Command:     "nixcast info /nix/store/...-hello-2.12.2",
			},
		},
	}
}
