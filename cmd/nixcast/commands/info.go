// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nixcast/nixcast/cmd/nixcast/cli"
	"github.com/nixcast/nixcast/lib/closure"
	"github.com/nixcast/nixcast/lib/store"
)

// pathReport is the JSON shape for one store path.
type pathReport struct {
	Path           string   `json:"path"`
	Deriver        string   `json:"deriver,omitempty"`
	NarHash        string   `json:"narHash"`
	NarSize        int64    `json:"narSize"`
	References     []string `json:"references"`
	Signatures     []string `json:"signatures,omitempty"`
	CA             string   `json:"ca,omitempty"`
	ClosurePaths   int      `json:"closurePaths"`
	ClosureNarSize int64    `json:"closureNarSize"`
}

func infoCommand() *cli.Command {
	var global globalFlags
	var asJSON bool

	return &cli.Command{
		Name:    "info",
		Summary: "Show metadata for local store paths",
		Description: `Print the metadata record for each given store path: NAR hash and
size, references, signatures, and the size of the full reference
closure.

With --json the records are printed as a JSON array instead of text.`,
		Usage: "nixcast info <store-path>... [flags]",
		Examples: []cli.Example{
			{
				Description: "Inspect a path",
				Command:     "nixcast info /nix/store/...-hello-2.12.2",
			},
			{
				Description: "Machine-readable output",
				Command:     "nixcast info --json /nix/store/...-hello-2.12.2",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "print records as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			cfg, logger, err := global.load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			roots, err := parseStorePaths(cfg.Store.Dir, args)
			if err != nil {
				return err
			}

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			reports := make([]pathReport, 0, len(roots))
			for _, root := range roots {
				report, err := describePath(ctx, st, cfg.Store.Dir, root)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(reports)
			}
			for i, report := range reports {
				if i > 0 {
					fmt.Println()
				}
				printPathReport(report)
			}
			return nil
		},
	}
}

func describePath(ctx context.Context, source closure.Source, storeDir string, root store.Path) (pathReport, error) {
	info, err := source.QueryPathInfo(ctx, root)
	if err != nil {
		return pathReport{}, fmt.Errorf("%s: %w", root.In(storeDir), err)
	}

	cl, err := closure.Resolve(ctx, source, []store.Path{root})
	if err != nil {
		return pathReport{}, fmt.Errorf("resolving closure of %s: %w", root.In(storeDir), err)
	}

	report := pathReport{
		Path:           info.Path.In(storeDir),
		NarHash:        info.NarHash.String(),
		NarSize:        info.NarSize,
		References:     make([]string, 0, len(info.References)),
		CA:             info.CA,
		ClosurePaths:   len(cl.Paths),
		ClosureNarSize: cl.TotalNarSize(),
	}
	if !info.Deriver.IsZero() {
		report.Deriver = info.Deriver.String()
	}
	for _, ref := range info.References {
		report.References = append(report.References, ref.String())
	}
	for _, sig := range info.Signatures {
		report.Signatures = append(report.Signatures, sig.String())
	}
	return report, nil
}

func printPathReport(report pathReport) {
	fmt.Printf("StorePath: %s\n", report.Path)
	if report.Deriver != "" {
		fmt.Printf("Deriver: %s\n", report.Deriver)
	}
	fmt.Printf("NarHash: %s\n", report.NarHash)
	fmt.Printf("NarSize: %d\n", report.NarSize)
	fmt.Printf("References: %d\n", len(report.References))
	for _, ref := range report.References {
		fmt.Printf("  %s\n", ref)
	}
	for _, sig := range report.Signatures {
		fmt.Printf("Sig: %s\n", sig)
	}
	if report.CA != "" {
		fmt.Printf("CA: %s\n", report.CA)
	}
	fmt.Printf("ClosurePaths: %d\n", report.ClosurePaths)
	fmt.Printf("ClosureNarSize: %d\n", report.ClosureNarSize)
}
