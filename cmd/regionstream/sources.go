package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yy945635407/screen-region-stream/internal/backend"
	"github.com/yy945635407/screen-region-stream/internal/logging"
)

func runSources(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.OBS.ConnectTimeout+cfg.OBS.ProbeTimeout*4)
	defer cancel()

	remote := newOBSRemote(cfg)
	if err := remote.Connect(ctx); err != nil {
		return fmt.Errorf("connect to OBS at %s:%d: %w", cfg.OBS.Host, cfg.OBS.Port, err)
	}
	defer remote.Close()

	discovered, err := remote.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	resolver := newResolver(cfg)
	selected, rerr := resolver.Resolve(ctx, remote, discovered)

	probed := make(map[string]backend.SourceCandidate)
	for _, rec := range resolver.Records() {
		probed[rec.Name] = rec
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sources (probe order, min %d bytes):\n", resolver.MinFrameBytes())
	for _, name := range resolver.Candidates(discovered) {
		rec, ok := probed[name]
		switch {
		case !ok:
			fmt.Fprintf(out, "  %-24s not probed\n", name)
		case rec.LastSuccess:
			fmt.Fprintf(out, "  %-24s ok (%d bytes)\n", name, rec.LastBytes)
		default:
			fmt.Fprintf(out, "  %-24s rejected: %s\n", name, rec.LastError)
		}
	}

	if rerr != nil {
		if errors.Is(rerr, backend.ErrNoUsableSource) {
			fmt.Fprintln(out, "No usable source; add one in OBS or list it under obs.sources.")
			return rerr
		}
		return fmt.Errorf("resolve source: %w", rerr)
	}
	fmt.Fprintf(out, "Selected: %s\n", selected)
	return nil
}
