package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yy945635407/screen-region-stream/internal/config"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "regionstream",
	Short: "Stream a screen region to websocket viewers",
	Long: `regionstream captures a rectangle of the local screen, or of an OBS Studio
source, and broadcasts it as a live image stream to browser viewers. Viewers
can move and resize the region while the stream runs.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capturing and serving viewers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the OBS sources and show which one would be captured",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSources(cmd)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "regionstream v%s\n", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is regionstream.yaml in /etc/regionstream or the working directory)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("log-file", "", "write logs to this file with size-based rotation")

	sf := serveCmd.Flags()
	sf.String("ws-addr", "", "viewer websocket listen address")
	sf.String("http-addr", "", "viewer page listen address")
	sf.String("source", "", "capture source: screen, dxgi, obs or pattern")
	sf.Int("left", 0, "region left edge")
	sf.Int("top", 0, "region top edge")
	sf.Int("width", 0, "region width")
	sf.Int("height", 0, "region height")
	sf.Duration("interval", 0, "capture interval for local sources, e.g. 33ms")
	sf.Duration("obs-interval", 0, "capture interval for the obs source, e.g. 100ms")
	sf.Int("quality", 0, "JPEG quality 1-100")
	sf.String("frame-mode", "", "frame framing: binary or base64")
	sf.String("web-dir", "", "serve the viewer page from this directory instead of the built-in one")
	addOBSFlags(sf)
	addOBSFlags(sourcesCmd.Flags())

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func addOBSFlags(fs *pflag.FlagSet) {
	fs.String("obs-host", "", "OBS websocket host")
	fs.Int("obs-port", 0, "OBS websocket port")
	fs.String("obs-password", "", "OBS websocket password")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration for cmd. Validation
// problems are logged and corrected, never fatal.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Validate()
	return cfg, nil
}
