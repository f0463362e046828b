package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/config"
	"github.com/yy945635407/screen-region-stream/internal/health"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { cfgFile = "" })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	if !strings.Contains(out, "regionstream v"+version) {
		t.Fatalf("version output = %q", out)
	}
}

func TestConfigShowMasksPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regionstream.yaml")
	body := "source: obs\nobs:\n  password: hunter2\nregion:\n  width: 320\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out := execute(t, "config", "show", "--config", path)
	if strings.Contains(out, "hunter2") {
		t.Fatal("config show printed the OBS password")
	}
	for _, want := range []string{"source: obs", "width: 320", "ws_addr: 0.0.0.0:8765", "********"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show output missing %q:\n%s", want, out)
		}
	}
}

func TestBuildLocalPatternSource(t *testing.T) {
	cfg := config.Default()
	cfg.Source = config.SourcePattern
	mon := health.NewMonitor()

	src, conn, err := buildSource(cfg, mon)
	if err != nil {
		t.Fatalf("buildSource: %v", err)
	}
	defer src.Close()
	if conn != nil {
		t.Fatal("local source returned a backend connection")
	}
	if src.Name() != "pattern" {
		t.Fatalf("source = %q, want pattern", src.Name())
	}
}

func TestBuildOBSSourceStartsUnhealthy(t *testing.T) {
	cfg := config.Default()
	cfg.Source = config.SourceOBS
	mon := health.NewMonitor()

	src, conn, err := buildSource(cfg, mon)
	if err != nil {
		t.Fatalf("buildSource: %v", err)
	}
	defer src.Close()
	if conn == nil || src.Name() != "obs" {
		t.Fatalf("want an obs backend connection, got %v", src.Name())
	}
	if c, ok := mon.Get("backend"); !ok || c.Status != health.Unhealthy {
		t.Fatalf("backend health = %+v, want unhealthy before connect", c)
	}
}

func TestHubConfigUsesSourceCadence(t *testing.T) {
	cfg := config.Default()
	hc := hubConfig(cfg)
	if hc.Interval != 33*time.Millisecond || hc.AcquireTimeout != 0 {
		t.Fatalf("screen cadence = %v / %v, want 33ms / one interval", hc.Interval, hc.AcquireTimeout)
	}

	cfg.Source = config.SourceOBS
	hc = hubConfig(cfg)
	if hc.Interval != 100*time.Millisecond || hc.AcquireTimeout != 500*time.Millisecond {
		t.Fatalf("obs cadence = %v / %v, want 100ms / 500ms", hc.Interval, hc.AcquireTimeout)
	}
}
