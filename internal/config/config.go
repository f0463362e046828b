package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yy945635407/screen-region-stream/internal/backend"
	"github.com/yy945635407/screen-region-stream/internal/capture"
)

// Source names accepted by the source key.
const (
	SourceScreen  = "screen"
	SourceDXGI    = "dxgi"
	SourceOBS     = "obs"
	SourcePattern = "pattern"
)

type Config struct {
	WSAddr   string `mapstructure:"ws_addr" yaml:"ws_addr"`
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`

	Source         string         `mapstructure:"source" yaml:"source"`
	Region         capture.Region `mapstructure:"region" yaml:"region"`
	Interval       time.Duration  `mapstructure:"interval" yaml:"interval"`
	Quality        int            `mapstructure:"quality" yaml:"quality"`
	ImageFormat    string         `mapstructure:"image_format" yaml:"image_format"`
	Scale          float64        `mapstructure:"scale" yaml:"scale"`
	FrameMode      string         `mapstructure:"frame_mode" yaml:"frame_mode"`
	SendTimeout    time.Duration  `mapstructure:"send_timeout" yaml:"send_timeout"`
	AcquireTimeout time.Duration  `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	ErrorBackoff   time.Duration  `mapstructure:"error_backoff" yaml:"error_backoff"`
	MaxViewers     int            `mapstructure:"max_viewers" yaml:"max_viewers"`
	ControlRate    float64        `mapstructure:"control_rate" yaml:"control_rate"`
	ControlBurst   int            `mapstructure:"control_burst" yaml:"control_burst"`

	OBS OBSConfig `mapstructure:"obs" yaml:"obs"`

	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat       string        `mapstructure:"log_format" yaml:"log_format"`
	LogFile         string        `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB    int           `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups   int           `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval" yaml:"metrics_interval"`

	WebDir string `mapstructure:"web_dir" yaml:"web_dir"`
}

// OBSConfig configures the OBS websocket backend.
type OBSConfig struct {
	Host                   string        `mapstructure:"host" yaml:"host"`
	Port                   int           `mapstructure:"port" yaml:"port"`
	Password               string        `mapstructure:"password" yaml:"password"`
	Sources                []string      `mapstructure:"sources" yaml:"sources"`
	Interval               time.Duration `mapstructure:"interval" yaml:"interval"`
	AcquireTimeout         time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	MinFrameBytes          int           `mapstructure:"min_frame_bytes" yaml:"min_frame_bytes"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ImageFormat            string        `mapstructure:"image_format" yaml:"image_format"`
	ImageQuality           int           `mapstructure:"image_quality" yaml:"image_quality"`
	Crop                   bool          `mapstructure:"crop" yaml:"crop"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	DegradedGracePeriod    time.Duration `mapstructure:"degraded_grace_period" yaml:"degraded_grace_period"`
	ResolveCooldown        time.Duration `mapstructure:"resolve_cooldown" yaml:"resolve_cooldown"`
	HealthInterval         time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	BackoffInitial         time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax             time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

func Default() *Config {
	return &Config{
		WSAddr:          "0.0.0.0:8765",
		HTTPAddr:        "0.0.0.0:8080",
		Source:          SourceScreen,
		Region:          capture.DefaultRegion(),
		Interval:        33 * time.Millisecond,
		Quality:         85,
		ImageFormat:     "jpeg",
		Scale:           1,
		FrameMode:       "binary",
		SendTimeout:     100 * time.Millisecond,
		ErrorBackoff:    time.Second,
		MaxViewers:      64,
		ControlRate:     20,
		ControlBurst:    40,
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    20,
		LogMaxBackups:   3,
		MetricsInterval: time.Minute,
		OBS: OBSConfig{
			Host:                   "localhost",
			Port:                   4455,
			Sources:                append([]string(nil), backend.DefaultCandidates...),
			Interval:               100 * time.Millisecond,
			AcquireTimeout:         500 * time.Millisecond,
			MinFrameBytes:          1024,
			ProbeTimeout:           2 * time.Second,
			ImageFormat:            "jpeg",
			Crop:                   true,
			MaxConsecutiveFailures: 5,
			DegradedGracePeriod:    10 * time.Second,
			ResolveCooldown:        3 * time.Second,
			HealthInterval:         5 * time.Second,
			ConnectTimeout:         10 * time.Second,
			BackoffInitial:         time.Second,
			BackoffMax:             30 * time.Second,
		},
	}
}

// Cadence returns the tick interval and per-tick acquire timeout for the
// configured source. A screenshot round trip to OBS takes far longer than a
// local grab, so the obs source has its own pair.
func (c *Config) Cadence() (interval, acquireTimeout time.Duration) {
	if c.Source == SourceOBS {
		return c.OBS.Interval, c.OBS.AcquireTimeout
	}
	return c.Interval, c.AcquireTimeout
}

// Load reads the config file (explicit path, or regionstream.yaml in the
// config dir or the working directory), then REGIONSTREAM_* environment
// variables, then any flags in fs that were set on the command line.
func Load(cfgFile string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("regionstream")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REGIONSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// appear in no config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("ws_addr", cfg.WSAddr)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("source", cfg.Source)
	v.SetDefault("region.left", cfg.Region.Left)
	v.SetDefault("region.top", cfg.Region.Top)
	v.SetDefault("region.width", cfg.Region.Width)
	v.SetDefault("region.height", cfg.Region.Height)
	v.SetDefault("interval", cfg.Interval)
	v.SetDefault("quality", cfg.Quality)
	v.SetDefault("image_format", cfg.ImageFormat)
	v.SetDefault("scale", cfg.Scale)
	v.SetDefault("frame_mode", cfg.FrameMode)
	v.SetDefault("send_timeout", cfg.SendTimeout)
	v.SetDefault("acquire_timeout", cfg.AcquireTimeout)
	v.SetDefault("error_backoff", cfg.ErrorBackoff)
	v.SetDefault("max_viewers", cfg.MaxViewers)
	v.SetDefault("control_rate", cfg.ControlRate)
	v.SetDefault("control_burst", cfg.ControlBurst)

	v.SetDefault("obs.host", cfg.OBS.Host)
	v.SetDefault("obs.port", cfg.OBS.Port)
	v.SetDefault("obs.password", cfg.OBS.Password)
	v.SetDefault("obs.sources", cfg.OBS.Sources)
	v.SetDefault("obs.interval", cfg.OBS.Interval)
	v.SetDefault("obs.acquire_timeout", cfg.OBS.AcquireTimeout)
	v.SetDefault("obs.min_frame_bytes", cfg.OBS.MinFrameBytes)
	v.SetDefault("obs.probe_timeout", cfg.OBS.ProbeTimeout)
	v.SetDefault("obs.image_format", cfg.OBS.ImageFormat)
	v.SetDefault("obs.image_quality", cfg.OBS.ImageQuality)
	v.SetDefault("obs.crop", cfg.OBS.Crop)
	v.SetDefault("obs.max_consecutive_failures", cfg.OBS.MaxConsecutiveFailures)
	v.SetDefault("obs.degraded_grace_period", cfg.OBS.DegradedGracePeriod)
	v.SetDefault("obs.resolve_cooldown", cfg.OBS.ResolveCooldown)
	v.SetDefault("obs.health_interval", cfg.OBS.HealthInterval)
	v.SetDefault("obs.connect_timeout", cfg.OBS.ConnectTimeout)
	v.SetDefault("obs.backoff_initial", cfg.OBS.BackoffInitial)
	v.SetDefault("obs.backoff_max", cfg.OBS.BackoffMax)

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("metrics_interval", cfg.MetricsInterval)
	v.SetDefault("web_dir", cfg.WebDir)
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"ws-addr":      "ws_addr",
	"http-addr":    "http_addr",
	"source":       "source",
	"left":         "region.left",
	"top":          "region.top",
	"width":        "region.width",
	"height":       "region.height",
	"interval":     "interval",
	"quality":      "quality",
	"frame-mode":   "frame_mode",
	"obs-interval": "obs.interval",
	"obs-host":     "obs.host",
	"obs-port":     "obs.port",
	"obs-password": "obs.password",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"log-file":     "log_file",
	"web-dir":      "web_dir",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "RegionStream")
	case "darwin":
		return "/Library/Application Support/RegionStream"
	default:
		return "/etc/regionstream"
	}
}
