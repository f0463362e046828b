package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/capture"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validSources = map[string]bool{
	SourceScreen:  true,
	SourceDXGI:    true,
	SourceOBS:     true,
	SourcePattern: true,
}

// Validate checks the config for invalid values and returns all errors found.
// Values that would break the cadence loop or the listeners are clamped or
// reset to their defaults; every adjustment is reported and logged.
func (c *Config) Validate() []error {
	var errs []error
	def := Default()

	for _, a := range []struct {
		key  string
		addr *string
		def  string
	}{
		{"ws_addr", &c.WSAddr, def.WSAddr},
		{"http_addr", &c.HTTPAddr, def.HTTPAddr},
	} {
		if _, _, err := net.SplitHostPort(*a.addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not host:port, using %s", a.key, *a.addr, a.def))
			*a.addr = a.def
		}
	}

	c.Source = strings.ToLower(c.Source)
	if !validSources[c.Source] {
		errs = append(errs, fmt.Errorf("source %q is not valid (use screen, dxgi, obs or pattern), using %s", c.Source, def.Source))
		c.Source = def.Source
	}

	if err := c.Region.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("region: %w, using %s", err, def.Region))
		c.Region = def.Region
	}

	// 1 ms floor keeps the loop from spinning; 10 s ceiling keeps it alive.
	c.Interval = clampDuration(&errs, "interval", c.Interval, time.Millisecond, 10*time.Second)

	if c.Quality < 1 {
		errs = append(errs, fmt.Errorf("quality %d is below minimum 1, clamping", c.Quality))
		c.Quality = 1
	} else if c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality %d exceeds maximum 100, clamping", c.Quality))
		c.Quality = 100
	}

	c.ImageFormat = strings.ToLower(c.ImageFormat)
	if c.ImageFormat != string(capture.FormatJPEG) && c.ImageFormat != string(capture.FormatPNG) {
		errs = append(errs, fmt.Errorf("image_format %q is not valid (use jpeg or png), using jpeg", c.ImageFormat))
		c.ImageFormat = string(capture.FormatJPEG)
	}

	if c.Scale <= 0 || c.Scale > 1 {
		errs = append(errs, fmt.Errorf("scale %v is outside (0, 1], using 1", c.Scale))
		c.Scale = 1
	}

	c.FrameMode = strings.ToLower(c.FrameMode)
	if c.FrameMode != "binary" && c.FrameMode != "base64" {
		errs = append(errs, fmt.Errorf("frame_mode %q is not valid (use binary or base64), using binary", c.FrameMode))
		c.FrameMode = "binary"
	}

	c.SendTimeout = clampDuration(&errs, "send_timeout", c.SendTimeout, 5*time.Millisecond, 10*time.Second)
	if c.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("acquire_timeout %v is negative, using one interval", c.AcquireTimeout))
		c.AcquireTimeout = 0
	}
	c.ErrorBackoff = clampDuration(&errs, "error_backoff", c.ErrorBackoff, 10*time.Millisecond, time.Minute)

	if c.MaxViewers < 1 {
		errs = append(errs, fmt.Errorf("max_viewers %d is below minimum 1, clamping", c.MaxViewers))
		c.MaxViewers = 1
	} else if c.MaxViewers > 4096 {
		errs = append(errs, fmt.Errorf("max_viewers %d exceeds maximum 4096, clamping", c.MaxViewers))
		c.MaxViewers = 4096
	}

	if c.ControlRate <= 0 {
		errs = append(errs, fmt.Errorf("control_rate %v must be positive, using %v", c.ControlRate, def.ControlRate))
		c.ControlRate = def.ControlRate
	}
	if c.ControlBurst < 1 {
		errs = append(errs, fmt.Errorf("control_burst %d is below minimum 1, clamping", c.ControlBurst))
		c.ControlBurst = 1
	}

	errs = append(errs, c.OBS.validate(def.OBS)...)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MetricsInterval < 0 {
		errs = append(errs, fmt.Errorf("metrics_interval %v is negative, disabling", c.MetricsInterval))
		c.MetricsInterval = 0
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

func (o *OBSConfig) validate(def OBSConfig) []error {
	var errs []error

	if o.Host == "" {
		errs = append(errs, fmt.Errorf("obs.host is empty, using %s", def.Host))
		o.Host = def.Host
	}
	if o.Port < 1 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("obs.port %d is out of range, using %d", o.Port, def.Port))
		o.Port = def.Port
	}
	if o.MinFrameBytes < 1 {
		errs = append(errs, fmt.Errorf("obs.min_frame_bytes %d is below minimum 1, using %d", o.MinFrameBytes, def.MinFrameBytes))
		o.MinFrameBytes = def.MinFrameBytes
	}
	o.ImageFormat = strings.ToLower(o.ImageFormat)
	if o.ImageFormat != "jpeg" && o.ImageFormat != "jpg" && o.ImageFormat != "png" {
		errs = append(errs, fmt.Errorf("obs.image_format %q is not valid (use jpeg or png), using jpeg", o.ImageFormat))
		o.ImageFormat = "jpeg"
	}
	if o.ImageQuality < -1 || o.ImageQuality > 100 {
		errs = append(errs, fmt.Errorf("obs.image_quality %d is out of range, using the OBS default", o.ImageQuality))
		o.ImageQuality = 0
	}
	if o.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("obs.max_consecutive_failures %d is below minimum 1, clamping", o.MaxConsecutiveFailures))
		o.MaxConsecutiveFailures = 1
	}

	o.Interval = clampDuration(&errs, "obs.interval", o.Interval, time.Millisecond, 10*time.Second)
	o.AcquireTimeout = clampDuration(&errs, "obs.acquire_timeout", o.AcquireTimeout, 10*time.Millisecond, time.Minute)
	o.ProbeTimeout = clampDuration(&errs, "obs.probe_timeout", o.ProbeTimeout, 50*time.Millisecond, time.Minute)
	o.DegradedGracePeriod = clampDuration(&errs, "obs.degraded_grace_period", o.DegradedGracePeriod, 100*time.Millisecond, time.Hour)
	o.ResolveCooldown = clampDuration(&errs, "obs.resolve_cooldown", o.ResolveCooldown, 10*time.Millisecond, 10*time.Minute)
	o.HealthInterval = clampDuration(&errs, "obs.health_interval", o.HealthInterval, 100*time.Millisecond, 10*time.Minute)
	o.ConnectTimeout = clampDuration(&errs, "obs.connect_timeout", o.ConnectTimeout, 100*time.Millisecond, 5*time.Minute)
	o.BackoffInitial = clampDuration(&errs, "obs.backoff_initial", o.BackoffInitial, 10*time.Millisecond, time.Minute)
	o.BackoffMax = clampDuration(&errs, "obs.backoff_max", o.BackoffMax, o.BackoffInitial, time.Hour)

	return errs
}

func clampDuration(errs *[]error, key string, d, lo, hi time.Duration) time.Duration {
	if d < lo {
		*errs = append(*errs, fmt.Errorf("%s %v is below minimum %v, clamping", key, d, lo))
		return lo
	}
	if d > hi {
		*errs = append(*errs, fmt.Errorf("%s %v exceeds maximum %v, clamping", key, d, hi))
		return hi
	}
	return d
}
