package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/vova616/screenshot"

	"github.com/yy945635407/screen-region-stream/internal/logging"
)

var log = logging.L("capture")

// ScreenSource grabs the region straight from the local framebuffer
// (X11 on Linux, GDI on Windows, CoreGraphics on macOS).
type ScreenSource struct {
	mu        sync.Mutex
	region    Region
	guard     Guard
	offscreen bool
}

// NewScreenSource probes the primary screen and returns a grabber for
// cfg.Region.
func NewScreenSource(cfg Config) (*ScreenSource, error) {
	bounds, err := screenshot.ScreenRect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	log.Info("local screen capture ready", "width", bounds.Dx(), "height", bounds.Dy(), "region", cfg.Region.String())
	return &ScreenSource{region: cfg.Region}, nil
}

func (s *ScreenSource) Name() string { return string(KindScreen) }

func (s *ScreenSource) Reconfigure(region Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.region = region
	s.offscreen = false
	s.mu.Unlock()
	return nil
}

func (s *ScreenSource) Acquire(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	region := s.region
	s.mu.Unlock()

	img, err := Bounded(ctx, &s.guard, func() (*image.RGBA, error) {
		screen, err := screenshot.ScreenRect()
		if err != nil {
			return nil, err
		}
		rect := region.Rect().Intersect(screen)
		if rect.Empty() {
			s.warnOffscreen(region, screen)
			return nil, fmt.Errorf("%w: region %s outside screen", ErrNoFrame, region)
		}
		return screenshot.CaptureRect(rect)
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Image: img, Region: region, CapturedAt: time.Now()}, nil
}

func (s *ScreenSource) warnOffscreen(region Region, screen image.Rectangle) {
	s.mu.Lock()
	already := s.offscreen
	s.offscreen = true
	s.mu.Unlock()
	if !already {
		log.Warn("capture region lies outside the screen", "region", region.String(), "screen", screen.String())
	}
}

func (s *ScreenSource) Close() error { return nil }
