package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"
)

// PatternCanvas is the virtual screen the pattern source draws on. Regions
// are clipped to it like a real grab is clipped to the display.
var PatternCanvas = image.Rect(0, 0, 1920, 1080)

// PatternSource renders a moving test pattern. It needs no display and is
// used for demos and headless deployments.
type PatternSource struct {
	mu        sync.Mutex
	region    Region
	guard     Guard
	offscreen bool
	start     time.Time
	now       func() time.Time
}

func NewPatternSource(region Region) *PatternSource {
	return &PatternSource{region: region, start: time.Now(), now: time.Now}
}

func (p *PatternSource) Name() string { return string(KindPattern) }

func (p *PatternSource) Reconfigure(region Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.region = region
	p.offscreen = false
	p.mu.Unlock()
	return nil
}

func (p *PatternSource) Acquire(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	p.mu.Lock()
	region := p.region
	p.mu.Unlock()

	rect := region.Rect().Intersect(PatternCanvas)
	if rect.Empty() {
		p.warnOffscreen(region)
		return Frame{}, fmt.Errorf("%w: region %s outside canvas", ErrNoFrame, region)
	}

	now := p.now()
	img, err := Bounded(ctx, &p.guard, func() (*image.RGBA, error) {
		return p.render(ctx, rect, now)
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Image: img, Region: region, CapturedAt: now}, nil
}

// render draws a diagonal gradient keyed to canvas coordinates plus a
// vertical bar sweeping the canvas once per second. It gives up between rows
// once ctx is done.
func (p *PatternSource) render(ctx context.Context, rect image.Rectangle, now time.Time) (*image.RGBA, error) {
	w, h := rect.Dx(), rect.Dy()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := int(now.Sub(p.start)%time.Second) * PatternCanvas.Dx() / int(time.Second)

	for y := 0; y < h; y++ {
		if y%64 == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFrame, ctx.Err())
		}
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		cy := rect.Min.Y + y
		for x := 0; x < w; x++ {
			cx := rect.Min.X + x
			px := row[x*4 : x*4+4 : x*4+4]
			if cx >= bar && cx < bar+4 {
				px[0], px[1], px[2] = 0xff, 0xff, 0xff
			} else {
				px[0], px[1], px[2] = uint8(cx), uint8(cy), 0x80
			}
			px[3] = 0xff
		}
	}
	return img, nil
}

func (p *PatternSource) warnOffscreen(region Region) {
	p.mu.Lock()
	already := p.offscreen
	p.offscreen = true
	p.mu.Unlock()
	if !already {
		log.Warn("capture region lies outside the pattern canvas", "region", region.String(), "canvas", PatternCanvas.String())
	}
}

func (p *PatternSource) Close() error { return nil }
