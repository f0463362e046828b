package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

// Source acquires frames of the configured region from one capture backend.
// Implementations are driven from a single goroutine and need not be safe
// for concurrent Acquire calls.
type Source interface {
	// Acquire returns one frame of the current region. It returns an error
	// wrapping ErrNoFrame when nothing new is available within the context
	// deadline or the backend is temporarily unusable.
	Acquire(ctx context.Context) (Frame, error)

	// Reconfigure changes the acquisition rectangle. It takes effect no later
	// than the next Acquire.
	Reconfigure(region Region) error

	// Name identifies the source in logs and status output.
	Name() string

	// Close releases any backend resources.
	Close() error
}

// Format names the encoding of Frame.Data.
type Format string

const (
	FormatRaw  Format = ""
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// Frame is one captured image. Exactly one of Image or Data is set: raw
// frames carry pixels for the encoder, pre-encoded frames pass through.
type Frame struct {
	Image      *image.RGBA
	Data       []byte
	Format     Format
	Region     Region
	CapturedAt time.Time
}

// Encoded reports whether the frame already carries encoded bytes.
func (f Frame) Encoded() bool {
	return f.Image == nil && len(f.Data) > 0
}

var (
	// ErrNoFrame marks an empty tick: the backend was busy or timed out.
	ErrNoFrame = errors.New("no frame available")

	// ErrInvalidRegion is returned for regions with non-positive size or
	// negative offsets.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrNotSupported is returned when a capture kind is unavailable on
	// this platform or build.
	ErrNotSupported = errors.New("screen capture not supported on this platform")

	// ErrUnknownKind is returned by New for an unrecognised source kind.
	ErrUnknownKind = errors.New("unknown capture source kind")
)

// Kind selects a local capture variant.
type Kind string

const (
	KindScreen  Kind = "screen"
	KindDXGI    Kind = "dxgi"
	KindPattern Kind = "pattern"
)

// Config holds the settings shared by the local capture variants.
type Config struct {
	Kind   Kind
	Region Region
}

// New creates a local capture source. Remote compositor sources are built by
// the backend package instead.
func New(cfg Config) (Source, error) {
	if err := cfg.Region.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindScreen, "":
		return NewScreenSource(cfg)
	case KindDXGI:
		// Desktop duplication needs a D3D device this build does not carry;
		// the GDI/X11 grab covers the same rectangle.
		log.Warn("dxgi capture unavailable, falling back to screen grab")
		return NewScreenSource(cfg)
	case KindPattern:
		return NewPatternSource(cfg.Region), nil
	default:
		return nil, ErrUnknownKind
	}
}
