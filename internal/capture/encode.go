package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"golang.org/x/image/draw"
)

// bufferPool pools bytes.Buffer instances for frame encoding.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 2*1024*1024 {
		return
	}
	bufferPool.Put(buf)
}

// Encoder turns raw frames into the bytes sent to viewers.
type Encoder struct {
	Format Format  // FormatJPEG (default) or FormatPNG
	Scale  float64 // 0 < Scale <= 1; 0 means no scaling
}

// Encode compresses f at the given JPEG quality (1-100). Frames that are
// already encoded are returned unchanged. The returned slice is owned by the
// caller.
func (e Encoder) Encode(f Frame, quality int) ([]byte, Format, error) {
	if f.Encoded() {
		return f.Data, f.Format, nil
	}
	if f.Image == nil {
		return nil, "", fmt.Errorf("encode: empty frame")
	}

	img := f.Image
	if e.Scale > 0 && e.Scale < 1 {
		img = ScaleImage(img, e.Scale)
	}

	buf := getBuffer()
	defer putBuffer(buf)

	format := e.Format
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(buf, img)
	default:
		format = FormatJPEG
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: clampQuality(quality)})
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", format, err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, format, nil
}

// ScaleImage downscales img by factor (0 < factor < 1) with bilinear
// filtering.
func ScaleImage(img *image.RGBA, factor float64) *image.RGBA {
	if factor >= 1 {
		return img
	}
	if factor <= 0 {
		factor = 0.1
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Crop copies the part of img covered by region into a new RGBA image whose
// origin is (0,0). It returns ErrNoFrame if the region misses img entirely.
func Crop(img image.Image, region Region) (*image.RGBA, error) {
	rect := region.Rect().Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("%w: region %s outside %v", ErrNoFrame, region, img.Bounds())
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
