package capture

import (
	"fmt"
	"image"
)

// Region is the capture rectangle in backend pixel coordinates.
type Region struct {
	Left   int `json:"left" mapstructure:"left" yaml:"left"`
	Top    int `json:"top" mapstructure:"top" yaml:"top"`
	Width  int `json:"width" mapstructure:"width" yaml:"width"`
	Height int `json:"height" mapstructure:"height" yaml:"height"`
}

// DefaultRegion is the 200x200 square at the screen origin.
func DefaultRegion() Region {
	return Region{Left: 0, Top: 0, Width: 200, Height: 200}
}

// Validate returns ErrInvalidRegion unless width and height are positive and
// the offsets are non-negative.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 || r.Left < 0 || r.Top < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRegion, r)
	}
	return nil
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.Left, r.Top)
}

// RegionPatch is a partial region update. Nil fields keep their current value.
type RegionPatch struct {
	Left   *int
	Top    *int
	Width  *int
	Height *int
}

// Empty reports whether the patch carries no fields.
func (p RegionPatch) Empty() bool {
	return p.Left == nil && p.Top == nil && p.Width == nil && p.Height == nil
}

// Apply merges the patch onto r field by field.
func (p RegionPatch) Apply(r Region) Region {
	if p.Left != nil {
		r.Left = *p.Left
	}
	if p.Top != nil {
		r.Top = *p.Top
	}
	if p.Width != nil {
		r.Width = *p.Width
	}
	if p.Height != nil {
		r.Height = *p.Height
	}
	return r
}
