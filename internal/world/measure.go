package world

import (
	"math"
	"unicode/utf8"

	"github.com/mossy-p/textcloud/internal/wire"
)

// Measurer computes the on-screen size of a text. Every peer measures for
// itself because font metrics differ between renderers.
type Measurer interface {
	Measure(text string) wire.Size
}

type MeasureFunc func(text string) wire.Size

func (f MeasureFunc) Measure(text string) wire.Size { return f(text) }

// Monospace approximates a fixed-width font of the given size in pixels.
type Monospace struct {
	FontSize float64
	// Advance is the glyph width relative to FontSize.
	Advance float64
}

// DefaultMeasurer matches the 24px label font.
var DefaultMeasurer = Monospace{FontSize: 24, Advance: 0.6}

func (m Monospace) Measure(text string) wire.Size {
	glyphs := float64(utf8.RuneCountInString(text))
	return wire.Size{
		Width:  math.Ceil(glyphs*m.FontSize*m.Advance*1.2) + 20,
		Height: math.Ceil(m.FontSize*1.2) + 10,
	}
}
