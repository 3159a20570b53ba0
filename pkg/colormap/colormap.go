// Package colormap provides categorical palettes for cell-type legends and
// sequential colormaps for marker-gene summaries.
package colormap

import (
	"fmt"
	"image/color"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 || t != t {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Viridis colormap (matplotlib viridis), the matrix plot default.
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Reds colormap, the dot plot default.
var Reds = LinearColormap{
	colors: []color.RGBA{
		{255, 245, 240, 255},
		{254, 224, 210, 255},
		{252, 187, 161, 255},
		{252, 146, 114, 255},
		{251, 106, 74, 255},
		{239, 59, 44, 255},
		{203, 24, 29, 255},
		{165, 15, 21, 255},
		{103, 0, 13, 255},
	},
}

var sequential = map[string]LinearColormap{
	"viridis": Viridis,
	"reds":    Reds,
}

// Sequential looks up a sequential colormap by case-insensitive name.
func Sequential(name string) (LinearColormap, bool) {
	c, ok := sequential[strings.ToLower(name)]
	return c, ok
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int { return len(c.colors) }

// Colors returns n hex colors, cycling through the palette when n exceeds its size.
func (c CategoricalColormap) Colors(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = Hex(c.AtIndex(i))
	}
	return out
}

// Categorical colormap with 20 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
		{174, 199, 232, 255}, // Light blue
		{255, 187, 120, 255}, // Light orange
		{152, 223, 138, 255}, // Light green
		{255, 152, 150, 255}, // Light red
		{197, 176, 213, 255}, // Light purple
		{196, 156, 148, 255}, // Light brown
		{247, 182, 210, 255}, // Light pink
		{199, 199, 199, 255}, // Light gray
		{219, 219, 141, 255}, // Light olive
		{158, 218, 229, 255}, // Light cyan
	},
}

// ColorBrewer qualitative palettes.
var (
	Accent = CategoricalColormap{
		colors: []color.RGBA{
			{127, 201, 127, 255},
			{190, 174, 212, 255},
			{253, 192, 134, 255},
			{255, 255, 153, 255},
			{56, 108, 176, 255},
			{240, 2, 127, 255},
			{191, 91, 23, 255},
			{102, 102, 102, 255},
		},
	}
	Dark2 = CategoricalColormap{
		colors: []color.RGBA{
			{27, 158, 119, 255},
			{217, 95, 2, 255},
			{117, 112, 179, 255},
			{231, 41, 138, 255},
			{102, 166, 30, 255},
			{230, 171, 2, 255},
			{166, 118, 29, 255},
			{102, 102, 102, 255},
		},
	}
	Set1 = CategoricalColormap{
		colors: []color.RGBA{
			{228, 26, 28, 255},
			{55, 126, 184, 255},
			{77, 175, 74, 255},
			{152, 78, 163, 255},
			{255, 127, 0, 255},
			{255, 255, 51, 255},
			{166, 86, 40, 255},
			{247, 129, 191, 255},
			{153, 153, 153, 255},
		},
	}
)

var palettes = map[string]CategoricalColormap{
	"default": Categorical,
	"accent":  Accent,
	"dark2":   Dark2,
	"set1":    Set1,
}

var paletteNames = map[string]string{
	"default": "default",
	"accent":  "Accent",
	"dark2":   "Dark2",
	"set1":    "Set1",
}

// Palette looks up a categorical palette by case-insensitive name.
// The empty name selects the default palette.
func Palette(name string) (CategoricalColormap, error) {
	if name == "" {
		return Categorical, nil
	}
	p, ok := palettes[strings.ToLower(name)]
	if !ok {
		return CategoricalColormap{}, fmt.Errorf("unknown palette: %s", name)
	}
	return p, nil
}

// PaletteNames returns the display names of all categorical palettes, sorted.
func PaletteNames() []string {
	out := make([]string, 0, len(paletteNames))
	for _, n := range paletteNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Hex formats a color as #rrggbb.
func Hex(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", uint8(r>>8), uint8(g>>8), uint8(b>>8))
}
