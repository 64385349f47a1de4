package renderer

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/nikogura/resume-workflow/pkg/length"
)

// Page geometry in points. US letter is 612pt wide.
const (
	pageWidth     = 612.0
	bulletIndent  = 36.0
	avgCharWidthE = 0.45 // average Times glyph width in ems
)

// Geometry describes how one layout wraps text.
type Geometry struct {
	Margin   float64
	FontSize float64
}

//nolint:gochecknoglobals // Layout geometry constants
var geometries = map[length.Layout]Geometry{
	length.LayoutResume:      {Margin: 36, FontSize: 10.5},
	length.LayoutCoverLetter: {Margin: 72, FontSize: 11},
}

// CharsPerLine returns how many characters fit on one line, with or without the bullet indent.
func (g Geometry) CharsPerLine(indented bool) (chars int) {
	width := pageWidth - 2*g.Margin
	if indented {
		width -= bulletIndent
	}
	chars = int(math.Floor(width / (g.FontSize * avgCharWidthE)))
	return chars
}

// LayoutEstimator measures text in rendered lines by greedy word wrap at each
// layout's line width.
type LayoutEstimator struct{}

// NewLayoutEstimator creates an estimator for the built-in layouts.
func NewLayoutEstimator() (e *LayoutEstimator) {
	e = &LayoutEstimator{}
	return e
}

// EstimateLines implements length.Estimator.
func (e *LayoutEstimator) EstimateLines(layout length.Layout, text string) (lines float64, err error) {
	geometry, ok := geometries[layout]
	if !ok {
		err = errors.Errorf("unknown layout: %s", layout)
		return lines, err
	}

	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return lines, err
	}

	for _, line := range strings.Split(text, "\n") {
		lines += float64(wrappedLines(line, geometry))
	}

	return lines, err
}

func wrappedLines(line string, geometry Geometry) (count int) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		count = 1
		return count
	}

	indented := isBullet(trimmed)
	if indented {
		trimmed = strings.TrimSpace(trimmed[bulletPrefixLen(trimmed):])
	}
	width := geometry.CharsPerLine(indented)

	count = 1
	used := 0
	for _, word := range strings.Fields(trimmed) {
		n := utf8.RuneCountInString(word)
		switch {
		case used == 0:
			used = n
		case used+1+n <= width:
			used += 1 + n
		default:
			count++
			used = n
		}
		// Words longer than a line break mid-word.
		for used > width {
			count++
			used -= width
		}
	}

	return count
}

func isBullet(line string) (ok bool) {
	ok = bulletPrefixLen(line) > 0
	return ok
}

func bulletPrefixLen(line string) (n int) {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			n = len(prefix)
			return n
		}
	}
	return n
}
