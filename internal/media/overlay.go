package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	glyphWidth = 7
	lineHeight = 16
	margin     = 10
	maxLines   = 4
)

var (
	bandColor = color.RGBA{A: 0xb0}
	inkColor  = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Overlay draws text in a dark band along the bottom of img and returns
// the result as PNG. Text is wrapped to the image width; lines past the
// fourth are dropped.
func Overlay(img []byte, text string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("media: decode image: %w", err)
	}
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	lines := wrap(asciiOnly(text), (bounds.Dx()-2*margin)/glyphWidth)
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	if len(lines) > 0 {
		top := bounds.Max.Y - len(lines)*lineHeight - margin
		band := image.Rect(bounds.Min.X, top-margin/2, bounds.Max.X, bounds.Max.Y)
		draw.Draw(dst, band, image.NewUniform(bandColor), image.Point{}, draw.Over)
		d := &font.Drawer{Dst: dst, Src: image.NewUniform(inkColor), Face: basicfont.Face7x13}
		for i, line := range lines {
			d.Dot = fixed.P(bounds.Min.X+margin, top+(i+1)*lineHeight-3)
			d.DrawString(line)
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("media: encode image: %w", err)
	}
	return out.Bytes(), nil
}

func wrap(text string, width int) []string {
	if width < 1 {
		width = 1
	}
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > width {
			if cur.Len() > 0 {
				lines = append(lines, cur.String())
				cur.Reset()
			}
			lines = append(lines, word[:width])
			word = word[width:]
		}
		switch {
		case cur.Len() == 0:
			cur.WriteString(word)
		case cur.Len()+1+len(word) <= width:
			cur.WriteByte(' ')
			cur.WriteString(word)
		default:
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(word)
		}
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// basicfont only carries ASCII glyphs.
func asciiOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		} else if r == '\n' || r == '\t' {
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}
