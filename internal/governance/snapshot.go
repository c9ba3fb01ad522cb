package governance

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	snapshotWidth = 480
	rowHeight     = 44
	headerHeight  = 36
	padding       = 14
)

var (
	backgroundColor = color.RGBA{R: 0x1e, G: 0x1f, B: 0x22, A: 0xff}
	textColor       = color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
	mutedColor      = color.RGBA{R: 0x99, G: 0x99, B: 0xa5, A: 0xff}
	typeColors      = map[Type]color.RGBA{
		TypeStructure: {R: 0x58, G: 0x65, B: 0xf2, A: 0xff},
		TypeCulture:   {R: 0xeb, G: 0x45, B: 0x9e, A: 0xff},
		TypeDecision:  {R: 0x57, G: 0xf2, B: 0x87, A: 0xff},
		TypeProcess:   {R: 0xfe, G: 0xe7, B: 0x5c, A: 0xff},
	}
)

// RenderPNG draws the stack as a column of rows, one per active type, and
// encodes it as PNG.
func RenderPNG(w io.Writer, stack Stack) error {
	rows := make([]Module, 0, len(Types))
	for _, t := range Types {
		if m, ok := stack.OfType(t); ok {
			rows = append(rows, m)
		}
	}
	height := headerHeight + padding + max(len(rows), 1)*rowHeight
	img := image.NewRGBA(image.Rect(0, 0, snapshotWidth, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	drawText(img, padding, 24, "GOVERNANCE STACK", textColor)
	if len(rows) == 0 {
		drawText(img, padding, headerHeight+padding+18, "(empty)", mutedColor)
	}
	for i, m := range rows {
		top := headerHeight + padding + i*rowHeight
		band := image.Rect(padding, top, padding+6, top+rowHeight-8)
		draw.Draw(img, band, image.NewUniform(typeColors[m.Type]), image.Point{}, draw.Src)
		drawText(img, padding+16, top+14, strings.ToUpper(string(m.Type)), mutedColor)
		label := asciiOnly(m.Name)
		if icon := asciiOnly(m.Icon); icon != "" {
			label = icon + "  " + label
		}
		drawText(img, padding+16, top+30, label, textColor)
	}
	return png.Encode(w, img)
}

func drawText(dst draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// basicfont only carries ASCII glyphs.
func asciiOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
