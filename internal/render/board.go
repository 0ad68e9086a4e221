package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/connect4-arena/internal/rules"
)

// Options decorates the board picture. LastColumn < 0 disables the marker.
type Options struct {
	Header     string
	Footer     string
	LastColumn int
}

type Renderer struct {
	cellSize int
}

func NewRenderer(cellSize int) *Renderer {
	if cellSize < 24 {
		cellSize = 64
	}
	return &Renderer{cellSize: cellSize}
}

const (
	margin       = 24
	headerHeight = 36
	footerHeight = 40
	panelRadius  = 10
)

var (
	backgroundColor = color.RGBA{R: 22, G: 25, B: 38, A: 255}
	frameColor      = color.RGBA{R: 33, G: 82, B: 196, A: 255}
	holeColor       = color.RGBA{R: 14, G: 16, B: 26, A: 255}
	headerColor     = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
	labelColor      = color.NRGBA{R: 166, G: 176, B: 210, A: 255}
	lastMoveColor   = color.NRGBA{R: 255, G: 255, B: 255, A: 210}
)

// discPalette holds the inner and outer gradient stops per side.
var discPalette = map[rules.Side][2]string{
	rules.One: {"#ff6b5e", "#c0281c"},
	rules.Two: {"#ffe27a", "#d4a20c"},
}

// RenderPNG draws b as a PNG with column numbers under the frame.
func (r *Renderer) RenderPNG(ctx context.Context, b rules.Board, opts Options) ([]byte, error) {
	cell := r.cellSize
	boardW, boardH := cell*rules.Cols, cell*rules.Rows
	width := boardW + margin*2
	height := headerHeight + boardH + footerHeight + margin*2
	origin := image.Point{X: margin, Y: margin + headerHeight}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	frame := image.Rect(origin.X, origin.Y, origin.X+boardW, origin.Y+boardH)
	drawRoundedPanel(img, frame.Inset(-6), panelRadius, frameColor)

	hole := cell/2 - cell/10
	for row := 0; row < rules.Rows; row++ {
		for col := 0; col < rules.Cols; col++ {
			center := image.Point{X: origin.X + col*cell + cell/2, Y: origin.Y + row*cell + cell/2}
			drawDisc(img, center, hole, holeColor)
			side := b.At(row, col)
			if side == rules.Empty {
				continue
			}
			disc, err := discImage(side, hole*2)
			if err != nil {
				return nil, err
			}
			at := center.Sub(image.Point{X: hole, Y: hole})
			draw.Draw(img, image.Rectangle{Min: at, Max: at.Add(disc.Bounds().Size())}, disc, image.Point{}, draw.Over)
		}
	}

	if row := topRow(b, opts.LastColumn); row >= 0 {
		center := image.Point{X: origin.X + opts.LastColumn*cell + cell/2, Y: origin.Y + row*cell + cell/2}
		drawDisc(img, center, cell/10, lastMoveColor)
	}

	drawer := &font.Drawer{Dst: img, Face: basicfont.Face7x13}
	if h := strings.TrimSpace(opts.Header); h != "" {
		drawCentered(drawer, image.Rect(0, margin/2, width, margin/2+headerHeight), truncate(drawer, h, width-margin*2), headerColor)
	}
	for col := 0; col < rules.Cols; col++ {
		x := origin.X + col*cell
		drawCentered(drawer, image.Rect(x, frame.Max.Y+8, x+cell, frame.Max.Y+24), strconv.Itoa(col), labelColor)
	}
	if f := strings.TrimSpace(opts.Footer); f != "" {
		drawCentered(drawer, image.Rect(0, frame.Max.Y+24, width, frame.Max.Y+footerHeight+8), truncate(drawer, f, width-margin*2), labelColor)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func topRow(b rules.Board, col int) int {
	if col < 0 || col >= rules.Cols {
		return -1
	}
	for row := 0; row < rules.Rows; row++ {
		if b.At(row, col) != rules.Empty {
			return row
		}
	}
	return -1
}

type discKey struct {
	side rules.Side
	size int
}

var (
	discCache   = map[discKey]image.Image{}
	discCacheMu sync.RWMutex
)

const discSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100">
<defs><radialGradient id="g" cx="40%%" cy="35%%" r="65%%">
<stop offset="0%%" stop-color="%s"/><stop offset="100%%" stop-color="%s"/>
</radialGradient></defs>
<circle cx="50" cy="50" r="48" fill="url(#g)"/>
<circle cx="50" cy="50" r="34" fill="none" stroke="%s" stroke-width="4" stroke-opacity="0.6"/>
</svg>`

// discImage rasterizes the disc of side at size pixels. Results are cached.
func discImage(side rules.Side, size int) (image.Image, error) {
	key := discKey{side: side, size: size}
	discCacheMu.RLock()
	if img, ok := discCache[key]; ok {
		discCacheMu.RUnlock()
		return img, nil
	}
	discCacheMu.RUnlock()

	stops, ok := discPalette[side]
	if !ok {
		return nil, fmt.Errorf("no disc for side %d", side)
	}
	src := fmt.Sprintf(discSVG, stops[0], stops[1], stops[1])
	icon, err := oksvg.ReadIconStream(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse disc svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	discCacheMu.Lock()
	discCache[key] = img
	discCacheMu.Unlock()
	return img, nil
}

func drawCentered(d *font.Drawer, rect image.Rectangle, text string, clr color.Color) {
	if text == "" {
		return
	}
	m := d.Face.Metrics()
	w := d.MeasureString(text).Round()
	x := rect.Min.X + (rect.Dx()-w)/2
	if x < rect.Min.X {
		x = rect.Min.X
	}
	baseline := rect.Min.Y + (rect.Dy()+m.Ascent.Ceil()-m.Descent.Ceil())/2
	d.Src = image.NewUniform(clr)
	d.Dot = fixed.P(x, baseline)
	d.DrawString(text)
}

func truncate(d *font.Drawer, text string, maxWidth int) string {
	if d.MeasureString(text).Round() <= maxWidth {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		if c := string(runes) + "..."; d.MeasureString(c).Round() <= maxWidth {
			return c
		}
	}
	return ""
}

func drawRoundedPanel(img *image.RGBA, rect image.Rectangle, radius int, clr color.Color) {
	if rect.Empty() {
		return
	}
	if lim := min(rect.Dx(), rect.Dy()) / 2; radius > lim {
		radius = lim
	}
	fill := image.NewUniform(clr)
	draw.Draw(img, image.Rect(rect.Min.X+radius, rect.Min.Y, rect.Max.X-radius, rect.Max.Y), fill, image.Point{}, draw.Over)
	draw.Draw(img, image.Rect(rect.Min.X, rect.Min.Y+radius, rect.Min.X+radius, rect.Max.Y-radius), fill, image.Point{}, draw.Over)
	draw.Draw(img, image.Rect(rect.Max.X-radius, rect.Min.Y+radius, rect.Max.X, rect.Max.Y-radius), fill, image.Point{}, draw.Over)
	for _, c := range []image.Point{
		{rect.Min.X + radius, rect.Min.Y + radius},
		{rect.Max.X - radius - 1, rect.Min.Y + radius},
		{rect.Min.X + radius, rect.Max.Y - radius - 1},
		{rect.Max.X - radius - 1, rect.Max.Y - radius - 1},
	} {
		drawDisc(img, c, radius, clr)
	}
}

func drawDisc(img *image.RGBA, center image.Point, radius int, clr color.Color) {
	r2 := radius * radius
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y <= r2 {
				blendPixel(img, center.X+x, center.Y+y, clr)
			}
		}
	}
}

func blendPixel(img *image.RGBA, x, y int, clr color.Color) {
	if !(image.Point{X: x, Y: y}).In(img.Bounds()) {
		return
	}
	sr, sg, sb, sa := clr.RGBA()
	if sa == 0 {
		return
	}
	dst := img.RGBAAt(x, y)
	inv := 0xffff - sa
	mix := func(s uint32, d uint8) uint8 {
		return uint8((s + uint32(d)*0x101*inv/0xffff) >> 8)
	}
	img.SetRGBA(x, y, color.RGBA{
		R: mix(sr, dst.R),
		G: mix(sg, dst.G),
		B: mix(sb, dst.B),
		A: mix(sa, dst.A),
	})
}
