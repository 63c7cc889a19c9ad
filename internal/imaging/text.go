package imaging

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
)

type Align string

const (
	AlignLeft   Align = "left"
	AlignRight  Align = "right"
	AlignCenter Align = "center"
)

// TextOptions controls AddText. Ratios position the first line relative to
// the frame size; LineWidth wraps by character count.
type TextOptions struct {
	Text          string
	FontSize      float64
	TextColor     color.RGBA
	OutlineColor  color.RGBA
	StrokeWidth   int
	XRatio        float64
	YRatio        float64
	LineWidth     int
	LetterSpacing float64
	LineSpacing   float64
	Align         Align
}

func DefaultTextOptions() TextOptions {
	return TextOptions{
		Text:          "moonshine",
		FontSize:      16,
		TextColor:     color.RGBA{R: 255, G: 255, B: 255, A: 255},
		OutlineColor:  color.RGBA{A: 255},
		StrokeWidth:   1,
		XRatio:        0.1,
		YRatio:        0.1,
		LineWidth:     10,
		LetterSpacing: 0,
		LineSpacing:   5,
		Align:         AlignLeft,
	}
}

// FontSource hands out per-call faces; faces are not safe for concurrent use
// but the parsed font is.
type FontSource struct {
	font *opentype.Font
}

// LoadFont parses a TTF/OTF file or the first font of a TTC/OTC collection.
func LoadFont(path string) (*FontSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	coll, err := opentype.ParseCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	f, err := coll.Font(0)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return &FontSource{font: f}, nil
}

// Face returns a face at size points. Without a loaded font the fixed
// 7x13 bitmap face is used and size is ignored.
func (s *FontSource) Face(size float64) (font.Face, error) {
	if s == nil || s.font == nil {
		return basicfont.Face7x13, nil
	}
	return opentype.NewFace(s.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// AddText draws wrapped, stroked text onto a copy of img.
func AddText(img image.Image, opts TextOptions, face font.Face) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(face)

	w, h := float64(dc.Width()), float64(dc.Height())
	x := w * opts.XRatio
	y := h * opts.YRatio
	sw := opts.StrokeWidth

	for _, line := range wrapText(opts.Text, opts.LineWidth) {
		advance := lineAdvance(dc, line, opts.LetterSpacing)
		switch opts.Align {
		case AlignRight:
			x = w*(1-opts.XRatio) - advance
		case AlignCenter:
			x = (w - advance) / 2
		}

		if sw > 0 {
			dc.SetColor(opts.OutlineColor)
			for dy := -sw; dy <= sw; dy++ {
				for dx := -sw; dx <= sw; dx++ {
					if (dx == 0 && dy == 0) || dx*dx+dy*dy > sw*sw {
						continue
					}
					drawLine(dc, line, x+float64(dx), y+float64(dy), opts.LetterSpacing)
				}
			}
		}
		dc.SetColor(opts.TextColor)
		drawLine(dc, line, x, y, opts.LetterSpacing)

		_, lh := dc.MeasureString(line)
		y += lh + opts.LineSpacing
	}

	return dc.Image()
}

func lineAdvance(dc *gg.Context, line string, spacing float64) float64 {
	var total float64
	for _, r := range line {
		rw, _ := dc.MeasureString(string(r))
		total += rw + spacing
	}
	return total
}

func drawLine(dc *gg.Context, line string, x, y, spacing float64) {
	if spacing == 0 {
		dc.DrawStringAnchored(line, x, y, 0, 1)
		return
	}
	for _, r := range line {
		s := string(r)
		dc.DrawStringAnchored(s, x, y, 0, 1)
		rw, _ := dc.MeasureString(s)
		x += rw + spacing
	}
}

// wrapText greedily fills lines up to width runes, splitting words that are
// longer than a full line.
func wrapText(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	if width <= 0 {
		return []string{strings.Join(words, " ")}
	}

	var (
		lines []string
		cur   []rune
	)
	for _, word := range words {
		rest := []rune(word)
		for len(rest) > 0 {
			sep := 0
			if len(cur) > 0 {
				sep = 1
			}
			if len(cur)+sep+len(rest) <= width {
				if sep == 1 {
					cur = append(cur, ' ')
				}
				cur = append(cur, rest...)
				rest = nil
				continue
			}
			if len(cur) > 0 {
				lines = append(lines, string(cur))
				cur = nil
				continue
			}
			lines = append(lines, string(rest[:width]))
			rest = rest[width:]
		}
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	return lines
}
