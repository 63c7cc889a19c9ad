package imaging

import (
	"image"
	"image/color"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

const (
	watermarkCorner  = 2.0
	watermarkOpacity = 15.0 / 255.0

	blurhashResolution = 64
	blurhashComponents = 4
)

// Watermark marks the four corners with small triangles and blends the
// untouched frame back over them at low opacity.
func Watermark(img image.Image) image.Image {
	original := imaging.Clone(img)

	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())
	s := watermarkCorner

	corners := [4][3][2]float64{
		{{0, 0}, {0, s}, {s, 0}},
		{{0, h}, {0, h - s}, {s, h}},
		{{w, 0}, {w - s, 0}, {w, s}},
		{{w, h}, {w - s, h}, {w, h - s}},
	}
	dc.SetColor(color.Black)
	for _, tri := range corners {
		dc.MoveTo(tri[0][0], tri[0][1])
		dc.LineTo(tri[1][0], tri[1][1])
		dc.LineTo(tri[2][0], tri[2][1])
		dc.ClosePath()
		dc.Fill()
	}

	return imaging.Overlay(dc.Image(), original, image.Pt(0, 0), watermarkOpacity)
}

// Letterbox pads img onto a black square canvas sized to its longer side.
func Letterbox(img image.Image) image.Image {
	b := img.Bounds()
	size := max(b.Dx(), b.Dy())
	canvas := imaging.New(size, size, color.Black)
	return imaging.PasteCenter(canvas, img)
}

type BlurhashResult struct {
	Hash   string
	Width  int
	Height int
}

// Blurhash hashes a downscaled copy; Width and Height are the source size.
func Blurhash(img image.Image) (BlurhashResult, error) {
	b := img.Bounds()
	small := imaging.Resize(img, blurhashResolution, blurhashResolution, imaging.Box)
	hash, err := blurhash.Encode(blurhashComponents, blurhashComponents, small)
	if err != nil {
		return BlurhashResult{}, err
	}
	return BlurhashResult{Hash: hash, Width: b.Dx(), Height: b.Dy()}, nil
}
