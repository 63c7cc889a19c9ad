package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/color/palette"
	"image/png"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	DefaultQuality       = 90
	DefaultFrameDuration = 125 * time.Millisecond
	DefaultFFmpeg        = "ffmpeg"
)

// Encoder serializes a working set of frames into one artifact.
type Encoder struct {
	FFmpeg  string
	TempDir string
}

func NewEncoder(ffmpeg string) *Encoder {
	if ffmpeg == "" {
		ffmpeg = DefaultFFmpeg
	}
	return &Encoder{FFmpeg: ffmpeg}
}

// Encode writes frames using enc. frameDuration applies to multi-frame
// containers; zero falls back to DefaultFrameDuration.
func (e *Encoder) Encode(ctx context.Context, frames []image.Image, enc Encoding, frameDuration time.Duration) ([]byte, error) {
	if len(frames) == 0 {
		return nil, errors.New("encode: no frames")
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}

	var buf bytes.Buffer
	switch enc.Container {
	case ContainerMP4:
		return e.encodeFFmpeg(ctx, frames, enc, frameDuration)
	case ContainerWEBP:
		if enc.Animated {
			return e.encodeFFmpeg(ctx, frames, enc, frameDuration)
		}
		opts := &webp.Options{Lossless: enc.Lossless, Quality: DefaultQuality}
		if err := webp.Encode(&buf, frames[0], opts); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	case ContainerGIF:
		if err := encodeGIF(&buf, frames, frameDuration); err != nil {
			return nil, err
		}
	case ContainerJPEG:
		if err := jpeg.Encode(&buf, Opaque(frames[0]), &jpeg.Options{Quality: DefaultQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case ContainerPNG:
		pe := png.Encoder{CompressionLevel: png.BestCompression}
		if err := pe.Encode(&buf, frames[0]); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("encode: unsupported container %q", enc.Container)
	}
	return buf.Bytes(), nil
}

// Opaque drops the alpha channel, keeping colour values as they are.
func Opaque(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

func encodeGIF(buf *bytes.Buffer, frames []image.Image, frameDuration time.Duration) error {
	delay := int(frameDuration / (10 * time.Millisecond))
	if delay < 1 {
		delay = 1
	}
	anim := &gif.GIF{LoopCount: 0}
	for _, f := range frames {
		b := f.Bounds()
		p := image.NewPaletted(b, palette.Plan9)
		draw.FloydSteinberg.Draw(p, b, f, b.Min)
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, delay)
	}
	if err := gif.EncodeAll(buf, anim); err != nil {
		return fmt.Errorf("encode gif: %w", err)
	}
	return nil
}
