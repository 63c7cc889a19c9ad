package imaging

import (
	"strings"

	"image-worker/internal/entity"
)

type Container string

const (
	ContainerJPEG Container = "JPEG"
	ContainerPNG  Container = "PNG"
	ContainerWEBP Container = "WEBP"
	ContainerGIF  Container = "GIF"
	ContainerMP4  Container = "MP4"
)

// Encoding is the negotiated output for one artifact.
type Encoding struct {
	Container Container
	Lossless  bool
	Animated  bool
}

func (e Encoding) Ext() string {
	return strings.ToLower(string(e.Container))
}

func (e Encoding) ContentType() string {
	switch e.Container {
	case ContainerJPEG:
		return "image/jpeg"
	case ContainerPNG:
		return "image/png"
	case ContainerGIF:
		return "image/gif"
	case ContainerMP4:
		return "video/mp4"
	default:
		return "image/webp"
	}
}

// Negotiate picks the container for frames frames of the requested format.
// WEBP_LOSSLESS becomes lossless WEBP. More than one frame forces a
// multi-frame container: GIF, unless WEBP or MP4 was asked for.
func Negotiate(requested entity.ImageFormat, frames int) Encoding {
	if !requested.Valid() {
		requested = entity.DefaultFormat
	}
	enc := Encoding{
		Container: Container(requested),
		Lossless:  requested == entity.FormatWEBPLossless,
		Animated:  frames > 1,
	}
	if enc.Lossless {
		enc.Container = ContainerWEBP
	}
	if enc.Animated && enc.Container != ContainerWEBP && enc.Container != ContainerMP4 {
		enc.Container = ContainerGIF
	}
	return enc
}
