package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var dataURIPrefix = regexp.MustCompile(`^data:image/[^;]+;base64,`)

// IsDataURI reports whether s is an inline base64 image.
func IsDataURI(s string) bool {
	return dataURIPrefix.MatchString(s)
}

func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// DecodeBase64 decodes raw base64 or a data URI.
func DecodeBase64(s string) (image.Image, error) {
	s = dataURIPrefix.ReplaceAllString(strings.TrimSpace(s), "")
	if s == "" {
		return nil, errors.New("decode image: empty base64 payload")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return Decode(data)
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// RawBase64 returns the PNG encoding of img as bare base64.
func RawBase64(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DataURI returns the PNG encoding of img as a data URI.
func DataURI(img image.Image) (string, error) {
	raw, err := RawBase64(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + raw, nil
}

// ToRGB converts colour models the engine cannot consume (CMYK, gray,
// paletted) into NRGBA. RGB-family images are returned unchanged.
func ToRGB(img image.Image) image.Image {
	switch img.(type) {
	case *image.CMYK, *image.Gray, *image.Gray16, *image.Paletted:
		return imaging.Clone(img)
	}
	return img
}

// Fit bounds the longer side to maxSide; non-positive maxSide is a no-op.
func Fit(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
}
