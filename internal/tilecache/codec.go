package tilecache

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/tiff"
)

// Codec turns encoded tile bytes into rasters and back.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image) ([]byte, error)
}

// ImageCodec decodes any format registered with the image package (PNG, JPEG
// and TIFF here) and always encodes PNG.
type ImageCodec struct{}

func (ImageCodec) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return img, nil
}

func (ImageCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	return buf.Bytes(), nil
}

// Channels reports how many samples per pixel a decoded raster carries. An
// indexed raster whose palette is all gray counts as a single band.
func Channels(img image.Image) int {
	switch src := img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.Paletted:
		if grayPalette(src.Palette) {
			return 1
		}
		return 3
	case *image.YCbCr:
		return 3
	default:
		return 4
	}
}

func grayPalette(p color.Palette) bool {
	for _, c := range p {
		r, g, b, a := c.RGBA()
		if r != g || g != b || a != 0xffff {
			return false
		}
	}
	return len(p) > 0
}

// BitDepth reports the sample size of a decoded single-band raster.
func BitDepth(img image.Image) int {
	if _, ok := img.(*image.Gray16); ok {
		return 16
	}
	return 8
}
