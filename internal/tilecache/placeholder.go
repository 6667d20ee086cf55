package tilecache

import "image"

// Placeholder returns a solid black single-band raster of the given size.
// Bit depths above 8 produce 16-bit samples.
func Placeholder(width, height, bitDepth int) image.Image {
	rect := image.Rect(0, 0, max(width, 1), max(height, 1))
	if bitDepth > 8 {
		return image.NewGray16(rect)
	}
	return image.NewGray(rect)
}
