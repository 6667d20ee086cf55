package origin

import (
	"fmt"
	"strconv"

	"tilepyramid/internal/tile"
)

// Descriptor is the tile pyramid description published next to every image
// as metadata.json.
type Descriptor struct {
	Name       string         `json:"name,omitempty"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	TileWidth  int            `json:"tileWidth"`
	TileHeight int            `json:"tileHeight"`
	MaxRLevel  int            `json:"maxRLevel"`
	MinRLevel  int            `json:"minrlevel"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BandCount reads NBANDS, which origins publish either as a number or a string.
func (d *Descriptor) BandCount() int {
	return d.metadataInt("NBANDS", 1)
}

// BitsPerPixel reads NBPP.
func (d *Descriptor) BitsPerPixel() int {
	return d.metadataInt("NBPP", 8)
}

func (d *Descriptor) metadataInt(name string, fallback int) int {
	v, ok := d.Metadata[name]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(fmt.Sprint(v))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (d *Descriptor) Pyramid() tile.Pyramid {
	return tile.Pyramid{
		ImageWidth:  d.Width,
		ImageHeight: d.Height,
		TileWidth:   d.TileWidth,
		TileHeight:  d.TileHeight,
		MaxLevel:    d.MaxRLevel,
		BitDepth:    d.BitsPerPixel(),
		Bands:       d.BandCount(),
	}
}

func (d *Descriptor) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", d.Width, d.Height)
	}
	if d.TileWidth <= 0 || d.TileHeight <= 0 {
		return fmt.Errorf("invalid tile size %dx%d", d.TileWidth, d.TileHeight)
	}
	if d.MaxRLevel < 0 {
		return fmt.Errorf("invalid max level %d", d.MaxRLevel)
	}
	return nil
}
