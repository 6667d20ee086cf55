package tile

import (
	"fmt"
	"image"
)

// Pyramid describes the tiling of one image. It is derived from the image's
// metadata and never stored.
type Pyramid struct {
	ImageWidth  int
	ImageHeight int
	TileWidth   int
	TileHeight  int
	MaxLevel    int
	BitDepth    int
	Bands       int
}

// TextureCoords are the four corners of a tile's valid texture area, in the
// order lower-left, upper-left, lower-right, upper-right.
type TextureCoords [4][2]float64

func (p Pyramid) levelFactor(level int) int {
	return 1 << level
}

// ColumnsAt returns the number of tile columns at a level.
func (p Pyramid) ColumnsAt(level int) int {
	if level < 0 || p.TileWidth <= 0 {
		return 0
	}
	span := p.TileWidth * p.levelFactor(level)
	return (p.ImageWidth + span - 1) / span
}

// RowsAt returns the number of tile rows at a level.
func (p Pyramid) RowsAt(level int) int {
	if level < 0 || p.TileHeight <= 0 {
		return 0
	}
	span := p.TileHeight * p.levelFactor(level)
	return (p.ImageHeight + span - 1) / span
}

// Validate reports ErrInvalidAddress when the address falls outside the pyramid.
func (p Pyramid) Validate(a Address) error {
	if a.Level < 0 || a.Level > p.MaxLevel {
		return fmt.Errorf("%w: level %d outside [0, %d]", ErrInvalidAddress, a.Level, p.MaxLevel)
	}
	if cols := p.ColumnsAt(a.Level); a.Column < 0 || a.Column >= cols {
		return fmt.Errorf("%w: column %d outside [0, %d) at level %d", ErrInvalidAddress, a.Column, cols, a.Level)
	}
	if rows := p.RowsAt(a.Level); a.Row < 0 || a.Row >= rows {
		return fmt.Errorf("%w: row %d outside [0, %d) at level %d", ErrInvalidAddress, a.Row, rows, a.Level)
	}
	if a.Band < NoBand || (p.Bands > 0 && a.Band >= p.Bands) {
		return fmt.Errorf("%w: band %d outside [%d, %d)", ErrInvalidAddress, a.Band, NoBand, p.Bands)
	}
	return nil
}

// ImageRect is the full-resolution rectangle of the image.
func (p Pyramid) ImageRect() image.Rectangle {
	return image.Rect(0, 0, p.ImageWidth, p.ImageHeight)
}

// FullRect is the tile's unclipped footprint in full-resolution pixels. It may
// extend past the image edge.
func (p Pyramid) FullRect(a Address) image.Rectangle {
	w := p.TileWidth * p.levelFactor(a.Level)
	h := p.TileHeight * p.levelFactor(a.Level)
	return image.Rect(a.Column*w, a.Row*h, a.Column*w+w, a.Row*h+h)
}

// ClippedRect is FullRect intersected with the image rectangle.
func (p Pyramid) ClippedRect(a Address) image.Rectangle {
	return p.FullRect(a).Intersect(p.ImageRect())
}

// TextureSubRect returns the fraction of the tile texture that holds image
// data. Edge tiles of images that are not a multiple of the tile size are
// smaller than nominal.
func (p Pyramid) TextureSubRect(a Address) (float64, float64) {
	full := p.FullRect(a)
	clipped := p.ClippedRect(a)
	if full.Dx() == 0 || full.Dy() == 0 {
		return 0, 0
	}
	return float64(clipped.Dx()) / float64(full.Dx()), float64(clipped.Dy()) / float64(full.Dy())
}

// TextureCoordinates expands TextureSubRect into a quad.
func (p Pyramid) TextureCoordinates(a Address) TextureCoords {
	w, h := p.TextureSubRect(a)
	return TextureCoords{{0, h}, {0, 0}, {w, h}, {w, 0}}
}

// TileSize is the pixel size a decoded tile must have: the clipped rectangle
// scaled down to the address's level, rounded up.
func (p Pyramid) TileSize(a Address) (int, int) {
	clipped := p.ClippedRect(a)
	f := p.levelFactor(a.Level)
	return (clipped.Dx() + f - 1) / f, (clipped.Dy() + f - 1) / f
}

// Parent returns the tile one level coarser that covers this one.
func (p Pyramid) Parent(a Address) (Address, bool) {
	if a.Level >= p.MaxLevel {
		return Address{}, false
	}
	a.Level++
	a.Column /= 2
	a.Row /= 2
	return a, true
}

// Children returns the up to four tiles one level finer that cover this one's
// footprint, clamped to the grid.
func (p Pyramid) Children(a Address) []Address {
	if a.Level <= 0 {
		return nil
	}
	next := a.Level - 1
	cols, rows := p.ColumnsAt(next), p.RowsAt(next)

	var children []Address
	for row := a.Row * 2; row < min(a.Row*2+2, rows); row++ {
		for col := a.Column * 2; col < min(a.Column*2+2, cols); col++ {
			child := a
			child.Level = next
			child.Column = col
			child.Row = row
			children = append(children, child)
		}
	}
	return children
}

// Neighbor returns the tile offset by (dx, dy) at the same level and band.
func (p Pyramid) Neighbor(a Address, dx, dy int) (Address, bool) {
	col, row := a.Column+dx, a.Row+dy
	if col < 0 || col >= p.ColumnsAt(a.Level) || row < 0 || row >= p.RowsAt(a.Level) {
		return Address{}, false
	}
	a.Column = col
	a.Row = row
	return a, true
}

// ZoomLevel counts levels down from the top tile, so the top tile is zoom 0.
func (p Pyramid) ZoomLevel(a Address) int {
	return p.MaxLevel - a.Level
}

// TopTile is the single coarsest tile of the image.
func (p Pyramid) TopTile(collectionID, timestamp string) Address {
	return Address{CollectionID: collectionID, Timestamp: timestamp, Level: p.MaxLevel, Band: NoBand}
}

// TilesAt enumerates every tile of a level for the given band, column-major.
func (p Pyramid) TilesAt(base Address, level, band int) []Address {
	cols, rows := p.ColumnsAt(level), p.RowsAt(level)
	tiles := make([]Address, 0, cols*rows)
	for col := 0; col < cols; col++ {
		for row := 0; row < rows; row++ {
			tiles = append(tiles, Address{
				CollectionID: base.CollectionID,
				Timestamp:    base.Timestamp,
				Level:        level,
				Column:       col,
				Row:          row,
				Band:         band,
			})
		}
	}
	return tiles
}

// AllTiles enumerates every tile of every level for the given band.
func (p Pyramid) AllTiles(base Address, band int) []Address {
	var tiles []Address
	for level := 0; level <= p.MaxLevel; level++ {
		tiles = append(tiles, p.TilesAt(base, level, band)...)
	}
	return tiles
}

// MaxLevelFor returns the level at which the whole image fits in one tile.
func MaxLevelFor(imageWidth, imageHeight, tileWidth, tileHeight int) int {
	if tileWidth <= 0 || tileHeight <= 0 {
		return 0
	}
	level := 0
	for tileWidth<<level < imageWidth || tileHeight<<level < imageHeight {
		level++
	}
	return level
}
