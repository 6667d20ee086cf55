// Package assembler merges the color bands of one tile into a renderable
// RGBA image.
package assembler

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"go.uber.org/zap"

	"tilepyramid/internal/metrics"
	"tilepyramid/internal/tile"
)

const maxColorBands = 3

// BandSource supplies single-band rasters. tilecache.TileCache implements it.
type BandSource interface {
	GetTileBand(ctx context.Context, addr tile.Address, blocking bool) (image.Image, bool, error)
}

// AssembledTile is a composite built from cached bands. It is rebuilt on every
// request so band-level cache hits are always reused.
type AssembledTile struct {
	Address tile.Address
	Bands   []image.Image
	Image   *image.NRGBA64
}

type Assembler struct {
	bands  BandSource
	logger *zap.Logger
}

func New(bands BandSource, logger *zap.Logger) *Assembler {
	return &Assembler{bands: bands, logger: logger}
}

// GetAssembledTile fetches min(3, bandCount) bands of addr concurrently and
// merges them. It reports false until every band is available.
func (a *Assembler) GetAssembledTile(ctx context.Context, addr tile.Address, bandCount int, blocking bool) (*AssembledTile, bool, error) {
	if bandCount < 1 {
		return nil, false, fmt.Errorf("%w: %d", tile.ErrInvalidBandCount, bandCount)
	}
	addr = addr.WithBand(tile.NoBand)

	n := min(maxColorBands, bandCount)
	bands := make([]image.Image, n)
	ready := make([]bool, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bands[i], ready[i], errs[i] = a.bands.GetTileBand(ctx, addr.WithBand(i), blocking)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, false, fmt.Errorf("band %d of %s: %w", i, addr.Key(), err)
		}
	}
	for _, ok := range ready {
		if !ok {
			metrics.AssembledTiles.WithLabelValues("pending").Inc()
			return nil, false, nil
		}
	}

	var merged *image.NRGBA64
	if n < maxColorBands {
		merged = Merge(bands[0], bands[0], bands[0])
	} else {
		merged = Merge(bands[2], bands[1], bands[0])
	}
	metrics.AssembledTiles.WithLabelValues("ready").Inc()

	a.logger.Debug("Assembled tile", zap.String("key", addr.Key()), zap.Int("bands", n))
	return &AssembledTile{Address: addr, Bands: bands, Image: merged}, true, nil
}

// Merge interleaves three single-band rasters into an opaque image sized like
// r. Pixels outside g or b read as zero.
func Merge(r, g, b image.Image) *image.NRGBA64 {
	bounds := r.Bounds()
	out := image.NewNRGBA64(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			out.SetNRGBA64(x, y, color.NRGBA64{
				R: sample(r, x, y),
				G: sample(g, x, y),
				B: sample(b, x, y),
				A: 0xffff,
			})
		}
	}
	return out
}

// sample reads the 16-bit gray value at (x, y) relative to img's origin.
func sample(img image.Image, x, y int) uint16 {
	b := img.Bounds()
	px, py := b.Min.X+x, b.Min.Y+y
	if !image.Pt(px, py).In(b) {
		return 0
	}

	switch src := img.(type) {
	case *image.Gray:
		v := src.Pix[src.PixOffset(px, py)]
		return uint16(v)<<8 | uint16(v)
	case *image.Gray16:
		return src.Gray16At(px, py).Y
	default:
		return color.Gray16Model.Convert(img.At(px, py)).(color.Gray16).Y
	}
}
