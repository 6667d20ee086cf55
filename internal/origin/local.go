package origin

import (
	"context"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilepyramid/internal/image_list"
	"tilepyramid/internal/tile"
)

const (
	// LocalCollection is the collection ID of images in the data directory.
	// Their timestamp is the image ID.
	LocalCollection = "local"
	LocalTileSize   = 256
)

// ImageIndex resolves local image IDs. image_list.Scanner implements it.
type ImageIndex interface {
	GetImageByID(id string) *image_list.ImageInfo
	GetImagePathByID(id string) string
}

// LocalSource renders single-band PNG tiles from images on disk with libvips.
type LocalSource struct {
	index  ImageIndex
	logger *zap.Logger
}

func NewLocalSource(index ImageIndex, logger *zap.Logger) *LocalSource {
	return &LocalSource{index: index, logger: logger}
}

// DescriptorFor builds the pyramid descriptor of an indexed image.
func DescriptorFor(info *image_list.ImageInfo) *Descriptor {
	return &Descriptor{
		Name:       info.OriginalFilename,
		Width:      info.Width,
		Height:     info.Height,
		TileWidth:  LocalTileSize,
		TileHeight: LocalTileSize,
		MaxRLevel:  tile.MaxLevelFor(info.Width, info.Height, LocalTileSize, LocalTileSize),
		Metadata: map[string]any{
			"NBANDS": max(info.Bands, 1),
			"NBPP":   max(info.BitDepth, 8),
		},
	}
}

func (s *LocalSource) FetchMetadata(ctx context.Context, collectionID, timestamp string) (*Descriptor, error) {
	info, err := s.lookup(collectionID, timestamp)
	if err != nil {
		return nil, err
	}
	return DescriptorFor(info), nil
}

// FetchTile cuts the address's clipped rectangle out of the source image,
// scales it down to the address's level, keeps one band and pads the result
// to the exact tile size.
func (s *LocalSource) FetchTile(ctx context.Context, addr tile.Address) ([]byte, error) {
	info, err := s.lookup(addr.CollectionID, addr.Timestamp)
	if err != nil {
		return nil, err
	}
	pyr := DescriptorFor(info).Pyramid()
	if err := pyr.Validate(addr); err != nil {
		return nil, err
	}

	img, err := image_list.OpenImage(s.index.GetImagePathByID(info.ID), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	// Extracting first keeps memory bounded to the tile's footprint.
	area := pyr.ClippedRect(addr)
	if err := img.ExtractArea(area.Min.X, area.Min.Y, area.Dx(), area.Dy()); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	if addr.Level > 0 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(1/float64(int(1)<<addr.Level), resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	band := max(addr.Band, 0)
	if img.Bands() > 1 {
		if err := img.ExtractBand(band, vips.DefaultExtractBandOptions()); err != nil {
			return nil, fmt.Errorf("failed to extract band %d: %w", band, err)
		}
	}

	// Rounding in the resize can leave a pixel too many or too few.
	w, h := pyr.TileSize(addr)
	if img.Width() > w || img.Height() > h {
		if err := img.ExtractArea(0, 0, min(img.Width(), w), min(img.Height(), h)); err != nil {
			return nil, fmt.Errorf("failed to crop: %w", err)
		}
	}
	if img.Width() < w || img.Height() < h {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBlack
		if err := img.Embed(0, 0, w, h, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	pngOpts := vips.DefaultPngsaveBufferOptions()
	pngOpts.Compression = 3
	data, err := img.PngsaveBuffer(pngOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	s.logger.Debug("Rendered local tile", zap.String("key", addr.Key()), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *LocalSource) lookup(collectionID, id string) (*image_list.ImageInfo, error) {
	if collectionID != LocalCollection {
		return nil, fmt.Errorf("%w: collection %q is not local", tile.ErrOriginNotFound, collectionID)
	}
	info := s.index.GetImageByID(id)
	if info == nil {
		return nil, fmt.Errorf("%w: image %s", tile.ErrOriginNotFound, id)
	}
	return info, nil
}
