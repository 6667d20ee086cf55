package image_list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var imageExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// IsImageFile reports whether name has an extension the scanner can index.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ImageInfo is the sidecar metadata stored as {id}.json next to each image.
type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bands            int    `json:"bands"`
	BitDepth         int    `json:"bit_depth"`
	Bytes            int64  `json:"bytes"`
}

// Scanner indexes the images in the data directory. Files without sidecar
// metadata are renamed to a fresh UUID and get one written.
type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
	}
}

func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var images []ImageInfo
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}

		info, err := s.indexEntry(entry)
		if err != nil {
			s.logger.Warn("Skipping image", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		images = append(images, *info)
	}

	slices.SortFunc(images, func(a, b ImageInfo) int { return strings.Compare(a.ID, b.ID) })

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Scanned data directory", zap.String("dir", s.dataDir), zap.Int("images", len(images)))
	return nil
}

// indexEntry loads an image's sidecar, or migrates an unindexed file to a
// UUID name and writes one.
func (s *Scanner) indexEntry(entry os.DirEntry) (*ImageInfo, error) {
	path := s.getFilePath(entry.Name())
	ext := strings.ToLower(filepath.Ext(path))
	basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	jsonPath := s.getFilePath(basename + ".json")
	if _, err := os.Stat(jsonPath); err == nil {
		meta, err := s.loadMetadata(jsonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load metadata: %w", err)
		}
		if meta.Bands == 0 {
			// Sidecars written before band info was recorded.
			if err := s.probe(path, meta); err != nil {
				return nil, err
			}
			if err := s.saveMetadata(jsonPath, meta); err != nil {
				s.logger.Warn("Failed to update metadata", zap.String("json_path", jsonPath), zap.Error(err))
			}
		}
		return meta, nil
	}

	id := uuid.New().String()
	finalPath := s.getFilePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename to %s: %w", finalPath, err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	return s.register(finalPath, id, entry.Name())
}

// register probes an image already stored under its UUID name and writes its
// sidecar.
func (s *Scanner) register(path, id, originalFilename string) (*ImageInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	meta := &ImageInfo{
		ID:               id,
		OriginalFilename: originalFilename,
		CurrentFilename:  filepath.Base(path),
		Bytes:            stat.Size(),
	}
	if err := s.probe(path, meta); err != nil {
		return nil, err
	}

	if err := s.saveMetadata(s.getFilePath(id+".json"), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Scanner) probe(path string, meta *ImageInfo) error {
	img, err := OpenImage(path, true)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	meta.Width = img.Width()
	meta.Height = img.Height()
	meta.Bands = img.Bands()
	meta.BitDepth = 8
	if img.Format() == vips.BandFormatUshort {
		meta.BitDepth = 16
	}
	return nil
}

func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}

		path := s.getFilePath(entry.Name())
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		reason := ""
		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			reason = "invalid"
		case meta.ID != id:
			reason = "uuid mismatch"
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete metadata", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		} else {
			s.logger.Info("Deleted metadata", zap.String("path", path), zap.String("reason", reason))
		}
	}

	return nil
}

// OpenImage loads an image by extension. Sequential access suits probing;
// random access suits extracting tiles from large files.
func OpenImage(path string, sequential bool) (*vips.Image, error) {
	access := vips.AccessRandom
	if sequential {
		access = vips.AccessSequential
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.images)
}

func (s *Scanner) GetImageByID(id string) *ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, img := range s.images {
		if img.ID == id {
			return &img
		}
	}
	return nil
}

func (s *Scanner) GetImagePathByID(id string) string {
	imageInfo := s.GetImageByID(id)
	if imageInfo == nil {
		return ""
	}
	return s.getFilePath(imageInfo.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// ProcessUploadedFile moves an uploaded file to {uuid}.{ext} in the data
// directory, writes its metadata and returns the new ID.
func (s *Scanner) ProcessUploadedFile(tempPath string, originalFilename string) (string, error) {
	id := uuid.New().String()
	finalPath := s.getFilePath(id + strings.ToLower(filepath.Ext(originalFilename)))

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move uploaded file: %w", err)
	}

	if _, err := s.register(finalPath, id, originalFilename); err != nil {
		os.Remove(finalPath)
		return "", fmt.Errorf("failed to register upload: %w", err)
	}

	s.logger.Info("Processed uploaded file",
		zap.String("uuid", id),
		zap.String("original_filename", originalFilename),
		zap.String("final_path", finalPath))

	return id, nil
}
