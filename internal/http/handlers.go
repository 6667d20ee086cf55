package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilepyramid/internal/assembler"
	"tilepyramid/internal/config"
	"tilepyramid/internal/image_list"
	"tilepyramid/internal/origin"
	"tilepyramid/internal/tile"
	"tilepyramid/internal/tilecache"
)

// ImageLister lists local images and registers uploads. image_list.Scanner
// implements it.
type ImageLister interface {
	GetImages() []image_list.ImageInfo
	GetImageByID(id string) *image_list.ImageInfo
	ProcessUploadedFile(tempPath string, originalFilename string) (string, error)
	Scan() error
}

type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	scanner   ImageLister
	metadata  *origin.MetadataCache
	tiles     *tilecache.TileCache
	assembler *assembler.Assembler
	codec     tilecache.Codec
}

func New(config *config.Config, logger *zap.Logger, scanner ImageLister, metadata *origin.MetadataCache, tiles *tilecache.TileCache, asm *assembler.Assembler) *Handlers {
	return &Handlers{
		config:    config,
		logger:    logger,
		scanner:   scanner,
		metadata:  metadata,
		tiles:     tiles,
		assembler: asm,
		codec:     tilecache.ImageCodec{},
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqOrigin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if reqOrigin != "" && (strings.HasPrefix(reqOrigin, "http://"+host) || strings.HasPrefix(reqOrigin, "https://"+host)) {
				allowedOrigin = reqOrigin
			} else if reqOrigin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Texture-Sub-Rect")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type imageEntry struct {
	Collection string `json:"collection"`
	Timestamp  string `json:"timestamp"`
	image_list.ImageInfo
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	images := h.scanner.GetImages()
	entries := make([]imageEntry, 0, len(images))
	for _, img := range images {
		entries = append(entries, imageEntry{Collection: origin.LocalCollection, Timestamp: img.ID, ImageInfo: img})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.config.IsUploadPublic() && h.requestToken(r) != h.config.UploadToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !image_list.IsImageFile(header.Filename) {
		http.Error(w, "Invalid file extension", http.StatusBadRequest)
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	tempFile, err := os.CreateTemp(h.config.DataDir, ".upload_*"+ext+".tmp")
	if err != nil {
		h.logger.Error("Failed to create temp file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempPath := tempFile.Name()

	_, err = io.Copy(tempFile, file)
	tempFile.Close()
	if err != nil {
		os.Remove(tempPath)
		h.logger.Error("Failed to copy file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	imageID, err := h.scanner.ProcessUploadedFile(tempPath, header.Filename)
	if err != nil {
		os.Remove(tempPath)
		h.logger.Error("Failed to process uploaded file", zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusInternalServerError)
		return
	}

	if err := h.scanner.Scan(); err != nil {
		h.logger.Warn("Failed to rescan after upload", zap.Error(err))
	}

	imageInfo := h.scanner.GetImageByID(imageID)
	if imageInfo == nil {
		h.logger.Warn("Uploaded image not found after scan", zap.String("id", imageID))
		http.Error(w, "Failed to retrieve uploaded image", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         imageID,
		"collection": origin.LocalCollection,
		"timestamp":  imageID,
		"name":       imageInfo.OriginalFilename,
		"saved":      true,
	})
}

func (h *Handlers) requestToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleImageRoutes serves everything under /api/images/{collection}/{timestamp}/.
func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}

	collectionID, timestamp := parts[0], parts[1]

	switch {
	case len(parts) == 3 && parts[2] == "meta":
		h.handleMeta(w, r, collectionID, timestamp)
	case len(parts) == 6 && parts[2] == "tiles":
		h.handleTile(w, r, collectionID, timestamp, parts[3:])
	case len(parts) == 7 && parts[2] == "bands":
		h.handleBand(w, r, collectionID, timestamp, parts[3:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, collectionID, timestamp string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d, err := h.metadata.Descriptor(r.Context(), collectionID, timestamp)
	if err != nil {
		h.writeError(w, err)
		return
	}

	pyr := d.Pyramid()
	levels := make([]map[string]int, 0, pyr.MaxLevel+1)
	for level := 0; level <= pyr.MaxLevel; level++ {
		levels = append(levels, map[string]int{
			"level":   level,
			"zoom":    pyr.MaxLevel - level,
			"columns": pyr.ColumnsAt(level),
			"rows":    pyr.RowsAt(level),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"descriptor": d,
		"bands":      d.BandCount(),
		"bitDepth":   d.BitsPerPixel(),
		"levels":     levels,
	})
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, collectionID, timestamp string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nums, err := parseTilePath(tileParts, 3)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	addr := tile.Address{CollectionID: collectionID, Timestamp: timestamp, Level: nums[0], Column: nums[1], Row: nums[2], Band: tile.NoBand}

	d, err := h.metadata.Descriptor(r.Context(), collectionID, timestamp)
	if err != nil {
		h.writeError(w, err)
		return
	}

	composite, ok, err := h.assembler.GetAssembledTile(r.Context(), addr, d.BandCount(), true)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Tile not ready", http.StatusServiceUnavailable)
		return
	}

	subW, subH := d.Pyramid().TextureSubRect(addr)
	w.Header().Set("X-Texture-Sub-Rect", fmt.Sprintf("%g,%g", subW, subH))
	h.writePNG(w, r, composite.Image)
}

func (h *Handlers) handleBand(w http.ResponseWriter, r *http.Request, collectionID, timestamp string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nums, err := parseTilePath(tileParts, 4)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	addr := tile.Address{CollectionID: collectionID, Timestamp: timestamp, Level: nums[0], Column: nums[1], Row: nums[2], Band: nums[3]}

	img, ok, err := h.tiles.GetTileBand(r.Context(), addr, true)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Tile not ready", http.StatusServiceUnavailable)
		return
	}
	h.writePNG(w, r, img)
}

// HandleCache reports (GET) or evicts (DELETE) one canonical tile key.
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if _, err := tile.ParseKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/cache/status":
		writeJSON(w, http.StatusOK, h.tiles.Status(key))
	case r.Method == http.MethodDelete && r.URL.Path == "/api/cache":
		h.tiles.Evict(key)
		h.logger.Info("Evicted tile", zap.String("key", key))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) writePNG(w http.ResponseWriter, r *http.Request, img image.Image) {
	data, err := h.codec.Encode(img)
	if err != nil {
		h.logger.Error("Failed to encode tile", zap.Error(err))
		http.Error(w, "Failed to encode tile", http.StatusInternalServerError)
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(data), 16) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tile.ErrInvalidAddress), errors.Is(err, tile.ErrInvalidBandCount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tile.ErrOriginNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// parseTilePath reads n non-negative integers; the last segment carries a
// .png extension. Band segments may be -1.
func parseTilePath(parts []string, n int) ([]int, error) {
	if len(parts) != n {
		return nil, fmt.Errorf("invalid path")
	}

	last, ok := strings.CutSuffix(parts[n-1], ".png")
	if !ok {
		return nil, fmt.Errorf("invalid format")
	}
	parts = append(parts[:n-1:n-1], last)

	nums := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %q", p)
		}
		if v < 0 && !(i == 3 && v == tile.NoBand) {
			return nil, fmt.Errorf("coordinates must be non-negative")
		}
		nums[i] = v
	}
	return nums, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
