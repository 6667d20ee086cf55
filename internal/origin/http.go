package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tilepyramid/internal/tile"
)

const (
	tracerName   = "tilepyramid/internal/origin"
	anonymous    = "anonymous"
	maxTileBytes = 64 << 20
)

var metadataURLPattern = regexp.MustCompile(`^(.*)/([^/]*)/([^/]*)/metadata\.json$`)

var errRedirect = errors.New("origin redirects are not followed")

// ParseMetadataURL splits a metadata.json URL into the tile server endpoint,
// the collection and the timestamp.
func ParseMetadataURL(raw string) (endpoint, collectionID, timestamp string, err error) {
	m := metadataURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", "", "", fmt.Errorf("invalid metadata URL %q, must match %s", raw, metadataURLPattern)
	}
	return m[1], m[2], m[3], nil
}

type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Username string
	Timeout  time.Duration
}

// HTTPSource reads tiles and metadata from a remote tile server.
type HTTPSource struct {
	endpoint string
	apiKey   string
	username string
	client   *http.Client
	tracer   trace.Tracer
	logger   *zap.Logger
}

func NewHTTPSource(cfg HTTPConfig, logger *zap.Logger) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPSource{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		username: cfg.Username,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return errRedirect
			},
		},
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

func (s *HTTPSource) base() string {
	if s.username != "" && !strings.EqualFold(s.username, anonymous) {
		return s.endpoint + "/" + s.username
	}
	return s.endpoint
}

// TileURL is {endpoint}[/{user}]/{collection}/{timestamp}/{level}/{col}/{row}/{band}.png
func (s *HTTPSource) TileURL(addr tile.Address) string {
	return fmt.Sprintf("%s/%s/%s/%d/%d/%d/%d.png", s.base(), addr.CollectionID, addr.Timestamp,
		addr.Level, addr.Column, addr.Row, addr.Band)
}

func (s *HTTPSource) MetadataURL(collectionID, timestamp string) string {
	return fmt.Sprintf("%s/%s/%s/metadata.json", s.base(), collectionID, timestamp)
}

func (s *HTTPSource) FetchTile(ctx context.Context, addr tile.Address) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "origin.FetchTile",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tile.key", addr.Key()),
			attribute.Int("tile.level", addr.Level),
		),
	)
	defer span.End()

	data, err := s.get(ctx, s.TileURL(addr), maxTileBytes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tile.bytes", len(data)))
	return data, nil
}

func (s *HTTPSource) FetchMetadata(ctx context.Context, collectionID, timestamp string) (*Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "origin.FetchMetadata",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("image", tile.ImageKey(collectionID, timestamp))),
	)
	defer span.End()

	data, err := s.get(ctx, s.MetadataURL(collectionID, timestamp), 1<<20)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s/%s: %w", collectionID, timestamp, err)
	}
	return &d, nil
}

func (s *HTTPSource) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", tile.ErrOriginNotFound, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}

	s.logger.Debug("Fetched from origin", zap.String("url", url), zap.Int("bytes", len(data)))
	return data, nil
}
