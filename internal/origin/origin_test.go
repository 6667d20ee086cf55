package origin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"tilepyramid/internal/image_list"
	"tilepyramid/internal/tile"
)

func TestParseMetadataURL(t *testing.T) {
	tests := []struct {
		url                      string
		endpoint, collection, ts string
		wantErr                  bool
	}{
		{
			url:        "https://tileserver.example.com/tileserver/0000000000/20010220065958000/metadata.json",
			endpoint:   "https://tileserver.example.com/tileserver",
			collection: "0000000000",
			ts:         "20010220065958000",
		},
		{url: "https://tileserver.example.com/tileserver/0000000000/metadata.xml", wantErr: true},
		{url: "metadata.json", wantErr: true},
	}

	for _, tt := range tests {
		endpoint, collection, ts, err := ParseMetadataURL(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.url)
			}
			continue
		}
		if err != nil || endpoint != tt.endpoint || collection != tt.collection || ts != tt.ts {
			t.Errorf("%s: got %q %q %q %v", tt.url, endpoint, collection, ts, err)
		}
	}
}

func TestDescriptorMetadataValues(t *testing.T) {
	var d Descriptor
	raw := `{"name":"scene","width":600,"height":600,"tileWidth":256,"tileHeight":256,
		"maxRLevel":2,"minrlevel":0,"metadata":{"NBANDS":"3","NBPP":11}}`
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}

	pyr := d.Pyramid()
	want := tile.Pyramid{ImageWidth: 600, ImageHeight: 600, TileWidth: 256, TileHeight: 256, MaxLevel: 2, BitDepth: 11, Bands: 3}
	if pyr != want {
		t.Errorf("Pyramid() = %+v, want %+v", pyr, want)
	}

	empty := Descriptor{}
	if empty.BandCount() != 1 || empty.BitsPerPixel() != 8 {
		t.Errorf("defaults = %d bands, %d bpp", empty.BandCount(), empty.BitsPerPixel())
	}
	if err := empty.Validate(); err == nil {
		t.Error("empty descriptor validated")
	}
}

func TestHTTPSourceFetchesTiles(t *testing.T) {
	var lastPath, lastKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath.Store(r.URL.Path)
		lastKey.Store(r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/tileserver/jdoe/coll/t0/1/2/3/0.png":
			w.Write([]byte("png bytes"))
		case "/tileserver/jdoe/coll/t0/metadata.json":
			w.Write([]byte(`{"width":600,"height":600,"tileWidth":256,"tileHeight":256,"maxRLevel":2,"metadata":{"NBANDS":1}}`))
		case "/tileserver/jdoe/coll/t0/0/0/0/0.png":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/tileserver/jdoe/coll/t0/0/1/0/0.png":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{Endpoint: srv.URL + "/tileserver/", APIKey: "k3y", Username: "jdoe"}, zaptest.NewLogger(t))
	ctx := context.Background()

	data, err := src.FetchTile(ctx, tile.Address{CollectionID: "coll", Timestamp: "t0", Level: 1, Column: 2, Row: 3, Band: 0})
	if err != nil || string(data) != "png bytes" {
		t.Fatalf("FetchTile = %q, %v", data, err)
	}
	if lastKey.Load() != "k3y" {
		t.Errorf("x-api-key = %v", lastKey.Load())
	}

	d, err := src.FetchMetadata(ctx, "coll", "t0")
	if err != nil || d.Width != 600 || d.BandCount() != 1 {
		t.Fatalf("FetchMetadata = %+v, %v", d, err)
	}

	_, err = src.FetchTile(ctx, tile.Address{CollectionID: "coll", Timestamp: "t0", Level: 2, Band: 0})
	if !errors.Is(err, tile.ErrOriginNotFound) {
		t.Errorf("missing tile err = %v, want ErrOriginNotFound", err)
	}

	_, err = src.FetchTile(ctx, tile.Address{CollectionID: "coll", Timestamp: "t0", Band: 0})
	if err == nil || errors.Is(err, tile.ErrOriginNotFound) {
		t.Errorf("server error err = %v, want transport error", err)
	}

	_, err = src.FetchTile(ctx, tile.Address{CollectionID: "coll", Timestamp: "t0", Column: 1, Band: 0})
	if err == nil {
		t.Error("redirect was followed")
	}
	if lastPath.Load() != "/tileserver/jdoe/coll/t0/0/1/0/0.png" {
		t.Errorf("last request = %v", lastPath.Load())
	}
}

func TestHTTPSourceAnonymousURLs(t *testing.T) {
	src := NewHTTPSource(HTTPConfig{Endpoint: "https://tiles.example.com/tileserver", Username: "Anonymous"}, zaptest.NewLogger(t))

	got := src.TileURL(tile.Address{CollectionID: "c", Timestamp: "t", Level: 0, Column: 1, Row: 2, Band: -1})
	if want := "https://tiles.example.com/tileserver/c/t/0/1/2/-1.png"; got != want {
		t.Errorf("TileURL = %s, want %s", got, want)
	}
	if got, want := src.MetadataURL("c", "t"), "https://tiles.example.com/tileserver/c/t/metadata.json"; got != want {
		t.Errorf("MetadataURL = %s, want %s", got, want)
	}
}

type countingFetcher struct {
	calls atomic.Int32
	fail  bool
}

func (f *countingFetcher) FetchMetadata(ctx context.Context, collectionID, timestamp string) (*Descriptor, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, tile.ErrOriginNotFound
	}
	return &Descriptor{Width: 600, Height: 600, TileWidth: 256, TileHeight: 256, MaxRLevel: 2}, nil
}

func TestMetadataCacheFetchesOnce(t *testing.T) {
	fetcher := &countingFetcher{}
	m := NewMetadataCache(fetcher, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pyr, err := m.Pyramid(context.Background(), "coll", "t0")
			if err != nil || pyr.ColumnsAt(0) != 3 {
				t.Errorf("Pyramid = %+v, %v", pyr, err)
			}
		}()
	}
	wg.Wait()

	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	m.Invalidate("coll", "t0")
	m.Descriptor(context.Background(), "coll", "t0")
	if n := fetcher.calls.Load(); n != 2 {
		t.Errorf("fetches after invalidate = %d, want 2", n)
	}
}

func TestMetadataCacheDoesNotCacheFailures(t *testing.T) {
	fetcher := &countingFetcher{fail: true}
	m := NewMetadataCache(fetcher, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		if _, err := m.Pyramid(context.Background(), "coll", "t0"); !errors.Is(err, tile.ErrOriginNotFound) {
			t.Errorf("err = %v", err)
		}
	}
	if n := fetcher.calls.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

type staticIndex map[string]*image_list.ImageInfo

func (s staticIndex) GetImageByID(id string) *image_list.ImageInfo { return s[id] }
func (s staticIndex) GetImagePathByID(id string) string { return "/data/" + id + ".tif" }

func TestLocalSourceMetadata(t *testing.T) {
	index := staticIndex{"abc": {ID: "abc", OriginalFilename: "scene.tif", Width: 600, Height: 600, Bands: 3, BitDepth: 16}}
	src := NewLocalSource(index, zaptest.NewLogger(t))

	d, err := src.FetchMetadata(context.Background(), LocalCollection, "abc")
	if err != nil {
		t.Fatal(err)
	}
	pyr := d.Pyramid()
	if pyr.MaxLevel != 2 || pyr.Bands != 3 || pyr.BitDepth != 16 || d.Name != "scene.tif" {
		t.Errorf("descriptor = %+v, pyramid = %+v", d, pyr)
	}

	for _, tc := range []struct{ collection, id string }{
		{"remote", "abc"},
		{LocalCollection, "missing"},
	} {
		if _, err := src.FetchMetadata(context.Background(), tc.collection, tc.id); !errors.Is(err, tile.ErrOriginNotFound) {
			t.Errorf("%s/%s: err = %v", tc.collection, tc.id, err)
		}
		_, err := src.FetchTile(context.Background(), tile.Address{CollectionID: tc.collection, Timestamp: tc.id})
		if !errors.Is(err, tile.ErrOriginNotFound) {
			t.Errorf("%s/%s tile: err = %v", tc.collection, tc.id, err)
		}
	}

	_, err = src.FetchTile(context.Background(), tile.Address{CollectionID: LocalCollection, Timestamp: "abc", Level: 5})
	if !errors.Is(err, tile.ErrInvalidAddress) {
		t.Errorf("out of range tile: err = %v", err)
	}
}
