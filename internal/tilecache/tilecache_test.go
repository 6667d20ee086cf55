package tilecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tilepyramid/internal/cache"
	"tilepyramid/internal/coordinator"
	"tilepyramid/internal/tile"
)

var scenario = tile.Pyramid{
	ImageWidth:  600,
	ImageHeight: 600,
	TileWidth:   256,
	TileHeight:  256,
	MaxLevel:    2,
	BitDepth:    8,
	Bands:       3,
}

type staticMetadata struct {
	pyramid tile.Pyramid
}

func (m staticMetadata) Pyramid(ctx context.Context, collectionID, timestamp string) (tile.Pyramid, error) {
	if collectionID != "coll" {
		return tile.Pyramid{}, fmt.Errorf("unknown collection %q", collectionID)
	}
	return m.pyramid, nil
}

// fakeOrigin counts fetches. respond builds the reply for an address; gate,
// when set, holds every fetch until it is closed.
type fakeOrigin struct {
	fetches atomic.Int32
	gate    chan struct{}
	respond func(addr tile.Address) ([]byte, error)
}

func (o *fakeOrigin) FetchTile(ctx context.Context, addr tile.Address) ([]byte, error) {
	o.fetches.Add(1)
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.respond(addr)
}

func encodeGray(t *testing.T, w, h int, fill uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = fill
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// validTiles answers every address with a correctly sized gray tile.
func validTiles(t *testing.T, pyr tile.Pyramid) func(tile.Address) ([]byte, error) {
	return func(addr tile.Address) ([]byte, error) {
		w, h := pyr.TileSize(addr)
		return encodeGray(t, w, h, uint8(10+addr.Band)), nil
	}
}

type fixture struct {
	tiles   *TileCache
	bytes   *cache.MemoryCache
	rasters *cache.RasterCache
	origin  *fakeOrigin
}

func newFixture(t *testing.T, pyr tile.Pyramid, origin *fakeOrigin) *fixture {
	t.Helper()
	return newFixtureWith(t, pyr, origin, coordinator.Options{Workers: 4}, 0)
}

func newFixtureWith(t *testing.T, pyr tile.Pyramid, origin *fakeOrigin, opts coordinator.Options, fetchTimeout time.Duration) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	rasters, err := cache.NewRasterCache(64)
	if err != nil {
		t.Fatal(err)
	}
	coord := coordinator.New(opts, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})

	f := &fixture{
		bytes:   cache.NewMemoryCache(64),
		rasters: rasters,
		origin:  origin,
	}
	f.tiles = New(Config{
		Bytes:        f.bytes,
		Rasters:      rasters,
		Origin:       origin,
		Metadata:     staticMetadata{pyramid: pyr},
		Coordinator:  coord,
		FetchTimeout: fetchTimeout,
	}, log)
	return f
}

func edgeTile(band int) tile.Address {
	return tile.Address{CollectionID: "coll", Timestamp: "t0", Level: 0, Column: 2, Row: 2, Band: band}
}

func TestBlockingFetchIsSingleFlight(t *testing.T) {
	origin := &fakeOrigin{gate: make(chan struct{})}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)

	const callers = 16
	results := make([]image.Image, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, ok, err := f.tiles.GetTileBand(context.Background(), edgeTile(0), true)
			if err != nil || !ok {
				t.Errorf("caller %d: ok=%v err=%v", i, ok, err)
			}
			results[i] = img
		}(i)
	}

	waitFor(t, func() bool { return f.tiles.IsFetchInProgress(edgeTile(0).Key()) })
	close(origin.gate)
	wg.Wait()

	if n := origin.fetches.Load(); n != 1 {
		t.Fatalf("origin fetched %d times, want 1", n)
	}
	for i, img := range results {
		if img != results[0] {
			t.Errorf("caller %d saw a different raster", i)
		}
	}
}

func TestNonBlockingPollsUntilReady(t *testing.T) {
	origin := &fakeOrigin{gate: make(chan struct{})}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)
	addr := edgeTile(1)

	img, ok, err := f.tiles.GetTileBand(context.Background(), addr, false)
	if err != nil || ok || img != nil {
		t.Fatalf("first poll = %v, %v, %v; want miss", img, ok, err)
	}
	if !f.tiles.IsFetchInProgress(addr.Key()) {
		t.Fatal("miss did not schedule a fetch")
	}

	// Polling while the fetch is held must not queue more work.
	for i := 0; i < 5; i++ {
		if _, ok, _ := f.tiles.GetTileBand(context.Background(), addr, false); ok {
			t.Fatal("hit before origin answered")
		}
	}
	close(origin.gate)

	waitFor(t, func() bool {
		_, ok, _ := f.tiles.GetTileBand(context.Background(), addr, false)
		return ok
	})

	before := origin.fetches.Load()
	for i := 0; i < 3; i++ {
		img, ok, _ := f.tiles.GetTileBand(context.Background(), addr, false)
		if !ok || img.Bounds().Dx() != 88 {
			t.Fatalf("cached poll = %v, %v", img, ok)
		}
	}
	if origin.fetches.Load() != before || before != 1 {
		t.Errorf("fetches = %d then %d, want 1 and no more", before, origin.fetches.Load())
	}
}

func TestCorruptDataBecomesPlaceholderAfterThreeAttempts(t *testing.T) {
	for _, tc := range []struct {
		name    string
		respond func(tile.Address) ([]byte, error)
	}{
		{"garbage", func(tile.Address) ([]byte, error) { return []byte("not an image"), nil }},
		{"wrong size", func(tile.Address) ([]byte, error) { return encodeGray(t, 256, 256, 1), nil }},
		{"not found", func(tile.Address) ([]byte, error) { return nil, tile.ErrOriginNotFound }},
		{"transport", func(tile.Address) ([]byte, error) { return nil, errors.New("connection reset") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			origin := &fakeOrigin{respond: tc.respond}
			f := newFixture(t, scenario, origin)
			addr := edgeTile(2)

			img, ok, err := f.tiles.GetTileBand(context.Background(), addr, true)
			if err != nil || !ok {
				t.Fatalf("GetTileBand = %v, %v", ok, err)
			}
			if n := origin.fetches.Load(); n != DefaultAttempts {
				t.Errorf("fetches = %d, want %d", n, DefaultAttempts)
			}

			gray, isGray := img.(*image.Gray)
			if !isGray || gray.Bounds() != image.Rect(0, 0, 88, 88) {
				t.Fatalf("placeholder = %T %v, want 88x88 gray", img, img.Bounds())
			}
			for _, p := range gray.Pix {
				if p != 0 {
					t.Fatal("placeholder is not black")
				}
			}
			if !f.bytes.Has(addr.Key()) {
				t.Error("placeholder was not written to the encoded tier")
			}

			if _, ok, _ := f.tiles.GetTileBand(context.Background(), addr, true); !ok {
				t.Error("repeat request missed")
			}
			// With the decoded tier gone the encoded placeholder still serves.
			f.rasters.Remove(addr.Key())
			if _, ok, _ := f.tiles.GetTileBand(context.Background(), addr, true); !ok {
				t.Error("request after decoded eviction missed")
			}
			if n := origin.fetches.Load(); n != DefaultAttempts {
				t.Errorf("repeat requests fetched again: %d", n)
			}
		})
	}
}

func TestPlaceholderKeepsBitDepth(t *testing.T) {
	pyr := scenario
	pyr.BitDepth = 11
	origin := &fakeOrigin{respond: func(tile.Address) ([]byte, error) { return nil, tile.ErrOriginNotFound }}
	f := newFixture(t, pyr, origin)

	addr := tile.Address{CollectionID: "coll", Timestamp: "t0", Level: 1, Column: 1, Row: 0, Band: 0}
	img, ok, err := f.tiles.GetTileBand(context.Background(), addr, true)
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if BitDepth(img) != 16 {
		t.Errorf("placeholder is %T, want 16-bit", img)
	}
	if img.Bounds().Dx() != 44 || img.Bounds().Dy() != 256 {
		t.Errorf("placeholder bounds = %v, want 44x256", img.Bounds())
	}
}

func TestCorruptCachedBytesAreReplaced(t *testing.T) {
	origin := &fakeOrigin{}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)
	addr := edgeTile(0)

	f.bytes.Set(addr.Key(), []byte("truncated"))

	img, ok, err := f.tiles.GetTileBand(context.Background(), addr, true)
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if gray := img.(*image.Gray); gray.Pix[0] != 10 {
		t.Errorf("served %d, want origin data", gray.Pix[0])
	}
	if n := origin.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestChannels(t *testing.T) {
	rect := image.Rect(0, 0, 2, 2)
	grays := color.Palette{color.Gray{Y: 0}, color.Gray{Y: 200}}
	colors := color.Palette{color.Gray{Y: 0}, color.RGBA{R: 255, A: 255}}

	tests := []struct {
		name string
		img  image.Image
		want int
	}{
		{"gray", image.NewGray(rect), 1},
		{"gray16", image.NewGray16(rect), 1},
		{"gray palette", image.NewPaletted(rect, grays), 1},
		{"color palette", image.NewPaletted(rect, colors), 3},
		{"ycbcr", image.NewYCbCr(rect, image.YCbCrSubsampleRatio444), 3},
		{"rgba", image.NewRGBA(rect), 4},
	}
	for _, tt := range tests {
		if got := Channels(tt.img); got != tt.want {
			t.Errorf("%s: Channels = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestIndexedGrayTileIsAccepted(t *testing.T) {
	origin := &fakeOrigin{}
	origin.respond = func(addr tile.Address) ([]byte, error) {
		w, h := scenario.TileSize(addr)
		palette := make(color.Palette, 256)
		for i := range palette {
			palette[i] = color.Gray{Y: uint8(i)}
		}
		img := image.NewPaletted(image.Rect(0, 0, w, h), palette)
		for i := range img.Pix {
			img.Pix[i] = 42
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	f := newFixture(t, scenario, origin)

	img, ok, err := f.tiles.GetTileBand(context.Background(), edgeTile(0), true)
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if _, isPaletted := img.(*image.Paletted); !isPaletted {
		t.Errorf("served %T, want the indexed origin tile", img)
	}
	if n := origin.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestInvalidAddressIsRejected(t *testing.T) {
	origin := &fakeOrigin{}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)

	for _, addr := range []tile.Address{
		{CollectionID: "coll", Timestamp: "t0", Level: 3},
		{CollectionID: "coll", Timestamp: "t0", Level: 0, Column: 3},
		{CollectionID: "coll", Timestamp: "t0", Level: 2, Row: 1},
		{CollectionID: "coll", Timestamp: "t0", Level: 0, Band: 3},
	} {
		_, ok, err := f.tiles.GetTileBand(context.Background(), addr, true)
		if ok || !errors.Is(err, tile.ErrInvalidAddress) {
			t.Errorf("%s: ok=%v err=%v, want ErrInvalidAddress", addr.Key(), ok, err)
		}
		if f.tiles.IsFetchInProgress(addr.Key()) {
			t.Errorf("%s was queued", addr.Key())
		}
	}

	if _, _, err := f.tiles.GetTileBand(context.Background(), tile.Address{CollectionID: "other", Timestamp: "t0"}, false); err == nil {
		t.Error("expected metadata error")
	}
	if n := origin.fetches.Load(); n != 0 {
		t.Errorf("fetches = %d, want 0", n)
	}
}

func TestBlockingWaitHonoursContext(t *testing.T) {
	origin := &fakeOrigin{gate: make(chan struct{})}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)
	defer close(origin.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := f.tiles.GetTileBand(ctx, edgeTile(0), true)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ok=%v err=%v, want deadline exceeded", ok, err)
	}
}

func TestHangingOriginBecomesPlaceholder(t *testing.T) {
	tests := []struct {
		name         string
		opts         coordinator.Options
		fetchTimeout time.Duration
		wantFetches  int32
	}{
		{"attempt deadline", coordinator.Options{Workers: 2}, 10 * time.Millisecond, DefaultAttempts},
		{"task deadline", coordinator.Options{Workers: 2, TaskTimeout: 20 * time.Millisecond}, 0, 1},
		{"both deadlines", coordinator.Options{Workers: 2, TaskTimeout: time.Second}, 10 * time.Millisecond, DefaultAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := &fakeOrigin{gate: make(chan struct{})}
			origin.respond = validTiles(t, scenario)
			f := newFixtureWith(t, scenario, origin, tt.opts, tt.fetchTimeout)
			defer close(origin.gate)
			addr := edgeTile(0)

			for call := 0; call < 3; call++ {
				img, ok, err := f.tiles.GetTileBand(context.Background(), addr, true)
				if err != nil || !ok {
					t.Fatalf("call %d: ok=%v err=%v, want placeholder", call, ok, err)
				}
				if img.Bounds().Dx() != 88 || img.Bounds().Dy() != 88 {
					t.Fatalf("call %d: bounds = %v", call, img.Bounds())
				}
			}
			if n := origin.fetches.Load(); n != tt.wantFetches {
				t.Errorf("fetches = %d, want %d", n, tt.wantFetches)
			}
			if _, ok := f.bytes.Get(addr.Key()); !ok {
				t.Error("placeholder was not written to the encoded tier")
			}
		})
	}
}

func TestEvictAndStatus(t *testing.T) {
	origin := &fakeOrigin{}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)
	addr := edgeTile(0)

	if _, ok, _ := f.tiles.GetTileBand(context.Background(), addr, true); !ok {
		t.Fatal("blocking fetch missed")
	}
	st := f.tiles.Status(addr.Key())
	if !st.Decoded || !st.Encoded || st.InProcess {
		t.Errorf("status after fetch = %+v", st)
	}

	f.tiles.Evict(addr.Key())
	st = f.tiles.Status(addr.Key())
	if st.Decoded || st.Encoded {
		t.Errorf("status after evict = %+v", st)
	}

	if _, ok, _ := f.tiles.GetTileBand(context.Background(), addr, true); !ok {
		t.Fatal("refetch missed")
	}
	if n := origin.fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestPrefetchRunsInBackground(t *testing.T) {
	origin := &fakeOrigin{}
	origin.respond = validTiles(t, scenario)
	f := newFixture(t, scenario, origin)
	addr := tile.Address{CollectionID: "coll", Timestamp: "t0", Level: 2, Band: 0}

	if err := f.tiles.Prefetch(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.rasters.Has(addr.Key()) })

	if err := f.tiles.Prefetch(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	if n := origin.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
