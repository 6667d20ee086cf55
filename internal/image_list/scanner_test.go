package image_list

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap/zaptest"
)

func writeSidecar(t *testing.T, dir string, meta ImageInfo) {
	t.Helper()
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, meta.ID+".json"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanLoadsIndexedImagesAndDropsStaleMetadata(t *testing.T) {
	dir := t.TempDir()

	indexed := ImageInfo{
		ID:               "0b6f3c1e-0000-4000-8000-000000000001",
		OriginalFilename: "scene.tif",
		CurrentFilename:  "0b6f3c1e-0000-4000-8000-000000000001.tif",
		Width:            600,
		Height:           400,
		Bands:            3,
		BitDepth:         8,
	}
	if err := os.WriteFile(filepath.Join(dir, indexed.CurrentFilename), []byte("pixels"), 0644); err != nil {
		t.Fatal(err)
	}
	writeSidecar(t, dir, indexed)

	orphan := indexed
	orphan.ID = "0b6f3c1e-0000-4000-8000-000000000002"
	orphan.CurrentFilename = orphan.ID + ".tif"
	writeSidecar(t, dir, orphan)

	mismatched := indexed
	mismatched.ID = "someone-else"
	data, _ := json.Marshal(mismatched)
	os.WriteFile(filepath.Join(dir, "renamed.json"), data, 0644)

	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	s := New(dir, zaptest.NewLogger(t))
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}

	images := s.GetImages()
	if len(images) != 1 || images[0] != indexed {
		t.Fatalf("images = %+v", images)
	}
	if got := s.GetImageByID(indexed.ID); got == nil || got.Bands != 3 {
		t.Errorf("GetImageByID = %+v", got)
	}
	if got := s.GetImagePathByID(indexed.ID); got != filepath.Join(dir, indexed.CurrentFilename) {
		t.Errorf("GetImagePathByID = %q", got)
	}
	if s.GetImageByID("missing") != nil || s.GetImagePathByID("missing") != "" {
		t.Error("unknown ID resolved")
	}

	for _, name := range []string{orphan.ID + ".json", "renamed.json", "broken.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s was not removed", name)
		}
	}
}

func TestScanMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"), zaptest.NewLogger(t))
	if err := s.Scan(); err == nil {
		t.Error("expected error for missing data directory")
	}
}

func TestRelevantEvents(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/data/a.TIF", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/data/a.png", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/data/a.png", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/data/a.json", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/data/.a.png", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/data/cache", Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		if got := relevant(tt.event); got != tt.want {
			t.Errorf("relevant(%v) = %v, want %v", tt.event, got, tt.want)
		}
	}
}
