package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheWriteLoadLatest(t *testing.T) {
	c := NewCache(t.TempDir(), 3, 0)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, body := range []string{"first", "second", "third"} {
		if err := c.Write([]byte(body), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Write(%q): %v", body, err)
		}
	}

	data, ts, err := c.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if string(data) != "third" {
		t.Errorf("LoadLatest data = %q, want %q", data, "third")
	}
	if want := base.Add(2 * time.Minute); !ts.Equal(want) {
		t.Errorf("LoadLatest ts = %v, want %v", ts, want)
	}
}

func TestCachePrune(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, 2, 0)

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		if err := c.Write([]byte("x"), base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated files are left alone.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := c.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("kept %d files, want 2", len(files))
	}
	if !files[1].ts.Equal(base.Add(4 * time.Second)) {
		t.Errorf("newest kept file ts = %v", files[1].ts)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestCacheMaxAge(t *testing.T) {
	c := NewCache(t.TempDir(), 5, time.Hour)
	if err := c.Write([]byte("stale"), time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.LoadLatest(); err == nil {
		t.Fatal("expected error for stale snapshot")
	}
}

func TestCacheEmpty(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "missing"), 0, 0)
	if _, _, err := c.LoadLatest(); err == nil {
		t.Fatal("expected error with no cache files")
	}
}
