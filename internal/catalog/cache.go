package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	cachePrefix = "catalog_"
	cacheSuffix = ".dat.gz"
)

// Cache keeps gzip-compressed catalog snapshots on disk so the service can
// start without reaching the source.
type Cache struct {
	dir      string
	maxFiles int
	maxAge   time.Duration
}

// NewCache creates a Cache that stores files in dir and keeps at most
// maxFiles. Snapshots older than maxAge are ignored on load; zero disables
// the age check.
func NewCache(dir string, maxFiles int, maxAge time.Duration) *Cache {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Cache{
		dir:      dir,
		maxFiles: maxFiles,
		maxAge:   maxAge,
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Write saves data to a timestamped file and prunes old files beyond maxFiles.
func (c *Cache) Write(data []byte, ts time.Time) error {
	if err := c.ensureDir(); err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compressing cache file: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing cache file: %w", err)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("%s%d%s", cachePrefix, ts.Unix(), cacheSuffix))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	return c.prune()
}

// LoadLatest reads the newest cache file by timestamp in the filename.
// Returns the data, the timestamp, and any error.
func (c *Cache) LoadLatest() ([]byte, time.Time, error) {
	files, err := c.listFiles()
	if err != nil {
		return nil, time.Time{}, err
	}

	if len(files) == 0 {
		return nil, time.Time{}, fmt.Errorf("no cache files found")
	}

	// Files are sorted oldest first; take the last one.
	latest := files[len(files)-1]
	if c.maxAge > 0 && time.Since(latest.ts) > c.maxAge {
		return nil, time.Time{}, fmt.Errorf("newest cache file %s is older than %s", latest.name, c.maxAge)
	}

	f, err := os.Open(filepath.Join(c.dir, latest.name))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading cache file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decompressing cache file: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, maxBodyBytes+1))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decompressing cache file: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, time.Time{}, fmt.Errorf("cache file %s exceeds %d byte limit", latest.name, maxBodyBytes)
	}

	return data, latest.ts, nil
}

type cacheFile struct {
	name string
	ts   time.Time
}

func (c *Cache) listFiles() ([]cacheFile, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cache dir: %w", err)
	}

	var files []cacheFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, cachePrefix) || !strings.HasSuffix(name, cacheSuffix) {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, cachePrefix), cacheSuffix)
		unix, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, cacheFile{name: name, ts: time.Unix(unix, 0)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})

	return files, nil
}

func (c *Cache) prune() error {
	files, err := c.listFiles()
	if err != nil {
		return err
	}

	if len(files) <= c.maxFiles {
		return nil
	}

	for _, f := range files[:len(files)-c.maxFiles] {
		if err := os.Remove(filepath.Join(c.dir, f.name)); err != nil {
			return fmt.Errorf("pruning cache file %s: %w", f.name, err)
		}
	}

	return nil
}

func (c *Cache) ensureDir() error {
	return os.MkdirAll(c.dir, 0o755)
}
