package units

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const cacheIndexVersion = 1

// ScannerVersion changes whenever Scan may produce different output for the
// same input. Cached results from another version are ignored.
const ScannerVersion = "1"

type cacheEntry struct {
	ContentHash    string `json:"content_hash"`
	UnitsPath      string `json:"units_path"`
	ScannerVersion string `json:"scanner_version"`
}

type cacheIndex struct {
	Version int                   `json:"version"`
	Entries map[string]cacheEntry `json:"entries"`
}

// Cache keeps scan results on disk, keyed by file path and content hash.
type Cache struct {
	dir string

	mu     sync.Mutex
	index  cacheIndex
	hits   int
	misses int
}

func NewCache(dir string) *Cache {
	return &Cache{
		dir: dir,
		index: cacheIndex{
			Version: cacheIndexVersion,
			Entries: make(map[string]cacheEntry),
		},
	}
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.dir, "index.json")
}

func (c *Cache) unitsPathForFile(filePath string) string {
	h := sha256.Sum256([]byte(filePath))
	return filepath.Join(c.dir, "units", hex.EncodeToString(h[:])+".json")
}

// Load reads the index. A missing index or one of another version leaves
// the cache empty.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache index: %w", err)
	}
	var idx cacheIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("parse cache index: %w", err)
	}
	if idx.Version != cacheIndexVersion {
		return nil
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]cacheEntry)
	}
	c.index = idx
	return nil
}

func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeJSONAtomic(c.indexPath(), c.index)
}

func (c *Cache) Get(filePath, contentHash string) (FileUnits, bool, error) {
	c.mu.Lock()
	entry, ok := c.index.Entries[filePath]
	c.mu.Unlock()
	if !ok || entry.ContentHash != contentHash || entry.ScannerVersion != ScannerVersion {
		return FileUnits{}, false, nil
	}

	data, err := os.ReadFile(entry.UnitsPath)
	if err != nil {
		return FileUnits{}, false, fmt.Errorf("read cached units: %w", err)
	}
	var fu FileUnits
	if err := json.Unmarshal(data, &fu); err != nil {
		return FileUnits{}, false, fmt.Errorf("parse cached units: %w", err)
	}
	return fu, true, nil
}

func (c *Cache) Put(filePath, contentHash string, fu FileUnits) error {
	unitsPath := c.unitsPathForFile(filePath)
	if err := writeJSONAtomic(unitsPath, fu); err != nil {
		return err
	}

	c.mu.Lock()
	c.index.Entries[filePath] = cacheEntry{
		ContentHash:    contentHash,
		UnitsPath:      unitsPath,
		ScannerVersion: ScannerVersion,
	}
	c.mu.Unlock()
	return nil
}

// ScanFile is ScanFile backed by the cache. A damaged cache entry is
// rescanned and a failed write leaves the entry out.
func (c *Cache) ScanFile(path string) (FileUnits, error) {
	hash, err := hashFile(path)
	if err != nil {
		return FileUnits{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if fu, ok, err := c.Get(path, hash); err == nil && ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return fu, nil
	}

	fu, err := ScanFile(path)
	if err != nil {
		return FileUnits{}, err
	}
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	_ = c.Put(path, hash, fu)
	return fu, nil
}

// Stats returns the hits and misses of ScanFile since the cache was created.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
