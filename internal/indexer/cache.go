package indexer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cache stores entry embeddings on disk, keyed by entry id and the hash
// of the text that was embedded, so unchanged entries are not re-embedded.
type Cache struct {
	path    string
	model   string
	entries map[string]CacheEntry
	mu      sync.RWMutex
	dirty   bool
}

// CacheEntry is one cached embedding.
type CacheEntry struct {
	// SHA256 of the embedding text
	ContentHash string `json:"content_hash"`

	// The embedding vector
	Vector []float32 `json:"vector"`

	// When the vector was computed
	EmbeddedAt time.Time `json:"embedded_at"`
}

// CacheFile is the JSON structure stored on disk.
type CacheFile struct {
	RepoName  string                `json:"repo_name"`
	Model     string                `json:"model"`
	UpdatedAt time.Time             `json:"updated_at"`
	Entries   map[string]CacheEntry `json:"entries"`
}

// NewCache opens the cache of repoName under cacheDir. A cache written for
// another embedding model is discarded.
func NewCache(cacheDir, repoName, model string) (*Cache, error) {
	cache := &Cache{
		path:    filepath.Join(cacheDir, repoName+".json"),
		model:   model,
		entries: make(map[string]CacheEntry),
	}

	if err := cache.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}

	return cache, nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var file CacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if file.Model != c.model || file.Entries == nil {
		c.dirty = len(file.Entries) > 0
		return nil
	}
	c.entries = file.Entries
	return nil
}

// Save writes the cache to disk if it changed.
func (c *Cache) Save(repoName string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.dirty {
		return nil
	}

	data, err := json.Marshal(CacheFile{
		RepoName:  repoName,
		Model:     c.model,
		UpdatedAt: time.Now().UTC(),
		Entries:   c.entries,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write atomically using temp file
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save cache: %w", err)
	}

	return nil
}

// Lookup returns the cached vector for id if it was computed from the
// same content.
func (c *Cache) Lookup(id, contentHash string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok || entry.ContentHash != contentHash || len(entry.Vector) == 0 {
		return nil, false
	}
	return entry.Vector, true
}

// Store records the vector computed for id.
func (c *Cache) Store(id, contentHash string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = CacheEntry{
		ContentHash: contentHash,
		Vector:      vector,
		EmbeddedAt:  time.Now().UTC(),
	}
	c.dirty = true
}

// Retain drops every entry whose id is not in keep and returns how many
// were removed.
func (c *Cache) Retain(keep map[string]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id := range c.entries {
		if _, ok := keep[id]; !ok {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// Clear removes all entries from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CacheEntry)
	c.dirty = true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
