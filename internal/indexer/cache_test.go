package indexer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCache_LookupAndStore(t *testing.T) {
	cache, err := NewCache(t.TempDir(), "shop", "model-a")
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	cache.Store("class:x", "hash1", []float32{1, 2})

	if v, ok := cache.Lookup("class:x", "hash1"); !ok || len(v) != 2 {
		t.Errorf("expected hit, got %v %v", v, ok)
	}
	if _, ok := cache.Lookup("class:x", "hash2"); ok {
		t.Error("changed content must miss")
	}
	if _, ok := cache.Lookup("class:y", "hash1"); ok {
		t.Error("unknown id must miss")
	}
}

func TestCache_Persistence(t *testing.T) {
	dir := t.TempDir()

	cache, _ := NewCache(dir, "shop", "model-a")
	cache.Store("a", "h", []float32{0.5})
	if err := cache.Save("shop"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "shop.json")); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	reopened, err := NewCache(dir, "shop", "model-a")
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	if v, ok := reopened.Lookup("a", "h"); !ok || v[0] != 0.5 {
		t.Errorf("expected persisted vector, got %v %v", v, ok)
	}

	otherModel, _ := NewCache(dir, "shop", "model-b")
	if otherModel.Len() != 0 {
		t.Error("cache written for another model must be discarded")
	}
}

func TestCache_Retain(t *testing.T) {
	cache, _ := NewCache(t.TempDir(), "shop", "m")
	cache.Store("keep", "h", []float32{1})
	cache.Store("drop", "h", []float32{1})

	removed := cache.Retain(map[string]struct{}{"keep": {}})
	if removed != 1 || cache.Len() != 1 {
		t.Errorf("expected one removal, got %d (len %d)", removed, cache.Len())
	}
	if _, ok := cache.Lookup("keep", "h"); !ok {
		t.Error("retained entry missing")
	}
}

func TestCache_Clear(t *testing.T) {
	cache, _ := NewCache(t.TempDir(), "shop", "m")
	cache.Store("a", "h", []float32{1})
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func TestCache_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "shop.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCache(dir, "shop", "m"); err == nil {
		t.Error("expected error for corrupt cache file")
	}
}

func TestCache_SaveSkipsClean(t *testing.T) {
	dir := t.TempDir()
	cache, _ := NewCache(dir, "shop", "m")
	if err := cache.Save("shop"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "shop.json")); !os.IsNotExist(err) {
		t.Error("clean cache should not be written")
	}
}
