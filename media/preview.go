package media

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// PreviewCache holds local preview resources (object URLs, temp files)
// keyed by name. The cache is scoped to its owner, not process-global:
// whoever creates it tears it down. There is no reference counting —
// putting an existing key releases the prior entry and overwrites it, so a
// double create never leaks.
type PreviewCache struct {
	mu      sync.Mutex
	entries map[string]*previewEntry
	closed  bool
}

type previewEntry struct {
	url     string
	release func()
	once    sync.Once
}

func (e *previewEntry) free() {
	e.once.Do(func() {
		if e.release != nil {
			e.release()
		}
	})
}

// NewPreviewCache creates an empty preview cache.
func NewPreviewCache() *PreviewCache {
	return &PreviewCache{entries: make(map[string]*previewEntry)}
}

// Put stores a preview under key. An existing entry under the same key is
// released first. Returns false if the cache is already closed, in which
// case the new entry is released immediately.
func (c *PreviewCache) Put(key, url string, release func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if release != nil {
			release()
		}
		return false
	}
	prior := c.entries[key]
	c.entries[key] = &previewEntry{url: url, release: release}
	c.mu.Unlock()

	if prior != nil {
		prior.free()
		logrus.WithFields(logrus.Fields{
			"function": "Put",
			"key":      key,
		}).Debug("Replaced existing preview entry")
	}
	return true
}

// Get returns the preview URL stored under key.
func (c *PreviewCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return entry.url, true
}

// Release frees and removes the entry under key. Releasing an absent key is
// a no-op; releasing twice never double-frees.
func (c *PreviewCache) Release(key string) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok {
		entry.free()
	}
}

// Len returns the number of live entries.
func (c *PreviewCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases every entry and rejects further puts. Called on component
// teardown and page unload. Safe to call more than once.
func (c *PreviewCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*previewEntry)
	c.mu.Unlock()

	for key, entry := range entries {
		entry.free()
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"key":      key,
		}).Debug("Released preview on teardown")
	}
}
