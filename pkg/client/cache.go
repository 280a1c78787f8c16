package client

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	cacheBucket = []byte("document")
	cacheKey    = []byte("content")
)

// Cache keeps the last broadcast document content on disk, so an agent that
// restarts offline can still render something while it reconnects.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the cache file.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("client: opening cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("client: initializing cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// SaveContent overwrites the cached content.
func (c *Cache) SaveContent(content string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put(cacheKey, []byte(content))
	})
}

// Content returns the cached content, and false when nothing was ever
// cached.
func (c *Cache) Content() (string, bool) {
	var content string
	var ok bool
	c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(cacheBucket).Get(cacheKey); v != nil {
			content = string(v)
			ok = true
		}
		return nil
	})
	return content, ok
}

// Close releases the cache file.
func (c *Cache) Close() error {
	return c.db.Close()
}
