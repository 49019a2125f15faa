package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/s2-quicklook/service/metrics"
	bolt "go.etcd.io/bbolt"
)

// IndexFile is the name of the ownership index, stored in the cache directory
const IndexFile = ".quicklook-cache.db"

var bucketKeyFiles = []byte("files")

// Cache stores downloaded files directly under a directory, keyed by their filename.
// An index records the product owning each filename, so that two products sharing
// a filename do not read each other's bytes: the second one is stored in <dir>/<product id>/.
type Cache struct {
	dir string
	db  *bolt.DB
}

// Open opens (or creates) the cache in dir.
// The index is locked: a second process opening the same cache waits at most a second.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cache.Open.MkdirAll: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, IndexFile), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache.Open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeyFiles)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache.Open.CreateBucket: %w", err)
	}
	return &Cache{dir: dir, db: db}, nil
}

// Dir returns the root directory of the cache
func (c *Cache) Dir() string {
	return c.dir
}

// owner returns the product owning the filename, or "" if unknown
func (c *Cache) owner(filename string) (string, error) {
	var owner string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyFiles)
		if b == nil {
			return errors.New("bucket not found")
		}
		owner = string(b.Get([]byte(filename)))
		return nil
	})
	return owner, err
}

// Path returns the location of the file of the product
func (c *Cache) Path(productID, filename string) string {
	owner, err := c.owner(filename)
	if err != nil || owner == "" || owner == productID {
		return filepath.Join(c.dir, filename)
	}
	return filepath.Join(c.dir, productID, filename)
}

// Lookup returns the path of the file of the product and whether it is already in the cache.
// A file without recorded owner is assumed to belong to the product.
func (c *Cache) Lookup(productID, filename string) (string, bool) {
	p := c.Path(productID, filename)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		return p, false
	}
	metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
	return p, true
}

// Commit records that the product owns the filename, once the file has been written at Path(productID, filename).
func (c *Cache) Commit(productID, filename string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyFiles)
		if b == nil {
			return errors.New("bucket not found")
		}
		if owner := b.Get([]byte(filename)); len(owner) != 0 {
			// Already owned, by this product or by another one (then the file is namespaced)
			return nil
		}
		return b.Put([]byte(filename), []byte(productID))
	})
	if err != nil {
		return fmt.Errorf("cache.Commit[%s]: %w", filename, err)
	}
	return nil
}

// Close releases the index
func (c *Cache) Close() error {
	return c.db.Close()
}
