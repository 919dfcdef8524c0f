// Package fpcache provides a persistent, process-wide mapping from
// (device, inode, size, mtime) to a sha256 digest, letting rescans of
// an unchanged file skip re-hashing.
//
// It is a BoltDB-backed, self-cleaning key-value store. Each run
// opens the existing database read-only and writes hits/inserts into a
// fresh database; on clean close the fresh database atomically
// replaces the old one, so only entries actually touched during the
// run survive into the next generation.
package fpcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketName = "fingerprints"
	digestSize = 32
	keyVersion = byte(1)
)

// Key identifies a cacheable stat result.
type Key struct {
	Device  uint64
	Inode   uint64
	Size    int64
	ModTime time.Time
}

// Cache is a persistent lookup from Key to a sha256 digest.
//
// A disabled cache (opened with an empty path) answers every lookup as
// a miss and accepts every insert as a no-op, so callers never need to
// branch on whether caching is enabled.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Open opens the existing cache at path for reading and creates a new
// generation for writing. Returns a disabled cache if path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = readDB
		}
		// A corrupt or unopenable existing cache degrades to a cold
		// cache rather than failing the scan.
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically promotes the new
// generation over the old one. Only promotes if the write database
// closed cleanly, to avoid discarding a good cache on write failure.
func (c *Cache) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := os.Rename(c.path+".new", c.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func makeKey(k Key) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	_ = binary.Write(buf, binary.BigEndian, k.Device)
	_ = binary.Write(buf, binary.BigEndian, k.Inode)
	_ = binary.Write(buf, binary.BigEndian, k.Size)
	_ = binary.Write(buf, binary.BigEndian, k.ModTime.UnixNano())
	return buf.Bytes()
}

// Lookup retrieves the cached digest for k. Any change to device,
// inode, size, or mtime is a different key and therefore a miss. A hit
// is copied into the new generation (self-cleaning).
func (c *Cache) Lookup(k Key) ([]byte, error) {
	if !c.enabled || c.readDB == nil {
		return nil, nil
	}

	key := makeKey(k)
	var digest []byte

	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		data := b.Get(key)
		if len(data) == digestSize {
			digest = make([]byte, digestSize)
			copy(digest, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if digest == nil {
		return nil, nil
	}

	_ = c.Store(k, digest)
	return digest, nil
}

// Store saves digest for k into the new generation.
func (c *Cache) Store(k Key, digest []byte) error {
	if !c.enabled || c.writeDB == nil || len(digest) != digestSize {
		return nil
	}
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(k), digest)
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}
