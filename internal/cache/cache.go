// Package cache is the hot read cache in front of the object store.
// Small payloads are kept in Badger with a TTL so status and offset
// lookups for recently uploaded items skip S3 entirely.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

// Config controls the cache store.
type Config struct {
	// Dir is the Badger directory. Empty runs fully in-memory.
	Dir string

	// MaxItemSize caps the size of a cached value. Larger values are
	// silently skipped.
	MaxItemSize int64

	// TTL is the default entry lifetime.
	TTL time.Duration
}

// Cache is a TTL'd key-value store for hot payloads.
type Cache struct {
	db          *badger.DB
	maxItemSize int64
	ttl         time.Duration
	inMemory    bool
	fill        singleflight.Group
}

// New opens the cache store.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxItemSize <= 0 {
		cfg.MaxItemSize = 256 * 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(newBadgerLogger()).
		// Badger's INFO output is too chatty for a cache.
		WithLoggingLevel(badger.WARNING)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	return &Cache{
		db:          db,
		maxItemSize: cfg.MaxItemSize,
		ttl:         cfg.TTL,
		inMemory:    cfg.Dir == "",
	}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores a value under the default TTL. Oversized values are
// skipped without error.
func (c *Cache) Put(key string, value []byte) error {
	return c.PutWithTTL(key, value, c.ttl)
}

// PutWithTTL stores a value with an explicit lifetime.
func (c *Cache) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	if int64(len(value)) > c.maxItemSize {
		return nil
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	return nil
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte{}, v...)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return value, true, nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// GetOrFill reads through the cache: on a miss, fill produces the value
// and it is cached under the default TTL. Concurrent misses for the
// same key share one fill call.
func (c *Cache) GetOrFill(key string, fill func() ([]byte, error)) ([]byte, error) {
	if value, ok, err := c.Get(key); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}

	value, err, _ := c.fill.Do(key, func() (any, error) {
		value, err := fill()
		if err != nil {
			return nil, err
		}
		if err := c.Put(key, value); err != nil {
			slog.Warn("failed to cache filled value", "key", key, "error", err)
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// GC runs one value-log garbage collection pass. Badger reports
// ErrNoRewrite when there was nothing to reclaim, and in-memory stores
// have no value log at all.
func (c *Cache) GC() error {
	if c.inMemory {
		return nil
	}
	err := c.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("failed to garbage collect cache: %w", err)
	}
	return nil
}

// badgerLogger adapts Badger's logger interface onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{logger: slog.Default()}
}

func (b *badgerLogger) Errorf(msg string, args ...any) {
	b.logger.Error(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Warningf(msg string, args ...any) {
	b.logger.Warn(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Infof(msg string, args ...any) {
	b.logger.Debug(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Debugf(msg string, args ...any) {
	b.logger.Debug(fmt.Sprintf(msg, args...))
}
