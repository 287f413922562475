// Package geomcache persists stencil geometry between runs and shares the
// current geometry between a builder and its readers.
package geomcache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/notargets/wenofit/halo"
	"github.com/notargets/wenofit/stencil"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by Read when no entry exists for a key
var ErrCacheMiss = errors.New("geomcache: no entry")

const keyPrefix = "geometry/"

// Config holds configuration for a Store
type Config struct {
	// Directory of the database files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM, for tests
	InMemory bool

	SyncWrites bool

	// Badger's own log lines go here at the matching level. Nil silences
	// them.
	Logger *zap.Logger
}

// badgerLogger adapts zap to badger's Logger interface
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// Store is a stencil.Cache on top of badger. Each rank's geometry is one
// value keyed by mesh digest, order, rank and rank count.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ stencil.Cache = (*Store)(nil)

// Open opens or creates a store
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("geomcache: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open geometry cache: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(key stencil.CacheKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%d/%d/%d", keyPrefix, key.Digest, key.Order, key.Rank, key.Size))
}

func decodeKey(b []byte) (stencil.CacheKey, error) {
	var key stencil.CacheKey
	parts := strings.Split(strings.TrimPrefix(string(b), keyPrefix), "/")
	if len(parts) != 4 {
		return key, fmt.Errorf("malformed cache key %q", b)
	}
	key.Digest = parts[0]
	var ints [3]int
	for i, p := range parts[1:] {
		v, err := strconv.Atoi(p)
		if err != nil {
			return key, fmt.Errorf("malformed cache key %q: %w", b, err)
		}
		ints[i] = v
	}
	key.Order, key.Rank, key.Size = ints[0], ints[1], ints[2]
	return key, nil
}

// Read returns the geometry stored under key. A missing entry is
// ErrCacheMiss; an entry of another layout version decodes but is left for
// the caller to reject.
func (s *Store) Read(key stencil.CacheKey) (*stencil.Geometry, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", encodeKey(key), err)
	}

	g := new(stencil.Geometry)
	if err := halo.Decode(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Write stores g under key, replacing any previous entry
func (s *Store) Write(key stencil.CacheKey, g *stencil.Geometry) error {
	raw, err := halo.Encode(g)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(key), raw)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", encodeKey(key), err)
	}
	s.logger.Debug("geometry cached",
		zap.String("digest", key.Digest),
		zap.Int("rank", key.Rank),
		zap.Int("bytes", len(raw)))
	return nil
}

// Delete removes the entry under key, if any
func (s *Store) Delete(key stencil.CacheKey) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeKey(key))
	})
}

// Keys lists every stored key in key order
func (s *Store) Keys() ([]stencil.CacheKey, error) {
	var keys []stencil.CacheKey
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key, err := decodeKey(it.Item().Key())
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}
