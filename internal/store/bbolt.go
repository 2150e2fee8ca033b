// Package store provides the two persistence backends the fabric is built on: bbolt for
// durable, single-node state (schedules, delegation requests, HITL approvals) and Redis for
// shared, multi-process state (task queue lanes, feature flags). Both
// follow the cache-plus-durable-write shape of services/orchestrator/persistence.go.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BoltStore is a generic JSON-document store over a single bbolt bucket, with an in-memory
// read cache the way WorkflowStore caches workflows.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte

	mu    sync.RWMutex
	cache map[string][]byte

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenBolt opens (creating if needed) a bbolt database at path and ensures every named
// bucket exists.
func OpenBolt(path string, buckets ...string) (*bbolt.DB, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open bbolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return db, nil
}

// NewBoltStore wraps an already-open bbolt.DB and bucket name, warming its read cache.
func NewBoltStore(db *bbolt.DB, bucket string, meter metric.Meter) (*BoltStore, error) {
	readLatency, _ := meter.Float64Histogram("aamfabric_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("aamfabric_store_write_ms")

	s := &BoltStore{
		db:           db,
		bucket:       []byte(bucket),
		cache:        make(map[string][]byte),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}

	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			s.cache[string(k)] = cp
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("warm cache for %s: %w", bucket, err)
	}
	return s, nil
}

// Put marshals value as JSON and writes it under key, updating the cache.
func (s *BoltStore) Put(key string, value any) error {
	start := time.Now()
	defer s.recordWrite(start)

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()
	return nil
}

// Get unmarshals the value stored at key into dst, reading from cache when possible.
func (s *BoltStore) Get(key string, dst any) (bool, error) {
	start := time.Now()
	defer s.recordRead(start)

	s.mu.RLock()
	data, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key from both the durable store and the cache.
func (s *BoltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// Keys returns every key currently cached for this bucket.
func (s *BoltStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	return keys
}

// ForEach unmarshals every cached value into a freshly allocated T and invokes fn, stopping
// early if fn returns an error.
func ForEach[T any](s *BoltStore, fn func(key string, value T) error) error {
	s.mu.RLock()
	items := make(map[string][]byte, len(s.cache))
	for k, v := range s.cache {
		items[k] = v
	}
	s.mu.RUnlock()

	for k, data := range items {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("unmarshal %s: %w", k, err)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) recordRead(start time.Time) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("bucket", string(s.bucket))))
}

func (s *BoltStore) recordWrite(start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("bucket", string(s.bucket))))
}
