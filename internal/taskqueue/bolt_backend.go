package taskqueue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tq_tasks")
	bucketLanes      = []byte("tq_lanes")
	bucketDelayed    = []byte("tq_delayed")
	bucketProcessing = []byte("tq_processing")
	bucketDeadLetter = []byte("tq_dead_letter")
)

// BoltBucketNames lists every bucket BoltBackend requires, for callers opening the db.
func BoltBucketNames() []string {
	return []string{string(bucketTasks), string(bucketLanes), string(bucketDelayed),
		string(bucketProcessing), string(bucketDeadLetter)}
}

// BoltBackend is the single-node durable Backend, grounded on
// services/orchestrator/persistence.go's bucket-per-concern layout. Lanes are stored as a
// single JSON-encoded []string per priority under bucketLanes to keep push/pop O(n) but
// simple and crash-consistent.
type BoltBackend struct {
	db *bbolt.DB
	mu sync.Mutex
}

func NewBoltBackend(db *bbolt.DB) *BoltBackend {
	return &BoltBackend{db: db}
}

func (b *BoltBackend) SaveTask(task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

func (b *BoltBackend) LoadTask(id string) (Task, bool, error) {
	var t Task
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	return t, found, err
}

func (b *BoltBackend) DeleteTask(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

func (b *BoltBackend) laneKey(priority Priority) []byte {
	return []byte(fmt.Sprintf("lane:%d", priority))
}

func (b *BoltBackend) readLane(tx *bbolt.Tx, priority Priority) ([]string, error) {
	data := tx.Bucket(bucketLanes).Get(b.laneKey(priority))
	if data == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *BoltBackend) writeLane(tx *bbolt.Tx, priority Priority, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLanes).Put(b.laneKey(priority), data)
}

func (b *BoltBackend) PushLane(priority Priority, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		ids, err := b.readLane(tx, priority)
		if err != nil {
			return err
		}
		ids = append([]string{id}, ids...)
		return b.writeLane(tx, priority, ids)
	})
}

func (b *BoltBackend) PopLane(priority Priority) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var id string
	var ok bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		ids, err := b.readLane(tx, priority)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		id, ok = ids[0], true
		return b.writeLane(tx, priority, ids[1:])
	})
	return id, ok, err
}

func (b *BoltBackend) RequeueLane(priority Priority, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		ids, err := b.readLane(tx, priority)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return b.writeLane(tx, priority, ids)
	})
}

type delayedEntry struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (b *BoltBackend) DelayedAdd(id string, scheduledAt time.Time) error {
	data, err := json.Marshal(delayedEntry{ID: id, ScheduledAt: scheduledAt})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDelayed).Put([]byte(id), data)
	})
}

func (b *BoltBackend) SweepDelayed(now time.Time) ([]string, error) {
	var ready []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDelayed)
		var entries []delayedEntry
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e delayedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ScheduledAt.Before(entries[j].ScheduledAt) })
		for _, e := range entries {
			if !e.ScheduledAt.After(now) {
				ready = append(ready, e.ID)
				if err := bucket.Delete([]byte(e.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return ready, err
}

func (b *BoltBackend) ProcessingAdd(id string, assignedAt time.Time) error {
	data, err := json.Marshal(assignedAt)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcessing).Put([]byte(id), data)
	})
}

func (b *BoltBackend) ProcessingRemove(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcessing).Delete([]byte(id))
	})
}

func (b *BoltBackend) ProcessingSnapshot() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketProcessing).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var at time.Time
			if err := json.Unmarshal(v, &at); err != nil {
				return err
			}
			out[string(k)] = at
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) DeadLetterPush(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeadLetter)
		return bucket.Put([]byte(fmt.Sprintf("%s:%d", id, time.Now().UnixNano())), []byte(id))
	})
}
