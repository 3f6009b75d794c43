// Package queue is the terminal-side durable transaction queue. Every sale
// captured while offline lands here first; entries survive process crashes
// and power loss and leave only after the server acknowledges them.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"

	"lakupos/internal/domain"
)

var (
	ErrNotFound    = errors.New("queue entry not found")
	ErrInvalidItem = errors.New("invalid queue item")
)

var (
	bucketQueue = []byte("queue")
	bucketByKey = []byte("by_key")
	bucketMeta  = []byte("meta")

	keyCommittedTotal = []byte("committed_total")
)

type Queue struct {
	db *bolt.DB
}

// Open opens or creates the queue file. Entries left in flight by a crash
// are put back to pending so the next drain picks them up; the server-side
// idempotency check absorbs any that had in fact been committed.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		qb, err := tx.CreateBucketIfNotExists(bucketQueue)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketByKey); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}

		recovered := 0
		cursor := qb.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var item domain.QueuedTransaction
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode queue entry seq=%d: %w", binary.BigEndian.Uint64(k), err)
			}
			if item.Status != domain.QueueInFlight {
				continue
			}
			item.Status = domain.QueuePending
			raw, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := qb.Put(k, raw); err != nil {
				return err
			}
			recovered++
		}
		if recovered > 0 {
			log.Printf("[queue] recovered %d in-flight entries to pending", recovered)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores one captured sale. A key already present returns the stored
// entry with the duplicate marker set and writes nothing, so a double tap on
// the terminal cannot produce two queue entries.
func (q *Queue) Enqueue(req domain.CommitRequest) (*domain.QueuedTransaction, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key required", ErrInvalidItem)
	}
	if len(req.Lines) == 0 {
		return nil, false, fmt.Errorf("%w: at least one line required", ErrInvalidItem)
	}

	var item domain.QueuedTransaction
	var duplicate bool
	err := q.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueue)
		kb := tx.Bucket(bucketByKey)

		if seqBytes := kb.Get([]byte(req.IdempotencyKey)); seqBytes != nil {
			raw := qb.Get(seqBytes)
			if raw == nil {
				// Entry already committed and removed; the key mapping is stale.
				return fmt.Errorf("%w: key %s already synced", ErrInvalidItem, req.IdempotencyKey)
			}
			if err := json.Unmarshal(raw, &item); err != nil {
				return err
			}
			duplicate = true
			return nil
		}

		seq, err := qb.NextSequence()
		if err != nil {
			return err
		}

		item = domain.QueuedTransaction{
			Seq:        seq,
			Key:        req.IdempotencyKey,
			Payload:    req,
			Status:     domain.QueuePending,
			EnqueuedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}

		seqBytes := seqKey(seq)
		if err := qb.Put(seqBytes, raw); err != nil {
			return err
		}
		return kb.Put([]byte(req.IdempotencyKey), seqBytes)
	})
	if err != nil {
		return nil, false, err
	}
	return &item, duplicate, nil
}

// DequeueBatch returns up to limit pending entries in enqueue order and marks
// them in flight. Failed entries are skipped; they only move again through
// RetryFailed.
func (q *Queue) DequeueBatch(limit int) ([]domain.QueuedTransaction, error) {
	if limit < 1 {
		limit = 10
	}

	var batch []domain.QueuedTransaction
	err := q.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueue)
		cursor := qb.Cursor()
		now := time.Now().UTC()

		for k, v := cursor.First(); k != nil && len(batch) < limit; k, v = cursor.Next() {
			var item domain.QueuedTransaction
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status != domain.QueuePending {
				continue
			}

			item.Status = domain.QueueInFlight
			item.LastAttemptAt = now
			raw, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := qb.Put(k, raw); err != nil {
				return err
			}
			batch = append(batch, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkCommitted removes an acknowledged entry and bumps the running synced
// total. Removal is the commit point on the terminal side; until it happens
// the entry keeps coming back.
func (q *Queue) MarkCommitted(seq uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueue)
		kb := tx.Bucket(bucketByKey)
		mb := tx.Bucket(bucketMeta)

		seqBytes := seqKey(seq)
		raw := qb.Get(seqBytes)
		if raw == nil {
			return ErrNotFound
		}
		var item domain.QueuedTransaction
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}

		if err := qb.Delete(seqBytes); err != nil {
			return err
		}
		if err := kb.Delete([]byte(item.Key)); err != nil {
			return err
		}
		return mb.Put(keyCommittedTotal, seqKey(committedTotal(mb)+1))
	})
}

// Requeue returns an in-flight entry to pending after a transient failure
// and bumps its attempt counter.
func (q *Queue) Requeue(seq uint64, reason string) (*domain.QueuedTransaction, error) {
	return q.updateEntry(seq, func(item *domain.QueuedTransaction) {
		item.Status = domain.QueuePending
		item.Attempts++
		item.FailReason = reason
	})
}

// Release returns an in-flight entry to pending without touching its
// attempt counter. Used when a drain is interrupted before the entry was
// actually sent.
func (q *Queue) Release(seq uint64) (*domain.QueuedTransaction, error) {
	return q.updateEntry(seq, func(item *domain.QueuedTransaction) {
		item.Status = domain.QueuePending
	})
}

// MarkFailed dead-letters an entry. It stays in the queue file for operator
// review but no drain will pick it up.
func (q *Queue) MarkFailed(seq uint64, reason string) (*domain.QueuedTransaction, error) {
	return q.updateEntry(seq, func(item *domain.QueuedTransaction) {
		item.Status = domain.QueueFailed
		item.Attempts++
		item.FailReason = reason
	})
}

// RetryFailed puts a dead-lettered entry back in line with a fresh attempt
// budget.
func (q *Queue) RetryFailed(seq uint64) (*domain.QueuedTransaction, error) {
	return q.updateEntry(seq, func(item *domain.QueuedTransaction) {
		item.Status = domain.QueuePending
		item.Attempts = 0
		item.FailReason = ""
	})
}

func (q *Queue) updateEntry(seq uint64, mutate func(*domain.QueuedTransaction)) (*domain.QueuedTransaction, error) {
	var item domain.QueuedTransaction
	err := q.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueue)
		seqBytes := seqKey(seq)
		raw := qb.Get(seqBytes)
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}

		mutate(&item)

		updated, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return qb.Put(seqBytes, updated)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Counts tallies the live entries by status. Committed entries are removed
// from the queue, so they are reported from the meta counter instead.
func (q *Queue) Counts() (domain.QueueCounts, error) {
	var counts domain.QueueCounts
	err := q.db.View(func(tx *bolt.Tx) error {
		counts.Committed = int(committedTotal(tx.Bucket(bucketMeta)))
		cursor := tx.Bucket(bucketQueue).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var item domain.QueuedTransaction
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			switch item.Status {
			case domain.QueuePending:
				counts.Pending++
			case domain.QueueInFlight:
				counts.InFlight++
			case domain.QueueFailed:
				counts.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return domain.QueueCounts{}, err
	}
	return counts, nil
}

func (q *Queue) ListFailed() ([]domain.QueuedTransaction, error) {
	return q.list(domain.QueueFailed)
}

func (q *Queue) ListPending() ([]domain.QueuedTransaction, error) {
	return q.list(domain.QueuePending)
}

func (q *Queue) list(status domain.QueueStatus) ([]domain.QueuedTransaction, error) {
	var items []domain.QueuedTransaction
	err := q.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketQueue).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var item domain.QueuedTransaction
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == status {
				items = append(items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func committedTotal(mb *bolt.Bucket) uint64 {
	raw := mb.Get(keyCommittedTotal)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
