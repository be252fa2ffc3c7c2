// Package archive keeps a rolling on-disk history of telemetry snapshots.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("telemetry")

var ErrEmpty = errors.New("no telemetry archived")

// Archive stores snapshots keyed by big-endian unix nanoseconds, so cursor
// order is time order.
type Archive struct {
	db    *bbolt.DB
	limit int

	mu    sync.Mutex
	count int
}

// Open opens or creates the archive at path. A limit of 0 keeps everything.
func Open(path string, limit int) (*Archive, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry archive %s: %w", path, err)
	}
	count := 0
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare telemetry archive: %w", err)
	}
	return &Archive{db: db, limit: limit, count: count}, nil
}

func key(ts time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(ts.UnixNano()))
	return k
}

// Put stores snapshot at ts and prunes the oldest entries beyond the limit.
func (a *Archive) Put(ts time.Time, snapshot []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := a.count
	err := a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		k := key(ts)
		if b.Get(k) == nil {
			count++
		}
		if err := b.Put(k, snapshot); err != nil {
			return err
		}
		if a.limit <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && count > a.limit; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			count--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive telemetry: %w", err)
	}
	a.count = count
	return nil
}

// Latest returns the newest snapshot and its timestamp.
func (a *Archive) Latest() (time.Time, []byte, error) {
	var ts time.Time
	var out []byte
	err := a.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucket).Cursor().Last()
		if k == nil {
			return ErrEmpty
		}
		ts = time.Unix(0, int64(binary.BigEndian.Uint64(k)))
		out = append([]byte(nil), v...)
		return nil
	})
	return ts, out, err
}

// Since returns every snapshot stored at or after ts, oldest first.
func (a *Archive) Since(ts time.Time) ([][]byte, error) {
	var out [][]byte
	err := a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(key(ts)); k != nil; k, v = c.Next() {
			out = append(out, append([]byte(nil), v...))
		}
		return nil
	})
	return out, err
}

func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Archive) Close() error {
	return a.db.Close()
}
