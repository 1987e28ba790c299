// Package journal keeps an append-only per-account history of published
// events in a BoltDB file. Each account has its own bucket; keys are the
// bucket sequence in big-endian order so cursors iterate chronologically.
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"hedge-core/internal/events"
	"hedge-core/internal/state"
)

const rootBucket = "accounts"

// Journal stores events by account.
type Journal struct {
	db *bbolt.DB
}

var _ events.Sink = (*Journal)(nil)

// Open opens or creates the journal file at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(rootBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create %s bucket: %w", rootBucket, err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Append stores msg under its account and assigns msg.Seq.
func (j *Journal) Append(msg *events.Message) error {
	if err := state.ValidateAccountID(msg.Account); err != nil {
		return err
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(rootBucket)).CreateBucketIfNotExists([]byte(msg.Account))
		if err != nil {
			return fmt.Errorf("create account bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = seq
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		return b.Put(key(seq), data)
	})
}

// List returns up to limit events of account with a sequence above after,
// oldest first. A non-empty instanceID filters by instance.
func (j *Journal) List(account, instanceID string, after uint64, limit int) ([]events.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]events.Message, 0)
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(rootBucket)).Bucket([]byte(account))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(key(after + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var m events.Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if instanceID != "" && m.InstanceID != instanceID {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// Prune deletes events of account older than before and returns how many
// were removed.
func (j *Journal) Prune(account string, before time.Time) (int, error) {
	removed := 0
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(rootBucket)).Bucket([]byte(account))
		if b == nil {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m events.Message
			if err := json.Unmarshal(v, &m); err == nil && !m.At.Before(before) {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func key(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
