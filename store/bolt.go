// Package store holds the encounter.Store implementations: a bbolt file
// for the device itself, redis for shared rigs and memory for simulation.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/XC-/proximity/encounter"
)

var log = logrus.WithField("component", "store")

var bucketEncounters = []byte("encounters")

// Bolt stores records in a bbolt file, keyed by timestamp then id so a
// cursor walks them in creation order.
type Bolt struct {
	db     *bbolt.DB
	now    func() time.Time
	noSync bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithNow sets the time used for records saved without a timestamp.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEncounters)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEncounters, err)
	}
	log.WithField("path", path).Debug("opened bolt store")
	return b, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func recordKey(r *encounter.Record) []byte {
	k := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(k, uint64(r.Timestamp.UnixNano()))
	return append(k, r.ID[:]...)
}

// Save stores r, stamped with the current time if it has none. An existing
// record with the same key is left untouched.
func (b *Bolt) Save(_ context.Context, r *encounter.Record) error {
	if r.Timestamp.IsZero() {
		c := *r
		c.Timestamp = b.now()
		r = &c
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEncounters)
		k := recordKey(r)
		if bucket.Get(k) != nil {
			return nil
		}
		if err := bucket.Put(k, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return nil
	})
}

// MostRecent returns the newest record, or nil.
func (b *Bolt) MostRecent(_ context.Context) (*encounter.Record, error) {
	var r *encounter.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(bucketEncounters).Cursor().Last()
		if v == nil {
			return nil
		}
		r = new(encounter.Record)
		return json.Unmarshal(v, r)
	})
	return r, err
}

// All returns every record, oldest first.
func (b *Bolt) All(_ context.Context) ([]*encounter.Record, error) {
	var rr []*encounter.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEncounters).ForEach(func(_, v []byte) error {
			r := new(encounter.Record)
			if err := json.Unmarshal(v, r); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			rr = append(rr, r)
			return nil
		})
	})
	return rr, err
}

// Before returns the records created before t, oldest first.
func (b *Bolt) Before(_ context.Context, t time.Time) ([]*encounter.Record, error) {
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(t.UnixNano()))
	var rr []*encounter.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEncounters).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, v = c.Next() {
			r := new(encounter.Record)
			if err := json.Unmarshal(v, r); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			rr = append(rr, r)
		}
		return nil
	})
	return rr, err
}

// DeleteAll removes every record.
func (b *Bolt) DeleteAll(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEncounters); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEncounters)
		return err
	})
}
