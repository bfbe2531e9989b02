package store

import (
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var (
	boltBucketState  = []byte{0x00}
	boltBucketEvents = []byte{0x01}

	snapshotKey = []byte("snapshot")
)

// Bolt is a store backed by a single bolt database file
type Bolt struct {
	dir string
	bdb *bolt.DB
}

// NewBolt opens or creates the bolt database in dir, the directory must exist
func NewBolt(dir string) (b *Bolt, err error) {
	b = &Bolt{dir: dir}

	b.bdb, err = bolt.Open(filepath.Join(dir, "ledger.bolt"), 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store/bolt: failed to open or create database file")
	}

	if err = b.bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltBucketState); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltBucketEvents)
		return err
	}); err != nil {
		b.bdb.Close()
		return nil, errors.Wrap(err, "store/bolt: failed to create buckets")
	}

	return b, nil
}

// SaveSnapshot replaces the stored snapshot
func (b *Bolt) SaveSnapshot(data []byte) error {
	err := b.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketState).Put(snapshotKey, data)
	})
	return errors.Wrap(err, "store/bolt: failed to put snapshot")
}

// LoadSnapshot returns a copy of the stored snapshot
func (b *Bolt) LoadSnapshot() (data []byte, err error) {
	err = b.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucketState).Get(snapshotKey)
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err == ErrNotFound {
		return nil, err
	}
	return data, errors.Wrap(err, "store/bolt: failed to read snapshot")
}

// AppendEvent adds data to the journal under the next sequence number
func (b *Bolt) AppendEvent(data []byte) (seq uint64, err error) {
	err = b.bdb.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltBucketEvents)
		seq, err = bkt.NextSequence()
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, errors.Wrap(err, "store/bolt: failed to append event")
	}
	return seq, nil
}

// Events calls f for every journal entry with a sequence number of at least from
func (b *Bolt) Events(from uint64, f func(seq uint64, data []byte) error) error {
	return b.bdb.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucketEvents).Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			if err := f(keySeq(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close the database file
func (b *Bolt) Close() error {
	return errors.Wrap(b.bdb.Close(), "store/bolt: failed to close")
}
