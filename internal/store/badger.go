package store

import (
	"bytes"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

var (
	badgerSnapshotKey = []byte("s/snapshot")
	badgerSeqKey      = []byte("m/seq")
	badgerEventPrefix = []byte("e/")
)

// Badger is a store backed by a badger key-value directory
type Badger struct {
	db *badger.DB
}

// NewBadger opens or creates a badger database in dir
func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "store/badger: failed to open db")
	}
	return &Badger{db: db}, nil
}

// SaveSnapshot replaces the stored snapshot
func (s *Badger) SaveSnapshot(data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerSnapshotKey, data)
	})
	return errors.Wrap(err, "store/badger: failed to set snapshot")
}

// LoadSnapshot returns a copy of the stored snapshot
func (s *Badger) LoadSnapshot() (data []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		data, err = get(txn, badgerSnapshotKey)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return data, errors.Wrap(err, "store/badger: failed to read snapshot")
}

// AppendEvent adds data to the journal under the next sequence number. The
// counter and the entry are written in one transaction.
func (s *Badger) AppendEvent(data []byte) (seq uint64, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		cur, err := get(txn, badgerSeqKey)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			seq = keySeq(cur)
		}
		seq++

		if err := txn.Set(badgerSeqKey, seqKey(seq)); err != nil {
			return err
		}
		return txn.Set(eventKey(seq), data)
	})
	if err != nil {
		return 0, errors.Wrap(err, "store/badger: failed to append event")
	}
	return seq, nil
}

// Events calls f for every journal entry with a sequence number of at least from
func (s *Badger) Events(from uint64, f func(seq uint64, data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()

		for iter.Seek(eventKey(from)); iter.Valid(); iter.Next() {
			item := iter.Item()
			key := item.Key()
			if !bytes.HasPrefix(key, badgerEventPrefix) {
				break
			}

			v, err := item.Value()
			if err != nil {
				return errors.Wrap(err, "store/badger: failed to read event")
			}
			if err := f(keySeq(key[len(badgerEventPrefix):]), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close the database
func (s *Badger) Close() error {
	return errors.Wrap(s.db.Close(), "store/badger: failed to close")
}

func eventKey(seq uint64) []byte {
	return append(append([]byte(nil), badgerEventPrefix...), seqKey(seq)...)
}

func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	v, err := item.Value()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}
