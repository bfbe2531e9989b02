// Package store persists ledger snapshots and the journal of applied events.
package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no snapshot was saved yet
var ErrNotFound = errors.New("store: snapshot not found")

// Store keeps the latest encoded ledger snapshot and an append-only event
// journal. Sequence numbers start at 1.
type Store interface {
	SaveSnapshot(data []byte) error
	LoadSnapshot() ([]byte, error)

	AppendEvent(data []byte) (seq uint64, err error)
	Events(from uint64, f func(seq uint64, data []byte) error) error

	Close() error
}

// Open creates the store for backend in dir. Supported backends are
// "bolt", "badger" and "memory"; dir is created when missing and ignored
// for the memory backend.
func Open(backend, dir string) (Store, error) {
	if backend == "memory" || backend == "" {
		return NewMemory(), nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "store: failed to create data directory")
	}

	switch backend {
	case "bolt":
		return NewBolt(dir)
	case "badger":
		return NewBadger(dir)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func keySeq(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}
