package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	stores := map[string]Store{}
	for _, backend := range []string{"memory", "bolt", "badger"} {
		s, err := Open(backend, t.TempDir())
		require.NoError(t, err, "opening %s store", backend)
		t.Cleanup(func() { s.Close() })
		stores[backend] = s
	}
	return stores
}

func TestStore_Snapshot(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadSnapshot()
			assert.ErrorIs(t, err, ErrNotFound, "empty store should have no snapshot")

			require.NoError(t, s.SaveSnapshot([]byte(`{"v":1}`)))
			require.NoError(t, s.SaveSnapshot([]byte(`{"v":2}`)))

			data, err := s.LoadSnapshot()
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(data), "latest snapshot wins")
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 5; i++ {
				seq, err := s.AppendEvent([]byte(fmt.Sprintf("event-%d", i)))
				require.NoError(t, err)
				assert.Equal(t, uint64(i), seq)
			}

			var got []string
			err := s.Events(3, func(seq uint64, data []byte) error {
				got = append(got, fmt.Sprintf("%d:%s", seq, data))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"3:event-3", "4:event-4", "5:event-5"}, got)

			var count int
			require.NoError(t, s.Events(0, func(uint64, []byte) error { count++; return nil }))
			assert.Equal(t, 5, count)

			stop := fmt.Errorf("stop")
			err = s.Events(1, func(uint64, []byte) error { return stop })
			assert.ErrorIs(t, err, stop)
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	for _, backend := range []string{"bolt", "badger"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()

			s, err := Open(backend, dir)
			require.NoError(t, err)
			require.NoError(t, s.SaveSnapshot([]byte("state")))
			_, err = s.AppendEvent([]byte("first"))
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s, err = Open(backend, dir)
			require.NoError(t, err)
			defer s.Close()

			data, err := s.LoadSnapshot()
			require.NoError(t, err)
			assert.Equal(t, "state", string(data))

			seq, err := s.AppendEvent([]byte("second"))
			require.NoError(t, err)
			assert.Equal(t, uint64(2), seq, "sequence continues after reopen")
		})
	}
}

func TestStore_EventsFromMiddle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 300; i++ {
				_, err := s.AppendEvent([]byte(fmt.Sprintf("e%d", i)))
				require.NoError(t, err)
			}

			// sequence numbers past one byte must keep their order on disk
			var seqs []uint64
			require.NoError(t, s.Events(255, func(seq uint64, data []byte) error {
				assert.Equal(t, fmt.Sprintf("e%d", seq), string(data))
				seqs = append(seqs, seq)
				return nil
			}))
			require.Len(t, seqs, 46)
			assert.Equal(t, uint64(255), seqs[0])
			assert.Equal(t, uint64(256), seqs[1])
			assert.Equal(t, uint64(300), seqs[45])
		})
	}
}

func TestSeqKey(t *testing.T) {
	for _, seq := range []uint64{0, 1, 255, 256, 1 << 40} {
		assert.Equal(t, seq, keySeq(seqKey(seq)))
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("leveldb", t.TempDir())
	assert.Error(t, err)
}
