package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBolt(t *testing.T) Store {
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemory(t *testing.T) Store {
	return NewMemoryStore()
}

func newRaft(t *testing.T) Store {
	_, transport := raft.NewInmemTransport("")
	s, err := newReplicatedStore("node-1", NewMemoryStore(), raft.NewInmemStore(), raft.NewInmemStore(),
		raft.NewInmemSnapshotStore(), transport, true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, s.IsLeader, 5*time.Second, 20*time.Millisecond)
	return s
}

// TestStoreContract runs the same checks against every Store
func TestStoreContract(t *testing.T) {
	backends := []struct {
		name string
		new  func(t *testing.T) Store
	}{
		{"memory", newMemory},
		{"bolt", newBolt},
		{"raft", newRaft},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)

			_, err := s.Get("missing")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Set("spec.mon", []byte(`{"a":1}`)))
			require.NoError(t, s.Set("spec.mgr", []byte(`{"a":2}`)))
			require.NoError(t, s.Set("host.h1", []byte(`{}`)))

			v, err := s.Get("spec.mon")
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(v))

			specs, err := s.GetPrefix("spec.")
			require.NoError(t, err)
			assert.Equal(t, []string{"spec.mgr", "spec.mon"}, SortedKeys(specs))

			require.NoError(t, s.Delete("spec.mon"))
			_, err = s.Get("spec.mon")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Delete("never-existed"))
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	type record struct {
		Name   string   `json:"name"`
		Labels []string `json:"labels"`
	}

	require.NoError(t, SetJSON(s, "host.h1", record{Name: "h1", Labels: []string{"mon"}}))

	var got record
	require.NoError(t, GetJSON(s, "host.h1", &got))
	assert.Equal(t, record{Name: "h1", Labels: []string{"mon"}}, got)

	require.NoError(t, s.Set("host.bad", []byte("{")))
	assert.Error(t, GetJSON(s, "host.bad", &got))
}

func TestBoltStorePersists(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("inventory.h1", []byte("x")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get("inventory.h1")
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))
}

func TestRaftSnapshotRestore(t *testing.T) {
	src := NewMemoryStore()
	require.NoError(t, src.Set("a", []byte("1")))
	require.NoError(t, src.Set("b", []byte("2")))

	fsm := &kvFSM{store: src}
	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))

	dst := NewMemoryStore()
	require.NoError(t, dst.Set("stale", []byte("x")))
	restored := &kvFSM{store: dst}
	require.NoError(t, restored.Restore(sink))

	all, err := dst.GetPrefix("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, SortedKeys(all))
}

// memSink is a raft.SnapshotSink that can be read back as a snapshot
type memSink struct {
	bytes.Buffer
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { return nil }
func (s *memSink) Close() error  { return nil }
