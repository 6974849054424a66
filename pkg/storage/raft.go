package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/keel/pkg/log"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// RaftConfig configures a ReplicatedStore
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
}

// Command is a replicated write
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

const (
	opSet    = "set"
	opDelete = "delete"
)

// ReplicatedStore replicates writes through raft and serves reads from the
// local copy. Only the leader accepts writes.
type ReplicatedStore struct {
	raft         *raft.Raft
	fsm          *kvFSM
	applyTimeout time.Duration
	closers      []io.Closer
	logger       zerolog.Logger
}

// NewReplicatedStore opens raft state under cfg.DataDir and applies committed
// writes to local.
func NewReplicatedStore(cfg RaftConfig, local Store) (*ReplicatedStore, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft node id is required")
	}
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create raft dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	s, err := newReplicatedStore(cfg.NodeID, local, logStore, stableStore, snapshotStore, transport, cfg.Bootstrap)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, err
	}
	if cfg.ApplyTimeout > 0 {
		s.applyTimeout = cfg.ApplyTimeout
	}
	s.closers = append(s.closers, transport, logStore, stableStore)
	return s, nil
}

func newReplicatedStore(nodeID string, local Store, logs raft.LogStore, stable raft.StableStore,
	snaps raft.SnapshotStore, transport raft.Transport, bootstrap bool) (*ReplicatedStore, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)

	// LAN timeouts; the defaults target WAN deployments
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	fsm := &kvFSM{store: local}
	r, err := raft.NewRaft(config, fsm, logs, stable, snaps, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && err != raft.ErrCantBootstrap {
			r.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
	}

	return &ReplicatedStore{
		raft:         r,
		fsm:          fsm,
		applyTimeout: 5 * time.Second,
		logger:       log.WithComponent("raft"),
	}, nil
}

func (s *ReplicatedStore) Get(key string) ([]byte, error) {
	return s.fsm.store.Get(key)
}

func (s *ReplicatedStore) GetPrefix(prefix string) (map[string][]byte, error) {
	return s.fsm.store.GetPrefix(prefix)
}

func (s *ReplicatedStore) Set(key string, value []byte) error {
	return s.apply(Command{Op: opSet, Key: key, Value: value})
}

func (s *ReplicatedStore) Delete(key string) error {
	return s.apply(Command{Op: opDelete, Key: key})
}

func (s *ReplicatedStore) apply(cmd Command) error {
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("not the raft leader (leader is %q): %w", s.Leader(), errdefs.ErrUnavailable)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	future := s.raft.Apply(data, s.applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %v", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// IsLeader reports whether this node is the raft leader
func (s *ReplicatedStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Leader returns the address of the current leader
func (s *ReplicatedStore) Leader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until a leader is known or timeout elapses
func (s *ReplicatedStore) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no raft leader after %s: %w", timeout, errdefs.ErrUnavailable)
}

// AddVoter adds a node to the raft cluster
func (s *ReplicatedStore) AddVoter(nodeID, address string) error {
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %v", nodeID, err)
	}
	s.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("added raft voter")
	return nil
}

// RemoveServer removes a node from the raft cluster
func (s *ReplicatedStore) RemoveServer(nodeID string) error {
	future := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %v", nodeID, err)
	}
	return nil
}

// Stats returns raft state for diagnostics
func (s *ReplicatedStore) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["state"] = s.raft.State().String()
	stats["last_log_index"] = s.raft.LastIndex()
	stats["applied_index"] = s.raft.AppliedIndex()
	stats["leader"] = s.Leader()
	if future := s.raft.GetConfiguration(); future.Error() == nil {
		stats["peers"] = len(future.Configuration().Servers)
	}
	return stats
}

// Close shuts raft down and closes the local store
func (s *ReplicatedStore) Close() error {
	var firstErr error
	if err := s.raft.Shutdown().Error(); err != nil {
		firstErr = err
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.fsm.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// kvFSM applies committed commands to the local store
type kvFSM struct {
	mu    sync.Mutex
	store Store
}

func (f *kvFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opSet:
		return f.store.Set(cmd.Key, cmd.Value)
	case opDelete:
		return f.store.Delete(cmd.Key)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.store.GetPrefix("")
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %v", err)
	}
	return &kvSnapshot{Data: data}, nil
}

func (f *kvFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot kvSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.store.GetPrefix("")
	if err != nil {
		return err
	}
	for k := range existing {
		if _, ok := snapshot.Data[k]; !ok {
			if err := f.store.Delete(k); err != nil {
				return fmt.Errorf("failed to restore: %v", err)
			}
		}
	}
	for k, v := range snapshot.Data {
		if err := f.store.Set(k, v); err != nil {
			return fmt.Errorf("failed to restore %s: %v", k, err)
		}
	}
	return nil
}

// kvSnapshot is a point-in-time copy of the store
type kvSnapshot struct {
	Data map[string][]byte
}

func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

func (s *kvSnapshot) Release() {}
