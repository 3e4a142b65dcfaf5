package raftnode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

type Config struct {
	NodeID    string
	RaftAddr  string
	DataDir   string
	Bootstrap bool
	Logger    hclog.Logger
}

type Node struct {
	raft   *raft.Raft
	fsm    *FSM
	stores []*raftboltdb.BoltStore
	log    hclog.Logger
}

func (n *Node) Raft() *raft.Raft {
	return n.raft
}

func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

func (n *Node) Leader() raft.ServerAddress {
	return n.raft.Leader()
}

func (n *Node) AddVoter(id, addr string) error {
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

func (n *Node) RemoveServer(id string) error {
	return n.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

// Servers lists the current cluster configuration.
func (n *Node) Servers() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Barrier blocks until every preceding log entry has been applied locally.
func (n *Node) Barrier(timeout time.Duration) error {
	return n.raft.Barrier(timeout).Error()
}

// Apply replicates cmd and returns the error the FSM produced for it, if any.
func (n *Node) Apply(cmd Command, timeout time.Duration) error {
	b, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	f := n.raft.Apply(b, timeout)
	if err := f.Error(); err != nil {
		return err
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// Shutdown stops raft and closes the log stores.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	for _, s := range n.stores {
		if closeErr := s.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

func StartNode(cfg Config, fsm *FSM) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, err
	}

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(cfg.NodeID)
	rcfg.SnapshotInterval = 30 * time.Second
	rcfg.SnapshotThreshold = 8192
	rcfg.Logger = logger

	// Stores
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("stable store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "log.bolt"))
	if err != nil {
		_ = stableStore.Close()
		return nil, fmt.Errorf("log store: %w", err)
	}
	n := &Node{fsm: fsm, stores: []*raftboltdb.BoltStore{stableStore, logStore}, log: logger}
	closeStores := func() {
		for _, s := range n.stores {
			_ = s.Close()
		}
	}

	snaps, err := raft.NewFileSnapshotStoreWithLogger(raftDir, 3, logger.Named("snapshot"))
	if err != nil {
		closeStores()
		return nil, err
	}

	// Transport
	transport, err := raft.NewTCPTransportWithLogger(cfg.RaftAddr, nil, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		closeStores()
		return nil, err
	}

	r, err := raft.NewRaft(rcfg, fsm, logStore, stableStore, snaps, transport)
	if err != nil {
		_ = transport.Close()
		closeStores()
		return nil, err
	}
	n.raft = r

	if cfg.Bootstrap {
		self := raft.Server{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}
		if err := n.bootstrapIfEmpty(logStore, stableStore, snaps, self); err != nil {
			return nil, errors.Join(err, n.Shutdown())
		}
	}

	return n, nil
}

// bootstrapIfEmpty makes self the only voter of a new cluster. Nodes that
// already have raft state are left alone.
func (n *Node) bootstrapIfEmpty(logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, self raft.Server) error {
	hasState, err := raft.HasExistingState(logs, stable, snaps)
	if err != nil {
		return fmt.Errorf("check raft state: %w", err)
	}
	if hasState {
		return nil
	}
	configuration := raft.Configuration{Servers: []raft.Server{self}}
	if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	n.log.Info("bootstrapped single-node cluster", "node_id", string(self.ID))
	return nil
}
