// Package election decides which controller process instance holds
// CONTROLLER/LEADER (spec.md §6), using hashicorp/raft purely for
// leader decision. Domain state (IdealState, CurrentState, Messages,
// ...) never flows through this Raft group; it lives in the
// coordination-store adapter (internal/store). This mirrors the
// teacher's pkg/manager.Manager Raft wiring (Bootstrap/Join/AddVoter/
// IsLeader/LeaderAddr) almost mechanically, since both systems use
// Raft only to pick one writer, not to replicate application data.
package election

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Elector is the interface the pipeline depends on, so it never sees
// hashicorp/raft directly.
type Elector interface {
	IsLeader() bool
	LeaderAddr() string
	Close() error
}

// Config configures a raftElector.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// noopFSM satisfies raft.FSM without replicating any domain state;
// the Raft group here exists purely to elect a leader.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{} { return nil }

func (noopFSM) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }

func (noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }

func (noopSnapshot) Release() {}

// raftElector is the reference Elector implementation.
type raftElector struct {
	nodeID string
	raft   *raft.Raft

	joinMux *http.ServeMux
	joinSrv *http.Server
}

// New creates a Raft-backed elector and bootstraps a brand-new,
// single-node leader-election group. Call Join instead to join an
// existing one.
func New(cfg Config) (*raftElector, error) {
	r, err := newRaft(cfg)
	if err != nil {
		return nil, err
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(cfg.BindAddr)},
		},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("bootstrap election group: %w", err)
	}

	e := &raftElector{nodeID: cfg.NodeID, raft: r}
	return e, nil
}

// Join starts this process's Raft instance and asks leaderJoinAddr's
// control-plane HTTP endpoint to add it as a voter. Per DESIGN.md,
// this is JSON-over-HTTP rather than gRPC, since the teacher's
// generated gRPC stubs (api/proto) are a build artifact absent from
// this repository's reference corpus.
func Join(cfg Config, leaderJoinAddr string) (*raftElector, error) {
	r, err := newRaft(cfg)
	if err != nil {
		return nil, err
	}
	e := &raftElector{nodeID: cfg.NodeID, raft: r}

	payload, _ := json.Marshal(joinRequest{NodeID: cfg.NodeID, Addr: cfg.BindAddr})
	resp, err := http.Post(fmt.Sprintf("http://%s/join", leaderJoinAddr), "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("contact leader at %s: %w", leaderJoinAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("leader rejected join: status %d", resp.StatusCode)
	}
	return e, nil
}

func newRaft(cfg Config) (*raft.Raft, error) {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)

	// Tuned for fast failover on a LAN/edge deployment, same rationale
	// as the teacher's manager.Bootstrap: defaults are conservative for
	// WAN clusters.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.CommitTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "election-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "election-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(rc, noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft instance: %w", err)
	}
	return r, nil
}

// IsLeader reports whether this process currently holds CONTROLLER/LEADER.
func (e *raftElector) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current leader, or "" if unknown.
func (e *raftElector) LeaderAddr() string {
	return string(e.raft.Leader())
}

// AddVoter adds nodeID/address as a voter. Only the leader may call this.
func (e *raftElector) AddVoter(nodeID, address string) error {
	if !e.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", e.LeaderAddr())
	}
	future := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// ServeJoin starts the join control-plane endpoint on addr: it accepts
// join requests and adds the requester as a Raft voter. Only useful on
// the leader; non-leaders reply 409.
func (e *raftElector) ServeJoin(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := e.AddVoter(req.NodeID, req.Addr); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	e.joinMux = mux
	e.joinSrv = &http.Server{Addr: addr, Handler: mux}
	return e.joinSrv.ListenAndServe()
}

func (e *raftElector) Close() error {
	if e.joinSrv != nil {
		_ = e.joinSrv.Close()
	}
	return e.raft.Shutdown().Error()
}

type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}
