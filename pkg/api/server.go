package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/conuredb/kvdb/db"
	"github.com/conuredb/kvdb/pkg/raftnode"
)

// Cluster is the replication side of the server. *raftnode.Node satisfies it.
type Cluster interface {
	IsLeader() bool
	Leader() raft.ServerAddress
	AddVoter(id, addr string) error
	RemoveServer(id string) error
	Apply(cmd raftnode.Command, timeout time.Duration) error
	Barrier(timeout time.Duration) error
	Servers() ([]raft.Server, error)
	Stats() map[string]string
}

// Store serves reads. *db.DB satisfies it.
type Store interface {
	Get(key []byte) ([]byte, error)
}

type Server struct {
	node           Cluster
	db             Store
	barrierTimeout time.Duration
	applyTimeout   time.Duration
	log            hclog.Logger
}

func New(node Cluster, store Store) *Server {
	return &Server{
		node:           node,
		db:             store,
		barrierTimeout: 3 * time.Second,
		applyTimeout:   5 * time.Second,
		log:            hclog.NewNullLogger(),
	}
}

// WithBarrierTimeout bounds the raft barrier run before leader reads.
func (s *Server) WithBarrierTimeout(d time.Duration) *Server {
	if d > 0 {
		s.barrierTimeout = d
	}
	return s
}

func (s *Server) WithLogger(l hclog.Logger) *Server {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/kv", s.handleKV)
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/remove", s.handleRemove)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/raft/config", s.handleRaftConfig)
	mux.HandleFunc("/raft/stats", s.handleRaftStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func (s *Server) redirectToLeader(w http.ResponseWriter) {
	writeJSON(w, http.StatusConflict, map[string]string{"leader": string(s.node.Leader())})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"is_leader": s.node.IsLeader(),
		"leader":    string(s.node.Leader()),
	})
}

func (s *Server) handleRaftConfig(w http.ResponseWriter, r *http.Request) {
	servers, err := s.node.Servers()
	if err != nil {
		writeText(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	type server struct {
		ID       string `json:"id"`
		Address  string `json:"address"`
		Suffrage string `json:"suffrage"`
	}
	out := make([]server, 0, len(servers))
	for _, srv := range servers {
		out = append(out, server{ID: string(srv.ID), Address: string(srv.Address), Suffrage: srv.Suffrage.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleRaftStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Stats())
}

type joinRequest struct {
	ID       string `json:"ID"`
	RaftAddr string `json:"RaftAddr"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body joinRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ID == "" || body.RaftAddr == "" {
		writeText(w, http.StatusBadRequest, "ID and RaftAddr are required")
		return
	}
	if !s.node.IsLeader() {
		s.redirectToLeader(w)
		return
	}
	if err := s.node.AddVoter(body.ID, body.RaftAddr); err != nil {
		s.log.Error("add voter", "id", body.ID, "addr", body.RaftAddr, "error", err)
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("added voter", "id", body.ID, "addr", body.RaftAddr)
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct{ ID string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeText(w, http.StatusBadRequest, "ID is required")
		return
	}
	if !s.node.IsLeader() {
		s.redirectToLeader(w)
		return
	}
	if err := s.node.RemoveServer(body.ID); err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := []byte(r.URL.Query().Get("key"))
	if len(key) == 0 {
		writeText(w, http.StatusBadRequest, "missing key")
		return
	}

	switch r.Method {
	case http.MethodGet:
		stale := strings.EqualFold(r.URL.Query().Get("stale"), "true") || r.URL.Query().Get("stale") == "1"
		if s.node.IsLeader() {
			// linearizable read via barrier
			if err := s.node.Barrier(s.barrierTimeout); err != nil {
				writeText(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		} else if !stale {
			s.redirectToLeader(w)
			return
		}
		s.serveGet(w, key)

	case http.MethodPut:
		if !s.node.IsLeader() {
			s.redirectToLeader(w)
			return
		}
		value, err := io.ReadAll(r.Body)
		if err != nil {
			writeText(w, http.StatusBadRequest, err.Error())
			return
		}
		s.apply(w, raftnode.Command{Type: raftnode.CmdPut, Key: key, Value: value})

	case http.MethodDelete:
		if !s.node.IsLeader() {
			s.redirectToLeader(w)
			return
		}
		s.apply(w, raftnode.Command{Type: raftnode.CmdDelete, Key: key})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveGet(w http.ResponseWriter, key []byte) {
	val, err := s.db.Get(key)
	switch {
	case errors.Is(err, db.ErrKeyNotFound):
		writeText(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Error("get", "key", string(key), "error", err)
		writeText(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(val)
	}
}

func (s *Server) apply(w http.ResponseWriter, cmd raftnode.Command) {
	err := s.node.Apply(cmd, s.applyTimeout)
	switch {
	case errors.Is(err, db.ErrKeyNotFound):
		writeText(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Error("apply", "type", cmd.Type.String(), "error", err)
		writeText(w, http.StatusInternalServerError, err.Error())
	default:
		writeText(w, http.StatusOK, "OK")
	}
}
