package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedServer answers the endpoints a joining node probes.
type seedServer struct {
	mu      sync.Mutex
	members []string
	leader  string // non-empty makes /join answer with a leader hint
	joined  []joinRequest
}

func (s *seedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Path {
	case "/status":
		w.WriteHeader(http.StatusOK)
	case "/raft/config":
		type server struct {
			ID string `json:"id"`
		}
		out := []server{}
		for _, id := range s.members {
			out = append(out, server{ID: id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"servers": out})
	case "/join":
		if s.leader != "" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"leader": s.leader})
			return
		}
		var jr joinRequest
		_ = json.NewDecoder(r.Body).Decode(&jr)
		s.joined = append(s.joined, jr)
		s.members = append(s.members, jr.ID)
	}
}

func (s *seedServer) joins() []joinRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]joinRequest(nil), s.joined...)
}

func newTestJoiner(seeds ...string) *joiner {
	j := newJoiner("node2", "10.0.0.2:7001", hclog.NewNullLogger())
	j.seeds = seeds
	j.backoff = time.Millisecond
	j.maxRetries = 2
	return j
}

func TestParseSeeds(t *testing.T) {
	assert.Equal(t, []string{defaultSeed}, parseSeeds(""))
	assert.Equal(t, []string{"http://a:8081", "http://b:8081"}, parseSeeds(" http://a:8081, ,http://b:8081 "))
}

func TestJoinViaSeed(t *testing.T) {
	seed := &seedServer{members: []string{"node1"}}
	srv := httptest.NewServer(seed)
	defer srv.Close()

	require.True(t, newTestJoiner(srv.URL).run(context.Background()))
	joins := seed.joins()
	require.Len(t, joins, 1)
	assert.Equal(t, joinRequest{ID: "node2", RaftAddr: "10.0.0.2:7001"}, joins[0])

	// a second run sees the membership and does not post again
	require.True(t, newTestJoiner(srv.URL).run(context.Background()))
	assert.Len(t, seed.joins(), 1)
}

func TestJoinFollowsLeaderHint(t *testing.T) {
	leader := &seedServer{}
	leaderSrv := httptest.NewServer(leader)
	defer leaderSrv.Close()

	follower := &seedServer{leader: strings.TrimPrefix(leaderSrv.URL, "http://")}
	followerSrv := httptest.NewServer(follower)
	defer followerSrv.Close()

	require.True(t, newTestJoiner(followerSrv.URL).run(context.Background()))
	assert.Len(t, leader.joins(), 1)
	assert.Empty(t, follower.joins())
}

func TestJoinGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	assert.False(t, newTestJoiner(srv.URL).run(context.Background()))

	j := newTestJoiner(srv.URL)
	j.maxRetries = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, j.run(ctx), "cancelled context stops an unbounded join")
}
