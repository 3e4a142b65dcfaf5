package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conuredb/kvdb/db"
	"github.com/conuredb/kvdb/pkg/raftnode"
)

// fakeCluster applies commands straight to a map.
type fakeCluster struct {
	leader     bool
	barrierErr error
	data       map[string][]byte
	voters     map[string]string
	barriers   int
}

func newFakeCluster(leader bool) *fakeCluster {
	return &fakeCluster{leader: leader, data: map[string][]byte{}, voters: map[string]string{}}
}

func (f *fakeCluster) IsLeader() bool { return f.leader }

func (f *fakeCluster) Leader() raft.ServerAddress { return "10.0.0.1:7001" }

func (f *fakeCluster) AddVoter(id, addr string) error {
	f.voters[id] = addr
	return nil
}

func (f *fakeCluster) RemoveServer(id string) error {
	if _, ok := f.voters[id]; !ok {
		return errors.New("unknown server")
	}
	delete(f.voters, id)
	return nil
}

func (f *fakeCluster) Apply(cmd raftnode.Command, _ time.Duration) error {
	switch cmd.Type {
	case raftnode.CmdPut:
		f.data[string(cmd.Key)] = cmd.Value
	case raftnode.CmdDelete:
		if _, ok := f.data[string(cmd.Key)]; !ok {
			return db.ErrKeyNotFound
		}
		delete(f.data, string(cmd.Key))
	}
	return nil
}

func (f *fakeCluster) Barrier(time.Duration) error {
	f.barriers++
	return f.barrierErr
}

func (f *fakeCluster) Servers() ([]raft.Server, error) {
	servers := []raft.Server{{ID: "node1", Address: "10.0.0.1:7001", Suffrage: raft.Voter}}
	for id, addr := range f.voters {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr), Suffrage: raft.Voter})
	}
	return servers, nil
}

func (f *fakeCluster) Stats() map[string]string { return map[string]string{"state": "Leader"} }

// Get makes the fake its own read store.
func (f *fakeCluster) Get(key []byte) ([]byte, error) {
	v, ok := f.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func newTestServer(t *testing.T, cluster *fakeCluster) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	New(cluster, cluster).WithBarrierTimeout(time.Second).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestKVOnLeader(t *testing.T) {
	cluster := newFakeCluster(true)
	srv := newTestServer(t, cluster)

	code, _ := do(t, http.MethodPut, srv.URL+"/kv?key=a", "1")
	assert.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodGet, srv.URL+"/kv?key=a", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1", body)
	assert.Equal(t, 1, cluster.barriers, "leader reads run a barrier")

	code, _ = do(t, http.MethodGet, srv.URL+"/kv?key=nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodDelete, srv.URL+"/kv?key=a", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodDelete, srv.URL+"/kv?key=a", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/kv", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/kv?key=a", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestBarrierFailure(t *testing.T) {
	cluster := newFakeCluster(true)
	cluster.barrierErr = raft.ErrLeadershipLost
	srv := newTestServer(t, cluster)

	code, _ := do(t, http.MethodGet, srv.URL+"/kv?key=a", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestFollowerRedirectsWrites(t *testing.T) {
	cluster := newFakeCluster(false)
	cluster.data["a"] = []byte("stale-value")
	srv := newTestServer(t, cluster)

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodGet} {
		code, body := do(t, method, srv.URL+"/kv?key=a", "x")
		assert.Equal(t, http.StatusConflict, code, method)
		var hint map[string]string
		require.NoError(t, json.Unmarshal([]byte(body), &hint))
		assert.Equal(t, "10.0.0.1:7001", hint["leader"])
	}
	assert.Equal(t, []byte("stale-value"), cluster.data["a"], "follower applied nothing")

	code, body := do(t, http.MethodGet, srv.URL+"/kv?key=a&stale=true", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stale-value", body)
	assert.Zero(t, cluster.barriers)
}

func TestJoinAndRemove(t *testing.T) {
	cluster := newFakeCluster(true)
	srv := newTestServer(t, cluster)

	code, _ := do(t, http.MethodPost, srv.URL+"/join", `{"ID":"node2","RaftAddr":"10.0.0.2:7001"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10.0.0.2:7001", cluster.voters["node2"])

	code, _ = do(t, http.MethodPost, srv.URL+"/join", `{"ID":"node3"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/join", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, body := do(t, http.MethodGet, srv.URL+"/raft/config", "")
	assert.Equal(t, http.StatusOK, code)
	var cfg struct {
		Servers []struct {
			ID string `json:"id"`
		} `json:"servers"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &cfg))
	assert.Len(t, cfg.Servers, 2)

	code, _ = do(t, http.MethodPost, srv.URL+"/remove", `{"ID":"node2"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/remove", `{"ID":"node2"}`)
	assert.Equal(t, http.StatusInternalServerError, code)

	cluster.leader = false
	code, _ = do(t, http.MethodPost, srv.URL+"/join", `{"ID":"node4","RaftAddr":"10.0.0.4:7001"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, newFakeCluster(true))

	code, body := do(t, http.MethodGet, srv.URL+"/status", "")
	assert.Equal(t, http.StatusOK, code)
	var status struct {
		IsLeader bool   `json:"is_leader"`
		Leader   string `json:"leader"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.True(t, status.IsLeader)
	assert.Equal(t, "10.0.0.1:7001", status.Leader)

	code, body = do(t, http.MethodGet, srv.URL+"/raft/stats", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Leader")
}
