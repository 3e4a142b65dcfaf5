package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	seedsEnv    = "KVDB_SEEDS"
	defaultSeed = "http://kvdb-0.kvdb-hs:8081"
	maxBackoff  = 30 * time.Second
)

type joinRequest struct {
	ID       string `json:"ID"`
	RaftAddr string `json:"RaftAddr"`
}

type leaderHintResp struct {
	Leader string `json:"leader"`
}

func parseSeeds(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{defaultSeed}
	}
	return out
}

// joiner asks seed nodes to add this node as a voter, following leader hints.
type joiner struct {
	nodeID     string
	raftAddr   string
	seeds      []string
	client     *http.Client
	backoff    time.Duration
	maxRetries int // 0 retries forever
	log        hclog.Logger
}

func newJoiner(nodeID, raftAddr string, logger hclog.Logger) *joiner {
	return &joiner{
		nodeID:   nodeID,
		raftAddr: raftAddr,
		seeds:    parseSeeds(os.Getenv(seedsEnv)),
		client:   &http.Client{Timeout: 10 * time.Second},
		backoff:  2 * time.Second,
		log:      logger,
	}
}

// run returns true once the node is part of the cluster.
func (j *joiner) run(ctx context.Context) bool {
	j.log.Info("starting cluster join", "seeds", j.seeds)

	if j.alreadyMember() {
		j.log.Info("already part of the cluster, skipping join")
		return true
	}

	attempt := 0
	backoff := j.backoff
	for {
		for _, seed := range j.seeds {
			attempt++
			j.log.Debug("join attempt", "attempt", attempt, "seed", seed)
			if !j.seedHealthy(seed) {
				j.log.Warn("seed is not healthy", "seed", seed)
				continue
			}
			if j.joinVia(seed) {
				return true
			}
		}

		if j.maxRetries > 0 && attempt >= j.maxRetries {
			j.log.Error("exhausted join attempts", "attempts", attempt)
			return false
		}

		j.log.Info("join round failed, retrying", "backoff", backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (j *joiner) joinVia(seed string) bool {
	u, err := url.Parse(seed)
	if err != nil {
		j.log.Warn("invalid seed URL", "seed", seed, "error", err)
		return false
	}
	u.Path = "/join"

	resp, err := j.post(u.String())
	if err != nil {
		j.log.Warn("failed to contact seed", "seed", seed, "error", err)
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		j.log.Info("joined cluster", "via", seed)
		return true
	case http.StatusConflict:
		var h leaderHintResp
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			j.log.Warn("failed to decode leader hint", "error", err)
			return false
		}
		if h.Leader == "" {
			return false
		}
		j.log.Info("redirecting to leader", "leader", h.Leader)
		if j.joinLeader(h.Leader) {
			j.log.Info("joined cluster", "via", h.Leader)
			return true
		}
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		j.log.Warn("seed temporarily unavailable", "seed", seed, "status", resp.StatusCode)
	default:
		j.log.Warn("unexpected join response", "seed", seed, "status", resp.StatusCode)
	}
	return false
}

func (j *joiner) post(target string) (*http.Response, error) {
	body, err := json.Marshal(joinRequest{ID: j.nodeID, RaftAddr: j.raftAddr})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return j.client.Do(req)
}

func (j *joiner) joinLeader(leader string) bool {
	resp, err := j.post(fmt.Sprintf("http://%s/join", leader))
	if err != nil {
		j.log.Warn("failed to contact leader", "leader", leader, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (j *joiner) alreadyMember() bool {
	for _, seed := range j.seeds {
		if j.listedBy(seed) {
			return true
		}
	}
	return false
}

func (j *joiner) listedBy(seed string) bool {
	u, err := url.Parse(seed)
	if err != nil {
		return false
	}
	u.Path = "/raft/config"
	resp, err := j.client.Get(u.String())
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var cfg struct {
		Servers []struct {
			ID string `json:"id"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return false
	}
	for _, s := range cfg.Servers {
		if s.ID == j.nodeID {
			return true
		}
	}
	return false
}

func (j *joiner) seedHealthy(seed string) bool {
	u, err := url.Parse(seed)
	if err != nil {
		return false
	}
	u.Path = "/status"
	resp, err := j.client.Get(u.String())
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
