package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxRedirects = 3

var errRedirectLoop = errors.New("leader redirect loop")

type leaderHint struct {
	Leader string `json:"leader"`
}

// RemoteClient talks to the HTTP API and follows leader redirects.
// Every write is committed by the cluster when it is applied.
type RemoteClient struct {
	HTTP *http.Client
	Base *url.URL
	// Stale allows reads to be served by followers.
	Stale bool
}

func (rc *RemoteClient) do(method, path string, q url.Values, body string) (*http.Response, error) {
	u := *rc.Base
	u.Path = path
	u.RawQuery = q.Encode()
	req, err := http.NewRequest(method, u.String(), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	return rc.HTTP.Do(req)
}

// withLeader points the client at the leader's host. The raft address in the
// hint carries the raft port, so the HTTP port of the current base is kept.
func (rc *RemoteClient) withLeader(h leaderHint) {
	if h.Leader == "" {
		return
	}
	leaderHost := h.Leader
	if host, _, ok := strings.Cut(leaderHost, ":"); ok {
		leaderHost = host
	}
	port := rc.Base.Port()
	if port == "" {
		port = "8081"
	}
	b := *rc.Base
	b.Host = leaderHost + ":" + port
	rc.Base = &b
}

// send issues one request against /kv, retrying on 409 leader hints.
func (rc *RemoteClient) send(method, key, body string) (string, error) {
	q := url.Values{"key": {key}}
	if method == http.MethodGet && rc.Stale {
		q.Set("stale", "true")
	}
	for retries := 0; retries < maxRedirects; retries++ {
		resp, err := rc.do(method, "/kv", q, body)
		if err != nil {
			return "", err
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", err
		}
		switch resp.StatusCode {
		case http.StatusOK:
			return string(b), nil
		case http.StatusConflict:
			var h leaderHint
			_ = json.Unmarshal(b, &h)
			rc.withLeader(h)
		case http.StatusNotFound:
			return "", fmt.Errorf("key not found: %s", key)
		default:
			return "", errors.New(strings.TrimSpace(string(b)))
		}
	}
	return "", errRedirectLoop
}

func (rc *RemoteClient) Get(key string) (string, error) {
	return rc.send(http.MethodGet, key, "")
}

func (rc *RemoteClient) Set(key, value string) error {
	_, err := rc.send(http.MethodPut, key, value)
	return err
}

func (rc *RemoteClient) Delete(key string) error {
	_, err := rc.send(http.MethodDelete, key, "")
	return err
}

// Commit is a no-op: the cluster commits each write as it is applied.
func (rc *RemoteClient) Commit() error { return nil }

func (rc *RemoteClient) Rollback() error { return errUnsupported }

func (rc *RemoteClient) Len() (int, error) { return 0, errUnsupported }

func (rc *RemoteClient) Keys() ([]string, error) { return nil, errUnsupported }

func (rc *RemoteClient) Root() (string, error) { return "", errUnsupported }

func (rc *RemoteClient) Close() error {
	rc.HTTP.CloseIdleConnections()
	return nil
}
