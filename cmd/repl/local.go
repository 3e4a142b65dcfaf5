package main

import (
	"fmt"

	"github.com/conuredb/kvdb/db"
)

// localBackend drives a database file directly. Writes are staged until commit.
type localBackend struct {
	db *db.DB
}

func (l *localBackend) Get(key string) (string, error) {
	v, err := l.db.Get([]byte(key))
	return string(v), err
}

func (l *localBackend) Set(key, value string) error { return l.db.Set([]byte(key), []byte(value)) }

func (l *localBackend) Delete(key string) error { return l.db.Delete([]byte(key)) }

func (l *localBackend) Commit() error { return l.db.Commit() }

func (l *localBackend) Rollback() error { return l.db.Rollback() }

func (l *localBackend) Len() (int, error) { return l.db.Len() }

func (l *localBackend) Keys() ([]string, error) {
	var keys []string
	err := l.db.Ascend(func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	return keys, err
}

func (l *localBackend) Root() (string, error) {
	root, err := l.db.Root()
	if err != nil {
		return "", err
	}
	if root.IsZero() {
		return "empty or uncommitted", nil
	}
	return fmt.Sprintf("%d", uint64(root)), nil
}

func (l *localBackend) Close() error { return l.db.Close() }
