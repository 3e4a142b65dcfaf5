package raftnode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/conuredb/kvdb/db"
)

// FSM applies replicated commands to a database. Every command commits on
// success and rolls back on failure, so no write cycle outlives an Apply.
type FSM struct {
	DB     *db.DB
	Logger hclog.Logger
}

func (f *FSM) logger() hclog.Logger {
	if f.Logger == nil {
		return hclog.NewNullLogger()
	}
	return f.Logger
}

// Apply returns nil or the error that made the command fail.
func (f *FSM) Apply(l *raft.Log) interface{} {
	cmd, err := DecodeCommand(l.Data)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case CmdPut:
		err = f.DB.Set(cmd.Key, cmd.Value)
	case CmdDelete:
		err = f.DB.Delete(cmd.Key)
	default:
		return fmt.Errorf("unknown command type %s", cmd.Type)
	}
	if err == nil {
		err = f.DB.Commit()
	}
	if err != nil {
		if rbErr := f.DB.Rollback(); rbErr != nil {
			f.logger().Error("rollback after failed apply", "index", l.Index, "error", rbErr)
		}
		f.logger().Debug("command failed", "index", l.Index, "type", cmd.Type.String(), "error", err)
		return err
	}
	return nil
}

// Snapshot copies the database file while Apply is blocked, so the
// snapshot matches the last applied index exactly.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.DB.SnapshotTo(&buf); err != nil {
		return nil, err
	}
	return &dbSnapshot{data: buf.Bytes()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			f.logger().Warn("close snapshot reader during restore", "error", closeErr)
		}
	}()
	if err := f.DB.RestoreFrom(rc); err != nil {
		return err
	}
	f.logger().Info("restored database from raft snapshot")
	return nil
}

type dbSnapshot struct {
	data []byte
}

func (s *dbSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *dbSnapshot) Release() {}
