package raftnode

import (
	"encoding/json"
	"fmt"
)

// CommandType selects the write a replicated command performs.
type CommandType uint8

const (
	CmdPut CommandType = iota
	CmdDelete
)

func (t CommandType) String() string {
	switch t {
	case CmdPut:
		return "put"
	case CmdDelete:
		return "delete"
	default:
		return fmt.Sprintf("CommandType(%d)", uint8(t))
	}
}

// Command is one entry of the replicated log. Each command is applied as
// its own committed write cycle.
type Command struct {
	Type  CommandType `json:"type"`
	Key   []byte      `json:"key"`
	Value []byte      `json:"value,omitempty"`
}

func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}
