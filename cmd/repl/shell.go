package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var errUnsupported = errors.New("not supported in this mode")

// backend is what the shell drives: a local database file or a remote server.
type backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Commit() error
	Rollback() error
	Len() (int, error)
	Keys() ([]string, error)
	Root() (string, error)
	Close() error
}

type shell struct {
	b   backend
	out io.Writer
}

// exec runs one input line and reports whether the shell should exit.
func (s *shell) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	switch cmd := parts[0]; cmd {
	case "help":
		s.printHelp()
	case "get":
		if len(parts) != 2 {
			fmt.Fprintln(s.out, "Usage: get <key>")
			return false
		}
		value, err := s.b.Get(parts[1])
		if err != nil {
			s.fail(err)
			return false
		}
		fmt.Fprintf(s.out, "%s\n", value)
	case "set", "put":
		if len(parts) < 3 {
			fmt.Fprintf(s.out, "Usage: %s <key> <value>\n", cmd)
			return false
		}
		s.ok(s.b.Set(parts[1], strings.Join(parts[2:], " ")))
	case "delete":
		if len(parts) != 2 {
			fmt.Fprintln(s.out, "Usage: delete <key>")
			return false
		}
		s.ok(s.b.Delete(parts[1]))
	case "commit":
		s.ok(s.b.Commit())
	case "rollback":
		s.ok(s.b.Rollback())
	case "len":
		n, err := s.b.Len()
		if err != nil {
			s.fail(err)
			return false
		}
		fmt.Fprintln(s.out, n)
	case "keys":
		keys, err := s.b.Keys()
		if err != nil {
			s.fail(err)
			return false
		}
		for _, k := range keys {
			fmt.Fprintln(s.out, k)
		}
	case "root":
		root, err := s.b.Root()
		if err != nil {
			s.fail(err)
			return false
		}
		fmt.Fprintln(s.out, root)
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", cmd)
		s.printHelp()
	}
	return false
}

func (s *shell) ok(err error) {
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "OK")
}

func (s *shell) fail(err error) {
	fmt.Fprintf(s.out, "Error: %v\n", err)
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, "Available commands:")
	fmt.Fprintln(s.out, "  get <key>              - Get a value")
	fmt.Fprintln(s.out, "  set <key> <value>      - Stage a key-value pair (alias: put)")
	fmt.Fprintln(s.out, "  delete <key>           - Stage the removal of a key")
	fmt.Fprintln(s.out, "  commit                 - Publish staged writes")
	fmt.Fprintln(s.out, "  rollback               - Discard staged writes")
	fmt.Fprintln(s.out, "  len                    - Count keys")
	fmt.Fprintln(s.out, "  keys                   - List keys in order")
	fmt.Fprintln(s.out, "  root                   - Show the committed root address")
	fmt.Fprintln(s.out, "  help                   - Show this help message")
	fmt.Fprintln(s.out, "  exit, quit             - Exit the program")
}
