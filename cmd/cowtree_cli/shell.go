package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sushant-115/cowtree/core/transaction"
)

const shellHelp = `Commands:
  put <key> <value>
  get <key>
  delete <key>
  scan [start [end]]
  stats
  begin             start a multi-statement write transaction
  commit            commit it
  abort             discard it
  help
  exit / quit`

func shellCommand(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell with multi-statement transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			history := ""
			if !a.cfg.Storage.InMemory {
				history = filepath.Join(a.cfg.Storage.Dir, ".cowtree_history")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "cowtree> ",
				HistoryFile:     history,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("starting readline: %w", err)
			}
			defer rl.Close()

			s := newSession(cmd.Context(), a.mgr, rl.Stdout(), a.log)
			defer s.close()
			fmt.Fprintln(rl.Stdout(), "cowtree shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						return nil
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if s.exec(line) {
					return nil
				}
			}
		},
	}
}

// session is the state of one shell: at most one open write transaction.
type session struct {
	ctx context.Context
	mgr *transaction.Manager
	out io.Writer
	log *zap.Logger
	tx  *transaction.WriteTxn
}

func newSession(ctx context.Context, mgr *transaction.Manager, out io.Writer, log *zap.Logger) *session {
	return &session{ctx: ctx, mgr: mgr, out: out, log: log}
}

// close aborts a transaction the user left open.
func (s *session) close() {
	if s.tx == nil {
		return
	}
	if err := s.tx.Abort(s.ctx); err != nil {
		s.log.Warn("Aborting open shell transaction failed", zap.Error(err))
	}
	s.tx = nil
}

// exec runs one line and reports whether the shell should exit.
func (s *session) exec(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	if err := s.run(strings.ToLower(args[0]), args[1:]); err != nil {
		if errors.Is(err, errQuit) {
			return true
		}
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

var errQuit = errors.New("quit")

func (s *session) run(command string, args []string) error {
	switch command {
	case "put":
		if len(args) < 2 {
			return errors.New("put requires a key and a value")
		}
		return s.write(func(tx *transaction.WriteTxn) error {
			return tx.Put([]byte(args[0]), []byte(strings.Join(args[1:], " ")))
		})
	case "delete":
		if len(args) != 1 {
			return errors.New("delete requires a key")
		}
		return s.write(func(tx *transaction.WriteTxn) error { return tx.Delete([]byte(args[0])) })
	case "get":
		if len(args) != 1 {
			return errors.New("get requires a key")
		}
		if s.tx != nil {
			return printGet(s.out, s.tx.Get, args[0])
		}
		return s.mgr.View(func(tx *transaction.ReadTxn) error { return printGet(s.out, tx.Get, args[0]) })
	case "scan":
		if len(args) > 2 {
			return errors.New("scan takes at most a start and an end key")
		}
		start, end := scanBounds(args)
		if s.tx != nil {
			return printScan(s.out, s.tx.Scan, start, end, 0)
		}
		return s.mgr.View(func(tx *transaction.ReadTxn) error { return printScan(s.out, tx.Scan, start, end, 0) })
	case "stats":
		return printStats(s.out, s.mgr)
	case "begin":
		if s.tx != nil {
			return errors.New("a transaction is already open")
		}
		tx, err := s.mgr.BeginWrite(s.ctx)
		if err != nil {
			return err
		}
		s.tx = tx
		fmt.Fprintf(s.out, "BEGIN %s\n", tx.ID())
	case "commit":
		if s.tx == nil {
			return errors.New("no open transaction")
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(s.ctx); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "COMMIT %s\n", s.mgr.Root())
	case "abort":
		if s.tx == nil {
			return errors.New("no open transaction")
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Abort(s.ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "ABORT")
	case "help":
		fmt.Fprintln(s.out, shellHelp)
	case "exit", "quit":
		s.close()
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
	return nil
}

// write applies fn inside the open transaction, or in its own transaction
// when none is open. A poisoned transaction is dropped from the session.
func (s *session) write(fn func(tx *transaction.WriteTxn) error) error {
	if s.tx == nil {
		if err := s.mgr.Update(s.ctx, fn); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	}
	if err := fn(s.tx); err != nil {
		if s.tx.State() == transaction.TxnStateAborted {
			s.tx = nil
		}
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}
