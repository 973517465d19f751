package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sushant-115/cowtree/core/transaction"
)

func putCommand(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Insert or replace a key in its own transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := current().mgr.Update(cmd.Context(), func(tx *transaction.WriteTxn) error {
				return tx.Put([]byte(args[0]), []byte(args[1]))
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func getCommand(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return current().mgr.View(func(tx *transaction.ReadTxn) error {
				return printGet(cmd.OutOrStdout(), tx.Get, args[0])
			})
		},
	}
}

func deleteCommand(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a key in its own transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := current().mgr.Update(cmd.Context(), func(tx *transaction.WriteTxn) error {
				return tx.Delete([]byte(args[0]))
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func scanCommand(current func() *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan [START [END]]",
		Short: "Print keys in [START, END) in order",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end := scanBounds(args)
			return current().mgr.View(func(tx *transaction.ReadTxn) error {
				return printScan(cmd.OutOrStdout(), tx.Scan, start, end, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries (0 = no limit)")
	return cmd
}

func statsCommand(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print tree and block space statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStats(cmd.OutOrStdout(), current().mgr)
		},
	}
}

func scanBounds(args []string) (start, end []byte) {
	if len(args) > 0 && args[0] != "" {
		start = []byte(args[0])
	}
	if len(args) > 1 && args[1] != "" {
		end = []byte(args[1])
	}
	return start, end
}

type getFunc func(key []byte) ([]byte, bool, error)

type scanFunc func(start, end []byte, fn func(key, value []byte) bool) error

func printGet(w io.Writer, get getFunc, key string) error {
	value, ok, err := get([]byte(key))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "%s: not found\n", key)
		return nil
	}
	fmt.Fprintf(w, "%s\n", value)
	return nil
}

func printScan(w io.Writer, scan scanFunc, start, end []byte, limit int) error {
	n := 0
	err := scan(start, end, func(key, value []byte) bool {
		fmt.Fprintf(w, "%s = %s\n", key, value)
		n++
		return limit <= 0 || n < limit
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "(%s entries)\n", humanize.Comma(int64(n)))
	return nil
}

func printStats(w io.Writer, mgr *transaction.Manager) error {
	s, err := mgr.Stats()
	if err != nil {
		return err
	}
	entries := 0
	if err := mgr.View(func(tx *transaction.ReadTxn) error {
		entries, err = tx.Count()
		return err
	}); err != nil {
		return err
	}

	fmt.Fprintf(w, "root:            %s\n", s.Root)
	fmt.Fprintf(w, "generation:      %d\n", s.Generation)
	fmt.Fprintf(w, "depth:           %d\n", s.Depth)
	fmt.Fprintf(w, "entries:         %s\n", humanize.Comma(int64(entries)))
	fmt.Fprintf(w, "node blocks:     %s (%s)\n", humanize.Comma(int64(s.NodeBlocks)),
		humanize.IBytes(uint64(s.NodeBlocks)*uint64(s.NodeBlockSize)))
	fmt.Fprintf(w, "record blocks:   %s (%s)\n", humanize.Comma(int64(s.RecordBlocks)),
		humanize.IBytes(uint64(s.RecordBlocks)*uint64(s.RecordBlockSize)))
	fmt.Fprintf(w, "retired blocks:  %s nodes, %s records\n",
		humanize.Comma(int64(s.RetiredNodes)), humanize.Comma(int64(s.RetiredRecords)))
	fmt.Fprintf(w, "active readers:  %d\n", s.ActiveReaders)
	fmt.Fprintf(w, "commits/aborts:  %d/%d\n", s.Commits, s.Aborts)
	return nil
}
