package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/cowtree/core/indexing/bptree"
	"github.com/sushant-115/cowtree/core/transaction"
	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	c := newCLI()
	var out bytes.Buffer
	c.root.SetOut(&out)
	c.root.SetErr(&out)
	c.root.SetArgs(append([]string{"--dir", dir, "--log-level", "error"}, args...))
	require.NoError(t, c.execute(context.Background()))
	return out.String()
}

func TestCLI_PutGetScanDelete(t *testing.T) {
	dir := t.TempDir()

	require.Equal(t, "OK\n", run(t, dir, "put", "b", "2"))
	require.Equal(t, "OK\n", run(t, dir, "put", "a", "1"))
	require.Equal(t, "OK\n", run(t, dir, "put", "c", "3"))

	require.Equal(t, "1\n", run(t, dir, "get", "a"))
	require.Equal(t, "a = 1\nb = 2\nc = 3\n(3 entries)\n", run(t, dir, "scan"))
	require.Equal(t, "b = 2\n(1 entries)\n", run(t, dir, "scan", "b", "c"))
	require.Equal(t, "a = 1\n(1 entries)\n", run(t, dir, "scan", "--limit", "1"))

	require.Equal(t, "OK\n", run(t, dir, "delete", "a"))
	require.Equal(t, "a: not found\n", run(t, dir, "get", "a"))

	stats := run(t, dir, "stats")
	require.Contains(t, stats, "entries:         2")
	require.Contains(t, stats, "depth:           1")
}

func TestCLI_DeleteMissingKeyFailsAndClosesStore(t *testing.T) {
	dir := t.TempDir()
	c := newCLI()
	c.root.SetOut(&bytes.Buffer{})
	c.root.SetArgs([]string{"--dir", dir, "--log-level", "error", "delete", "nope"})
	require.ErrorIs(t, c.execute(context.Background()), bptree.ErrKeyNotFound)

	require.NotNil(t, c.app)
	_, err := c.app.mgr.BeginRead()
	require.ErrorIs(t, err, transaction.ErrManagerClosed, "a failed command still closes the store")

	require.Equal(t, "OK\n", run(t, dir, "put", "a", "1"))
}

func newTestSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	nodes, err := blockstore.NewMemSpace("nodes", 256, 0)
	require.NoError(t, err)
	records, err := blockstore.NewMemSpace("records", 256, 0)
	require.NoError(t, err)
	mgr, err := transaction.Open(context.Background(), nodes, records, transaction.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	var out bytes.Buffer
	return newSession(context.Background(), mgr, &out, zap.NewNop()), &out
}

func TestShell_Transactions(t *testing.T) {
	s, out := newTestSession(t)

	require.False(t, s.exec("put k1 v1"))
	require.False(t, s.exec("begin"))
	require.True(t, strings.HasPrefix(lastLine(out), "BEGIN "))
	require.False(t, s.exec("put k2 hello world"))
	require.False(t, s.exec("get k2"))
	require.Equal(t, "hello world", lastLine(out))

	require.False(t, s.exec("abort"))
	require.False(t, s.exec("get k2"))
	require.Equal(t, "k2: not found", lastLine(out))

	require.False(t, s.exec("begin"))
	require.False(t, s.exec("delete k1"))
	require.False(t, s.exec("put k3 v3"))
	require.False(t, s.exec("commit"))
	require.True(t, strings.HasPrefix(lastLine(out), "COMMIT "))
	require.False(t, s.exec("scan"))
	require.Contains(t, out.String(), "k3 = v3\n(1 entries)\n")

	require.False(t, s.exec("commit"))
	require.Equal(t, "Error: no open transaction", lastLine(out))
	require.False(t, s.exec("frobnicate"))
	require.Contains(t, lastLine(out), "unknown command")
	require.False(t, s.exec("   "))

	require.False(t, s.exec("begin"))
	require.True(t, s.exec("quit"), "quit ends the shell and aborts the open transaction")
	require.Nil(t, s.tx)
}

func lastLine(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	return lines[len(lines)-1]
}
