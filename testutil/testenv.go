// Package testutil provides a single-node test harness wiring the CRDT
// store, MST index, and WAL over a temp-dir badger instance, the same way
// integration tests exercise a real node without the network components.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rechain/merkleflow/internal/persistence"
	"github.com/rechain/merkleflow/pkg/config"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

// TestEnvironment bundles one node's storage-backed components for tests
// that don't need real network peers.
type TestEnvironment struct {
	T       *testing.T
	TempDir string
	Config  *config.Config

	DB    *badger.DB
	Tree  *merkle.Tree
	WAL   *persistence.WAL
	Snap  *persistence.SnapshotWriter
	Store *crdt.Store
}

// NewTestEnvironment creates a fresh node harness under a temp directory.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "merkleflow-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Node.DataDir = tempDir
	cfg.Persistence.Path = tempDir + "/db"

	opts := badger.DefaultOptions(cfg.Persistence.Path)
	db, err := badger.Open(opts)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to open badger db: %v", err)
	}

	tree := merkle.NewTree(nil)
	wal, err := persistence.OpenWAL(db, persistence.FsyncPerRecord, 1, time.Millisecond)
	if err != nil {
		db.Close()
		os.RemoveAll(tempDir)
		t.Fatalf("failed to open wal: %v", err)
	}
	snap := persistence.NewSnapshotWriter(db, persistence.DefaultChunkSize)

	index := &treeIndex{tree: tree}
	store := crdt.NewStore("test-node", 4, index, wal, noopHotKeys{}, cfg.Persistence.TombstoneTTL)

	return &TestEnvironment{
		T:       t,
		TempDir: tempDir,
		Config:  cfg,
		DB:      db,
		Tree:    tree,
		WAL:     wal,
		Snap:    snap,
		Store:   store,
	}
}

// Close releases the badger handle and removes the temp directory.
func (env *TestEnvironment) Close() {
	env.T.Helper()

	if env.DB != nil {
		if err := env.DB.Close(); err != nil {
			env.T.Logf("error closing db: %v", err)
		}
	}
	if env.TempDir != "" {
		if err := os.RemoveAll(env.TempDir); err != nil {
			env.T.Logf("error removing temp dir: %v", err)
		}
	}
}

// MustPut writes value under key, failing the test on error.
func (env *TestEnvironment) MustPut(ctx context.Context, key []byte, value crdt.Value) *crdt.Entry {
	env.T.Helper()
	entry, err := env.Store.Put(ctx, key, value)
	if err != nil {
		env.T.Fatalf("put %q: %v", key, err)
	}
	return entry
}

// MustGet reads the entry for key, failing the test if absent.
func (env *TestEnvironment) MustGet(ctx context.Context, key []byte) *crdt.Entry {
	env.T.Helper()
	entry, ok := env.Store.Get(ctx, key)
	if !ok {
		env.T.Fatalf("key %q not found", key)
	}
	return entry
}

// MustNotExist verifies that key is absent or tombstoned.
func (env *TestEnvironment) MustNotExist(ctx context.Context, key []byte) {
	env.T.Helper()
	entry, ok := env.Store.Get(ctx, key)
	if ok && entry.Tombstone == nil {
		env.T.Fatalf("key %q exists but should not", key)
	}
}

// treeIndex adapts *merkle.Tree to crdt.IndexUpdater, mirroring the adapter
// cmd/merkleflowd wires in production.
type treeIndex struct {
	tree *merkle.Tree
}

func (t *treeIndex) InsertOrUpdate(key []byte, digest [32]byte) error {
	t.tree.InsertOrUpdate(key, digest)
	return nil
}

func (t *treeIndex) Remove(key []byte) error {
	t.tree.Remove(key)
	return nil
}

type noopHotKeys struct{}

func (noopHotKeys) Touch(key []byte, entry *crdt.Entry) {}
