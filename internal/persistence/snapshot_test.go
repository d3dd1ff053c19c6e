package persistence

import (
	"testing"

	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	sw := NewSnapshotWriter(db, 64) // small chunk size to force multiple chunks

	var entries []*crdt.Entry
	for i, k := range []string{"a", "b", "c"} {
		e := testEntry(t, "A", []byte("value-of-"+k), uint64(i+1))
		e.Key = []byte(k)
		if err := e.RecomputeDigest(); err != nil {
			t.Fatalf("recompute digest: %v", err)
		}
		entries = append(entries, e)
	}

	root := merkle.NewTree(nil)
	for _, e := range entries {
		root.InsertOrUpdate(e.Key, e.ValueDigest)
	}

	manifest, err := sw.WriteSnapshot(1, entries, root.Root(), 3, 1000)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if len(manifest.Chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}

	loaded, loadedEntries, err := sw.LoadSnapshot(1)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded.MSTRoot != manifest.MSTRoot {
		t.Fatalf("loaded manifest root mismatch")
	}
	if len(loadedEntries) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(loadedEntries))
	}
	for i, e := range loadedEntries {
		if string(e.Key) != string(entries[i].Key) {
			t.Fatalf("entry %d key mismatch: got %q want %q", i, e.Key, entries[i].Key)
		}
	}
}

func TestLoadLatestPicksHighestEpoch(t *testing.T) {
	db := openTestDB(t)
	sw := NewSnapshotWriter(db, DefaultChunkSize)

	e := testEntry(t, "A", []byte("v"), 1)
	if _, err := sw.WriteSnapshot(1, []*crdt.Entry{e}, merkle.Empty, 0, 100); err != nil {
		t.Fatalf("write epoch 1: %v", err)
	}
	if _, err := sw.WriteSnapshot(2, []*crdt.Entry{e}, merkle.Empty, 5, 200); err != nil {
		t.Fatalf("write epoch 2: %v", err)
	}

	manifest, _, err := sw.LoadLatest()
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if manifest.Epoch != 2 {
		t.Fatalf("expected latest epoch 2, got %d", manifest.Epoch)
	}
	if manifest.WALSeq != 5 {
		t.Fatalf("expected wal seq 5, got %d", manifest.WALSeq)
	}
}

func TestLoadLatestNoSnapshotsReturnsNil(t *testing.T) {
	db := openTestDB(t)
	sw := NewSnapshotWriter(db, DefaultChunkSize)

	manifest, entries, err := sw.LoadLatest()
	if err != nil {
		t.Fatalf("load latest on empty store: %v", err)
	}
	if manifest != nil {
		t.Fatalf("expected nil manifest when no snapshots exist")
	}
	if entries != nil {
		t.Fatalf("expected nil entries when no snapshots exist")
	}
}
