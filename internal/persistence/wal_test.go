package persistence

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rechain/merkleflow/pkg/crdt"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEntry(t *testing.T, writer string, payload []byte, ts uint64) *crdt.Entry {
	t.Helper()
	reg := crdt.NewLWWRegister(writer)
	reg.Set(payload, ts, writer)
	entry := &crdt.Entry{
		Key:         []byte("k"),
		ValueKind:   crdt.KindLWWRegister,
		Value:       reg,
		VectorClock: crdt.VectorClock{writer: ts},
	}
	if err := entry.RecomputeDigest(); err != nil {
		t.Fatalf("recompute digest: %v", err)
	}
	return entry
}

func TestWALAppendAndEnumerate(t *testing.T) {
	db := openTestDB(t)
	wal, err := OpenWAL(db, FsyncPerRecord, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	entry := testEntry(t, "A", []byte("v1"), 1)
	seq, err := wal.AppendWriteLocal(entry.Key, entry)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first sequence to be 1, got %d", seq)
	}

	records, err := wal.EnumerateSince(0)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Seq != 1 || records[0].Kind != RecordWriteLocal {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if got := records[0].Entry.Value.(*crdt.LWWRegister).Payload; string(got) != "v1" {
		t.Fatalf("expected replayed payload v1, got %q", got)
	}
}

func TestWALEnumerateSinceExcludesEarlier(t *testing.T) {
	db := openTestDB(t)
	wal, err := OpenWAL(db, FsyncNone, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	for i := 1; i <= 3; i++ {
		entry := testEntry(t, "A", []byte("v"), uint64(i))
		if _, err := wal.AppendWriteLocal(entry.Key, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	records, err := wal.EnumerateSince(1)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after seq 1, got %d", len(records))
	}
	if records[0].Seq != 2 || records[1].Seq != 3 {
		t.Fatalf("expected sequential seqs 2,3; got %d,%d", records[0].Seq, records[1].Seq)
	}
}

func TestWALResumesSequenceAcrossReopen(t *testing.T) {
	db := openTestDB(t)
	wal, err := OpenWAL(db, FsyncPerRecord, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	entry := testEntry(t, "A", []byte("v"), 1)
	if _, err := wal.AppendWriteLocal(entry.Key, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := OpenWAL(db, FsyncPerRecord, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	next := testEntry(t, "A", []byte("v2"), 2)
	seq, err := reopened.AppendWriteLocal(next.Key, next)
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected sequence to resume at 2, got %d", seq)
	}
}
