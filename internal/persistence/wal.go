// Package persistence implements the Persistence component: a write-ahead
// log, content-addressed snapshotting, crash recovery, and tombstone
// compaction against the CRDT store and MST index.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rechain/merkleflow/pkg/crdt"
)

// ErrIntegrity marks WAL CRC mismatches and snapshot hash mismatches — fatal
// for the store, per spec.md §7's Integrity error kind.
var ErrIntegrity = errors.New("persistence: integrity check failed")

// FsyncPolicy controls when the WAL durably flushes to disk, configured (not
// discovered) per spec.md §4.H.
type FsyncPolicy int

const (
	FsyncPerRecord FsyncPolicy = iota
	FsyncPerBatch
	FsyncNone
)

// RecordKind names the three WAL record shapes spec.md §4.H lists.
type RecordKind uint8

const (
	RecordWriteLocal RecordKind = iota + 1
	RecordMergeRemote
	RecordMembershipDelta
)

// Record is one WAL entry: a monotonic sequence number, its kind, the
// affected key (empty for membership deltas), and a payload specific to the
// kind. CRC guards against truncated or corrupted writes.
type Record struct {
	Seq          uint64
	Kind         RecordKind
	Key          []byte      `json:",omitempty"`
	Entry        *crdt.Entry `json:",omitempty"`
	MemberDelta  []byte      `json:",omitempty"` // opaque encoded identity.Member
	CRC          uint32
}

func walKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("wal/%020d", seq))
}

// WAL is the append-only log of accepted writes: strictly single-writer,
// preserving a total order that is a linearization of all accepted writes
// (spec.md §5). Records are stored in a badger instance shared with the
// snapshot chunk store.
type WAL struct {
	db     *badger.DB
	policy FsyncPolicy
	batchN int
	batchT time.Duration

	mu        sync.Mutex
	nextSeq   uint64
	pending   int
	lastFlush time.Time
}

// OpenWAL opens (or resumes) a WAL backed by db. batchN/batchT are only
// consulted when policy is FsyncPerBatch.
func OpenWAL(db *badger.DB, policy FsyncPolicy, batchN int, batchT time.Duration) (*WAL, error) {
	w := &WAL{db: db, policy: policy, batchN: batchN, batchT: batchT, lastFlush: time.Now()}
	maxSeq, err := w.loadMaxSeq()
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	w.nextSeq = maxSeq + 1
	return w, nil
}

func (w *WAL) loadMaxSeq() (uint64, error) {
	var max uint64
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("wal/")
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// In Reverse mode a seek lands on the largest key <= the seek key.
		// Rewind seeks the bare prefix, which sorts before every wal/<seq>
		// key, so seek the key of the largest possible sequence instead.
		it.Seek(walKey(^uint64(0)))
		if it.ValidForPrefix(opts.Prefix) {
			item := it.Item()
			var rec Record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			max = rec.Seq
		}
		return nil
	})
	return max, err
}

func (w *WAL) append(kind RecordKind, key []byte, entry *crdt.Entry, memberDelta []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++

	rec := Record{Seq: seq, Kind: kind, Key: key, Entry: entry, MemberDelta: memberDelta}
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal record %d: %w", seq, err)
	}
	rec.CRC = crc32.ChecksumIEEE(body)
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal record %d: %w", seq, err)
	}

	if err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(walKey(seq), payload)
	}); err != nil {
		return 0, fmt.Errorf("wal: append record %d: %w", seq, err)
	}

	w.pending++
	switch w.policy {
	case FsyncPerRecord:
		if err := w.db.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync record %d: %w", seq, err)
		}
		w.pending = 0
	case FsyncPerBatch:
		if w.pending >= w.batchN || time.Since(w.lastFlush) >= w.batchT {
			if err := w.db.Sync(); err != nil {
				return 0, fmt.Errorf("wal: fsync batch at record %d: %w", seq, err)
			}
			w.pending = 0
			w.lastFlush = time.Now()
		}
	case FsyncNone:
		// no durability guarantee beyond the OS page cache until the next
		// snapshot or explicit Flush.
	}
	return seq, nil
}

// AppendWriteLocal satisfies crdt.WAL: logs a locally originated write.
func (w *WAL) AppendWriteLocal(key []byte, entry *crdt.Entry) (uint64, error) {
	return w.append(RecordWriteLocal, key, entry, nil)
}

// AppendMergeRemote satisfies crdt.WAL: logs a merge from a remote peer.
func (w *WAL) AppendMergeRemote(key []byte, entry *crdt.Entry) (uint64, error) {
	return w.append(RecordMergeRemote, key, entry, nil)
}

// AppendMembershipDelta logs a membership table change; encoding of the
// delta itself is the membership package's concern, the WAL only carries it.
func (w *WAL) AppendMembershipDelta(encoded []byte) (uint64, error) {
	return w.append(RecordMembershipDelta, nil, nil, encoded)
}

// Flush forces a durable fsync regardless of policy, e.g. before a snapshot.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.db.Sync(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	w.pending = 0
	w.lastFlush = time.Now()
	return nil
}

// EnumerateSince returns every record with Seq > since, in ascending order,
// verifying each record's CRC as it is read.
func (w *WAL) EnumerateSince(since uint64) ([]Record, error) {
	var out []Record
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("wal/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(walKey(since + 1)); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var rec Record
			var raw []byte
			if err := item.Value(func(val []byte) error {
				raw = append([]byte(nil), val...)
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("wal: decode record at %s: %w", item.Key(), err)
			}
			wantCRC := rec.CRC
			rec.CRC = 0
			checkBody, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if crc32.ChecksumIEEE(checkBody) != wantCRC {
				return fmt.Errorf("%w: wal record %d crc mismatch", ErrIntegrity, rec.Seq)
			}
			rec.CRC = wantCRC
			_ = raw
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
