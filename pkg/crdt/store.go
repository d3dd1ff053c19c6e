package crdt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// ErrBusy is the error for a write rejected by backpressure. Store has no
// backpressure gate, so none of its methods return it.
var ErrBusy = errors.New("crdt: store busy")

// IndexUpdater receives the post-merge digest of a key so the MST stays in
// sync with the CRDT store, updated under the same shard lock (component D).
type IndexUpdater interface {
	InsertOrUpdate(key []byte, digest [32]byte) error
	Remove(key []byte) error
}

// WAL is the subset of the persistence contract the store needs: durably
// append a record before acknowledging a write.
type WAL interface {
	AppendWriteLocal(key []byte, entry *Entry) (seq uint64, err error)
	AppendMergeRemote(key []byte, entry *Entry) (seq uint64, err error)
}

// HotKeyTracker is notified of every accepted write so the Replication
// Engine's push-delta regime can decide whether the key is hot.
type HotKeyTracker interface {
	Touch(key []byte, entry *Entry)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Store is the sharded, ordered CRDT map: Key -> Entry. Keys map to shards by
// hash(key) mod S; each shard has one mutex that readers and writers alike
// take, while cross-shard operations stay independent.
type Store struct {
	shards []*shard
	nodeID string

	index   IndexUpdater
	wal     WAL
	hotKeys HotKeyTracker

	tombstoneTTL time.Duration
}

// NewStore creates a Store with numShards shards (0 or negative picks a
// sensible default) owned by nodeID for writer attribution.
func NewStore(nodeID string, numShards int, index IndexUpdater, wal WAL, hotKeys HotKeyTracker, tombstoneTTL time.Duration) *Store {
	if numShards <= 0 {
		numShards = 16
	}
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return &Store{
		shards:       shards,
		nodeID:       nodeID,
		index:        index,
		wal:          wal,
		hotKeys:      hotKeys,
		tombstoneTTL: tombstoneTTL,
	}
}

func (s *Store) shardFor(key []byte) *shard {
	h := fnv.New32a()
	h.Write(key)
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// Put merges value into the existing entry for key (creating one if absent),
// bumps the writer's VectorClock entry, logs the write, updates the index,
// and notifies the hot-key tracker. It returns an error when the value merge,
// the digest computation, the WAL append or the index update fails; it never
// returns ErrBusy.
func (s *Store) Put(ctx context.Context, key []byte, value Value) (*Entry, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.entries[string(key)]
	var merged Value
	vc := VectorClock{}
	if existing != nil {
		vc = existing.VectorClock.Clone()
		m, err := existing.Value.Merge(value)
		if err != nil {
			return nil, fmt.Errorf("put %q: %w", key, err)
		}
		merged = m
	} else {
		merged = value
	}
	vc.Bump(s.nodeID, uint64(time.Now().UnixMilli()))

	entry := &Entry{
		Key:         append([]byte(nil), key...),
		ValueKind:   value.Kind(),
		Value:       merged,
		VectorClock: vc,
	}
	if err := entry.RecomputeDigest(); err != nil {
		return nil, err
	}

	if s.wal != nil {
		if _, err := s.wal.AppendWriteLocal(key, entry); err != nil {
			return nil, fmt.Errorf("put %q: wal append: %w", key, err)
		}
	}
	sh.entries[string(key)] = entry
	if s.index != nil {
		if err := s.index.InsertOrUpdate(key, entry.ValueDigest); err != nil {
			return nil, fmt.Errorf("put %q: index: %w", key, err)
		}
	}
	if s.hotKeys != nil {
		s.hotKeys.Touch(key, entry)
	}
	return entry, nil
}

// Delete merges a tombstone with expiresAt = now + tombstoneTTL into the entry.
func (s *Store) Delete(ctx context.Context, key []byte) (*Entry, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.entries[string(key)]
	if existing == nil {
		return nil, fmt.Errorf("delete %q: %w", key, errNotFound)
	}
	vc := existing.VectorClock.Clone()
	vc.Bump(s.nodeID, uint64(time.Now().UnixMilli()))

	entry := &Entry{
		Key:         append([]byte(nil), key...),
		ValueKind:   existing.ValueKind,
		Value:       existing.Value,
		VectorClock: vc,
		Tombstone: &Tombstone{
			ExpiresAt:         time.Now().Add(s.tombstoneTTL).UnixNano(),
			WriterVectorClock: vc.Clone(),
		},
	}
	if err := entry.RecomputeDigest(); err != nil {
		return nil, err
	}
	if s.wal != nil {
		if _, err := s.wal.AppendWriteLocal(key, entry); err != nil {
			return nil, fmt.Errorf("delete %q: wal append: %w", key, err)
		}
	}
	sh.entries[string(key)] = entry
	if s.index != nil {
		if err := s.index.InsertOrUpdate(key, entry.ValueDigest); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

var errNotFound = errors.New("key not present")

// Get returns a snapshot of the entry for key, including tombstoned entries;
// callers decide whether to suppress them.
func (s *Store) Get(ctx context.Context, key []byte) (*Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[string(key)]
	return e, ok
}

// MergeRemote idempotently merges an incoming (Value, VectorClock, Tombstone)
// for key. Dominated incoming clocks are no-ops for the value (but the MST
// digest is unaffected since the local entry is unchanged); dominating
// incoming clocks replace the local entry; concurrent clocks invoke the
// value-type merge.
func (s *Store) MergeRemote(ctx context.Context, key []byte, incoming Value, incomingVC VectorClock, tombstone *Tombstone) (*Entry, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.entries[string(key)]
	if existing == nil {
		entry := &Entry{
			Key:         append([]byte(nil), key...),
			ValueKind:   incoming.Kind(),
			Value:       incoming,
			VectorClock: incomingVC.Clone(),
			Tombstone:   tombstone,
		}
		if err := entry.RecomputeDigest(); err != nil {
			return nil, err
		}
		if s.wal != nil {
			if _, err := s.wal.AppendMergeRemote(key, entry); err != nil {
				return nil, err
			}
		}
		sh.entries[string(key)] = entry
		if s.index != nil {
			if err := s.index.InsertOrUpdate(key, entry.ValueDigest); err != nil {
				return nil, err
			}
		}
		return entry, nil
	}

	var newValue Value
	var newVC VectorClock
	var newTombstone *Tombstone

	switch {
	case existing.VectorClock.Dominates(incomingVC):
		// local already reflects (at least) everything incoming carries
		return existing, nil
	case incomingVC.Dominates(existing.VectorClock):
		newValue = incoming
		newVC = incomingVC.Clone()
		newTombstone = tombstone
	default: // concurrent
		m, err := existing.Value.Merge(incoming)
		if err != nil {
			return nil, fmt.Errorf("merge_remote %q: %w", key, err)
		}
		newValue = m
		newVC = existing.VectorClock.Merge(incomingVC)
		newTombstone = mergeTombstones(existing.Tombstone, tombstone)
	}

	entry := &Entry{
		Key:         append([]byte(nil), key...),
		ValueKind:   newValue.Kind(),
		Value:       newValue,
		VectorClock: newVC,
		Tombstone:   newTombstone,
	}
	if err := entry.RecomputeDigest(); err != nil {
		return nil, err
	}
	if s.wal != nil {
		if _, err := s.wal.AppendMergeRemote(key, entry); err != nil {
			return nil, err
		}
	}
	sh.entries[string(key)] = entry
	if s.index != nil {
		if err := s.index.InsertOrUpdate(key, entry.ValueDigest); err != nil {
			return nil, err
		}
	}
	if s.hotKeys != nil {
		s.hotKeys.Touch(key, entry)
	}
	return entry, nil
}

func mergeTombstones(a, b *Tombstone) *Tombstone {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.ExpiresAt > a.ExpiresAt {
		return &Tombstone{ExpiresAt: b.ExpiresAt, WriterVectorClock: a.WriterVectorClock.Merge(b.WriterVectorClock)}
	}
	return &Tombstone{ExpiresAt: a.ExpiresAt, WriterVectorClock: a.WriterVectorClock.Merge(b.WriterVectorClock)}
}

// Range collects and sorts, on every call, a slice of the entries with
// startInclusive <= key < endExclusive. endExclusive == nil means unbounded.
func (s *Store) Range(ctx context.Context, startInclusive, endExclusive []byte) []*Entry {
	var all []*Entry
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			kb := []byte(k)
			if bytes.Compare(kb, startInclusive) < 0 {
				continue
			}
			if endExclusive != nil && bytes.Compare(kb, endExclusive) >= 0 {
				continue
			}
			all = append(all, e)
		}
		sh.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i].Key, all[j].Key) < 0 })
	return all
}

// CompactTombstones physically removes tombstoned entries whose expiresAt
// has passed and whose writer VectorClock is dominated by watermark (the
// minimum observed VectorClock across currently-alive peers).
func (s *Store) CompactTombstones(now time.Time, watermark VectorClock) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.Tombstone == nil {
				continue
			}
			if now.UnixNano() <= e.Tombstone.ExpiresAt {
				continue
			}
			if !watermark.Dominates(e.Tombstone.WriterVectorClock) && !watermark.Equal(e.Tombstone.WriterVectorClock) {
				continue
			}
			delete(sh.entries, k)
			if s.index != nil {
				_ = s.index.Remove([]byte(k))
			}
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}
