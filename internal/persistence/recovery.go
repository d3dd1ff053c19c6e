package persistence

import (
	"context"
	"fmt"

	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

// Recover brings store and tree up to date from the latest snapshot plus any
// WAL records written after it, per spec.md §4.H's recovery sequence:
// load snapshot (or start empty) → apply its entries → replay the WAL tail
// → verify the MST root, rebuilding from entries on mismatch.
func Recover(ctx context.Context, store *crdt.Store, tree *merkle.Tree, wal *WAL, snap *SnapshotWriter) error {
	manifest, entries, err := snap.LoadLatest()
	if err != nil {
		return fmt.Errorf("recover: load latest snapshot: %w", err)
	}

	var walSeq uint64
	if manifest != nil {
		for _, e := range entries {
			if _, err := store.MergeRemote(ctx, e.Key, e.Value, e.VectorClock, e.Tombstone); err != nil {
				return fmt.Errorf("recover: apply snapshot entry %q: %w", e.Key, err)
			}
			tree.InsertOrUpdate(e.Key, e.ValueDigest)
		}
		walSeq = manifest.WALSeq
	}

	records, err := wal.EnumerateSince(walSeq)
	if err != nil {
		return fmt.Errorf("recover: enumerate wal since %d: %w", walSeq, err)
	}
	for _, rec := range records {
		switch rec.Kind {
		case RecordWriteLocal, RecordMergeRemote:
			if rec.Entry == nil {
				continue
			}
			applied, err := store.MergeRemote(ctx, rec.Key, rec.Entry.Value, rec.Entry.VectorClock, rec.Entry.Tombstone)
			if err != nil {
				return fmt.Errorf("recover: replay wal record %d: %w", rec.Seq, err)
			}
			tree.InsertOrUpdate(rec.Key, applied.ValueDigest)
		case RecordMembershipDelta:
			// Membership state is rebuilt from live SWIM probing, not from
			// the WAL; the record exists for audit purposes only.
		}
	}

	if manifest != nil && tree.Root() != manifest.MSTRoot {
		rebuildFromEntries(tree, store.Range(ctx, nil, nil))
	}
	return nil
}

func rebuildFromEntries(tree *merkle.Tree, entries []*crdt.Entry) {
	updates := make(map[string][32]byte, len(entries))
	for _, e := range entries {
		updates[string(e.Key)] = e.ValueDigest
	}
	tree.ApplyBatch(updates, nil)
}
