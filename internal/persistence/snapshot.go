package persistence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

// DefaultChunkSize matches the teacher CAS layer's default chunk size.
const DefaultChunkSize = 4 << 20 // 4 MiB

// SnapshotManifest is the durable record of one compacted snapshot: the MST
// root and a content-addressed fingerprint over the entry set, enough to
// detect divergence between the snapshot and a freshly rebuilt tree on
// recovery (spec.md §4.H).
type SnapshotManifest struct {
	Epoch             uint64
	MSTRoot           merkle.Hash
	ValuesFingerprint [32]byte
	CreatedAt         int64
	Chunks            []string // sha256 hex CIDs, in order
	WALSeq            uint64
}

func manifestKey(epoch uint64) []byte {
	return []byte(fmt.Sprintf("snapshot/manifest/%020d", epoch))
}

func chunkKey(cid string) []byte {
	return []byte("snapshot/chunk/" + cid)
}

// SnapshotWriter chunks the current entry set content-addressably and writes
// a manifest pointing at the chunks, adapting internal/cas/cas.go's
// CID/chunking/Merkle-root-over-chunks algorithm to badger instead of MinIO.
type SnapshotWriter struct {
	db        *badger.DB
	chunkSize int
}

// NewSnapshotWriter returns a writer with chunkSize bytes per chunk
// (DefaultChunkSize if chunkSize <= 0).
func NewSnapshotWriter(db *badger.DB, chunkSize int) *SnapshotWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &SnapshotWriter{db: db, chunkSize: chunkSize}
}

// WriteSnapshot serializes entries in key order, chunks the serialized
// stream, stores each chunk content-addressably, and writes a manifest under
// epoch. The manifest is written last so a crash mid-write leaves no manifest
// pointing at missing chunks.
func (s *SnapshotWriter) WriteSnapshot(epoch uint64, entries []*crdt.Entry, mstRoot merkle.Hash, walSeq uint64, createdAt int64) (*SnapshotManifest, error) {
	sorted := append([]*crdt.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0 })

	body, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal entries: %w", err)
	}

	var cids []string
	var chunkHashes [][32]byte
	for off := 0; off < len(body); off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		sum := sha256.Sum256(chunk)
		cid := hex.EncodeToString(sum[:])
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(chunkKey(cid), chunk)
		}); err != nil {
			return nil, fmt.Errorf("snapshot: store chunk %s: %w", cid, err)
		}
		cids = append(cids, cid)
		chunkHashes = append(chunkHashes, sum)
	}
	if len(body) == 0 {
		sum := sha256.Sum256(nil)
		cid := hex.EncodeToString(sum[:])
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(chunkKey(cid), body)
		}); err != nil {
			return nil, fmt.Errorf("snapshot: store empty chunk: %w", err)
		}
		cids = []string{cid}
		chunkHashes = [][32]byte{sum}
	}

	manifest := &SnapshotManifest{
		Epoch:             epoch,
		MSTRoot:           mstRoot,
		ValuesFingerprint: computeMerkleRoot(chunkHashes),
		CreatedAt:         createdAt,
		Chunks:            cids,
		WALSeq:            walSeq,
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal manifest: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey(epoch), payload)
	}); err != nil {
		return nil, fmt.Errorf("snapshot: store manifest epoch %d: %w", epoch, err)
	}
	return manifest, nil
}

// computeMerkleRoot pairwise-combines chunk hashes up to a single root,
// exactly as internal/cas/cas.go's computeMerkleRoot does.
func computeMerkleRoot(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return sha256.Sum256(nil)
	}
	level := hashes
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				combined := append(append([]byte(nil), level[i][:]...), level[i+1][:]...)
				next = append(next, sha256.Sum256(combined))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// ListSnapshots returns all known snapshot epochs in ascending order.
func (s *SnapshotWriter) ListSnapshots() ([]uint64, error) {
	var epochs []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("snapshot/manifest/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var m SnapshotManifest
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			epochs = append(epochs, m.Epoch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return epochs, nil
}

// LoadSnapshot reads manifest epoch and reassembles its entries, verifying
// the chunk set against ValuesFingerprint.
func (s *SnapshotWriter) LoadSnapshot(epoch uint64) (*SnapshotManifest, []*crdt.Entry, error) {
	var manifest SnapshotManifest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(epoch))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &manifest)
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: load manifest epoch %d: %w", epoch, err)
	}

	var body []byte
	var chunkHashes [][32]byte
	for _, cid := range manifest.Chunks {
		var chunk []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(chunkKey(cid))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				chunk = append([]byte(nil), val...)
				return nil
			})
		})
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: load chunk %s: %w", cid, err)
		}
		sum := sha256.Sum256(chunk)
		if hex.EncodeToString(sum[:]) != cid {
			return nil, nil, fmt.Errorf("%w: snapshot chunk %s content mismatch", ErrIntegrity, cid)
		}
		chunkHashes = append(chunkHashes, sum)
		body = append(body, chunk...)
	}
	if computeMerkleRoot(chunkHashes) != manifest.ValuesFingerprint {
		return nil, nil, fmt.Errorf("%w: snapshot epoch %d fingerprint mismatch", ErrIntegrity, epoch)
	}

	var entries []*crdt.Entry
	if len(body) > 0 {
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, nil, fmt.Errorf("snapshot: decode entries epoch %d: %w", epoch, err)
		}
	}
	return &manifest, entries, nil
}

// LoadLatest returns the highest-epoch snapshot, or (nil, nil, nil) if none
// exist yet.
func (s *SnapshotWriter) LoadLatest() (*SnapshotManifest, []*crdt.Entry, error) {
	epochs, err := s.ListSnapshots()
	if err != nil {
		return nil, nil, err
	}
	if len(epochs) == 0 {
		return nil, nil, nil
	}
	latest := epochs[0]
	for _, e := range epochs[1:] {
		if e > latest {
			latest = e
		}
	}
	return s.LoadSnapshot(latest)
}
