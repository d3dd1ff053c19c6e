// Package merkle implements the Merkle Search Tree: a history-independent,
// ordered, hash-indexed map over keys that supports O(log n) root hashes,
// membership/absence proofs, and range proofs over [a, b).
//
// A key's level is a deterministic function of its hash, so the same set of
// (key, valueDigest) pairs always produces the same tree regardless of
// insertion order — there are no comparison-based rotations to desynchronize
// between replicas.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sort"
)

// Hash is a 32-byte cryptographic digest, domain-separated per node kind.
type Hash [32]byte

// Empty is the sentinel hash for an empty subtree, H∅.
var Empty = sha256.Sum256([]byte{tagEmpty})

const (
	tagLeaf     byte = 0x10
	tagInternal byte = 0x11
	tagEmpty    byte = 0x12
)

// levelOf returns the structural level of key: the number of leading zero
// bits of sha256(key), giving expected branching factor 2 (base B=2).
func levelOf(key []byte) int {
	sum := sha256.Sum256(key)
	level := 0
	for _, b := range sum {
		if b == 0 {
			level += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return level
			}
			level++
		}
	}
	return level
}

// Entry is one (key, valueDigest) pair carried by a node, ordered by Key.
type Entry struct {
	Key    []byte
	Digest [32]byte
}

// Node is either a Leaf (Level 0, a flat ordered list of entries) or an
// Internal node (Level > 0, separators interleaved with child subtrees,
// len(Children) == len(Separators)+1).
type Node struct {
	Level      int
	Leaf       bool
	Entries    []Entry // leaf payload, ordered by Key
	Separators []Entry // internal separators, ordered by Key
	Children   []*Node

	hash    Hash
	hashSet bool
}

// Hash returns the node's hash, computing and caching it on first use. A nil
// node (an empty subtree) hashes to Empty.
func (n *Node) Hash() Hash {
	if n == nil {
		return Empty
	}
	if n.hashSet {
		return n.hash
	}
	h := sha256.New()
	if n.Leaf {
		h.Write([]byte{tagLeaf})
		writeUvarint(h, uint64(n.Level))
		for _, e := range n.Entries {
			writeEntry(h, e)
		}
	} else {
		h.Write([]byte{tagInternal})
		writeUvarint(h, uint64(n.Level))
		for i, child := range n.Children {
			ch := child.Hash()
			h.Write(ch[:])
			if i < len(n.Separators) {
				writeEntry(h, n.Separators[i])
			}
		}
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	n.hash = out
	n.hashSet = true
	return out
}

func writeEntry(h io.Writer, e Entry) {
	writeUvarint(h, uint64(len(e.Key)))
	h.Write(e.Key)
	h.Write(e.Digest[:])
}

func writeUvarint(h io.Writer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	h.Write(buf[:n])
}

// Tree is a Merkle Search Tree over the current (key, valueDigest) set.
// Mutations rebuild the affected tree from the flat entry set — the same
// wholesale-rebuild idiom the CAS/storage layer already uses for its own
// Merkle index — trading true incremental dirty-path recomputation for a
// simpler, still history-independent implementation (see DESIGN.md).
type Tree struct {
	entries map[string][32]byte
	root    *Node
}

// NewTree builds a tree from an initial entry set (may be empty).
func NewTree(entries map[string][32]byte) *Tree {
	t := &Tree{entries: make(map[string][32]byte, len(entries))}
	for k, v := range entries {
		t.entries[k] = v
	}
	t.rebuild()
	return t
}

// Root returns the current root hash (Empty for an empty tree).
func (t *Tree) Root() Hash {
	return t.root.Hash()
}

// InsertOrUpdate sets key's valueDigest and rebuilds the tree.
func (t *Tree) InsertOrUpdate(key []byte, digest [32]byte) {
	t.entries[string(key)] = digest
	t.rebuild()
}

// Remove deletes key and rebuilds the tree. No-op if key is absent.
func (t *Tree) Remove(key []byte) {
	delete(t.entries, string(key))
	t.rebuild()
}

// ApplyBatch applies many updates with a single rebuild pass.
func (t *Tree) ApplyBatch(updates map[string][32]byte, deletes [][]byte) {
	for k, v := range updates {
		t.entries[k] = v
	}
	for _, k := range deletes {
		delete(t.entries, string(k))
	}
	t.rebuild()
}

// Get returns the stored digest for key, if present.
func (t *Tree) Get(key []byte) ([32]byte, bool) {
	d, ok := t.entries[string(key)]
	return d, ok
}

func (t *Tree) rebuild() {
	all := make([]Entry, 0, len(t.entries))
	maxLevel := 0
	for k, d := range t.entries {
		l := levelOf([]byte(k))
		if l > maxLevel {
			maxLevel = l
		}
		all = append(all, Entry{Key: []byte(k), Digest: d})
	}
	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i].Key, all[j].Key) < 0 })
	if len(all) == 0 {
		t.root = nil
		return
	}
	t.root = build(all, maxLevel)
}

// build constructs the subtree for entries (already sorted by Key, all with
// levelOf(key) <= level) rooted at the given level.
func build(entries []Entry, level int) *Node {
	if len(entries) == 0 {
		return nil
	}
	if level == 0 {
		return &Node{Level: 0, Leaf: true, Entries: entries}
	}

	var pivots []Entry
	for _, e := range entries {
		if levelOf(e.Key) == level {
			pivots = append(pivots, e)
		}
	}
	if len(pivots) == 0 {
		// No key reaches this level within range; collapse straight to the
		// next level down without an empty separator layer.
		return build(entries, level-1)
	}

	children := make([]*Node, 0, len(pivots)+1)
	lo := 0
	pi := 0
	for i, e := range entries {
		if pi < len(pivots) && bytes.Equal(e.Key, pivots[pi].Key) {
			children = append(children, build(entries[lo:i], level-1))
			lo = i + 1
			pi++
		}
	}
	children = append(children, build(entries[lo:], level-1))

	return &Node{Level: level, Leaf: false, Separators: pivots, Children: children}
}

// RangeHash is one entry of a diff summary: the hash of the subtree covering
// [Lo, Hi) (nil bounds mean open-ended).
type RangeHash struct {
	Lo, Hi []byte
	Hash   Hash
}

// DiffSummary returns the hashes of all subtrees reached by descending depth
// tree-edges from the root, together with the key range each covers.
// Comparing two peers' DiffSummary(d) localizes divergence to the ranges
// whose hashes differ.
func (t *Tree) DiffSummary(depth int) []RangeHash {
	type frame struct {
		node   *Node
		lo, hi []byte
	}
	frontier := []frame{{t.root, nil, nil}}
	for d := 0; d < depth; d++ {
		var next []frame
		progressed := false
		for _, f := range frontier {
			if f.node == nil || f.node.Leaf {
				next = append(next, f)
				continue
			}
			progressed = true
			lo := f.lo
			for i, child := range f.node.Children {
				var hi []byte
				if i < len(f.node.Separators) {
					hi = f.node.Separators[i].Key
				} else {
					hi = f.hi
				}
				next = append(next, frame{child, lo, hi})
				if i < len(f.node.Separators) {
					lo = f.node.Separators[i].Key
				}
			}
		}
		frontier = next
		if !progressed {
			break
		}
	}
	out := make([]RangeHash, 0, len(frontier))
	for _, f := range frontier {
		out = append(out, RangeHash{Lo: f.lo, Hi: f.hi, Hash: f.node.Hash()})
	}
	return out
}
