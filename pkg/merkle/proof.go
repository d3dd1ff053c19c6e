package merkle

import "bytes"

// ProofNode is the tree-shaped witness returned by RangeProof: a pruned copy
// of the MST where subtrees entirely outside the requested range are
// collapsed to an opaque hash, and every node whose hash contributes to the
// reconstruction (leaves and separators) carries the data needed to
// recompute it.
type ProofNode struct {
	Level   int
	Leaf    bool
	Witness *Hash // set when this subtree was collapsed to an opaque hash

	Entries    []Entry // full leaf payload, only when Leaf && Witness == nil
	Separators []Entry // full separator list, only when !Leaf && Witness == nil
	Children   []*ProofNode
}

// Proof is a range proof for [Lo, Hi): the entries in range plus the witness
// tree needed to reconstruct RootHash without the rest of the dataset.
type Proof struct {
	RootHash Hash
	Lo, Hi   []byte
	Root     *ProofNode
}

// intersects reports whether the half-open range [lo,hi) (nil = open end)
// overlaps [a,b).
func intersects(lo, hi, a, b []byte) bool {
	if hi != nil && bytes.Compare(hi, a) <= 0 {
		return false
	}
	if b != nil && lo != nil && bytes.Compare(lo, b) >= 0 {
		return false
	}
	return true
}

// RangeProof returns a proof that the tree's content in [a, b) is exactly
// the set of entries enumerated in the result, verifiable against Root().
func (t *Tree) RangeProof(a, b []byte) *Proof {
	root := proveNode(t.root, nil, nil, a, b)
	return &Proof{RootHash: t.root.Hash(), Lo: a, Hi: b, Root: root}
}

func proveNode(n *Node, lo, hi, a, b []byte) *ProofNode {
	h := n.Hash()
	if n == nil || !intersects(lo, hi, a, b) {
		return &ProofNode{Witness: &h}
	}
	if n.Leaf {
		return &ProofNode{Level: n.Level, Leaf: true, Entries: n.Entries}
	}
	children := make([]*ProofNode, len(n.Children))
	childLo := lo
	for i, child := range n.Children {
		var childHi []byte
		if i < len(n.Separators) {
			childHi = n.Separators[i].Key
		} else {
			childHi = hi
		}
		children[i] = proveNode(child, childLo, childHi, a, b)
		if i < len(n.Separators) {
			childLo = n.Separators[i].Key
		}
	}
	return &ProofNode{Level: n.Level, Leaf: false, Separators: n.Separators, Children: children}
}

// Entries returns the (key, valueDigest) pairs the proof enumerates within
// [Lo, Hi), extracted from the unwitnessed portion of the witness tree.
func (p *Proof) Entries() []Entry {
	var out []Entry
	collectEntries(p.Root, p.Lo, p.Hi, &out)
	return out
}

func collectEntries(n *ProofNode, a, b []byte, out *[]Entry) {
	if n == nil || n.Witness != nil {
		return
	}
	if n.Leaf {
		for _, e := range n.Entries {
			if inRange(e.Key, a, b) {
				*out = append(*out, e)
			}
		}
		return
	}
	for _, e := range n.Separators {
		if inRange(e.Key, a, b) {
			*out = append(*out, e)
		}
	}
	for _, c := range n.Children {
		collectEntries(c, a, b, out)
	}
}

func inRange(key, a, b []byte) bool {
	if a != nil && bytes.Compare(key, a) < 0 {
		return false
	}
	if b != nil && bytes.Compare(key, b) >= 0 {
		return false
	}
	return true
}

// recomputeHash walks the witness tree bottom-up, recomputing node hashes
// exactly as Node.Hash does, so a verifier never has to trust the prover's
// stated hash for an unwitnessed node.
func recomputeHash(n *ProofNode) Hash {
	if n == nil {
		return Empty
	}
	if n.Witness != nil {
		return *n.Witness
	}
	if n.Leaf {
		leaf := &Node{Level: n.Level, Leaf: true, Entries: n.Entries}
		return leaf.Hash()
	}
	children := make([]*Node, len(n.Children))
	for i, c := range n.Children {
		children[i] = witnessStub{hash: recomputeHash(c)}.asNode()
	}
	internal := &Node{Level: n.Level, Leaf: false, Separators: n.Separators, Children: children}
	return internal.Hash()
}

// witnessStub lets recomputeHash plug an already-known child hash into a
// Node without re-deriving it, by pre-seeding the cache.
type witnessStub struct{ hash Hash }

func (w witnessStub) asNode() *Node {
	return &Node{hash: w.hash, hashSet: true}
}

// VerifyRangeProof reconstructs rootHash from proof and checks it matches,
// then returns the proof's enumerated entries. A mismatch means the
// responder is lying or desynchronized (spec.md §4.D); callers must not
// apply entries from a proof that fails verification.
func VerifyRangeProof(proof *Proof, rootHash Hash) ([]Entry, bool) {
	got := recomputeHash(proof.Root)
	if got != rootHash || got != proof.RootHash {
		return nil, false
	}
	return proof.Entries(), true
}
