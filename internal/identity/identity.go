// Package identity implements the Identity & Peer Table component: a stable
// node identifier derived from a long-term keypair, and the address book of
// known peers with their liveness state.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// NodeId is an opaque 32-byte identifier derived from the node's long-term
// public key, totally ordered by byte comparison.
type NodeId [32]byte

// String renders the id as hex for logging.
func (id NodeId) String() string { return hex.EncodeToString(id[:]) }

// ParseNodeId decodes the hex form String produces, e.g. a bootstrap peer
// listed as "nodeidhex@multiaddr" in configuration.
func ParseNodeId(s string) (NodeId, error) {
	var id NodeId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: parse node id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("identity: node id %q must decode to %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Less implements the byte-comparison total order used as a tie-breaker in
// LWW merges and view selection.
func (id NodeId) Less(other NodeId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// KeyPair holds the node's long-term signing key and derived NodeId.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	NodeId  NodeId
}

// GenerateKeyPair creates a new secp256k1 keypair, generalizing the P-256
// devp2p key the teacher generated in gcl/p2p.go to the curve
// go-ethereum/crypto already exercises elsewhere; internal/security's Signer
// signs with the same key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return keyPairFrom(priv), nil
}

func keyPairFrom(priv *ecdsa.PrivateKey) *KeyPair {
	pub := crypto.FromECDSAPub(&priv.PublicKey)
	digest := crypto.Keccak256(pub)
	var id NodeId
	copy(id[:], digest)
	return &KeyPair{Private: priv, NodeId: id}
}

// MarshalKeyPair encodes the private key as raw bytes for storage on disk;
// NodeId is re-derived on load rather than carried in the encoding.
func MarshalKeyPair(kp *KeyPair) ([]byte, error) {
	return crypto.FromECDSA(kp.Private), nil
}

// LoadKeyPair decodes a private key previously written by MarshalKeyPair.
func LoadKeyPair(data []byte) (*KeyPair, error) {
	priv, err := crypto.ToECDSA(data)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	return keyPairFrom(priv), nil
}

// Status is a Member's membership state per the SWIM state machine.
type Status int

const (
	Alive Status = iota
	Suspect
	Confirm
	Left
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Confirm:
		return "confirm"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// precedence ranks statuses at equal incarnation: Confirm > Suspect > Alive > Left.
func (s Status) precedence() int {
	switch s {
	case Confirm:
		return 3
	case Suspect:
		return 2
	case Alive:
		return 1
	case Left:
		return 0
	default:
		return -1
	}
}

// Member is one entry in the peer table.
type Member struct {
	NodeId         NodeId
	Addresses      []string
	Incarnation    uint64
	Status         Status
	LastStatusAt   int64 // unix nanos
	LocalHealth    int   // only meaningful for the self member
}

// Supersedes reports whether candidate should replace existing as the
// authoritative record for the same NodeId, per the invariant: a higher
// incarnation always wins regardless of status; at equal incarnation,
// Confirm > Suspect > Alive > Left; Left at incarnation i is superseded by
// Alive at incarnation i+1 from the same node.
func (existing Member) Supersedes(candidate Member) bool {
	if candidate.Incarnation != existing.Incarnation {
		return candidate.Incarnation > existing.Incarnation
	}
	return candidate.Status.precedence() >= existing.Status.precedence()
}

// PeerTable is the address book: single-writer (Membership Engine),
// multi-reader (Overlay, Replication). Upsert updates the map in place under
// mu; readers receive copies of the records, not a published snapshot, and
// no copy-on-write swap takes place.
type PeerTable struct {
	mu      sync.RWMutex
	members map[NodeId]Member
	rng     *seededRand
}

// NewPeerTable creates an empty table. seed == 0 draws entropy from the OS;
// a nonzero seed makes peer selection deterministic for simulation.
func NewPeerTable(seed int64) *PeerTable {
	return &PeerTable{
		members: make(map[NodeId]Member),
		rng:     newSeededRand(seed),
	}
}

// Lookup returns the current record for id, if known.
func (t *PeerTable) Lookup(id NodeId) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	return m, ok
}

// Upsert applies candidate if it supersedes the existing record (or if there
// is none), returning whether the table changed.
func (t *PeerTable) Upsert(candidate Member) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.members[candidate.NodeId]
	if ok && !existing.Supersedes(candidate) {
		return false
	}
	t.members[candidate.NodeId] = candidate
	return true
}

// AllAlive returns a snapshot of every member currently in Alive status.
func (t *PeerTable) AllAlive() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		if m.Status == Alive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId.Less(out[j].NodeId) })
	return out
}

// PickRandom returns up to k members from AllAlive() satisfying filter,
// drawn without replacement using the table's seeded generator.
func (t *PeerTable) PickRandom(filter func(Member) bool, k int) []Member {
	candidates := t.AllAlive()
	pool := candidates[:0:0]
	for _, m := range candidates {
		if filter == nil || filter(m) {
			pool = append(pool, m)
		}
	}
	t.mu.Lock()
	t.rng.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	t.mu.Unlock()
	if k > len(pool) {
		k = len(pool)
	}
	return pool[:k]
}

// All returns a snapshot of every known member regardless of status.
func (t *PeerTable) All() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId.Less(out[j].NodeId) })
	return out
}

// seededRand is a tiny xorshift64 generator so PeerTable selection can run
// deterministically in tests without pulling in math/rand's global lock.
type seededRand struct{ state uint64 }

func newSeededRand(seed int64) *seededRand {
	if seed == 0 {
		var b [8]byte
		_, _ = rand.Read(b[:])
		seed = int64(b[0])<<56 | int64(b[1])<<48 | int64(b[2])<<40 | int64(b[3])<<32 |
			int64(b[4])<<24 | int64(b[5])<<16 | int64(b[6])<<8 | int64(b[7])
	}
	if seed == 0 {
		seed = 0x9E3779B97F4A7C15
	}
	return &seededRand{state: uint64(seed)}
}

func (r *seededRand) next() uint64 {
	r.state ^= r.state << 13
	r.state ^= r.state >> 7
	r.state ^= r.state << 17
	return r.state
}

func (r *seededRand) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

func (r *seededRand) shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := r.intn(i + 1)
		swap(i, j)
	}
}
