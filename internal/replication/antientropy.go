package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/security"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

// ErrBusy is returned by a Responder that is over its inbound session
// budget; the initiator must back off and try another peer.
var ErrBusy = errors.New("replication: responder busy")

// ErrProofInvalid means a Proof round failed verification against the
// subtree hash the responder itself advertised earlier in the session —
// the session aborts immediately with no partial merge.
var ErrProofInvalid = errors.New("replication: range proof failed verification")

// AESummary opens a session: the initiator's root and a first-level
// subtree sketch, scoped to an optional namespace prefix filter. Depth
// carries the BFS descent depth the initiator used to produce Subtree, so
// the responder computes its own hashes over the identical boundary set —
// DiffSummary's output length is branching-factor-dependent, not equal to
// the depth, so it cannot be inferred back from len(Subtree).
type AESummary struct {
	Epoch          uint64             `json:"epoch"`
	RootHash       merkle.Hash        `json:"root_hash"`
	Depth          int                `json:"depth"`
	Subtree        []merkle.RangeHash `json:"subtree"`
	NamespacePrefix []byte            `json:"namespace_prefix,omitempty"`
}

// AEChildHashes answers a Summary (or a deeper Request) with the responder's
// hashes for the same ranges, so the initiator can localize divergence.
type AEChildHashes struct {
	Ranges []merkle.RangeHash `json:"ranges"`
}

// AERequest asks the responder to descend into specific ranges, carrying
// the initiator's own hash for each as a cross-check.
type AERequest struct {
	Ranges []merkle.RangeHash `json:"ranges"`
}

// AEProof carries one verifiable range proof per requested range plus the
// full entries (CRDT payloads, not just MST digests) needed to merge.
type AEProof struct {
	Proofs  []*merkle.Proof `json:"proofs"`
	Entries []WireEntry     `json:"entries"`
}

// WireEntry is the CRDT-level payload that travels alongside a range proof,
// since the MST itself only carries key->digest pairs.
type WireEntry struct {
	Key         []byte            `json:"key"`
	Kind        crdt.ValueKind    `json:"kind"`
	RawValue    []byte            `json:"raw_value"`
	VectorClock crdt.VectorClock  `json:"vector_clock"`
	Tombstone   *crdt.Tombstone   `json:"tombstone,omitempty"`
}

// AETwoWayDelta carries entries the initiator holds that the responder's
// requested ranges didn't cover; the responder merges them unconditionally
// via the same idempotent path, without re-verifying a proof.
type AETwoWayDelta struct {
	Entries []WireEntry `json:"entries"`
}

// AECommit closes a session, optionally advertising a new snapshot epoch and
// convergence watermark for compaction.
type AECommit struct {
	SnapshotEpoch      uint64            `json:"snapshot_epoch"`
	ConvergenceWatermark crdt.VectorClock `json:"convergence_watermark"`
}

// Peer is the synchronous request/response contract an anti-entropy
// initiator drives against one responder — a thin RPC-shaped facade over
// Transport, mirroring the teacher's request/reply message pairing but
// typed per round instead of a single catch-all Message.
type Peer interface {
	ID() identity.NodeId
	ChildHashes(ctx context.Context, summary AESummary) (AEChildHashes, error)
	Descend(ctx context.Context, req AERequest) (AEProof, error)
	TwoWayDelta(ctx context.Context, delta AETwoWayDelta) error
	Commit(ctx context.Context, commit AECommit) error
}

// PeerDemoter is the narrow slice of overlay.View this component needs: drop
// a peer from the active view once it has accumulated too many proof
// failures. Satisfied by *overlay.View.
type PeerDemoter interface {
	ReportDead(ctx context.Context, dead identity.NodeId) error
}

// Responder answers the peer-facing calls against this node's own Store and
// Tree; it is what a transport-level RPC handler ultimately delegates to.
type Responder struct {
	store *crdt.Store
	tree  *merkle.Tree

	mu           sync.Mutex
	inFlight     int
	maxInFlight  int
	watermark    crdt.VectorClock
}

// NewResponder wires a Responder over store/tree with a concurrent-session cap.
func NewResponder(store *crdt.Store, tree *merkle.Tree, maxInFlight int) *Responder {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	return &Responder{store: store, tree: tree, maxInFlight: maxInFlight, watermark: crdt.VectorClock{}}
}

func (r *Responder) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight >= r.maxInFlight {
		return false
	}
	r.inFlight++
	return true
}

func (r *Responder) release() {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

// ChildHashes returns this responder's own DiffSummary at the same depth the
// initiator used, restricted to the namespace filter.
func (r *Responder) ChildHashes(ctx context.Context, summary AESummary) (AEChildHashes, error) {
	if !r.acquire() {
		return AEChildHashes{}, ErrBusy
	}
	defer r.release()

	depth := summary.Depth
	if depth <= 0 {
		depth = 1
	}
	all := r.tree.DiffSummary(depth)
	filtered := make([]merkle.RangeHash, 0, len(all))
	for _, rh := range all {
		if inNamespace(rh.Lo, summary.NamespacePrefix) || summary.NamespacePrefix == nil {
			filtered = append(filtered, rh)
			continue
		}
		filtered = append(filtered, merkle.RangeHash{Lo: rh.Lo, Hi: rh.Hi, Hash: skippedHash})
	}
	return AEChildHashes{Ranges: filtered}, nil
}

var skippedHash merkle.Hash // zero hash stands for "outside namespace filter, trust locally"

func inNamespace(key, prefix []byte) bool {
	if prefix == nil {
		return true
	}
	return bytes.HasPrefix(key, prefix)
}

// Descend answers an AERequest with range proofs and the full CRDT entries
// covering each requested range.
func (r *Responder) Descend(ctx context.Context, req AERequest) (AEProof, error) {
	if !r.acquire() {
		return AEProof{}, ErrBusy
	}
	defer r.release()

	var proofs []*merkle.Proof
	var wireEntries []WireEntry
	for _, rng := range req.Ranges {
		proof := r.tree.RangeProof(rng.Lo, rng.Hi)
		proofs = append(proofs, proof)
		for _, e := range r.store.Range(ctx, rng.Lo, rng.Hi) {
			wireEntries = append(wireEntries, toWireEntry(e))
		}
	}
	return AEProof{Proofs: proofs, Entries: wireEntries}, nil
}

// TwoWayDelta merges entries the initiator held that this responder's
// requested ranges never covered, unconditionally via the idempotent merge
// path — no proof accompanies this direction per spec.
func (r *Responder) TwoWayDelta(ctx context.Context, delta AETwoWayDelta) error {
	for _, we := range delta.Entries {
		if err := mergeWireEntry(ctx, r.store, we); err != nil {
			return err
		}
	}
	return nil
}

// Commit records the peer's advertised convergence watermark so compaction
// can eventually reclaim tombstones this peer has also observed.
func (r *Responder) Commit(ctx context.Context, commit AECommit) error {
	r.mu.Lock()
	r.watermark = r.watermark.Merge(commit.ConvergenceWatermark)
	r.mu.Unlock()
	return nil
}

// Watermark returns the merged convergence watermark observed across
// committed sessions, for the persistence layer's compaction pass.
func (r *Responder) Watermark() crdt.VectorClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark.Clone()
}

func toWireEntry(e *crdt.Entry) WireEntry {
	return WireEntry{
		Key:         e.Key,
		Kind:        e.ValueKind,
		RawValue:    e.RawValue,
		VectorClock: e.VectorClock,
		Tombstone:   e.Tombstone,
	}
}

func mergeWireEntry(ctx context.Context, store *crdt.Store, we WireEntry) error {
	value, err := crdt.UnmarshalValue(we.Kind, we.RawValue)
	if err != nil {
		return fmt.Errorf("anti-entropy: decode entry for %q: %w", we.Key, err)
	}
	_, err = store.MergeRemote(ctx, we.Key, value, we.VectorClock, we.Tombstone)
	return err
}

// Initiator drives pull-initiated anti-entropy sessions against peers
// chosen by the caller; the session itself never learns about peer
// selection or scheduling, only the Peer it was handed.
type Initiator struct {
	store *crdt.Store
	tree  *merkle.Tree
	nodeID string
	epoch  uint64

	summaryDepth int

	mu              sync.Mutex
	strikes         map[identity.NodeId]int
	strikeThreshold int
	audit           *security.AuditLogger
	demoter         PeerDemoter
}

// NewInitiator wires an Initiator over store/tree. audit and demoter may be
// nil (no strike accounting, matching prior behavior); when both are set,
// a proof verification failure against a peer records a strike, and the
// peer is passed to demoter.ReportDead once strikeThreshold is reached.
// *overlay.View's ReportDead drops it from the active view and does not add
// it to the passive view.
func NewInitiator(nodeID string, store *crdt.Store, tree *merkle.Tree, summaryDepth int, audit *security.AuditLogger, demoter PeerDemoter, strikeThreshold int) *Initiator {
	if summaryDepth <= 0 {
		summaryDepth = 2
	}
	if strikeThreshold <= 0 {
		strikeThreshold = 3
	}
	return &Initiator{
		store:           store,
		tree:            tree,
		nodeID:          nodeID,
		summaryDepth:    summaryDepth,
		strikes:         make(map[identity.NodeId]int),
		strikeThreshold: strikeThreshold,
		audit:           audit,
		demoter:         demoter,
	}
}

// strike records an anti-entropy proof-verification failure against peer,
// logging it and calling demoter.ReportDead once strikeThreshold
// consecutive-session failures accumulate. With *overlay.View as demoter
// the peer leaves the active view and is not placed in the passive view.
func (i *Initiator) strike(ctx context.Context, peer identity.NodeId, reason error) {
	i.mu.Lock()
	i.strikes[peer]++
	count := i.strikes[peer]
	demote := count >= i.strikeThreshold
	if demote {
		i.strikes[peer] = 0
	}
	i.mu.Unlock()

	if i.audit != nil {
		i.audit.LogPeerAction(peer, "anti_entropy_proof_reject", fmt.Sprintf("strike=%d/%d err=%v", count, i.strikeThreshold, reason))
	}
	if demote && i.demoter != nil {
		if err := i.demoter.ReportDead(ctx, peer); err != nil {
			log.Printf("anti-entropy: demote %s after %d strikes: %v", peer, count, err)
		} else if i.audit != nil {
			i.audit.LogSecurityEvent("peer_demoted", fmt.Sprintf("peer=%s strikes=%d", peer, count))
		}
	}
}

// clearStrikes resets a peer's strike count after a session that completed
// without a proof failure.
func (i *Initiator) clearStrikes(peer identity.NodeId) {
	i.mu.Lock()
	delete(i.strikes, peer)
	i.mu.Unlock()
}

// Run executes one full anti-entropy session against peer, restricted to
// namespacePrefix (nil for the whole keyspace). It returns the number of
// entries merged, or an error if the peer refused or a proof failed to
// verify (in which case nothing was applied).
func (i *Initiator) Run(ctx context.Context, peer Peer, namespacePrefix []byte) (int, error) {
	summary := AESummary{
		Epoch:           i.epoch,
		RootHash:        i.tree.Root(),
		Depth:           i.summaryDepth,
		Subtree:         i.tree.DiffSummary(i.summaryDepth),
		NamespacePrefix: namespacePrefix,
	}

	remote, err := peer.ChildHashes(ctx, summary)
	if err != nil {
		return 0, err
	}

	diverging := diffRanges(summary.Subtree, remote.Ranges)
	if len(diverging) == 0 {
		_ = peer.Commit(ctx, i.commitMessage())
		return 0, nil
	}

	proof, err := peer.Descend(ctx, AERequest{Ranges: diverging})
	if err != nil {
		return 0, err
	}

	merged := 0
	for idx, rng := range diverging {
		if idx >= len(proof.Proofs) {
			break
		}
		if _, ok := merkle.VerifyRangeProof(proof.Proofs[idx], rng.Hash); !ok {
			err := fmt.Errorf("%w: range [%x,%x)", ErrProofInvalid, rng.Lo, rng.Hi)
			i.strike(ctx, peer.ID(), err)
			return 0, err
		}
	}

	for _, we := range proof.Entries {
		if err := mergeWireEntry(ctx, i.store, we); err != nil {
			return merged, err
		}
		merged++
	}

	if delta := i.twoWayRepair(diverging, proof.Entries); len(delta.Entries) > 0 {
		_ = peer.TwoWayDelta(ctx, delta)
	}

	_ = peer.Commit(ctx, i.commitMessage())
	i.clearStrikes(peer.ID())
	return merged, nil
}

// twoWayRepair finds entries this node holds within the diverging ranges
// that the responder's proof never mentioned, so the responder can catch up
// too.
func (i *Initiator) twoWayRepair(diverging []merkle.RangeHash, responderEntries []WireEntry) AETwoWayDelta {
	known := make(map[string]struct{}, len(responderEntries))
	for _, we := range responderEntries {
		known[string(we.Key)] = struct{}{}
	}
	var out AETwoWayDelta
	for _, rng := range diverging {
		for _, e := range i.store.Range(context.Background(), rng.Lo, rng.Hi) {
			if _, ok := known[string(e.Key)]; ok {
				continue
			}
			out.Entries = append(out.Entries, toWireEntry(e))
		}
	}
	return out
}

func (i *Initiator) commitMessage() AECommit {
	return AECommit{SnapshotEpoch: i.epoch, ConvergenceWatermark: crdt.VectorClock{}}
}

// diffRanges returns the subset of local ranges whose hash disagrees with
// the responder's hash for the same [Lo,Hi) bounds.
func diffRanges(local, remote []merkle.RangeHash) []merkle.RangeHash {
	remoteByRange := make(map[string]merkle.Hash, len(remote))
	for _, rh := range remote {
		remoteByRange[rangeKey(rh.Lo, rh.Hi)] = rh.Hash
	}
	var out []merkle.RangeHash
	for _, rh := range local {
		rHash, ok := remoteByRange[rangeKey(rh.Lo, rh.Hi)]
		if !ok || rHash != rh.Hash {
			out = append(out, rh)
		}
	}
	return out
}

func rangeKey(lo, hi []byte) string {
	return string(lo) + "\x00" + string(hi)
}

// Scheduler runs anti-entropy on a jittered interval against peers selected
// by pickPeer, capping concurrent outbound sessions at maxSessions.
type Scheduler struct {
	initiator   *Initiator
	pickPeer    func() (Peer, bool)
	interval    time.Duration
	jitter      time.Duration
	maxSessions int

	quit chan struct{}
	done chan struct{}
}

// NewScheduler wires a Scheduler that drives initiator on a jittered
// interval against peers returned by pickPeer.
func NewScheduler(initiator *Initiator, pickPeer func() (Peer, bool), interval, jitter time.Duration, maxSessions int) *Scheduler {
	if maxSessions <= 0 {
		maxSessions = 4
	}
	return &Scheduler{
		initiator:   initiator,
		pickPeer:    pickPeer,
		interval:    interval,
		jitter:      jitter,
		maxSessions: maxSessions,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run drives the scheduling loop until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	sem := make(chan struct{}, s.maxSessions)
	for {
		wait := s.interval
		if s.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-time.After(wait):
		}

		peer, ok := s.pickPeer()
		if !ok {
			continue
		}
		select {
		case sem <- struct{}{}:
			go func() {
				defer func() { <-sem }()
				if _, err := s.initiator.Run(ctx, peer, nil); err != nil && !errors.Is(err, ErrBusy) {
					log.Printf("anti-entropy: session with %s: %v", peer.ID(), err)
				}
			}()
		default:
			// at the session cap; this tick's pick is dropped, next tick retries
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.quit)
	<-s.done
}
