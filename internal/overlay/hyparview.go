// Package overlay implements the HyParView bounded-degree membership overlay
// and the Plumtree epidemic broadcast layered on top of it.
package overlay

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rechain/merkleflow/internal/identity"
)

// ViewConfig names the view-size tunables from spec.md §4.F.
type ViewConfig struct {
	TargetFanout    int
	ActiveViewSize  int
	PassiveViewSize int
	ARWL            int // active random walk length for ForwardJoin
	PRWL            int // passive random walk length, used by Shuffle
	ShuffleSize     int
}

// DefaultViewConfig mirrors the defaults spec.md names.
func DefaultViewConfig() ViewConfig {
	return ViewConfig{
		TargetFanout:    5,
		ActiveViewSize:  8,
		PassiveViewSize: 64,
		ARWL:            6,
		PRWL:            3,
		ShuffleSize:     8,
	}
}

// PeerLink is the send-side contract HyParView needs from Transport/Overlay
// wiring: deliver a control message to a peer, opening a channel if needed.
type PeerLink interface {
	SendForwardJoin(ctx context.Context, to, newcomer identity.NodeId, ttl int) error
	SendNeighbor(ctx context.Context, to identity.NodeId, priority bool) error
	SendShuffle(ctx context.Context, to identity.NodeId, entries []identity.NodeId) error
	Disconnect(peer identity.NodeId) error
}

// View holds one node's active and passive HyParView membership sets.
type View struct {
	mu      sync.Mutex
	cfg     ViewConfig
	self    identity.NodeId
	active  map[identity.NodeId]struct{}
	passive map[identity.NodeId]struct{}
	link    PeerLink
	rng     *rand.Rand
}

// NewView creates an empty view for self.
func NewView(self identity.NodeId, cfg ViewConfig, link PeerLink, seed int64) *View {
	return &View{
		cfg:     cfg,
		self:    self,
		active:  make(map[identity.NodeId]struct{}),
		passive: make(map[identity.NodeId]struct{}),
		link:    link,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Active returns a snapshot of the active view.
func (v *View) Active() []identity.NodeId {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]identity.NodeId, 0, len(v.active))
	for id := range v.active {
		out = append(out, id)
	}
	return out
}

// IsActive reports whether id is currently in the active view.
func (v *View) IsActive(id identity.NodeId) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.active[id]
	return ok
}

// addActive inserts id into the active view, evicting a random existing
// member to the passive view first if at the hard cap.
func (v *View) addActive(id identity.NodeId) (evicted identity.NodeId, didEvict bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.active[id]; ok {
		return identity.NodeId{}, false
	}
	if len(v.active) >= v.cfg.ActiveViewSize {
		evicted, didEvict = v.evictRandomActiveLocked()
	}
	v.active[id] = struct{}{}
	delete(v.passive, id)
	return evicted, didEvict
}

func (v *View) evictRandomActiveLocked() (identity.NodeId, bool) {
	ids := make([]identity.NodeId, 0, len(v.active))
	for id := range v.active {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return identity.NodeId{}, false
	}
	victim := ids[v.rng.Intn(len(ids))]
	delete(v.active, victim)
	v.addPassiveLocked(victim)
	return victim, true
}

func (v *View) addPassiveLocked(id identity.NodeId) {
	if len(v.passive) >= v.cfg.PassiveViewSize {
		for existing := range v.passive {
			delete(v.passive, existing)
			break
		}
	}
	v.passive[id] = struct{}{}
}

// AddPassive inserts id into the passive view (used by Shuffle ingestion).
func (v *View) AddPassive(id identity.NodeId) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.active[id]; ok {
		return
	}
	v.addPassiveLocked(id)
}

// Join performs the newcomer side of the join protocol: add contact directly
// to the active view and send it a ForwardJoin to disseminate our presence.
func (v *View) Join(ctx context.Context, contact identity.NodeId) error {
	v.addActive(contact)
	return v.link.SendForwardJoin(ctx, contact, v.self, v.cfg.ARWL)
}

// HandleForwardJoin implements the receiving side: with probability 1/ttl
// (and always at ttl<=1) add the newcomer to our own active view (evicting
// to passive if at cap and notifying the evictee via Neighbor); otherwise
// forward with ttl-1 to a random active peer other than newcomer.
func (v *View) HandleForwardJoin(ctx context.Context, from, newcomer identity.NodeId, ttl int) error {
	if ttl <= 1 || v.rng.Intn(maxInt(ttl, 1)) == 0 {
		evicted, didEvict := v.addActive(newcomer)
		if didEvict {
			if err := v.link.SendNeighbor(ctx, evicted, false); err != nil {
				return fmt.Errorf("notify evicted peer: %w", err)
			}
		}
		return nil
	}
	next := v.randomActiveExcept(newcomer)
	if next == (identity.NodeId{}) {
		v.addActive(newcomer)
		return nil
	}
	return v.link.SendForwardJoin(ctx, next, newcomer, ttl-1)
}

func (v *View) randomActiveExcept(exclude identity.NodeId) identity.NodeId {
	v.mu.Lock()
	defer v.mu.Unlock()
	candidates := make([]identity.NodeId, 0, len(v.active))
	for id := range v.active {
		if id != exclude {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return identity.NodeId{}
	}
	return candidates[v.rng.Intn(len(candidates))]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// HandleNeighbor processes a Neighbor(priority) request: accept into active
// unconditionally if priority is high, else only while the active view is
// below its hard cap (ActiveViewSize).
func (v *View) HandleNeighbor(id identity.NodeId, priority bool) bool {
	v.mu.Lock()
	atCap := len(v.active) >= v.cfg.ActiveViewSize
	belowTarget := len(v.active) < v.cfg.TargetFanout
	v.mu.Unlock()
	if priority || belowTarget || !atCap {
		v.addActive(id)
		return true
	}
	return false
}

// ReportDead removes a Confirm-status peer from the active view and
// attempts to promote a passive peer in its place (failure repair).
func (v *View) ReportDead(ctx context.Context, dead identity.NodeId) error {
	v.mu.Lock()
	delete(v.active, dead)
	var candidate identity.NodeId
	found := false
	for id := range v.passive {
		candidate = id
		found = true
		break
	}
	if found {
		delete(v.passive, candidate)
	}
	v.mu.Unlock()

	if !found {
		return nil
	}
	v.addActive(candidate)
	return v.link.SendNeighbor(ctx, candidate, true)
}

// Shuffle exchanges ShuffleSize random entries (mixing active and passive)
// with a random acquaintance.
func (v *View) Shuffle(ctx context.Context) error {
	v.mu.Lock()
	var pool []identity.NodeId
	for id := range v.active {
		pool = append(pool, id)
	}
	for id := range v.passive {
		pool = append(pool, id)
	}
	if len(pool) == 0 {
		v.mu.Unlock()
		return nil
	}
	target := pool[v.rng.Intn(len(pool))]
	n := v.cfg.ShuffleSize
	if n > len(pool) {
		n = len(pool)
	}
	v.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	entries := append([]identity.NodeId(nil), pool[:n]...)
	v.mu.Unlock()

	return v.link.SendShuffle(ctx, target, entries)
}

// HandleShuffleReply merges fresh entries into the passive view, replacing
// stale ones when at capacity.
func (v *View) HandleShuffleReply(entries []identity.NodeId) {
	for _, id := range entries {
		if id == v.self {
			continue
		}
		v.AddPassive(id)
	}
}
