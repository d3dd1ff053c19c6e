// Package membership implements the Membership Engine: SWIM failure
// detection with Lifeguard local-health-aware timer scaling and
// incarnation-based refutation.
package membership

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rechain/merkleflow/internal/identity"
)

// ErrProbeFailed is returned by a Pinger when neither a direct nor an
// indirect ack arrived within the configured timeouts.
var ErrProbeFailed = errors.New("membership: probe failed")

// Pinger is the probing half of the Transport contract this component
// consumes: direct and indirect pings to a target NodeId.
type Pinger interface {
	Ping(ctx context.Context, target identity.NodeId) error
	IndirectPing(ctx context.Context, via, target identity.NodeId) error
}

// Disseminator pushes an urgent membership change (a self-refutation) to
// peers immediately, rather than waiting for the next piggyback
// opportunity on a probe message.
type Disseminator interface {
	DisseminateMember(m identity.Member)
}

// Config holds the tunables named throughout spec.md §4.E.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	IndirectK     int
	IndirectTimeout time.Duration
	SuspicionBase time.Duration
	Hmax          int32
	PiggybackBudget int
}

// DefaultConfig mirrors the magnitudes spec.md suggests (seconds-scale
// probing, small indirect fanout).
func DefaultConfig() Config {
	return Config{
		ProbeInterval:   1 * time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		IndirectK:       3,
		IndirectTimeout: 500 * time.Millisecond,
		SuspicionBase:   3 * time.Second,
		Hmax:            8,
		PiggybackBudget: 6,
	}
}

// Engine runs the probe/suspect/refute state machine as its own task, per
// the cyclic-reference design note: it communicates with Overlay and
// Replication only through the PeerTable snapshot and the Pinger interface,
// never shared mutable handles.
type Engine struct {
	self   identity.NodeId
	table  *identity.PeerTable
	pinger Pinger
	cfg    Config

	incarnation uint64 // atomic
	health      int32  // atomic, Lifeguard localHealthScore in [0, Hmax]

	mu           sync.Mutex
	probeOrder   []identity.NodeId
	probeIdx     int
	suspectTimer map[identity.NodeId]*time.Timer
	shuffleState uint64
	pending      []identity.Member // recent local status changes awaiting piggyback

	disseminator Disseminator

	quit chan struct{}
	done chan struct{}
}

// NewEngine creates an Engine for self, backed by table and pinger.
func NewEngine(self identity.NodeId, table *identity.PeerTable, pinger Pinger, cfg Config) *Engine {
	return &Engine{
		self:         self,
		table:        table,
		pinger:       pinger,
		cfg:          cfg,
		incarnation:  1,
		suspectTimer: make(map[identity.NodeId]*time.Timer),
		shuffleState: 0x2545F4914F6CDD1D,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetDisseminator attaches the component that broadcasts an urgent
// self-refutation (a new Alive incarnation) to peers. Constructed after
// NewEngine to avoid a cyclic reference between the Engine and the
// transport-facing Router that implements Disseminator.
func (e *Engine) SetDisseminator(d Disseminator) { e.disseminator = d }

// PiggybackBudget returns how many pending member updates a caller should
// attach to one outbound probe or ack.
func (e *Engine) PiggybackBudget() int { return e.cfg.PiggybackBudget }

// Incarnation returns this node's current incarnation.
func (e *Engine) Incarnation() uint64 { return atomic.LoadUint64(&e.incarnation) }

// HealthScore returns the current Lifeguard localHealthScore.
func (e *Engine) HealthScore() int32 { return atomic.LoadInt32(&e.health) }

func (e *Engine) adjustHealth(delta int32) {
	for {
		old := atomic.LoadInt32(&e.health)
		next := old + delta
		if next < 0 {
			next = 0
		}
		if next > e.cfg.Hmax {
			next = e.cfg.Hmax
		}
		if atomic.CompareAndSwapInt32(&e.health, old, next) {
			return
		}
	}
}

// effectiveProbeInterval/Timeout scale linearly with localHealthScore: an
// unhealthy node slows its own accusations to avoid cascading false
// positives under overload.
func (e *Engine) effectiveProbeInterval() time.Duration {
	factor := 1.0 + float64(e.HealthScore())/float64(e.cfg.Hmax)
	return time.Duration(float64(e.cfg.ProbeInterval) * factor)
}

func (e *Engine) effectiveProbeTimeout() time.Duration {
	factor := 1.0 + float64(e.HealthScore())/float64(e.cfg.Hmax)
	return time.Duration(float64(e.cfg.ProbeTimeout) * factor)
}

// Run drives the probe loop until Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		interval := e.effectiveProbeInterval()
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-time.After(interval):
			e.probeOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
}

func (e *Engine) nextProbeTarget() (identity.NodeId, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.probeIdx >= len(e.probeOrder) {
		alive := e.table.AllAlive()
		e.probeOrder = e.probeOrder[:0]
		for _, m := range alive {
			if m.NodeId != e.self {
				e.probeOrder = append(e.probeOrder, m.NodeId)
			}
		}
		e.shuffleNodeIds(e.probeOrder)
		e.probeIdx = 0
	}
	if len(e.probeOrder) == 0 {
		var zero identity.NodeId
		return zero, false
	}
	target := e.probeOrder[e.probeIdx]
	e.probeIdx++
	return target, true
}

func (e *Engine) probeOnce(ctx context.Context) {
	target, ok := e.nextProbeTarget()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.effectiveProbeTimeout())
	err := e.pinger.Ping(probeCtx, target)
	cancel()
	if err == nil {
		e.markAlive(target, 0)
		e.adjustHealth(-1)
		return
	}

	if e.indirectProbe(ctx, target) {
		e.markAlive(target, 0)
		return
	}

	e.adjustHealth(1)
	e.markSuspect(target)
}

func (e *Engine) indirectProbe(ctx context.Context, target identity.NodeId) bool {
	helpers := e.table.PickRandom(func(m identity.Member) bool {
		return m.NodeId != target && m.NodeId != e.self
	}, e.cfg.IndirectK)

	type result struct{ ok bool }
	results := make(chan result, len(helpers))
	for _, h := range helpers {
		h := h
		go func() {
			ictx, cancel := context.WithTimeout(ctx, e.cfg.IndirectTimeout)
			defer cancel()
			err := e.pinger.IndirectPing(ictx, h.NodeId, target)
			results <- result{ok: err == nil}
		}()
	}
	for range helpers {
		if r := <-results; r.ok {
			return true
		}
	}
	return false
}

func (e *Engine) markAlive(id identity.NodeId, incarnation uint64) {
	existing, ok := e.table.Lookup(id)
	inc := incarnation
	if inc == 0 && ok {
		inc = existing.Incarnation
	}
	m := identity.Member{
		NodeId:       id,
		Addresses:    addressesOf(existing),
		Incarnation:  inc,
		Status:       identity.Alive,
		LastStatusAt: time.Now().UnixNano(),
	}
	if e.table.Upsert(m) {
		e.recordChange(m)
	}
	e.cancelSuspectTimer(id)
}

// recordChange enqueues m for piggyback dissemination on the next outbound
// probe, bounded so an idle engine doesn't grow the queue without limit.
func (e *Engine) recordChange(m identity.Member) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, m)
	if max := 4 * e.cfg.PiggybackBudget; max > 0 && len(e.pending) > max {
		e.pending = e.pending[len(e.pending)-max:]
	}
}

// PendingUpdates drains up to n of the most recently recorded member
// changes, for the caller to piggyback onto outbound probe traffic.
func (e *Engine) PendingUpdates(n int) []identity.Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || len(e.pending) == 0 {
		return nil
	}
	if n > len(e.pending) {
		n = len(e.pending)
	}
	start := len(e.pending) - n
	out := append([]identity.Member(nil), e.pending[start:]...)
	e.pending = e.pending[:start]
	return out
}

func addressesOf(m identity.Member) []string { return m.Addresses }

func (e *Engine) markSuspect(id identity.NodeId) {
	existing, ok := e.table.Lookup(id)
	if !ok {
		return
	}
	m := identity.Member{
		NodeId:       id,
		Addresses:    existing.Addresses,
		Incarnation:  existing.Incarnation,
		Status:       identity.Suspect,
		LastStatusAt: time.Now().UnixNano(),
	}
	if e.table.Upsert(m) {
		e.recordChange(m)
	}
	e.startSuspicionTimer(id, existing.Incarnation)
}

// startSuspicionTimer schedules a Confirm transition after Tsuspect unless
// the member is refuted (observed Alive at >= incarnation) first.
func (e *Engine) startSuspicionTimer(id identity.NodeId, incarnation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.suspectTimer[id]; ok {
		t.Stop()
	}
	duration := e.suspicionDuration()
	e.suspectTimer[id] = time.AfterFunc(duration, func() {
		m, ok := e.table.Lookup(id)
		if !ok || m.Status != identity.Suspect || m.Incarnation != incarnation {
			return
		}
		confirmed := identity.Member{
			NodeId:       id,
			Addresses:    m.Addresses,
			Incarnation:  incarnation,
			Status:       identity.Confirm,
			LastStatusAt: time.Now().UnixNano(),
		}
		if e.table.Upsert(confirmed) {
			e.recordChange(confirmed)
		}
		log.Printf("membership: %s confirmed dead at incarnation %d", id, incarnation)
	})
}

// suspicionDuration scales with cluster size: SuspicionBase times log2 of the
// alive-member count, never less than 1x SuspicionBase. probeInterval does
// not enter it.
func (e *Engine) suspicionDuration() time.Duration {
	n := len(e.table.AllAlive())
	if n < 2 {
		n = 2
	}
	scale := math.Log2(float64(n))
	if scale < 1 {
		scale = 1
	}
	return time.Duration(float64(e.cfg.SuspicionBase) * scale)
}

func (e *Engine) cancelSuspectTimer(id identity.NodeId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.suspectTimer[id]; ok {
		t.Stop()
		delete(e.suspectTimer, id)
	}
}

// Refute bumps this node's own incarnation in response to learning it has
// been suspected, per the Lifeguard refinement, records the new (Alive,
// incarnation) in the local table, and pushes it to the disseminator (if
// any) immediately rather than waiting for the next piggyback opportunity,
// since a live refutation is time-sensitive.
func (e *Engine) Refute() uint64 {
	e.adjustHealth(1)
	inc := atomic.AddUint64(&e.incarnation, 1)

	existing, _ := e.table.Lookup(e.self)
	m := identity.Member{
		NodeId:       e.self,
		Addresses:    existing.Addresses,
		Incarnation:  inc,
		Status:       identity.Alive,
		LastStatusAt: time.Now().UnixNano(),
	}
	e.table.Upsert(m)
	e.recordChange(m)
	if e.disseminator != nil {
		e.disseminator.DisseminateMember(m)
	}
	return inc
}

// ObserveRemoteUpdate applies a membership update learned via gossip
// dissemination or a direct handshake, honoring the Supersedes precedence.
func (e *Engine) ObserveRemoteUpdate(m identity.Member) bool {
	changed := e.table.Upsert(m)
	if m.NodeId == e.self && m.Status == identity.Suspect {
		// We have been accused; refute immediately.
		e.Refute()
		return changed
	}
	if changed {
		e.recordChange(m)
		if m.Status != identity.Suspect {
			e.cancelSuspectTimer(m.NodeId)
		}
	}
	return changed
}

// shuffleNodeIds reorders ids once per full probe sweep using the engine's
// own xorshift state — cryptographic quality is unnecessary here, only that
// the sweep is not independent-with-replacement.
func (e *Engine) shuffleNodeIds(ids []identity.NodeId) {
	for i := len(ids) - 1; i > 0; i-- {
		e.shuffleState ^= e.shuffleState << 13
		e.shuffleState ^= e.shuffleState >> 7
		e.shuffleState ^= e.shuffleState << 17
		j := int(e.shuffleState % uint64(i+1))
		ids[i], ids[j] = ids[j], ids[i]
	}
}
