// Package wiring multiplexes one transport.Channel per peer into the
// distinct request/response shapes Membership, Overlay, and Replication
// each expect, so those components depend only on their own narrow
// interfaces and never on the wire format directly.
package wiring

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/membership"
	"github.com/rechain/merkleflow/internal/overlay"
	"github.com/rechain/merkleflow/internal/replication"
	"github.com/rechain/merkleflow/internal/transport"
)

// Message types. A response carries the high bit set on its type; it reuses
// the request's type except for msgJoinRequest, which is answered as
// msgJoinResponse.
const (
	msgPing uint16 = iota + 1
	msgIndirectPing
	msgForwardJoin
	msgNeighbor
	msgShuffle
	msgShuffleReply
	msgGossip
	msgIHave
	msgPrune
	msgGraft
	msgAESummary
	msgAERequest
	msgAETwoWayDelta
	msgAECommit
	msgMemberUpdate
	msgJoinRequest
	msgJoinResponse
)

const responseBit uint16 = 0x8000

// Dispatcher is the set of local handlers an incoming request is routed to.
// cmd/merkleflowd constructs one from its running engines.
type Dispatcher struct {
	View       *overlay.View
	Broadcast  *overlay.Broadcaster
	Responder  *replication.Responder
	Membership *membership.Engine
}

// Router owns one Channel per connected peer and answers both directions:
// outbound calls this node makes (satisfying membership.Pinger,
// overlay.PeerLink, overlay.Sender, replication.Peer) and inbound requests
// dispatched to a Dispatcher.
type Router struct {
	self   identity.NodeId
	dialer transport.Dialer
	table  *identity.PeerTable
	disp   *Dispatcher

	mu       sync.Mutex
	channels map[identity.NodeId]transport.Channel
	pending  map[[16]byte]chan transport.Envelope
}

// NewRouter wires dialer (outbound connects + inbound accepts) to disp.
func NewRouter(self identity.NodeId, dialer transport.Dialer, table *identity.PeerTable, disp *Dispatcher) *Router {
	return &Router{
		self:     self,
		dialer:   dialer,
		table:    table,
		disp:     disp,
		channels: make(map[identity.NodeId]transport.Channel),
		pending:  make(map[[16]byte]chan transport.Envelope),
	}
}

// Serve accepts inbound connections until ctx is cancelled.
func (r *Router) Serve(ctx context.Context) error {
	incoming, err := r.dialer.Listen(ctx)
	if err != nil {
		return fmt.Errorf("wiring: listen: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-incoming:
			if !ok {
				return nil
			}
			r.adopt(ch)
			go r.readLoop(ctx, ch)
		}
	}
}

func (r *Router) adopt(ch transport.Channel) {
	r.mu.Lock()
	r.channels[ch.Peer()] = ch
	r.mu.Unlock()
}

func (r *Router) channelFor(ctx context.Context, id identity.NodeId) (transport.Channel, error) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if ok {
		return ch, nil
	}
	member, ok := r.table.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("wiring: no known address for %s", id)
	}
	ch, err := r.dialer.Connect(ctx, id, member.Addresses)
	if err != nil {
		return nil, fmt.Errorf("wiring: connect %s: %w", id, err)
	}
	r.adopt(ch)
	go r.readLoop(ctx, ch)
	return ch, nil
}

func (r *Router) readLoop(ctx context.Context, ch transport.Channel) {
	defer func() {
		r.mu.Lock()
		delete(r.channels, ch.Peer())
		r.mu.Unlock()
	}()
	for {
		env, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		if env.MessageType&responseBit != 0 {
			r.deliverResponse(env)
			continue
		}
		go r.handleRequest(ctx, ch, env)
	}
}

func (r *Router) deliverResponse(env transport.Envelope) {
	r.mu.Lock()
	waiter, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()
	if ok {
		waiter <- env
	}
}

func newCorrelationID() [16]byte {
	var id [16]byte
	_, _ = rand.Read(id[:])
	return id
}

// call sends req on ch and blocks for the matching response, honoring ctx.
func (r *Router) call(ctx context.Context, ch transport.Channel, msgType uint16, req any) (transport.Envelope, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return transport.Envelope{}, err
	}
	corrID := newCorrelationID()
	waiter := make(chan transport.Envelope, 1)
	r.mu.Lock()
	r.pending[corrID] = waiter
	r.mu.Unlock()

	env := transport.Envelope{ProtoVersion: 1, MessageType: msgType, CorrelationID: corrID, Payload: payload}
	if err := ch.Send(ctx, env); err != nil {
		r.mu.Lock()
		delete(r.pending, corrID)
		r.mu.Unlock()
		return transport.Envelope{}, err
	}
	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, corrID)
		r.mu.Unlock()
		return transport.Envelope{}, ctx.Err()
	case resp := <-waiter:
		return resp, nil
	}
}

func (r *Router) reply(ctx context.Context, ch transport.Channel, corrID [16]byte, msgType uint16, resp any) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("wiring: marshal response: %v", err)
		return
	}
	env := transport.Envelope{ProtoVersion: 1, MessageType: msgType | responseBit, CorrelationID: corrID, Payload: payload}
	if err := ch.Send(ctx, env); err != nil {
		log.Printf("wiring: send response to %s: %v", ch.Peer(), err)
	}
}

func (r *Router) handleRequest(ctx context.Context, ch transport.Channel, env transport.Envelope) {
	from := ch.Peer()
	switch env.MessageType {
	case msgPing:
		var req pingMsg
		if err := json.Unmarshal(env.Payload, &req); err == nil {
			r.applyUpdates(req.Updates)
		}
		r.reply(ctx, ch, env.CorrelationID, msgPing, pingAck{Updates: r.pendingUpdates()})
	case msgIndirectPing:
		var req indirectPingMsg
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		r.applyUpdates(req.Updates)
		target, err := r.channelFor(ctx, req.Target)
		ok := err == nil
		if ok {
			_, err = r.call(ctx, target, msgPing, pingMsg{})
			ok = err == nil
		}
		r.reply(ctx, ch, env.CorrelationID, msgIndirectPing, indirectPingAck{OK: ok, Updates: r.pendingUpdates()})
	case msgForwardJoin:
		var req forwardJoinMsg
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.View != nil {
			_ = r.disp.View.HandleForwardJoin(ctx, from, req.Newcomer, req.TTL)
		}
	case msgNeighbor:
		var req neighborMsg
		accepted := false
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.View != nil {
			accepted = r.disp.View.HandleNeighbor(from, req.Priority)
		}
		r.reply(ctx, ch, env.CorrelationID, msgNeighbor, neighborAck{Accepted: accepted})
	case msgShuffle:
		var req shuffleMsg
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.View != nil {
			for _, id := range req.Entries {
				r.disp.View.AddPassive(id)
			}
			active := r.disp.View.Active()
			r.sendFireAndForget(ctx, ch, msgShuffleReply, shuffleReplyMsg{Entries: active})
		}
	case msgShuffleReply:
		var req shuffleReplyMsg
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.View != nil {
			r.disp.View.HandleShuffleReply(req.Entries)
		}
	case msgGossip:
		var req overlay.Message
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Broadcast != nil {
			_ = r.disp.Broadcast.OnGossip(ctx, from, req)
		}
	case msgIHave:
		var req overlay.MessageID
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Broadcast != nil {
			r.disp.Broadcast.OnIHave(ctx, from, req)
		}
	case msgPrune:
		if r.disp.Broadcast != nil {
			r.disp.Broadcast.OnPrune(from)
		}
	case msgGraft:
		var req overlay.MessageID
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Broadcast != nil {
			_ = r.disp.Broadcast.OnGraft(ctx, from, req)
		}
	case msgAESummary:
		var req replication.AESummary
		var resp replication.AEChildHashes
		var err error
		if err = json.Unmarshal(env.Payload, &req); err == nil && r.disp.Responder != nil {
			resp, err = r.disp.Responder.ChildHashes(ctx, req)
		}
		if err != nil {
			resp = replication.AEChildHashes{}
		}
		r.reply(ctx, ch, env.CorrelationID, msgAESummary, resp)
	case msgAERequest:
		var req replication.AERequest
		var resp replication.AEProof
		var err error
		if err = json.Unmarshal(env.Payload, &req); err == nil && r.disp.Responder != nil {
			resp, err = r.disp.Responder.Descend(ctx, req)
		}
		if err != nil {
			resp = replication.AEProof{}
		}
		r.reply(ctx, ch, env.CorrelationID, msgAERequest, resp)
	case msgAETwoWayDelta:
		var req replication.AETwoWayDelta
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Responder != nil {
			_ = r.disp.Responder.TwoWayDelta(ctx, req)
		}
		r.reply(ctx, ch, env.CorrelationID, msgAETwoWayDelta, ackMsg{})
	case msgAECommit:
		var req replication.AECommit
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Responder != nil {
			_ = r.disp.Responder.Commit(ctx, req)
		}
		r.reply(ctx, ch, env.CorrelationID, msgAECommit, ackMsg{})
	case msgMemberUpdate:
		var req memberUpdateMsg
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Membership != nil {
			r.disp.Membership.ObserveRemoteUpdate(req.Member)
		}
	case msgJoinRequest:
		var req joinRequestMsg
		var members []identity.Member
		if err := json.Unmarshal(env.Payload, &req); err == nil && r.disp.Membership != nil {
			r.disp.Membership.ObserveRemoteUpdate(req.Self)
			members = r.table.AllAlive()
		}
		r.reply(ctx, ch, env.CorrelationID, msgJoinResponse, joinResponseMsg{Members: members})
	}
}

// applyUpdates ingests membership entries piggybacked on inbound probe
// traffic or an explicit MemberUpdate broadcast.
func (r *Router) applyUpdates(updates []identity.Member) {
	if r.disp.Membership == nil {
		return
	}
	for _, m := range updates {
		r.disp.Membership.ObserveRemoteUpdate(m)
	}
}

// pendingUpdates drains this node's outstanding membership changes, bounded
// by the Membership Engine's configured piggyback budget.
func (r *Router) pendingUpdates() []identity.Member {
	if r.disp.Membership == nil {
		return nil
	}
	return r.disp.Membership.PendingUpdates(r.disp.Membership.PiggybackBudget())
}

func (r *Router) sendFireAndForget(ctx context.Context, ch transport.Channel, msgType uint16, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = ch.Send(ctx, transport.Envelope{ProtoVersion: 1, MessageType: msgType, CorrelationID: newCorrelationID(), Payload: body})
}

// pingMsg/pingAck and indirectPingMsg/indirectPingAck carry Updates: a
// piggyback of recently changed membership entries, bounded by the
// Membership Engine's PiggybackBudget, so SWIM status changes disseminate
// as a side effect of the probe traffic already flowing between peers.
type pingMsg struct{ Updates []identity.Member `json:"updates,omitempty"` }
type pingAck struct{ Updates []identity.Member `json:"updates,omitempty"` }
type indirectPingMsg struct {
	Target  identity.NodeId
	Updates []identity.Member `json:"updates,omitempty"`
}
type indirectPingAck struct {
	OK      bool
	Updates []identity.Member `json:"updates,omitempty"`
}
type forwardJoinMsg struct {
	Newcomer identity.NodeId
	TTL      int
}
type neighborMsg struct{ Priority bool }
type neighborAck struct{ Accepted bool }
type shuffleMsg struct{ Entries []identity.NodeId }
type shuffleReplyMsg struct{ Entries []identity.NodeId }
type ackMsg struct{}
type memberUpdateMsg struct{ Member identity.Member }
type joinRequestMsg struct{ Self identity.Member }
type joinResponseMsg struct{ Members []identity.Member }

// Ping satisfies membership.Pinger.
func (r *Router) Ping(ctx context.Context, target identity.NodeId) error {
	ch, err := r.channelFor(ctx, target)
	if err != nil {
		return err
	}
	resp, err := r.call(ctx, ch, msgPing, pingMsg{Updates: r.pendingUpdates()})
	if err != nil {
		return err
	}
	var ack pingAck
	if err := json.Unmarshal(resp.Payload, &ack); err == nil {
		r.applyUpdates(ack.Updates)
	}
	return nil
}

// IndirectPing satisfies membership.Pinger.
func (r *Router) IndirectPing(ctx context.Context, via, target identity.NodeId) error {
	ch, err := r.channelFor(ctx, via)
	if err != nil {
		return err
	}
	resp, err := r.call(ctx, ch, msgIndirectPing, indirectPingMsg{Target: target, Updates: r.pendingUpdates()})
	if err != nil {
		return err
	}
	var ack indirectPingAck
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return err
	}
	r.applyUpdates(ack.Updates)
	if !ack.OK {
		return fmt.Errorf("wiring: indirect ping via %s to %s failed", via, target)
	}
	return nil
}

// SendForwardJoin satisfies overlay.PeerLink.
func (r *Router) SendForwardJoin(ctx context.Context, to, newcomer identity.NodeId, ttl int) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	r.sendFireAndForget(ctx, ch, msgForwardJoin, forwardJoinMsg{Newcomer: newcomer, TTL: ttl})
	return nil
}

// SendNeighbor satisfies overlay.PeerLink.
func (r *Router) SendNeighbor(ctx context.Context, to identity.NodeId, priority bool) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	resp, err := r.call(ctx, ch, msgNeighbor, neighborMsg{Priority: priority})
	if err != nil {
		return err
	}
	var ack neighborAck
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("wiring: neighbor request to %s declined", to)
	}
	return nil
}

// SendShuffle satisfies overlay.PeerLink.
func (r *Router) SendShuffle(ctx context.Context, to identity.NodeId, entries []identity.NodeId) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	r.sendFireAndForget(ctx, ch, msgShuffle, shuffleMsg{Entries: entries})
	return nil
}

// Disconnect satisfies overlay.PeerLink.
func (r *Router) Disconnect(peer identity.NodeId) error {
	r.mu.Lock()
	ch, ok := r.channels[peer]
	delete(r.channels, peer)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.Close()
}

// SendGossip satisfies overlay.Sender.
func (r *Router) SendGossip(ctx context.Context, to identity.NodeId, msg overlay.Message) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	r.sendFireAndForget(ctx, ch, msgGossip, msg)
	return nil
}

// SendIHave satisfies overlay.Sender.
func (r *Router) SendIHave(ctx context.Context, to identity.NodeId, id overlay.MessageID) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	r.sendFireAndForget(ctx, ch, msgIHave, id)
	return nil
}

// SendPrune satisfies overlay.Sender.
func (r *Router) SendPrune(ctx context.Context, to identity.NodeId) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	r.sendFireAndForget(ctx, ch, msgPrune, ackMsg{})
	return nil
}

// SendGraft satisfies overlay.Sender.
func (r *Router) SendGraft(ctx context.Context, to identity.NodeId, id overlay.MessageID) error {
	ch, err := r.channelFor(ctx, to)
	if err != nil {
		return err
	}
	r.sendFireAndForget(ctx, ch, msgGraft, id)
	return nil
}

// PeerHandle adapts one Router + target NodeId into a replication.Peer.
type PeerHandle struct {
	router *Router
	target identity.NodeId
}

// PeerFor returns a replication.Peer bound to target.
func (r *Router) PeerFor(target identity.NodeId) *PeerHandle {
	return &PeerHandle{router: r, target: target}
}

// ID satisfies replication.Peer.
func (p *PeerHandle) ID() identity.NodeId { return p.target }

func (p *PeerHandle) ChildHashes(ctx context.Context, summary replication.AESummary) (replication.AEChildHashes, error) {
	ch, err := p.router.channelFor(ctx, p.target)
	if err != nil {
		return replication.AEChildHashes{}, err
	}
	resp, err := p.router.call(ctx, ch, msgAESummary, summary)
	if err != nil {
		return replication.AEChildHashes{}, err
	}
	var out replication.AEChildHashes
	err = json.Unmarshal(resp.Payload, &out)
	return out, err
}

func (p *PeerHandle) Descend(ctx context.Context, req replication.AERequest) (replication.AEProof, error) {
	ch, err := p.router.channelFor(ctx, p.target)
	if err != nil {
		return replication.AEProof{}, err
	}
	resp, err := p.router.call(ctx, ch, msgAERequest, req)
	if err != nil {
		return replication.AEProof{}, err
	}
	var out replication.AEProof
	err = json.Unmarshal(resp.Payload, &out)
	return out, err
}

func (p *PeerHandle) TwoWayDelta(ctx context.Context, delta replication.AETwoWayDelta) error {
	ch, err := p.router.channelFor(ctx, p.target)
	if err != nil {
		return err
	}
	_, err = p.router.call(ctx, ch, msgAETwoWayDelta, delta)
	return err
}

func (p *PeerHandle) Commit(ctx context.Context, commit replication.AECommit) error {
	ch, err := p.router.channelFor(ctx, p.target)
	if err != nil {
		return err
	}
	_, err = p.router.call(ctx, ch, msgAECommit, commit)
	return err
}

// DisseminateMember satisfies membership.Disseminator: flood m to every
// currently known alive peer as a fire-and-forget MemberUpdate, for urgent
// dissemination (a self-refutation) outside the regular piggyback path.
func (r *Router) DisseminateMember(m identity.Member) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, peer := range r.table.AllAlive() {
		if peer.NodeId == r.self {
			continue
		}
		ch, err := r.channelFor(ctx, peer.NodeId)
		if err != nil {
			continue
		}
		r.sendFireAndForget(ctx, ch, msgMemberUpdate, memberUpdateMsg{Member: m})
	}
}

// Join runs the bootstrap handshake against seed: send this node's own
// Member record, and fold the seed's snapshot of its peer table into the
// local table via the Membership Engine (when attached).
func (r *Router) Join(ctx context.Context, seed identity.NodeId, self identity.Member) ([]identity.Member, error) {
	ch, err := r.channelFor(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("wiring: join %s: %w", seed, err)
	}
	resp, err := r.call(ctx, ch, msgJoinRequest, joinRequestMsg{Self: self})
	if err != nil {
		return nil, fmt.Errorf("wiring: join %s: %w", seed, err)
	}
	var out joinResponseMsg
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("wiring: join %s: decode response: %w", seed, err)
	}
	if r.disp.Membership != nil {
		for _, m := range out.Members {
			r.disp.Membership.ObserveRemoteUpdate(m)
		}
	}
	return out.Members, nil
}
