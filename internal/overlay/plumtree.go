package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rechain/merkleflow/internal/identity"
)

// MessageID identifies one broadcast for deduplication and graft/prune
// bookkeeping: the originating node plus its per-node sequence counter.
type MessageID struct {
	Origin identity.NodeId
	Seq    uint64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d", id.Origin, id.Seq)
}

// Message is a Plumtree-broadcast payload, round-trip through the wire as
// the data section of a transport Envelope.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Sender is the send-side contract Plumtree needs: push a full message to
// an eager peer, announce an id-only summary to a lazy peer, or send the
// Prune/Graft control messages that reclassify a link.
type Sender interface {
	SendGossip(ctx context.Context, to identity.NodeId, msg Message) error
	SendIHave(ctx context.Context, to identity.NodeId, id MessageID) error
	SendPrune(ctx context.Context, to identity.NodeId) error
	SendGraft(ctx context.Context, to identity.NodeId, id MessageID) error
}

// Broadcaster runs one Plumtree broadcast tree on top of a HyParView active
// view: every active-view link starts eager and is pruned to lazy once a
// duplicate arrives over it, then can be re-grafted if the lazy
// announcement outpaces the eager delivery.
type Broadcaster struct {
	self   identity.NodeId
	view   *View
	sender Sender

	graftTimeout time.Duration

	mu       sync.Mutex
	seq      uint64
	seen     map[MessageID][]byte
	lazy     map[identity.NodeId]bool
	graftTmr map[MessageID]*time.Timer

	Deliver func(msg Message)
}

// NewBroadcaster wires a Plumtree broadcaster on top of view.
func NewBroadcaster(self identity.NodeId, view *View, sender Sender) *Broadcaster {
	return &Broadcaster{
		self:         self,
		view:         view,
		sender:       sender,
		graftTimeout: 200 * time.Millisecond,
		seen:         make(map[MessageID][]byte),
		lazy:         make(map[identity.NodeId]bool),
		graftTmr:     make(map[MessageID]*time.Timer),
	}
}

// Broadcast originates a new message and eagerly floods it to the active
// view, announcing it to any already-lazy links.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte) MessageID {
	b.mu.Lock()
	b.seq++
	id := MessageID{Origin: b.self, Seq: b.seq}
	b.seen[id] = payload
	b.mu.Unlock()

	b.fanOut(ctx, id, payload, identity.NodeId{})
	return id
}

// fanOut sends the full message to every eager active peer (except from)
// and an IHave summary to every lazy active peer.
func (b *Broadcaster) fanOut(ctx context.Context, id MessageID, payload []byte, from identity.NodeId) {
	msg := Message{ID: id, Payload: payload}
	for _, peer := range b.view.Active() {
		if peer == from {
			continue
		}
		if b.isLazy(peer) {
			_ = b.sender.SendIHave(ctx, peer, id)
			continue
		}
		if err := b.sender.SendGossip(ctx, peer, msg); err != nil {
			continue
		}
	}
}

func (b *Broadcaster) isLazy(peer identity.NodeId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lazy[peer]
}

// OnGossip handles an inbound full message from a peer: first-arrival is
// stored and re-flooded, a duplicate prunes the sender to lazy.
func (b *Broadcaster) OnGossip(ctx context.Context, from identity.NodeId, msg Message) error {
	b.mu.Lock()
	_, dup := b.seen[msg.ID]
	if !dup {
		b.seen[msg.ID] = msg.Payload
	}
	if t, ok := b.graftTmr[msg.ID]; ok {
		t.Stop()
		delete(b.graftTmr, msg.ID)
	}
	b.mu.Unlock()

	if dup {
		return b.sender.SendPrune(ctx, from)
	}

	b.fanOut(ctx, msg.ID, msg.Payload, from)
	if b.Deliver != nil {
		b.Deliver(msg)
	}
	return nil
}

// OnIHave handles a lazy summary: if the message is unknown, a graft timer
// is armed so the eager path gets a chance to deliver it first.
func (b *Broadcaster) OnIHave(ctx context.Context, from identity.NodeId, id MessageID) {
	b.mu.Lock()
	_, known := b.seen[id]
	_, pending := b.graftTmr[id]
	if known || pending {
		b.mu.Unlock()
		return
	}
	timer := time.AfterFunc(b.graftTimeout, func() {
		b.mu.Lock()
		_, arrived := b.seen[id]
		delete(b.graftTmr, id)
		b.mu.Unlock()
		if arrived {
			return
		}
		_ = b.sender.SendGraft(context.Background(), from, id)
	})
	b.graftTmr[id] = timer
	b.mu.Unlock()
}

// OnPrune demotes from to a lazy link for future broadcasts.
func (b *Broadcaster) OnPrune(from identity.NodeId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lazy[from] = true
}

// OnGraft promotes from back to eager and resends the requested message if
// it is known locally.
func (b *Broadcaster) OnGraft(ctx context.Context, from identity.NodeId, id MessageID) error {
	b.mu.Lock()
	delete(b.lazy, from)
	payload, ok := b.seen[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.sender.SendGossip(ctx, from, Message{ID: id, Payload: payload})
}

// Seen reports whether id has already been delivered locally.
func (b *Broadcaster) Seen(id MessageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[id]
	return ok
}
