package overlay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/overlay"
	"github.com/stretchr/testify/require"
)

// wiredSender routes Plumtree control/data sends directly into the
// destination Broadcaster's handlers, simulating a fully connected mesh
// without any real transport.
type wiredSender struct {
	mu   sync.Mutex
	self identity.NodeId
	byID map[identity.NodeId]*overlay.Broadcaster
}

func newWiredSender(self identity.NodeId) *wiredSender {
	return &wiredSender{self: self, byID: make(map[identity.NodeId]*overlay.Broadcaster)}
}

func (w *wiredSender) SendGossip(ctx context.Context, to identity.NodeId, msg overlay.Message) error {
	w.mu.Lock()
	target := w.byID[to]
	w.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.OnGossip(ctx, w.self, msg)
}

func (w *wiredSender) SendIHave(ctx context.Context, to identity.NodeId, id overlay.MessageID) error {
	w.mu.Lock()
	target := w.byID[to]
	w.mu.Unlock()
	if target == nil {
		return nil
	}
	target.OnIHave(ctx, w.self, id)
	return nil
}

func (w *wiredSender) SendPrune(ctx context.Context, to identity.NodeId) error {
	w.mu.Lock()
	target := w.byID[to]
	w.mu.Unlock()
	if target == nil {
		return nil
	}
	target.OnPrune(w.self)
	return nil
}

func (w *wiredSender) SendGraft(ctx context.Context, to identity.NodeId, id overlay.MessageID) error {
	w.mu.Lock()
	target := w.byID[to]
	w.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.OnGraft(ctx, w.self, id)
}

func TestBroadcastDeliversToAllActivePeers(t *testing.T) {
	link := &recordingLink{}
	a, b, c := idN(1), idN(2), idN(3)

	viewA := overlay.NewView(a, overlay.DefaultViewConfig(), link, 1)
	viewB := overlay.NewView(b, overlay.DefaultViewConfig(), link, 2)
	viewC := overlay.NewView(c, overlay.DefaultViewConfig(), link, 3)

	senderA := newWiredSender(a)
	senderB := newWiredSender(b)
	senderC := newWiredSender(c)

	bcA := overlay.NewBroadcaster(a, viewA, senderA)
	bcB := overlay.NewBroadcaster(b, viewB, senderB)
	bcC := overlay.NewBroadcaster(c, viewC, senderC)

	var deliveredB, deliveredC []overlay.Message
	bcB.Deliver = func(msg overlay.Message) { deliveredB = append(deliveredB, msg) }
	bcC.Deliver = func(msg overlay.Message) { deliveredC = append(deliveredC, msg) }

	senderA.byID[b] = bcB
	senderA.byID[c] = bcC
	senderB.byID[a] = bcA
	senderB.byID[c] = bcC
	senderC.byID[a] = bcA
	senderC.byID[b] = bcB

	ctx := context.Background()
	require.NoError(t, viewA.Join(ctx, b))
	require.NoError(t, viewA.Join(ctx, c))

	id := bcA.Broadcast(ctx, []byte("hello"))

	require.Len(t, deliveredB, 1)
	require.Equal(t, id, deliveredB[0].ID)
	require.Len(t, deliveredC, 1)
	require.Equal(t, id, deliveredC[0].ID)
}

// pruneRecorder records the targets of SendPrune instead of delivering them
// and forwards every other send to the embedded wiredSender.
type pruneRecorder struct {
	*wiredSender
	pruned []identity.NodeId
}

func (p *pruneRecorder) SendPrune(ctx context.Context, to identity.NodeId) error {
	p.pruned = append(p.pruned, to)
	return nil
}

func TestPlumtreeDedupPrunesDuplicateSender(t *testing.T) {
	link := &recordingLink{}
	a, b := idN(1), idN(2)
	viewA := overlay.NewView(a, overlay.DefaultViewConfig(), link, 1)

	senderA := &pruneRecorder{wiredSender: newWiredSender(a)}
	bcA := overlay.NewBroadcaster(a, viewA, senderA)

	ctx := context.Background()
	require.NoError(t, viewA.Join(ctx, b))

	id := overlay.MessageID{Origin: b, Seq: 1}
	msg := overlay.Message{ID: id, Payload: []byte("hello")}

	require.NoError(t, bcA.OnGossip(ctx, b, msg))
	require.True(t, bcA.Seen(id))
	require.Empty(t, senderA.pruned)

	require.NoError(t, bcA.OnGossip(ctx, b, msg))
	require.Equal(t, []identity.NodeId{b}, senderA.pruned)
}

func TestOnIHaveArmsGraftForUnknownMessage(t *testing.T) {
	link := &recordingLink{}
	a, b := idN(1), idN(2)
	viewA := overlay.NewView(a, overlay.DefaultViewConfig(), link, 1)
	viewB := overlay.NewView(b, overlay.DefaultViewConfig(), link, 2)
	senderA := newWiredSender(a)
	senderB := newWiredSender(b)
	bcA := overlay.NewBroadcaster(a, viewA, senderA)
	bcB := overlay.NewBroadcaster(b, viewB, senderB)
	senderA.byID[b] = bcB
	senderB.byID[a] = bcA

	// b holds the message but has no active peers, so it reaches a only
	// through the Graft a sends when its timer fires.
	id := bcB.Broadcast(context.Background(), []byte("late"))
	bcA.OnIHave(context.Background(), b, id)
	require.False(t, bcA.Seen(id))
	require.Eventually(t, func() bool { return bcA.Seen(id) }, time.Second, 10*time.Millisecond)
}

func TestOnGraftResendsKnownMessage(t *testing.T) {
	link := &recordingLink{}
	a, b := idN(1), idN(2)
	viewA := overlay.NewView(a, overlay.DefaultViewConfig(), link, 1)
	viewB := overlay.NewView(b, overlay.DefaultViewConfig(), link, 2)
	senderA := newWiredSender(a)
	bcA := overlay.NewBroadcaster(a, viewA, senderA)
	bcB := overlay.NewBroadcaster(b, viewB, newWiredSender(b))
	var deliveredB []overlay.Message
	bcB.Deliver = func(msg overlay.Message) { deliveredB = append(deliveredB, msg) }
	senderA.byID[b] = bcB

	ctx := context.Background()
	id := bcA.Broadcast(ctx, []byte("payload"))
	require.Empty(t, deliveredB)
	require.NoError(t, bcA.OnGraft(ctx, b, id))
	require.Len(t, deliveredB, 1)
	require.Equal(t, id, deliveredB[0].ID)
}
