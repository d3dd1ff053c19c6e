package overlay_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/overlay"
	"github.com/stretchr/testify/require"
)

type recordingLink struct {
	mu          sync.Mutex
	forwarded   []identity.NodeId
	neighbors   []identity.NodeId
	shuffled    []identity.NodeId
	disconnects []identity.NodeId
}

func (r *recordingLink) SendForwardJoin(ctx context.Context, to, newcomer identity.NodeId, ttl int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, to)
	return nil
}

func (r *recordingLink) SendNeighbor(ctx context.Context, to identity.NodeId, priority bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.neighbors = append(r.neighbors, to)
	return nil
}

func (r *recordingLink) SendShuffle(ctx context.Context, to identity.NodeId, entries []identity.NodeId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shuffled = append(r.shuffled, entries...)
	return nil
}

func (r *recordingLink) Disconnect(peer identity.NodeId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, peer)
	return nil
}

func idN(b byte) identity.NodeId {
	var id identity.NodeId
	id[0] = b
	return id
}

func TestJoinAddsContactToActiveView(t *testing.T) {
	link := &recordingLink{}
	self := idN(0)
	contact := idN(1)
	v := overlay.NewView(self, overlay.DefaultViewConfig(), link, 1)

	require.NoError(t, v.Join(context.Background(), contact))
	require.True(t, v.IsActive(contact))
	require.Contains(t, link.forwarded, contact)
}

func TestHandleForwardJoinAddsAtLowTTL(t *testing.T) {
	link := &recordingLink{}
	self := idN(0)
	newcomer := idN(9)
	v := overlay.NewView(self, overlay.DefaultViewConfig(), link, 1)

	require.NoError(t, v.HandleForwardJoin(context.Background(), idN(2), newcomer, 1))
	require.True(t, v.IsActive(newcomer))
}

func TestActiveViewEvictsAtCapacity(t *testing.T) {
	link := &recordingLink{}
	self := idN(0)
	cfg := overlay.DefaultViewConfig()
	cfg.ActiveViewSize = 2
	v := overlay.NewView(self, cfg, link, 1)

	require.NoError(t, v.Join(context.Background(), idN(1)))
	require.NoError(t, v.Join(context.Background(), idN(2)))
	require.NoError(t, v.Join(context.Background(), idN(3)))

	require.Len(t, v.Active(), 2)
}

func TestHandleNeighborRespectsCapacityWithoutPriority(t *testing.T) {
	link := &recordingLink{}
	self := idN(0)
	cfg := overlay.DefaultViewConfig()
	cfg.ActiveViewSize = 1
	cfg.TargetFanout = 1
	v := overlay.NewView(self, cfg, link, 1)

	require.NoError(t, v.Join(context.Background(), idN(1)))
	accepted := v.HandleNeighbor(idN(2), false)
	require.False(t, accepted)

	acceptedPriority := v.HandleNeighbor(idN(3), true)
	require.True(t, acceptedPriority)
	require.True(t, v.IsActive(idN(3)))
}

func TestReportDeadPromotesFromPassive(t *testing.T) {
	link := &recordingLink{}
	self := idN(0)
	v := overlay.NewView(self, overlay.DefaultViewConfig(), link, 1)
	v.AddPassive(idN(5))

	require.NoError(t, v.Join(context.Background(), idN(1)))
	require.NoError(t, v.ReportDead(context.Background(), idN(1)))

	require.False(t, v.IsActive(idN(1)))
	require.True(t, v.IsActive(idN(5)))
}

func TestShuffleReplyMergesIntoPassiveView(t *testing.T) {
	link := &recordingLink{}
	self := idN(0)
	v := overlay.NewView(self, overlay.DefaultViewConfig(), link, 1)

	v.HandleShuffleReply([]identity.NodeId{idN(7), idN(8), self})

	// Each ReportDead promotes one passive entry, so two calls drain exactly
	// what the reply put into the passive view.
	require.NoError(t, v.ReportDead(context.Background(), idN(99)))
	require.NoError(t, v.ReportDead(context.Background(), idN(99)))
	require.True(t, v.IsActive(idN(7)))
	require.True(t, v.IsActive(idN(8)))
	require.False(t, v.IsActive(self))
}
