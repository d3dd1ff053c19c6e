package replication_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/replication"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
	"github.com/rechain/merkleflow/testutil"
)

// localPeer adapts a *replication.Responder living in a different test
// environment into a replication.Peer, the same shape wiring.PeerHandle
// gives a production Initiator, without going through a real transport.
type localPeer struct {
	id        identity.NodeId
	responder *replication.Responder
}

func (p *localPeer) ID() identity.NodeId { return p.id }

func (p *localPeer) ChildHashes(ctx context.Context, summary replication.AESummary) (replication.AEChildHashes, error) {
	return p.responder.ChildHashes(ctx, summary)
}

func (p *localPeer) Descend(ctx context.Context, req replication.AERequest) (replication.AEProof, error) {
	return p.responder.Descend(ctx, req)
}

func (p *localPeer) TwoWayDelta(ctx context.Context, delta replication.AETwoWayDelta) error {
	return p.responder.TwoWayDelta(ctx, delta)
}

func (p *localPeer) Commit(ctx context.Context, commit replication.AECommit) error {
	return p.responder.Commit(ctx, commit)
}

func putLWW(t *testing.T, env *testutil.TestEnvironment, ctx context.Context, key, payload string) {
	t.Helper()
	reg := crdt.NewLWWRegister("writer")
	reg.Set([]byte(payload), 1, "writer")
	env.MustPut(ctx, []byte(key), reg)
}

func TestInitiatorResponderRoundTripConverges(t *testing.T) {
	ctx := context.Background()

	initiatorEnv := testutil.NewTestEnvironment(t)
	defer initiatorEnv.Close()
	responderEnv := testutil.NewTestEnvironment(t)
	defer responderEnv.Close()

	putLWW(t, initiatorEnv, ctx, "alpha", "a1")
	putLWW(t, initiatorEnv, ctx, "beta", "b1")
	putLWW(t, initiatorEnv, ctx, "gamma", "c1")

	responder := replication.NewResponder(responderEnv.Store, responderEnv.Tree, 4)
	peer := &localPeer{id: identity.NodeId{0xAA}, responder: responder}

	initiator := replication.NewInitiator("initiator-node", initiatorEnv.Store, initiatorEnv.Tree, 2, nil, nil, 0)

	merged, err := initiator.Run(ctx, peer, nil)
	require.NoError(t, err)
	require.Equal(t, 3, merged)

	for _, key := range []string{"alpha", "beta", "gamma"} {
		entry := responderEnv.MustGet(ctx, []byte(key))
		require.NotNil(t, entry)
	}

	require.Equal(t, initiatorEnv.Tree.Root(), responderEnv.Tree.Root(),
		"trees must converge once every diverging range has been merged")
}

func TestInitiatorResponderRoundTripLocalizesDivergence(t *testing.T) {
	ctx := context.Background()

	initiatorEnv := testutil.NewTestEnvironment(t)
	defer initiatorEnv.Close()
	responderEnv := testutil.NewTestEnvironment(t)
	defer responderEnv.Close()

	// Both sides agree on "shared"; only the initiator has "only-local".
	// Mirroring the exact (Value, VectorClock) via MergeRemote, rather than
	// an independent Put on each side, keeps the ValueDigests identical —
	// Put's VectorClock bump is wall-clock-derived, so two independent Puts
	// of the "same" payload would diverge anyway and defeat the point of
	// this test.
	putLWW(t, initiatorEnv, ctx, "shared", "same-value")
	shared := initiatorEnv.MustGet(ctx, []byte("shared"))
	_, err := responderEnv.Store.MergeRemote(ctx, shared.Key, shared.Value, shared.VectorClock, shared.Tombstone)
	require.NoError(t, err)
	putLWW(t, initiatorEnv, ctx, "only-local", "v1")

	responder := replication.NewResponder(responderEnv.Store, responderEnv.Tree, 4)
	peer := &localPeer{id: identity.NodeId{0xBB}, responder: responder}
	initiator := replication.NewInitiator("initiator-node", initiatorEnv.Store, initiatorEnv.Tree, 3, nil, nil, 0)

	merged, err := initiator.Run(ctx, peer, nil)
	require.NoError(t, err)
	require.Equal(t, 1, merged, "only the diverging key should have crossed the wire")

	entry := responderEnv.MustGet(ctx, []byte("only-local"))
	require.NotNil(t, entry)
}

// fakeDivergingPeer always reports full divergence and answers Descend with
// a proof whose witnessed root never matches the range hash it claimed,
// forcing ErrProofInvalid regardless of what store/tree state looks like.
type fakeDivergingPeer struct {
	id       identity.NodeId
	bogusSub []merkle.RangeHash
}

func (p *fakeDivergingPeer) ID() identity.NodeId { return p.id }

func (p *fakeDivergingPeer) ChildHashes(ctx context.Context, summary replication.AESummary) (replication.AEChildHashes, error) {
	return replication.AEChildHashes{Ranges: nil}, nil
}

func (p *fakeDivergingPeer) Descend(ctx context.Context, req replication.AERequest) (replication.AEProof, error) {
	proofs := make([]*merkle.Proof, len(req.Ranges))
	for i := range req.Ranges {
		proofs[i] = &merkle.Proof{} // zero RootHash/Root never matches a nonzero range hash
	}
	return replication.AEProof{Proofs: proofs}, nil
}

func (p *fakeDivergingPeer) TwoWayDelta(ctx context.Context, delta replication.AETwoWayDelta) error {
	return nil
}

func (p *fakeDivergingPeer) Commit(ctx context.Context, commit replication.AECommit) error { return nil }

type recordingDemoter struct {
	calls []identity.NodeId
}

func (d *recordingDemoter) ReportDead(ctx context.Context, dead identity.NodeId) error {
	d.calls = append(d.calls, dead)
	return nil
}

func TestInitiatorStrikesAndDemotesOnProofFailure(t *testing.T) {
	ctx := context.Background()

	env := testutil.NewTestEnvironment(t)
	defer env.Close()
	putLWW(t, env, ctx, "only-key", "v1")

	demoter := &recordingDemoter{}
	initiator := replication.NewInitiator("initiator-node", env.Store, env.Tree, 2, nil, demoter, 1)

	peerID := identity.NodeId{0xCC}
	peer := &fakeDivergingPeer{id: peerID}

	merged, err := initiator.Run(ctx, peer, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, replication.ErrProofInvalid))
	require.Equal(t, 0, merged)
	require.Len(t, demoter.calls, 1)
	require.Equal(t, peerID, demoter.calls[0])
}
