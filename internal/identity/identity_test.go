package identity_test

import (
	"testing"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairDistinctNodeIds(t *testing.T) {
	a, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	b, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a.NodeId, b.NodeId)
}

func TestSupersedesIncarnationWins(t *testing.T) {
	var id identity.NodeId
	id[0] = 1

	existing := identity.Member{NodeId: id, Incarnation: 5, Status: identity.Alive}
	lowerIncarnation := identity.Member{NodeId: id, Incarnation: 4, Status: identity.Confirm}
	assert.False(t, existing.Supersedes(lowerIncarnation))

	higherIncarnation := identity.Member{NodeId: id, Incarnation: 6, Status: identity.Left}
	assert.True(t, existing.Supersedes(higherIncarnation))
}

func TestSupersedesStatusPrecedenceAtEqualIncarnation(t *testing.T) {
	var id identity.NodeId
	existing := identity.Member{NodeId: id, Incarnation: 1, Status: identity.Alive}
	confirm := identity.Member{NodeId: id, Incarnation: 1, Status: identity.Confirm}
	assert.True(t, existing.Supersedes(confirm))

	suspect := identity.Member{NodeId: id, Incarnation: 1, Status: identity.Suspect}
	assert.True(t, existing.Supersedes(suspect))

	left := identity.Member{NodeId: id, Incarnation: 1, Status: identity.Left}
	assert.False(t, existing.Supersedes(left))
}

func TestPeerTableUpsertAndLookup(t *testing.T) {
	table := identity.NewPeerTable(42)
	var id identity.NodeId
	id[0] = 7

	m := identity.Member{NodeId: id, Incarnation: 1, Status: identity.Alive}
	assert.True(t, table.Upsert(m))

	got, ok := table.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, identity.Alive, got.Status)

	// A stale incarnation must not overwrite a newer record.
	stale := identity.Member{NodeId: id, Incarnation: 0, Status: identity.Confirm}
	assert.False(t, table.Upsert(stale))
}

func TestPeerTablePickRandomDeterministicWithSeed(t *testing.T) {
	table := identity.NewPeerTable(7)
	for i := 0; i < 10; i++ {
		var id identity.NodeId
		id[0] = byte(i)
		table.Upsert(identity.Member{NodeId: id, Incarnation: 1, Status: identity.Alive})
	}

	picked := table.PickRandom(nil, 3)
	assert.Len(t, picked, 3)

	again := identity.NewPeerTable(7)
	for i := 0; i < 10; i++ {
		var id identity.NodeId
		id[0] = byte(i)
		again.Upsert(identity.Member{NodeId: id, Incarnation: 1, Status: identity.Alive})
	}
	assert.Equal(t, picked, again.PickRandom(nil, 3))
}
