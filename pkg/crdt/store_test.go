package crdt_test

import (
	"context"
	"testing"
	"time"

	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	s := crdt.NewStore("A", 4, nil, nil, nil, time.Hour)
	ctx := context.Background()

	reg := crdt.NewLWWRegister("A")
	reg.Set([]byte("v1"), 1, "A")

	_, err := s.Put(ctx, []byte("k1"), reg)
	require.NoError(t, err)

	entry, ok := s.Get(ctx, []byte("k1"))
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), entry.Value.(*crdt.LWWRegister).Payload)
}

func TestStoreMergeRemoteIdempotent(t *testing.T) {
	s := crdt.NewStore("A", 4, nil, nil, nil, time.Hour)
	ctx := context.Background()

	reg := crdt.NewLWWRegister("B")
	reg.Set([]byte("remote"), 5, "B")
	vc := crdt.VectorClock{"B": 5}

	e1, err := s.MergeRemote(ctx, []byte("k"), reg, vc, nil)
	require.NoError(t, err)

	e2, err := s.MergeRemote(ctx, []byte("k"), reg, vc, nil)
	require.NoError(t, err)

	assert.Equal(t, e1.ValueDigest, e2.ValueDigest)
}

func TestStoreDeleteTombstones(t *testing.T) {
	s := crdt.NewStore("A", 4, nil, nil, nil, time.Hour)
	ctx := context.Background()

	reg := crdt.NewLWWRegister("A")
	reg.Set([]byte("v"), 1, "A")
	_, err := s.Put(ctx, []byte("k"), reg)
	require.NoError(t, err)

	entry, err := s.Delete(ctx, []byte("k"))
	require.NoError(t, err)
	assert.NotNil(t, entry.Tombstone)

	// Tombstoned entries remain observable until the safe horizon passes.
	got, ok := s.Get(ctx, []byte("k"))
	require.True(t, ok)
	assert.NotNil(t, got.Tombstone)
}

func TestStoreRangeIsOrdered(t *testing.T) {
	s := crdt.NewStore("A", 4, nil, nil, nil, time.Hour)
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b"} {
		reg := crdt.NewLWWRegister("A")
		reg.Set([]byte(k), 1, "A")
		_, err := s.Put(ctx, []byte(k), reg)
		require.NoError(t, err)
	}

	entries := s.Range(ctx, nil, nil)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", string(entries[0].Key))
	assert.Equal(t, "b", string(entries[1].Key))
	assert.Equal(t, "c", string(entries[2].Key))
}
