package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/merkleflow/internal/persistence"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
	"github.com/rechain/merkleflow/testutil"
)

// TestTwoNodeLWWConvergence simulates two replicas writing concurrently to
// the same key and exchanging their state via MergeRemote in both
// directions; both must land on the same winner by the LWW tie-break rule.
func TestTwoNodeLWWConvergence(t *testing.T) {
	ctx := context.Background()
	envA := testutil.NewTestEnvironment(t)
	defer envA.Close()
	envB := testutil.NewTestEnvironment(t)
	defer envB.Close()

	regA := crdt.NewLWWRegister("A")
	regA.Set([]byte("from-a"), 100, "A")
	entryA := envA.MustPut(ctx, []byte("k"), regA)

	regB := crdt.NewLWWRegister("B")
	regB.Set([]byte("from-b"), 200, "B")
	entryB := envB.MustPut(ctx, []byte("k"), regB)

	_, err := envA.Store.MergeRemote(ctx, []byte("k"), entryB.Value, entryB.VectorClock, entryB.Tombstone)
	require.NoError(t, err)
	_, err = envB.Store.MergeRemote(ctx, []byte("k"), entryA.Value, entryA.VectorClock, entryA.Tombstone)
	require.NoError(t, err)

	finalA := envA.MustGet(ctx, []byte("k"))
	finalB := envB.MustGet(ctx, []byte("k"))

	assert.Equal(t, finalA.ValueDigest, finalB.ValueDigest)
	assert.Equal(t, []byte("from-b"), finalA.Value.(*crdt.LWWRegister).Payload)
}

// TestThreeNodeORSetConverge has three replicas concurrently add and remove
// overlapping elements, pairwise-merges every replica's state into the
// other two, and checks all three land on the same observed set.
func TestThreeNodeORSetConverge(t *testing.T) {
	ctx := context.Background()
	envs := make([]*testutil.TestEnvironment, 3)
	writers := []string{"A", "B", "C"}
	for i, w := range writers {
		envs[i] = testutil.NewTestEnvironment(t)
		defer envs[i].Close()

		set := crdt.NewORSet(w)
		set.Add("shared")
		set.Add(w + "-only")
		envs[i].MustPut(ctx, []byte("set"), set)
	}
	// B removes "shared" after observing its own add.
	removeSet := crdt.NewORSet("B")
	removeSet.Remove("shared")
	bEntry := envs[1].MustGet(ctx, []byte("set"))
	merged, err := bEntry.Value.Merge(removeSet)
	require.NoError(t, err)
	envs[1].MustPut(ctx, []byte("set"), merged)

	for round := 0; round < 2; round++ {
		for i := range envs {
			for j := range envs {
				if i == j {
					continue
				}
				e := envs[j].MustGet(ctx, []byte("set"))
				_, err := envs[i].Store.MergeRemote(ctx, []byte("set"), e.Value, e.VectorClock, e.Tombstone)
				require.NoError(t, err)
			}
		}
	}

	var want []string
	for i := range envs {
		entry := envs[i].MustGet(ctx, []byte("set"))
		elems := entry.Value.(*crdt.ORSet).Elements()
		if want == nil {
			want = elems
		} else {
			assert.Equal(t, want, elems, "replica %d diverged", i)
		}
	}
	assert.NotContains(t, want, "shared")
	assert.Contains(t, want, "A-only")
	assert.Contains(t, want, "B-only")
	assert.Contains(t, want, "C-only")
}

// TestMSTDivergenceRepair builds two trees from diverging entry sets, uses
// DiffSummary to localize the differing range, then applies the missing
// entries to converge their roots — the core move of anti-entropy.
func TestMSTDivergenceRepair(t *testing.T) {
	shared := map[string][32]byte{
		"a": digestOf("a"),
		"b": digestOf("b"),
		"c": digestOf("c"),
	}
	left := cloneDigests(shared)
	right := cloneDigests(shared)
	left["d"] = digestOf("d-left")

	treeLeft := merkle.NewTree(left)
	treeRight := merkle.NewTree(right)
	require.NotEqual(t, treeLeft.Root(), treeRight.Root())

	summaryLeft := treeLeft.DiffSummary(2)
	summaryRight := treeRight.DiffSummary(2)
	diverged := false
	for i := range summaryLeft {
		if i >= len(summaryRight) || summaryLeft[i].Hash != summaryRight[i].Hash {
			diverged = true
		}
	}
	assert.True(t, diverged, "diff summaries should localize the divergent range")

	treeRight.InsertOrUpdate([]byte("d"), left["d"])
	assert.Equal(t, treeLeft.Root(), treeRight.Root())
}

// TestCrashRecovery writes entries, flushes the WAL and a snapshot, then
// rebuilds the store and tree from scratch over the same badger db and
// confirms Recover restores an equivalent MST root.
func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEnvironment(t)
	defer env.Close()

	for i, k := range []string{"k1", "k2", "k3"} {
		reg := crdt.NewLWWRegister("test-node")
		reg.Set([]byte(k+"-value"), uint64(i+1), "test-node")
		env.MustPut(ctx, []byte(k), reg)
	}
	require.NoError(t, env.WAL.Flush())
	expectedRoot := env.Tree.Root()
	_, err := env.Snap.WriteSnapshot(1, env.Store.Range(ctx, nil, nil), expectedRoot, 3, time.Now().Unix())
	require.NoError(t, err)

	freshTree := merkle.NewTree(nil)
	freshWAL, err := persistence.OpenWAL(env.DB, persistence.FsyncPerRecord, 1, time.Millisecond)
	require.NoError(t, err)
	freshIndex := &recoveryIndex{tree: freshTree}
	freshStore := crdt.NewStore("test-node", 4, freshIndex, freshWAL, noOpHotKeys{}, time.Hour)

	require.NoError(t, persistence.Recover(ctx, freshStore, freshTree, freshWAL, env.Snap))

	assert.Equal(t, expectedRoot, freshTree.Root())
	entry, ok := freshStore.Get(ctx, []byte("k2"))
	require.True(t, ok)
	assert.Equal(t, []byte("k2-value"), entry.Value.(*crdt.LWWRegister).Payload)
}

func digestOf(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}

func cloneDigests(m map[string][32]byte) map[string][32]byte {
	out := make(map[string][32]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type recoveryIndex struct{ tree *merkle.Tree }

func (r *recoveryIndex) InsertOrUpdate(key []byte, digest [32]byte) error {
	r.tree.InsertOrUpdate(key, digest)
	return nil
}
func (r *recoveryIndex) Remove(key []byte) error {
	r.tree.Remove(key)
	return nil
}

type noOpHotKeys struct{}

func (noOpHotKeys) Touch(key []byte, entry *crdt.Entry) {}
