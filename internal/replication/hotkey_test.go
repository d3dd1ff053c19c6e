package replication_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rechain/merkleflow/internal/replication"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newTestEntry(key string) *crdt.Entry {
	v := crdt.NewLWWRegister("node-a")
	v.Set([]byte("v"), 1, "node-a")
	e := &crdt.Entry{Key: []byte(key), ValueKind: crdt.KindLWWRegister, Value: v, VectorClock: crdt.VectorClock{"node-a": 1}}
	_ = e.RecomputeDigest()
	return e
}

func TestHotKeyTrackerPushesOnceThresholdCrossed(t *testing.T) {
	bc := &recordingBroadcaster{}
	tracker := replication.NewHotKeyTracker(16, 3, time.Minute, bc)

	entry := newTestEntry("hot")
	tracker.Touch(entry.Key, entry)
	tracker.Touch(entry.Key, entry)
	require.Equal(t, 0, bc.count())

	tracker.Touch(entry.Key, entry)
	require.Equal(t, 1, bc.count())
}

func TestHotKeyTrackerIsHotReflectsThreshold(t *testing.T) {
	bc := &recordingBroadcaster{}
	tracker := replication.NewHotKeyTracker(16, 2, time.Minute, bc)
	entry := newTestEntry("k")

	require.False(t, tracker.IsHot(entry.Key))
	tracker.Touch(entry.Key, entry)
	tracker.Touch(entry.Key, entry)
	require.True(t, tracker.IsHot(entry.Key))
}

func TestHotKeyTrackerLRUEvictsColdestKey(t *testing.T) {
	bc := &recordingBroadcaster{}
	tracker := replication.NewHotKeyTracker(2, 1, time.Minute, bc)

	tracker.Touch([]byte("a"), newTestEntry("a"))
	tracker.Touch([]byte("b"), newTestEntry("b"))
	tracker.Touch([]byte("c"), newTestEntry("c"))

	require.False(t, tracker.IsHot([]byte("a")))
	require.True(t, tracker.IsHot([]byte("b")))
	require.True(t, tracker.IsHot([]byte("c")))
}

func TestApplyPushDeltaRoundTrips(t *testing.T) {
	store := crdt.NewStore("node-b", 4, nil, nil, nil, time.Hour)
	v := crdt.NewLWWRegister("node-a")
	v.Set([]byte("payload"), 10, "node-a")
	raw, err := v.Marshal()
	require.NoError(t, err)

	delta := replication.PushDelta{
		Key:         "key1",
		Kind:        crdt.KindLWWRegister,
		RawValue:    raw,
		VectorClock: crdt.VectorClock{"node-a": 10},
	}
	payload, err := json.Marshal(delta)
	require.NoError(t, err)

	require.NoError(t, replication.ApplyPushDelta(context.Background(), store, payload))

	entry, ok := store.Get(context.Background(), []byte("key1"))
	require.True(t, ok)
	require.Equal(t, crdt.KindLWWRegister, entry.ValueKind)
}
