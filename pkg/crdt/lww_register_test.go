package crdt_test

import (
	"testing"

	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/stretchr/testify/assert"
)

func TestLWWRegister(t *testing.T) {
	t.Run("NewLWWRegister", func(t *testing.T) {
		reg := crdt.NewLWWRegister("node1")
		assert.Equal(t, "node1", reg.Writer)
		assert.Nil(t, reg.Payload)
	})

	t.Run("Set", func(t *testing.T) {
		reg := crdt.NewLWWRegister("node1")
		reg.Set([]byte("v1"), 100, "node1")
		assert.Equal(t, []byte("v1"), reg.Payload)
	})

	t.Run("MergePrefersHigherTimestamp", func(t *testing.T) {
		a := crdt.NewLWWRegister("node1")
		a.Set([]byte("old"), 100, "node1")
		b := crdt.NewLWWRegister("node2")
		b.Set([]byte("new"), 200, "node2")

		merged, err := a.Merge(b)
		assert.NoError(t, err)
		assert.Equal(t, []byte("new"), merged.(*crdt.LWWRegister).Payload)
	})

	t.Run("TieBreaksByWriter", func(t *testing.T) {
		a := crdt.NewLWWRegister("node1")
		a.Set([]byte("from-node1"), 100, "node1")
		b := crdt.NewLWWRegister("node2")
		b.Set([]byte("from-node2"), 100, "node2")

		merged, err := a.Merge(b)
		assert.NoError(t, err)
		assert.Equal(t, []byte("from-node2"), merged.(*crdt.LWWRegister).Payload)
	})

	t.Run("MarshalUnmarshal", func(t *testing.T) {
		a := crdt.NewLWWRegister("node1")
		a.Set([]byte("value"), 42, "node1")

		data, err := a.Marshal()
		assert.NoError(t, err)
		assert.NotEmpty(t, data)

		v, err := crdt.UnmarshalValue(crdt.KindLWWRegister, data)
		assert.NoError(t, err)
		assert.Equal(t, []byte("value"), v.(*crdt.LWWRegister).Payload)
	})

	t.Run("IncompatibleMerge", func(t *testing.T) {
		reg := crdt.NewLWWRegister("node1")
		counter := crdt.NewPNCounter("node1")

		_, err := reg.Merge(counter)
		assert.ErrorIs(t, err, crdt.ErrIncompatibleTypes)
	})
}
