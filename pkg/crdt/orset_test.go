package crdt_test

import (
	"testing"

	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/stretchr/testify/assert"
)

func TestORSet(t *testing.T) {
	t.Run("AddContains", func(t *testing.T) {
		s := crdt.NewORSet("A")
		s.Add("x")
		assert.True(t, s.Contains("x"))
		assert.False(t, s.Contains("y"))
	})

	t.Run("RemoveObserved", func(t *testing.T) {
		s := crdt.NewORSet("A")
		s.Add("x")
		s.Remove("x")
		assert.False(t, s.Contains("x"))
	})

	t.Run("ConcurrentAddSurvivesUnobservedRemove", func(t *testing.T) {
		// Three-node OR-Set scenario from the testable-properties list:
		// C removes "y" without having observed A's add, so after merge
		// the add survives.
		a := crdt.NewORSet("A")
		a.Add("y")

		c := crdt.NewORSet("C")
		// C never observed A's add-tag for "y"; its own set has no entry
		// for "y" to remove, so the remove is a no-op on C's side.
		c.Remove("y")

		mergedVal, err := a.Merge(c)
		assert.NoError(t, err)
		merged := mergedVal.(*crdt.ORSet)
		assert.True(t, merged.Contains("y"))
	})

	t.Run("MergeUnionsAddsAndRemoves", func(t *testing.T) {
		a := crdt.NewORSet("A")
		a.Add("x")
		b := crdt.NewORSet("B")
		b.Add("x")

		mergedVal, _ := a.Merge(b)
		merged := mergedVal.(*crdt.ORSet)
		merged.Remove("x") // removes every add tag currently observed, including B's

		reMergedVal, err := merged.Merge(b)
		assert.NoError(t, err)
		assert.False(t, reMergedVal.(*crdt.ORSet).Contains("x"))
	})

	t.Run("IncompatibleMerge", func(t *testing.T) {
		s := crdt.NewORSet("A")
		_, err := s.Merge(crdt.NewGCounter("A"))
		assert.ErrorIs(t, err, crdt.ErrIncompatibleTypes)
	})
}
