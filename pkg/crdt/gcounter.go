package crdt

import (
	"encoding/json"
	"fmt"
)

// GCounter is a grow-only counter: per-writer counts, merge is pointwise max,
// value is the sum.
type GCounter struct {
	writer string
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter creates an empty counter whose local increments are attributed to writer.
func NewGCounter(writer string) *GCounter {
	return &GCounter{writer: writer, Counts: make(map[string]uint64)}
}

func (c *GCounter) Kind() ValueKind { return KindGCounter }

// Increment adds by (must be positive) to writer's own count.
func (c *GCounter) Increment(by uint64) {
	c.Counts[c.writer] += by
}

// Total returns sum of all per-writer counts.
func (c *GCounter) Total() uint64 {
	var total uint64
	for _, v := range c.Counts {
		total += v
	}
	return total
}

func (c *GCounter) Merge(other Value) (Value, error) {
	o, ok := other.(*GCounter)
	if !ok {
		return nil, fmt.Errorf("%w: expected *GCounter, got %T", ErrIncompatibleTypes, other)
	}
	merged := &GCounter{writer: c.writer, Counts: make(map[string]uint64, len(c.Counts))}
	for k, v := range c.Counts {
		merged.Counts[k] = v
	}
	for k, v := range o.Counts {
		if v > merged.Counts[k] {
			merged.Counts[k] = v
		}
	}
	return merged, nil
}

func (c *GCounter) Marshal() ([]byte, error) { return json.Marshal(c) }
