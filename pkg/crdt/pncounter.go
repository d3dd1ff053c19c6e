package crdt

import (
	"encoding/json"
	"fmt"
)

// PNCounter is a positive-negative counter: two embedded GCounters, value is
// sum(p) - sum(n).
type PNCounter struct {
	P *GCounter `json:"p"`
	N *GCounter `json:"n"`
}

// NewPNCounter creates an empty counter whose local increments/decrements are
// attributed to writer.
func NewPNCounter(writer string) *PNCounter {
	return &PNCounter{P: NewGCounter(writer), N: NewGCounter(writer)}
}

func (c *PNCounter) Kind() ValueKind { return KindPNCounter }

// Increment adds by to the positive side.
func (c *PNCounter) Increment(by uint64) { c.P.Increment(by) }

// Decrement adds by to the negative side.
func (c *PNCounter) Decrement(by uint64) { c.N.Increment(by) }

// Value returns sum(p) - sum(n) as a signed total.
func (c *PNCounter) Value() int64 {
	return int64(c.P.Total()) - int64(c.N.Total())
}

func (c *PNCounter) Merge(other Value) (Value, error) {
	o, ok := other.(*PNCounter)
	if !ok {
		return nil, fmt.Errorf("%w: expected *PNCounter, got %T", ErrIncompatibleTypes, other)
	}
	mergedP, err := c.P.Merge(o.P)
	if err != nil {
		return nil, err
	}
	mergedN, err := c.N.Merge(o.N)
	if err != nil {
		return nil, err
	}
	return &PNCounter{P: mergedP.(*GCounter), N: mergedN.(*GCounter)}, nil
}

func (c *PNCounter) Marshal() ([]byte, error) { return json.Marshal(c) }
