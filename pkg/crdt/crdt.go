// Package crdt implements the keyed CRDT store: commutative, associative,
// idempotent per-key values with causal metadata and tombstones.
package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ValueKind is the closed set of CRDT value kinds. Adding a kind means
// updating encoding, merge, and delta construction explicitly; there is no
// open polymorphism here.
type ValueKind string

const (
	KindLWWRegister ValueKind = "lww"
	KindORSet       ValueKind = "orset"
	KindGCounter    ValueKind = "gcounter"
	KindPNCounter   ValueKind = "pncounter"
)

var (
	ErrIncompatibleTypes = errors.New("incompatible CRDT value kinds")
	ErrUnknownKind       = errors.New("unknown CRDT value kind")
)

// Value is the tagged-union contract every CRDT payload satisfies.
type Value interface {
	Kind() ValueKind
	Merge(other Value) (Value, error)
	Marshal() ([]byte, error)
}

// NewValue constructs a zero Value of the given kind, owned by writer.
func NewValue(k ValueKind, writer string) (Value, error) {
	switch k {
	case KindLWWRegister:
		return NewLWWRegister(writer), nil
	case KindORSet:
		return NewORSet(writer), nil
	case KindGCounter:
		return NewGCounter(writer), nil
	case KindPNCounter:
		return NewPNCounter(writer), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
}

// UnmarshalValue decodes a Value previously produced by Marshal, given its kind.
func UnmarshalValue(k ValueKind, data []byte) (Value, error) {
	v, err := NewValue(k, "")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return v, nil
}

// VectorClock is a partial function NodeId -> counter; only nonzero entries
// are stored. It is never decremented.
type VectorClock map[string]uint64

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Bump advances writer's entry to at least newValue, never decreasing it.
func (vc VectorClock) Bump(writer string, newValue uint64) {
	if newValue > vc[writer] {
		vc[writer] = newValue
	}
}

// Merge returns the pointwise-max union of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Dominates reports whether vc >= other in every component and > in at least one.
func (vc VectorClock) Dominates(other VectorClock) bool {
	strictlyGreater := false
	for k, v := range other {
		if vc[k] < v {
			return false
		}
		if vc[k] > v {
			strictlyGreater = true
		}
	}
	for k, v := range vc {
		if v > other[k] {
			strictlyGreater = true
		}
	}
	return strictlyGreater
}

// Concurrent reports whether neither clock dominates the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.Dominates(other) && !other.Dominates(vc) && !vc.Equal(other)
}

// Equal reports whether both clocks carry identical nonzero entries.
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for k, v := range vc {
		if other[k] != v {
			return false
		}
	}
	return true
}

// canonicalBytes renders the clock in ascending-key order for hashing, per
// the canonical encoding rule that maps serialize in ascending key order.
func (vc VectorClock) canonicalBytes() []byte {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		writeLenPrefixed(&buf, []byte(k))
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], vc[k])
		buf.Write(v[:])
	}
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

// Tombstone marks a deleted key. The key remains observable in the store and
// the MST until expiresAt passes the safe horizon (see persistence compaction).
type Tombstone struct {
	ExpiresAt        int64       `json:"expires_at"`
	WriterVectorClock VectorClock `json:"writer_vector_clock"`
}

// domain-separation tags for ValueDigest inputs, distinct from the MST's own
// leaf/internal tags.
const (
	tagValueDigest byte = 0x01
)

// Entry is one record in the CRDT store: a key's value, its causal metadata,
// optional tombstone, and the digest that the MST indexes.
type Entry struct {
	Key         []byte      `json:"key"`
	ValueKind   ValueKind   `json:"value_kind"`
	Value       Value       `json:"-"`
	RawValue    []byte      `json:"value"`
	VectorClock VectorClock `json:"vector_clock"`
	Tombstone   *Tombstone  `json:"tombstone,omitempty"`
	ValueDigest [32]byte    `json:"-"`
}

// RecomputeDigest recomputes ValueDigest as a pure function of Value,
// VectorClock, and Tombstone, per the Entry invariant.
func (e *Entry) RecomputeDigest() error {
	raw, err := e.Value.Marshal()
	if err != nil {
		return fmt.Errorf("marshal value for digest: %w", err)
	}
	e.RawValue = raw

	h := sha256.New()
	h.Write([]byte{tagValueDigest})
	h.Write([]byte(e.ValueKind))
	var buf bytes.Buffer
	writeLenPrefixed(&buf, raw)
	writeLenPrefixed(&buf, e.VectorClock.canonicalBytes())
	if e.Tombstone != nil {
		buf.WriteByte(1)
		var exp [8]byte
		binary.LittleEndian.PutUint64(exp[:], uint64(e.Tombstone.ExpiresAt))
		buf.Write(exp[:])
		writeLenPrefixed(&buf, e.Tombstone.WriterVectorClock.canonicalBytes())
	} else {
		buf.WriteByte(0)
	}
	h.Write(buf.Bytes())
	copy(e.ValueDigest[:], h.Sum(nil))
	return nil
}

// MarshalJSON encodes the Entry including its concrete Value payload.
func (e *Entry) MarshalJSON() ([]byte, error) {
	if err := e.RecomputeDigest(); err != nil {
		return nil, err
	}
	type alias Entry
	return json.Marshal((*alias)(e))
}

// UnmarshalJSON decodes an Entry, reconstructing its concrete Value from RawValue.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	v, err := UnmarshalValue(e.ValueKind, e.RawValue)
	if err != nil {
		return err
	}
	e.Value = v
	return e.RecomputeDigest()
}
