package crdt

import (
	"encoding/json"
	"fmt"
)

// LWWRegister is a Last-Write-Wins Register: merge takes the larger
// (ts, writer) pair, writer NodeId breaking ties between equal timestamps.
type LWWRegister struct {
	Payload []byte `json:"payload"`
	Ts      uint64 `json:"ts"`
	Writer  string `json:"writer"`
}

// NewLWWRegister creates an empty register owned by writer.
func NewLWWRegister(writer string) *LWWRegister {
	return &LWWRegister{Writer: writer}
}

func (r *LWWRegister) Kind() ValueKind { return KindLWWRegister }

// Set assigns payload at logical timestamp ts, authored by writer.
func (r *LWWRegister) Set(payload []byte, ts uint64, writer string) {
	r.Payload = payload
	r.Ts = ts
	r.Writer = writer
}

func (r *LWWRegister) Merge(other Value) (Value, error) {
	o, ok := other.(*LWWRegister)
	if !ok {
		return nil, fmt.Errorf("%w: expected *LWWRegister, got %T", ErrIncompatibleTypes, other)
	}
	if o.Ts > r.Ts || (o.Ts == r.Ts && o.Writer > r.Writer) {
		return &LWWRegister{Payload: o.Payload, Ts: o.Ts, Writer: o.Writer}, nil
	}
	return &LWWRegister{Payload: r.Payload, Ts: r.Ts, Writer: r.Writer}, nil
}

func (r *LWWRegister) Marshal() ([]byte, error) { return json.Marshal(r) }
