package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
)

// dot is a (writer, counter) unique tag, per spec.md's ORSet definition.
type dot struct {
	Writer  string `json:"w"`
	Counter uint64 `json:"c"`
}

// ORSet is an Observed-Removed Set: adds are (element, tag) pairs, removes
// are a set of tags; an element is observed iff it has an add tag not in removes.
type ORSet struct {
	writer  string
	counter uint64

	Adds    map[string][]dot `json:"adds"`    // element (string-keyed) -> add tags
	Removes map[string]bool  `json:"removes"` // serialized dot -> present
}

// NewORSet creates an empty set whose local additions are tagged by writer.
func NewORSet(writer string) *ORSet {
	return &ORSet{
		writer:  writer,
		Adds:    make(map[string][]dot),
		Removes: make(map[string]bool),
	}
}

func (s *ORSet) Kind() ValueKind { return KindORSet }

func dotKey(d dot) string { return fmt.Sprintf("%s/%d", d.Writer, d.Counter) }

// Add inserts element with a freshly minted dot.
func (s *ORSet) Add(element string) {
	c := atomic.AddUint64(&s.counter, 1)
	s.Adds[element] = append(s.Adds[element], dot{Writer: s.writer, Counter: c})
}

// Remove tombstones every add-tag currently observed for element.
func (s *ORSet) Remove(element string) {
	for _, d := range s.Adds[element] {
		s.Removes[dotKey(d)] = true
	}
}

// Contains reports whether element has a surviving (non-removed) add tag.
func (s *ORSet) Contains(element string) bool {
	for _, d := range s.Adds[element] {
		if !s.Removes[dotKey(d)] {
			return true
		}
	}
	return false
}

// Elements returns all currently-observed elements in lexicographic order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.Adds))
	for e := range s.Adds {
		if s.Contains(e) {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

func (s *ORSet) Merge(other Value) (Value, error) {
	o, ok := other.(*ORSet)
	if !ok {
		return nil, fmt.Errorf("%w: expected *ORSet, got %T", ErrIncompatibleTypes, other)
	}
	merged := &ORSet{
		writer:  s.writer,
		counter: s.counter,
		Adds:    make(map[string][]dot, len(s.Adds)),
		Removes: make(map[string]bool, len(s.Removes)),
	}
	seen := make(map[string]map[string]bool)
	addAll := func(m map[string][]dot) {
		for elem, dots := range m {
			if seen[elem] == nil {
				seen[elem] = make(map[string]bool)
			}
			for _, d := range dots {
				key := dotKey(d)
				if !seen[elem][key] {
					seen[elem][key] = true
					merged.Adds[elem] = append(merged.Adds[elem], d)
				}
			}
		}
	}
	addAll(s.Adds)
	addAll(o.Adds)
	for k := range s.Removes {
		merged.Removes[k] = true
	}
	for k := range o.Removes {
		merged.Removes[k] = true
	}
	if o.counter > merged.counter {
		merged.counter = o.counter
	}
	return merged, nil
}

func (s *ORSet) Marshal() ([]byte, error) { return json.Marshal(s) }
