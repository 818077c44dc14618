// Package changes tracks which mirrored entities a sync pass touched so that
// downstream consumers can be notified once per pass.
package changes

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Kind names a class of mirrored entity.
type Kind string

const (
	Accounts      Kind = "accounts"
	Organizations Kind = "organizations"
	Repositories  Kind = "repositories"
	Issues        Kind = "issues"
	Comments      Kind = "comments"
	Labels        Kind = "labels"
	Milestones    Kind = "milestones"
	Events        Kind = "events"
	Reactions     Kind = "reactions"
	Projects      Kind = "projects"
	Webhooks      Kind = "webhooks"
)

// Summary is a set of (kind, id) pairs. The zero value is the empty summary.
// Summaries are values: Union never mutates its inputs.
type Summary struct {
	sets map[Kind]map[int64]struct{}
}

// Empty is the identity element for Union.
var Empty = Summary{}

// Of builds a summary containing ids under kind.
func Of(kind Kind, ids ...int64) Summary {
	var s Summary
	s.Add(kind, ids...)
	return s
}

// Add records ids under kind.
func (s *Summary) Add(kind Kind, ids ...int64) {
	if len(ids) == 0 {
		return
	}
	if s.sets == nil {
		s.sets = make(map[Kind]map[int64]struct{})
	}
	set, ok := s.sets[kind]
	if !ok {
		set = make(map[int64]struct{}, len(ids))
		s.sets[kind] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// UnionWith folds other into s.
func (s *Summary) UnionWith(other Summary) {
	for kind, set := range other.sets {
		for id := range set {
			s.Add(kind, id)
		}
	}
}

// Union returns every pair present in a or b.
func Union(a, b Summary) Summary {
	var out Summary
	out.UnionWith(a)
	out.UnionWith(b)
	return out
}

// IsEmpty reports whether the summary names no entity. Publishers must
// check this before sending.
func (s Summary) IsEmpty() bool {
	for _, set := range s.sets {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// Contains reports whether (kind, id) is in the summary.
func (s Summary) Contains(kind Kind, id int64) bool {
	_, ok := s.sets[kind][id]
	return ok
}

// IDs returns the sorted ids recorded under kind.
func (s Summary) IDs(kind Kind) []int64 {
	set := s.sets[kind]
	if len(set) == 0 {
		return nil
	}
	ids := slices.Collect(maps.Keys(set))
	slices.Sort(ids)
	return ids
}

// Kinds returns the kinds with at least one id, sorted.
func (s Summary) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.sets))
	for kind, set := range s.sets {
		if len(set) > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Len counts all pairs.
func (s Summary) Len() int {
	n := 0
	for _, set := range s.sets {
		n += len(set)
	}
	return n
}

// Equal reports whether both summaries hold the same pairs.
func (s Summary) Equal(other Summary) bool {
	if s.Len() != other.Len() {
		return false
	}
	for kind, set := range s.sets {
		for id := range set {
			if !other.Contains(kind, id) {
				return false
			}
		}
	}
	return true
}

func (s Summary) String() string {
	return fmt.Sprintf("changes%v", s.asMap())
}

func (s Summary) asMap() map[Kind][]int64 {
	out := make(map[Kind][]int64, len(s.sets))
	for _, kind := range s.Kinds() {
		out[kind] = s.IDs(kind)
	}
	return out
}

// MarshalJSON encodes the summary as {"kind": [ids...]}.
func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.asMap())
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (s *Summary) UnmarshalJSON(data []byte) error {
	var raw map[Kind][]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode change summary: %w", err)
	}
	*s = Summary{}
	for kind, ids := range raw {
		s.Add(kind, ids...)
	}
	return nil
}
