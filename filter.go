package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// Filters
// ============================================================================

// FilterOp is a filter operator.
type FilterOp string

const (
	OpEq           FilterOp = "$eq"
	OpNe           FilterOp = "$ne"
	OpIn           FilterOp = "$in"
	OpNin          FilterOp = "$nin"
	OpGt           FilterOp = "$gt"
	OpGte          FilterOp = "$gte"
	OpLt           FilterOp = "$lt"
	OpLte          FilterOp = "$lte"
	OpExists       FilterOp = "$exists"
	OpAutocomplete FilterOp = "$autocomplete"
	OpAnd          FilterOp = "$and"
	OpOr           FilterOp = "$or"
	OpNor          FilterOp = "$nor"
)

// Filter is a channel query filter tree. Leaf filters carry Field and Value,
// logical filters carry Children.
type Filter struct {
	Op       FilterOp
	Field    string
	Value    any
	Children []Filter
}

func leaf(op FilterOp, field string, value any) Filter {
	return Filter{Op: op, Field: field, Value: value}
}

func Eq(field string, value any) Filter { return leaf(OpEq, field, value) }
func Ne(field string, value any) Filter { return leaf(OpNe, field, value) }
func In(field string, values ...any) Filter { return leaf(OpIn, field, values) }
func Nin(field string, values ...any) Filter { return leaf(OpNin, field, values) }
func Gt(field string, value any) Filter { return leaf(OpGt, field, value) }
func Gte(field string, value any) Filter { return leaf(OpGte, field, value) }
func Lt(field string, value any) Filter { return leaf(OpLt, field, value) }
func Lte(field string, value any) Filter { return leaf(OpLte, field, value) }
func Exists(field string, exists bool) Filter { return leaf(OpExists, field, exists) }
func Autocomplete(field, prefix string) Filter { return leaf(OpAutocomplete, field, prefix) }
func And(filters ...Filter) Filter { return Filter{Op: OpAnd, Children: filters} }
func Or(filters ...Filter) Filter { return Filter{Op: OpOr, Children: filters} }
func Nor(filters ...Filter) Filter { return Filter{Op: OpNor, Children: filters} }

// IsZero reports whether the filter is empty (matches everything).
func (f Filter) IsZero() bool {
	return f.Op == "" && f.Field == "" && f.Value == nil && len(f.Children) == 0
}

// MarshalJSON renders the filter in the service's object notation:
// {"field":{"$op":value}} or {"$and":[...]}.
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.object())
}

func (f Filter) object() map[string]any {
	switch f.Op {
	case "":
		return map[string]any{}
	case OpAnd, OpOr, OpNor:
		children := make([]map[string]any, 0, len(f.Children))
		for _, c := range f.Children {
			children = append(children, c.object())
		}
		return map[string]any{string(f.Op): children}
	default:
		return map[string]any{f.Field: map[string]any{string(f.Op): f.Value}}
	}
}

// String is the canonical representation used for query spec ids.
func (f Filter) String() string {
	b, err := f.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%#v", f)
	}
	return string(b)
}

// ============================================================================
// Sorting
// ============================================================================

// Sort directions.
const (
	SortAscending  = 1
	SortDescending = -1
)

// SortField is one (field, direction) pair.
type SortField struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// QuerySort orders channels; earlier fields take precedence.
type QuerySort []SortField

// DefaultChannelSort orders by most recent activity.
var DefaultChannelSort = QuerySort{{Field: "last_updated", Direction: SortDescending}}

// Asc appends an ascending field.
func (s QuerySort) Asc(field string) QuerySort {
	return append(append(QuerySort(nil), s...), SortField{Field: field, Direction: SortAscending})
}

// Desc appends a descending field.
func (s QuerySort) Desc(field string) QuerySort {
	return append(append(QuerySort(nil), s...), SortField{Field: field, Direction: SortDescending})
}

func (s QuerySort) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = fmt.Sprintf("%s:%d", f.Field, f.Direction)
	}
	return strings.Join(parts, ",")
}

// Compare returns <0 when a sorts before b.
func (s QuerySort) Compare(a, b Channel) int {
	for _, f := range s {
		c := compareChannelField(f.Field, a, b)
		if c != 0 {
			if f.Direction == SortDescending {
				return -c
			}
			return c
		}
	}
	return strings.Compare(a.CID, b.CID)
}

// SortChannels sorts in place.
func (s QuerySort) SortChannels(channels []Channel) {
	sort.SliceStable(channels, func(i, j int) bool {
		return s.Compare(channels[i], channels[j]) < 0
	})
}

func compareChannelField(field string, a, b Channel) int {
	switch field {
	case "last_message_at":
		return compareTimePtr(a.LastMessageAt, b.LastMessageAt)
	case "created_at":
		return compareTimePtr(a.CreatedAt, b.CreatedAt)
	case "updated_at":
		return compareTimePtr(a.UpdatedAt, b.UpdatedAt)
	case "last_updated":
		return compareTime(lastUpdated(a), lastUpdated(b))
	case "member_count":
		return compareInt(a.MemberCount, b.MemberCount)
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "cid":
		return strings.Compare(a.CID, b.CID)
	default:
		return compareExtra(a.Extra[field], b.Extra[field])
	}
}

func lastUpdated(c Channel) time.Time {
	var t time.Time
	if c.CreatedAt != nil {
		t = *c.CreatedAt
	}
	if c.LastMessageAt != nil && c.LastMessageAt.After(t) {
		t = *c.LastMessageAt
	}
	return t
}

func compareTimePtr(a, b *time.Time) int {
	var ta, tb time.Time
	if a != nil {
		ta = *a
	}
	if b != nil {
		tb = *b
	}
	return compareTime(ta, tb)
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareExtra(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case int:
		if bv, ok := b.(int); ok {
			return compareInt(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	// Present values sort after missing ones.
	switch {
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	return 0
}

// ============================================================================
// Query spec
// ============================================================================

// QueryChannelsSpec is the durable association between a (filter, sort) pair
// and the set of channel ids it currently resolves to.
type QueryChannelsSpec struct {
	ID     string
	Filter Filter
	Sort   QuerySort
	CIDs   []string
}

// QuerySpecID derives the cache row id from filter and sort. The same logical
// query always maps to the same id.
func QuerySpecID(filter Filter, sort QuerySort) string {
	return fmt.Sprintf("%016x-%016x", xxhash.Sum64String(filter.String()), xxhash.Sum64String(sort.String()))
}

// NewQueryChannelsSpec returns an empty spec for a query.
func NewQueryChannelsSpec(filter Filter, sort QuerySort) QueryChannelsSpec {
	return QueryChannelsSpec{ID: QuerySpecID(filter, sort), Filter: filter, Sort: sort}
}

// Contains reports whether cid is part of the spec.
func (q QueryChannelsSpec) Contains(cid string) bool {
	for _, c := range q.CIDs {
		if c == cid {
			return true
		}
	}
	return false
}

// WithCIDs returns a copy with the cids added (set semantics).
func (q QueryChannelsSpec) WithCIDs(cids ...string) QueryChannelsSpec {
	out := q
	out.CIDs = append([]string(nil), q.CIDs...)
	for _, cid := range cids {
		if !out.Contains(cid) {
			out.CIDs = append(out.CIDs, cid)
		}
	}
	return out
}

// WithoutCIDs returns a copy with the cids removed.
func (q QueryChannelsSpec) WithoutCIDs(cids ...string) QueryChannelsSpec {
	drop := make(map[string]struct{}, len(cids))
	for _, cid := range cids {
		drop[cid] = struct{}{}
	}
	out := q
	out.CIDs = make([]string, 0, len(q.CIDs))
	for _, cid := range q.CIDs {
		if _, ok := drop[cid]; !ok {
			out.CIDs = append(out.CIDs, cid)
		}
	}
	return out
}
