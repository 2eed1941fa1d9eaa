// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"golang.org/x/exp/constraints"
)

// Span is a half-open interval [Beg, End).
type Span[K constraints.Integer] struct {
	Beg, End K
}

// Compare orders spans by their beginning only; a RangeSet never
// holds two spans with the same beginning.
func (a Span[K]) Compare(b Span[K]) int {
	return NativeCompare(a.Beg, b.Beg)
}

// RangeSet is a set of integers stored as sorted, disjoint,
// non-adjacent spans.  The zero RangeSet is empty and ready to use.
type RangeSet[K constraints.Integer] struct {
	inner RBTree[Span[K]]
}

// Insert adds [beg, end) to the set, coalescing it with any spans it
// touches.
func (s *RangeSet[K]) Insert(beg, end K) {
	if end <= beg {
		return
	}
	if prev := s.inner.Floor(Span[K]{Beg: beg}); prev != nil && prev.Value.End >= beg {
		beg = prev.Value.Beg
		if prev.Value.End > end {
			end = prev.Value.End
		}
		s.inner.Delete(prev)
	}
	for {
		next := s.inner.Ceil(Span[K]{Beg: beg})
		if next == nil || next.Value.Beg > end {
			break
		}
		if next.Value.End > end {
			end = next.Value.End
		}
		s.inner.Delete(next)
	}
	s.inner.Insert(Span[K]{Beg: beg, End: end})
}

// Contains returns whether k is in the set.
func (s *RangeSet[K]) Contains(k K) bool {
	node := s.inner.Floor(Span[K]{Beg: k})
	return node != nil && k < node.Value.End
}

// Skip returns the lowest value >= k that is not in the set.
func (s *RangeSet[K]) Skip(k K) K {
	if node := s.inner.Floor(Span[K]{Beg: k}); node != nil && k < node.Value.End {
		return node.Value.End
	}
	return k
}

// Overlap returns the lowest span that intersects [beg, end).
func (s *RangeSet[K]) Overlap(beg, end K) (Span[K], bool) {
	if prev := s.inner.Floor(Span[K]{Beg: beg}); prev != nil && prev.Value.End > beg {
		return prev.Value, true
	}
	if next := s.inner.Ceil(Span[K]{Beg: beg}); next != nil && next.Value.Beg < end {
		return next.Value, true
	}
	return Span[K]{}, false
}

// Spans returns the spans of the set in ascending order.
func (s *RangeSet[K]) Spans() []Span[K] {
	ret := make([]Span[K], 0, s.inner.Len())
	s.inner.Range(func(node *RBNode[Span[K]]) bool {
		ret = append(ret, node.Value)
		return true
	})
	return ret
}

// Clear empties the set.
func (s *RangeSet[K]) Clear() {
	*s = RangeSet[K]{}
}
