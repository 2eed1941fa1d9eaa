// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package slices implements generic (type-parameterized) utilities
// for working with simple Go slices.
package slices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

func Sort[T constraints.Ordered](slice []T) {
	sort.Slice(slice, func(i, j int) bool {
		return slice[i] < slice[j]
	})
}

// Insert returns slice with val inserted at index i.
func Insert[T any](slice []T, i int, val T) []T {
	var zero T
	slice = append(slice, zero)
	copy(slice[i+1:], slice[i:])
	slice[i] = val
	return slice
}

// returns (a+b)/2, but avoids overflow
func avg(a, b int) int {
	return int(uint(a+b) >> 1)
}

// SearchHighest searches the slice for the right-most value for which
// `fn(slice[i]) = 0`.
//
//	: + + + 0 0 0 - - -
//	:           ^
//
// You can conceptualize `fn` as subtraction:
//
//	func(straw T) int {
//	    return needle - straw
//	}
func SearchHighest[T any](slice []T, fn func(T) int) (int, bool) {
	lastBad, lastGood, firstBad := -1, -1, len(slice)
	for max(lastBad, lastGood)+1 < firstBad {
		midpoint := avg(max(lastBad, lastGood), firstBad)
		direction := fn(slice[midpoint])
		switch {
		case direction < 0:
			firstBad = midpoint
		case direction > 0:
			lastBad = midpoint
		default:
			lastGood = midpoint
		}
	}
	if lastGood < 0 {
		return 0, false
	}
	return lastGood, true
}
