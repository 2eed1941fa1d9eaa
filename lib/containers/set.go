// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"golang.org/x/exp/constraints"

	"git.lukeshu.com/btrfs-reloc/lib/maps"
)

type Set[T constraints.Ordered] map[T]struct{}

var (
	_ lowmemjson.Encodable = Set[int]{}
	_ lowmemjson.Decodable = (*Set[int])(nil)
)

func NewSet[T constraints.Ordered](values ...T) Set[T] {
	ret := make(Set[T], len(values))
	for _, v := range values {
		ret.Insert(v)
	}
	return ret
}

func (o Set[T]) EncodeJSON(w io.Writer) error {
	return lowmemjson.NewEncoder(w).Encode(maps.SortedKeys(o))
}

func (o *Set[T]) DecodeJSON(r io.RuneScanner) error {
	var list []T
	if err := lowmemjson.NewDecoder(r).Decode(&list); err != nil {
		return err
	}
	if list == nil {
		*o = nil
		return nil
	}
	*o = NewSet(list...)
	return nil
}

func (o Set[T]) Insert(v T) {
	o[v] = struct{}{}
}

func (o Set[T]) Has(v T) bool {
	_, ok := o[v]
	return ok
}

func (o Set[T]) Delete(v T) {
	if o == nil {
		return
	}
	delete(o, v)
}

// Sorted returns the members of the set in ascending order.
func (o Set[T]) Sorted() []T {
	return maps.SortedKeys(o)
}
