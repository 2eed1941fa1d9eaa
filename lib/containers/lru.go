// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	lru "github.com/hashicorp/golang-lru"
)

// LRUCache is a typed least-recently-used cache.  A zero LRUCache is
// not usable; it must be initialized with NewLRUCache.
type LRUCache[K comparable, V any] struct {
	inner *lru.Cache
}

func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	c := new(LRUCache[K, V])
	c.inner, _ = lru.New(size)
	return c
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	_value, ok := c.inner.Get(key)
	if ok {
		//nolint:forcetypeassert // Typed wrapper around untyped lib.
		value = _value.(V)
	}
	return value, ok
}

func (c *LRUCache[K, V]) Len() int {
	return c.inner.Len()
}

// Remove drops key from the cache, returning whether it was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	return c.inner.Remove(key)
}

func (c *LRUCache[K, V]) Purge() {
	c.inner.Purge()
}
