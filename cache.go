// Copyright 2024 The immukv authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package immukv

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// readCache is an optional read-through cache of decoded log entries,
// keyed by their log version id (see GetByLogVersion). It is purely an
// optimization: every value it serves was already decoded by the codec at
// the time it was inserted, and
// nothing in the write path or repair path ever consults it to make a
// trust decision. A disabled cache (size <= 0) is represented as a nil
// *readCache, and all its methods are nil-receiver safe.
type readCache[V any] struct {
	lru *lru.Cache[string, Entry[V]]
}

func newReadCache[V any](size int) *readCache[V] {
	if size <= 0 {
		return nil
	}
	c, err := lru.New[string, Entry[V]](size)
	if err != nil {
		// Only invalid (non-positive) sizes cause an error, already
		// excluded above.
		return nil
	}
	return &readCache[V]{lru: c}
}

func (c *readCache[V]) get(key string) (Entry[V], bool) {
	if c == nil {
		return Entry[V]{}, false
	}
	return c.lru.Get(key)
}

func (c *readCache[V]) put(key string, e Entry[V]) {
	if c == nil {
		return
	}
	c.lru.Add(key, e)
}
