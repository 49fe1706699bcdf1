// Copyright 2025 The Tinytable Authors
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

package tinytable

// ShardedSet is the key-only form of ShardedMap: up to 255 flat tables
// behind a range directory. The zero value is not usable; construct with
// NewShardedSet or Init.
//
// A ShardedSet is NOT goroutine-safe.
type ShardedSet[K Key] struct {
	m ShardedMap[K, struct{}]
}

// NewShardedSet constructs an empty ShardedSet.
func NewShardedSet[K Key](options ...Option[K, struct{}]) *ShardedSet[K] {
	s := &ShardedSet[K]{}
	s.Init(options...)
	return s
}

// Init readies a ShardedSet for use, discarding any prior state.
func (s *ShardedSet[K]) Init(options ...Option[K, struct{}]) {
	s.m.Init(options...)
}

// Insert adds key to the set, reporting false if it was already present or
// no shard can take it.
func (s *ShardedSet[K]) Insert(key K) bool {
	return s.m.Insert(key, struct{}{})
}

// Erase removes key, reporting whether it was present.
func (s *ShardedSet[K]) Erase(key K) bool {
	return s.m.Erase(key)
}

// Contains reports whether key is in the set.
func (s *ShardedSet[K]) Contains(key K) bool {
	return s.m.Contains(key)
}

// All calls yield for each key until yield returns false.
func (s *ShardedSet[K]) All(yield func(key K) bool) {
	s.m.All(func(k K, _ struct{}) bool {
		return yield(k)
	})
}

func (s *ShardedSet[K]) Len() int              { return s.m.Len() }
func (s *ShardedSet[K]) Capacity() int         { return s.m.Capacity() }
func (s *ShardedSet[K]) PerShardCapacity() int { return s.m.PerShardCapacity() }
func (s *ShardedSet[K]) Fullness() int         { return s.m.Fullness() }
func (s *ShardedSet[K]) MemoryUsage() int      { return s.m.MemoryUsage() }

func (s *ShardedSet[K]) Fit() int                       { return s.m.Fit() }
func (s *ShardedSet[K]) Reserve(n int) error            { return s.m.Reserve(n) }
func (s *ShardedSet[K]) Remap(n int) error              { return s.m.Remap(n) }
func (s *ShardedSet[K]) SetFullness(fullness int) error { return s.m.SetFullness(fullness) }
func (s *ShardedSet[K]) Clear()                         { s.m.Clear() }
func (s *ShardedSet[K]) Close()                         { s.m.Close() }

// Clone returns an independent deep copy of the set.
func (s *ShardedSet[K]) Clone() (*ShardedSet[K], error) {
	m, err := s.m.Clone()
	if err != nil {
		return nil, err
	}
	return &ShardedSet[K]{m: *m}, nil
}

// EqualShardedSets reports whether a and b hold exactly the same keys,
// regardless of shard layout.
func EqualShardedSets[K Key](a, b *ShardedSet[K]) bool {
	if a.Len() != b.Len() {
		return false
	}
	equal := true
	a.All(func(k K) bool {
		if !b.Contains(k) {
			equal = false
			return false
		}
		return true
	})
	return equal
}
