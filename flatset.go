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

// FlatSet is the key-only form of FlatMap: a single open-addressing table
// of at most 255 slots. The zero value is not usable; construct with
// NewFlatSet or Init.
//
// A FlatSet is NOT goroutine-safe.
type FlatSet[K Key] struct {
	m FlatMap[K, struct{}]
}

// NewFlatSet constructs a FlatSet with the specified initial capacity.
func NewFlatSet[K Key](initialCapacity int, options ...Option[K, struct{}]) *FlatSet[K] {
	s := &FlatSet[K]{}
	s.Init(initialCapacity, options...)
	return s
}

// Init readies a FlatSet for use, discarding any prior state.
func (s *FlatSet[K]) Init(initialCapacity int, options ...Option[K, struct{}]) {
	s.m.Init(initialCapacity, options...)
}

// Insert adds key to the set, reporting false if it was already present or
// the set cannot grow.
func (s *FlatSet[K]) Insert(key K) bool {
	return s.m.Insert(key, struct{}{})
}

// Erase removes key, reporting whether it was present.
func (s *FlatSet[K]) Erase(key K) bool {
	return s.m.Erase(key)
}

// Contains reports whether key is in the set.
func (s *FlatSet[K]) Contains(key K) bool {
	return s.m.Contains(key)
}

// All calls yield for each key until yield returns false.
func (s *FlatSet[K]) All(yield func(key K) bool) {
	s.m.All(func(k K, _ struct{}) bool {
		return yield(k)
	})
}

func (s *FlatSet[K]) Len() int             { return s.m.Len() }
func (s *FlatSet[K]) Capacity() int        { return s.m.Capacity() }
func (s *FlatSet[K]) VirtualCapacity() int { return s.m.VirtualCapacity() }
func (s *FlatSet[K]) Fullness() int        { return s.m.Fullness() }
func (s *FlatSet[K]) MemoryUsage() int     { return s.m.MemoryUsage() }

func (s *FlatSet[K]) Fit() error                     { return s.m.Fit() }
func (s *FlatSet[K]) Reserve(n int) error            { return s.m.Reserve(n) }
func (s *FlatSet[K]) SetFullness(fullness int) error { return s.m.SetFullness(fullness) }
func (s *FlatSet[K]) Clear()                         { s.m.Clear() }
func (s *FlatSet[K]) Close()                         { s.m.Close() }

// Clone returns an independent deep copy of the set.
func (s *FlatSet[K]) Clone() (*FlatSet[K], error) {
	m, err := s.m.Clone()
	if err != nil {
		return nil, err
	}
	return &FlatSet[K]{m: *m}, nil
}

// EqualSets reports whether a and b hold exactly the same keys.
func EqualSets[K Key](a, b *FlatSet[K]) bool {
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
