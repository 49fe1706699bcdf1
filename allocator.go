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

// Slot holds a key and value.
type Slot[K Key, V any] struct {
	key   K
	value V
}

// Key returns the slot's key.
func (s Slot[K, V]) Key() K { return s.key }

// Value returns the slot's value.
func (s Slot[K, V]) Value() V { return s.value }

// Allocator specifies an interface for allocating and releasing the slot
// storage of a table. The default allocator uses Go's builtin make() and
// lets the GC reclaim memory.
//
// Allocation failure is a recoverable condition: the operation that needed
// the storage aborts and the table keeps its pre-operation state. On targets
// without virtual memory the allocator is expected to fail routinely under
// low memory rather than abort the program.
//
// If the allocator manages memory manually, Close must be called on the
// table to guarantee FreeSlots is invoked for every live buffer.
type Allocator[K Key, V any] interface {
	// AllocSlots returns a buffer equivalent to make([]Slot[K, V], n), or
	// an error if the storage cannot be provided.
	AllocSlots(n int) ([]Slot[K, V], error)

	// FreeSlots releases a buffer that is guaranteed to have been returned
	// by AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K Key, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	return make([]Slot[K, V], n), nil
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}
