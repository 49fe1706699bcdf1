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

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// toBuiltinMap returns the elements as a map[K]V. Useful for testing.
func (m *FlatMap[K, V]) toBuiltinMap() map[K]V {
	r := make(map[K]V)
	m.All(func(k K, v V) bool {
		r[k] = v
		return true
	})
	return r
}

// randElement relies on unspecified iteration order to pick an arbitrary
// element.
func (m *FlatMap[K, V]) randElement() (key K, value V, ok bool) {
	m.All(func(k K, v V) bool {
		key, value = k, v
		ok = true
		return false
	})
	return
}

type countingAllocator[K Key, V any] struct {
	alloc int
	free  int
}

func (a *countingAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	a.alloc++
	return make([]Slot[K, V], n), nil
}

func (a *countingAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
	a.free++
}

// failingAllocator fails every allocation while fail is set, emulating a
// target without virtual memory running out of heap.
type failingAllocator[K Key, V any] struct {
	fail  bool
	count int
}

func (a *failingAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	if a.fail {
		return nil, errors.New("out of memory")
	}
	a.count++
	return make([]Slot[K, V], n), nil
}

func (a *failingAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

func TestFlatMapBasic(t *testing.T) {
	test := func(t *testing.T, m *FlatMap[int, int]) {
		const count = 100

		e := make(map[int]int)
		require.EqualValues(t, 0, m.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			_, ok := m.Get(i)
			require.False(t, ok)
		}

		// Insert.
		for i := 0; i < count; i++ {
			require.True(t, m.Insert(i, i+count))
			e[i] = i + count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+count, v)
			require.EqualValues(t, i+1, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Update through Put.
		for i := 0; i < count; i++ {
			require.True(t, m.Put(i, i+2*count))
			e[i] = i + 2*count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+2*count, v)
			require.EqualValues(t, count, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Delete.
		for i := 0; i < count; i++ {
			require.True(t, m.Erase(i))
			delete(e, i)
			require.EqualValues(t, count-i-1, m.Len())
			_, ok := m.Get(i)
			require.False(t, ok)
			require.Equal(t, e, m.toBuiltinMap())
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, NewFlatMap[int, int](0))
	})

	t.Run("preallocated", func(t *testing.T) {
		test(t, NewFlatMap[int, int](100))
	})

	t.Run("degenerate", func(t *testing.T) {
		// A constant hasher turns every probe into a walk of the full
		// cycle; correctness must not depend on hash quality.
		m := NewFlatMap[int, int](0,
			WithHasher[int, int](func(raw uint64, capacity uint32) uint32 {
				return 0
			}))
		test(t, m)
	})
}

func TestFlatMapDuplicateInsert(t *testing.T) {
	m := NewFlatMap[int, string](0)
	require.True(t, m.Insert(1, "a"))
	require.False(t, m.Insert(1, "b"))
	v, ok := m.Get(1)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.EqualValues(t, 1, m.Len())
}

func TestFlatMapTombstoneReuse(t *testing.T) {
	m := NewFlatMap[int, int](64)
	for i := 0; i < 32; i++ {
		require.True(t, m.Insert(i, i))
	}
	deadBefore := m.deadSize

	// Erase leaves a tombstone: size drops, deadSize stays.
	require.True(t, m.Erase(17))
	require.EqualValues(t, 31, m.size)
	require.EqualValues(t, deadBefore, m.deadSize)
	_, ok := m.Get(17)
	require.False(t, ok)

	// Reinserting the same key adopts its tombstone without touching a
	// fresh slot.
	require.True(t, m.Insert(17, 1717))
	require.EqualValues(t, 32, m.size)
	require.EqualValues(t, deadBefore, m.deadSize)
	v, ok := m.Get(17)
	require.True(t, ok)
	require.EqualValues(t, 1717, v)
}

func TestFlatMapTombstoneBound(t *testing.T) {
	// After any insert returns, touched slots must not exceed the virtual
	// capacity; the proactive rehash on deadSize enforces it.
	m := NewFlatMap[int, int](0)
	rng := rand.New(rand.NewSource(3))
	e := make(map[int]int)
	for i := 0; i < 20000; i++ {
		k := rng.Intn(140)
		if rng.Intn(2) == 0 {
			if m.Insert(k, i) {
				e[k] = i
			}
			require.LessOrEqual(t, m.deadSize, m.virtualCapacity())
		} else {
			m.Erase(k)
			delete(e, k)
		}
		require.EqualValues(t, len(e), m.Len())
	}
	require.Equal(t, e, m.toBuiltinMap())
}

func TestFlatMapCapacityCeiling(t *testing.T) {
	m := NewFlatMap[int, int](0, WithFullness[int, int](100))
	for i := 0; i < maxCapacity; i++ {
		require.True(t, m.Insert(i, i), "i=%d", i)
	}
	require.EqualValues(t, maxCapacity, m.Len())
	require.EqualValues(t, maxCapacity, m.Capacity())

	// The table is at its theoretical maximum; growth must fail and the
	// table must stay intact.
	require.False(t, m.Insert(maxCapacity, maxCapacity))
	require.EqualValues(t, maxCapacity, m.Len())
	for i := 0; i < maxCapacity; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}

	// Freeing one slot makes room again.
	require.True(t, m.Erase(0))
	require.True(t, m.Insert(0, 42))
}

func TestFlatMapFit(t *testing.T) {
	m := NewFlatMap[int, int](0)
	for i := 0; i < 50; i++ {
		require.True(t, m.Insert(i, i))
	}
	for i := 0; i < 30; i++ {
		require.True(t, m.Erase(i))
	}
	e := m.toBuiltinMap()

	require.NoError(t, m.Fit())
	require.EqualValues(t, 20, m.Len())
	require.EqualValues(t, m.minCapacityFor(20), m.capacity())
	require.EqualValues(t, m.size, m.deadSize) // tombstones dropped
	require.Equal(t, e, m.toBuiltinMap())

	// Fitting an emptied table releases all storage.
	m.Clear()
	require.NoError(t, m.Fit())
	require.EqualValues(t, 0, m.Capacity())
}

func TestFlatMapSetFullness(t *testing.T) {
	m := NewFlatMap[int, int](0)
	require.Error(t, m.SetFullness(5))
	require.Error(t, m.SetFullness(101))
	require.ErrorIs(t, m.SetFullness(0), ErrFullness)

	for i := 0; i < 100; i++ {
		require.True(t, m.Insert(i, i))
	}
	capacity := m.Capacity()

	// Lowering fullness below what the current capacity can hold is
	// rejected.
	tooLow := 100 * 100 / capacity
	if tooLow >= minFullness {
		require.ErrorIs(t, m.SetFullness(tooLow-1), ErrFullness)
	}

	// A valid change recomputes the virtual capacity without rehashing.
	require.NoError(t, m.SetFullness(100))
	require.Equal(t, 100, m.Fullness())
	require.Equal(t, capacity, m.Capacity())
	require.Equal(t, capacity, m.VirtualCapacity())
}

func TestFlatMapReserve(t *testing.T) {
	m := NewFlatMap[int, int](0)
	require.NoError(t, m.Reserve(100))
	capacity := m.Capacity()
	require.GreaterOrEqual(t, m.VirtualCapacity(), 100)

	// The reserved table must absorb 100 inserts without rehashing.
	for i := 0; i < 100; i++ {
		require.True(t, m.Insert(i, i))
	}
	require.Equal(t, capacity, m.Capacity())

	// Reserve never shrinks.
	require.NoError(t, m.Reserve(10))
	require.Equal(t, capacity, m.Capacity())

	require.ErrorIs(t, m.Reserve(int(m.maxSize())+1), ErrCapacity)
}

func TestFlatMapAt(t *testing.T) {
	m := NewFlatMap[int, int](0)

	// Absent key: a zero value is inserted and its address returned.
	p := m.At(5)
	require.EqualValues(t, 0, *p)
	require.EqualValues(t, 1, m.Len())
	*p = 55
	v, ok := m.Get(5)
	require.True(t, ok)
	require.EqualValues(t, 55, v)

	// Present key: same slot.
	require.Equal(t, 55, *m.At(5))

	// Full table: the shared default is handed out and nothing is stored.
	full := NewFlatMap[int, int](0, WithFullness[int, int](100))
	for i := 0; i < maxCapacity; i++ {
		require.True(t, full.Insert(i, i))
	}
	q := full.At(9999)
	require.EqualValues(t, 0, *q)
	require.False(t, full.Contains(9999))
	require.EqualValues(t, maxCapacity, full.Len())
}

func TestFlatMapRandom(t *testing.T) {
	m := NewFlatMap[int, int](0)
	rng := rand.New(rand.NewSource(4))
	e := make(map[int]int)
	for i := 0; i < 10000; i++ {
		switch r := rng.Float64(); {
		case r < 0.5: // 50% inserts
			k, v := rng.Intn(150), rng.Int()
			if m.Insert(k, v) {
				e[k] = v
			}
		case r < 0.65: // 15% updates
			if k, _, ok := m.randElement(); !ok {
				require.EqualValues(t, 0, m.Len())
			} else {
				v := rng.Int()
				require.True(t, m.Put(k, v))
				e[k] = v
			}
		case r < 0.80: // 15% deletes
			if k, _, ok := m.randElement(); !ok {
				require.EqualValues(t, 0, m.Len())
			} else {
				require.True(t, m.Erase(k))
				delete(e, k)
			}
		case r < 0.95: // 15% lookups
			if k, v, ok := m.randElement(); !ok {
				require.EqualValues(t, 0, m.Len())
			} else {
				require.EqualValues(t, e[k], v)
			}
		default: // 5% fit and compare
			require.NoError(t, m.Fit())
			require.Equal(t, e, m.toBuiltinMap())
		}
		require.EqualValues(t, len(e), m.Len())
	}
	require.Equal(t, e, m.toBuiltinMap())
}

func TestFlatMapFloatKeys(t *testing.T) {
	m := NewFlatMap[float64, string](0)
	require.True(t, m.Insert(1.5, "a"))
	require.True(t, m.Insert(-3.25, "b"))
	require.True(t, m.Insert(0.0, "c"))
	require.False(t, m.Insert(1.5, "dup"))

	v, ok := m.Get(-3.25)
	require.True(t, ok)
	require.Equal(t, "b", v)
	require.True(t, m.Erase(1.5))
	require.False(t, m.Contains(1.5))
	require.EqualValues(t, 2, m.Len())
}

func TestFlatMapAllocator(t *testing.T) {
	a := &countingAllocator[int, int]{}
	m := NewFlatMap[int, int](0, WithAllocator[int, int](a))

	for i := 0; i < 100; i++ {
		require.True(t, m.Insert(i, i))
	}
	require.Greater(t, a.alloc, 0)
	require.Equal(t, a.alloc-1, a.free) // one live buffer

	m.Close()
	require.Equal(t, a.alloc, a.free)
	m.Close() // idempotent
	require.Equal(t, a.alloc, a.free)
}

func TestFlatMapAllocFailure(t *testing.T) {
	a := &failingAllocator[int, int]{}
	m := NewFlatMap[int, int](0, WithAllocator[int, int](a))
	for i := 0; i < 20; i++ {
		require.True(t, m.Insert(i, i))
	}
	e := m.toBuiltinMap()

	// With the allocator failing, inserts succeed until growth is needed,
	// then fail without mutating the table.
	a.fail = true
	next := 20
	for ; ; next++ {
		if !m.Insert(next, next) {
			break
		}
		e[next] = next
		require.Less(t, next, 1000) // growth must eventually be needed
	}
	require.Equal(t, e, m.toBuiltinMap())
	require.Error(t, m.Reserve(200))
	require.Error(t, m.Fit())
	require.Equal(t, e, m.toBuiltinMap()) // failed rehash leaves the table intact

	// Recovery: the same insert succeeds once memory is back.
	a.fail = false
	require.True(t, m.Insert(next, next))
	e[next] = next
	require.Equal(t, e, m.toBuiltinMap())
}

func TestFlatMapClear(t *testing.T) {
	m := NewFlatMap[int, int](0)
	for i := 0; i < 100; i++ {
		require.True(t, m.Insert(i, i))
	}
	capacity := m.Capacity()
	m.Clear()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, 0, m.deadSize)
	require.Equal(t, capacity, m.Capacity())
	m.All(func(k, v int) bool {
		require.Fail(t, "should not iterate")
		return true
	})
	require.True(t, m.Insert(1, 1))
}

func TestFlatMapCloneEqual(t *testing.T) {
	m := NewFlatMap[int, int](0)
	for i := 0; i < 60; i++ {
		require.True(t, m.Insert(i, i*i))
	}
	c, err := m.Clone()
	require.NoError(t, err)
	require.True(t, EqualMaps(m, c))
	require.Equal(t, m.toBuiltinMap(), c.toBuiltinMap())

	// Deep copy: mutating the original must not leak into the clone.
	require.True(t, m.Erase(3))
	require.True(t, c.Contains(3))
	require.False(t, EqualMaps(m, c))

	require.True(t, m.Insert(3, -1))
	require.False(t, EqualMaps(m, c)) // same keys, different value
}

func TestFlatMapInitReuse(t *testing.T) {
	var m FlatMap[int, int]
	m.Init(0)
	require.True(t, m.Insert(1, 1))
	m.Init(0)
	require.EqualValues(t, 0, m.Len())
	require.False(t, m.Contains(1))
	require.True(t, m.Insert(2, 2))
}

func TestFlatMapMemoryUsage(t *testing.T) {
	m := NewFlatMap[int, int](0)
	empty := m.MemoryUsage()
	require.Greater(t, empty, 0)
	for i := 0; i < 100; i++ {
		require.True(t, m.Insert(i, i))
	}
	require.Greater(t, m.MemoryUsage(), empty)
}
