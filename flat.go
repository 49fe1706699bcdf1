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

// Package tinytable implements associative containers for memory-constrained
// targets with a few hundred kilobytes of RAM. A FlatMap or FlatSet is a
// single open-addressing hash table of at most 255 slots with tombstone
// deletion and load-factor driven growth; a ShardedMap or ShardedSet
// composes many flat tables behind a range directory so that an application
// can hold tens of thousands of entries despite the per-table ceiling.
//
// # Flat tables
//
// A flat table stores its elements in one slot array paired with a 2-bit
// per-slot state directory (empty, used, deleted). Lookups hash the key with
// a multiplier tuned for the table's exact capacity and walk a linear probe
// sequence whose step is coprime with the capacity, so every sequence visits
// each slot at most once. Deletion leaves a tombstone that keeps its key:
// a probe for that key ends at the tombstone (not found), and a re-insert of
// the same key adopts the slot without consuming a fresh one.
//
// Tombstones are reclaimed only by rehashing. To keep probe chains short the
// table counts every slot ever touched since the last rehash (deadSize) and
// rehashes proactively once that count reaches the virtual capacity
// (capacity × fullness / 100), rather than waiting until the table is
// physically full. Without this an insert/erase-heavy workload would degrade
// probes toward O(n) while the live count stays small.
//
// # Sharded tables
//
// A sharded table derives an 8-bit range from each key and resolves it to a
// shard through a range directory that is itself a small flat table. Shards
// are created lazily, kept for reuse when drained, and reclaimed only by an
// explicit Fit. The theoretical ceiling is perShardCapacity × 255 elements.
//
// All containers are single-threaded: no operation blocks or yields, and no
// internal locking exists. Mutating a table invalidates pointers obtained
// from At and is a caller obligation to avoid during iteration.
package tinytable

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	debug = false

	// invariants enables exhaustive self-checks after every mutation. Flip
	// on when debugging the probe or rehash protocol.
	invariants = false

	// maxCapacity is the hard slot ceiling of a single flat table. Slot
	// indices, ranges, and shard indices all fit in a byte by construction.
	maxCapacity = 255

	minCapacity = 4

	minFullness     = 10
	maxFullness     = 100
	defaultFullness = 80
)

// ErrFullness is returned when a fullness value is out of range or cannot
// accommodate the elements a table currently holds.
var ErrFullness = errors.New("tinytable: invalid fullness")

// ErrCapacity is returned when an operation would exceed a table's capacity
// ceiling.
var ErrCapacity = errors.New("tinytable: capacity exhausted")

// FlatMap is an unordered map from keys to values backed by a single
// open-addressing table of at most 255 slots. The zero value is not usable;
// construct with NewFlatMap or Init.
//
// A FlatMap is NOT goroutine-safe.
type FlatMap[K Key, V any] struct {
	// slots is capacity in length and owned by the map; it is only ever
	// replaced wholesale by rehash.
	slots []Slot[K, V]
	// dir tracks the tri-state of every slot.
	dir slotDirectory
	// size is the number of live elements.
	size uint32
	// deadSize is the number of slots touched (used or tombstoned) since
	// the last rehash. It never decreases except on rehash.
	deadSize uint32
	// fullness is the configured load-factor percentage in [10, 100].
	fullness uint32
	// step is the linear-probe step for the current capacity.
	step uint32
	// hasher maps a transformed key to a start slot.
	hasher    hasherFn
	allocator Allocator[K, V]
	// shared is handed out by At when a key is absent and cannot be
	// inserted. See At.
	shared V
}

// NewFlatMap constructs a FlatMap with the specified initial capacity. If
// initialCapacity is 0 the map starts with no storage and grows on the
// first insert.
func NewFlatMap[K Key, V any](initialCapacity int, options ...Option[K, V]) *FlatMap[K, V] {
	m := &FlatMap[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init readies a FlatMap for use, discarding any prior state without
// releasing it. Useful for reusing a zero value or a moved-from map.
//
// If the allocator cannot satisfy the initial capacity the map starts
// empty; the first insert retries the allocation.
func (m *FlatMap[K, V]) Init(initialCapacity int, options ...Option[K, V]) {
	cfg := defaultConfig[K, V]()
	for _, op := range options {
		op.apply(&cfg)
	}
	*m = FlatMap[K, V]{
		fullness:  cfg.fullness,
		step:      1,
		hasher:    cfg.hasher,
		allocator: cfg.allocator,
	}
	if initialCapacity > 0 {
		_ = m.Reserve(min(initialCapacity, int(m.maxSize())))
	}
}

func (m *FlatMap[K, V]) capacity() uint32 {
	return uint32(len(m.slots))
}

// virtualCapacity is the user-visible insert ceiling before forced growth.
func (m *FlatMap[K, V]) virtualCapacity() uint32 {
	return m.capacity() * m.fullness / 100
}

// maxSize is the theoretical element ceiling at the current fullness.
func (m *FlatMap[K, V]) maxSize() uint32 {
	return maxCapacity * m.fullness / 100
}

// minCapacityFor returns the smallest capacity whose virtual capacity holds
// n elements at the current fullness.
func (m *FlatMap[K, V]) minCapacityFor(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return min((n*100+m.fullness-1)/m.fullness, maxCapacity)
}

func (m *FlatMap[K, V]) nextSlot(i uint32) uint32 {
	return (i + m.step) % m.capacity()
}

// Insert adds an entry to the map. It returns false without mutating the
// map if the key is already present, if the table cannot grow past its
// ceiling, or if the allocator fails during growth.
func (m *FlatMap[K, V]) Insert(key K, value V) bool {
	if m.deadSize >= m.virtualCapacity() {
		if !m.grow() {
			return false
		}
	}
	capacity := m.capacity()
	i := m.hasher(transform(key), capacity)
	if debug {
		fmt.Printf("insert(%v): start=%d step=%d capacity=%d\n", key, i, m.step, capacity)
	}
	for n := uint32(0); n < capacity; n++ {
		switch m.dir.state(i) {
		case slotEmpty:
			m.slots[i] = Slot[K, V]{key: key, value: value}
			m.dir.setState(i, slotUsed)
			m.size++
			m.deadSize++
			m.checkInvariants()
			return true
		case slotUsed:
			if m.slots[i].key == key {
				return false
			}
		case slotDeleted:
			// Adopting the key's own tombstone reuses a touched slot, so
			// deadSize stays put.
			if m.slots[i].key == key {
				m.slots[i].value = value
				m.dir.setState(i, slotUsed)
				m.size++
				m.checkInvariants()
				return true
			}
		}
		i = m.nextSlot(i)
	}
	// Unreachable while deadSize < virtualCapacity: the full-cycle probe
	// step always reaches an untouched slot.
	return false
}

// Put inserts an entry, overwriting the value if the key is already
// present. It returns false only when an insert was needed and failed.
func (m *FlatMap[K, V]) Put(key K, value V) bool {
	if i, ok := m.findSlot(key); ok {
		m.slots[i].value = value
		return true
	}
	return m.Insert(key, value)
}

// Get retrieves the value for key, returning ok=false if it is not present.
func (m *FlatMap[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.findSlot(key)
	if !ok {
		return value, false
	}
	return m.slots[i].value, true
}

// Contains reports whether key is present.
func (m *FlatMap[K, V]) Contains(key K) bool {
	_, ok := m.findSlot(key)
	return ok
}

// At returns a pointer to the value stored for key, inserting a zero value
// first if the key is absent. If that insert fails, At returns a pointer to
// a zero value shared by all failed accesses; a caller cannot distinguish
// "stored zero" from "absent" through At alone. Any mutation of the map
// invalidates the returned pointer.
func (m *FlatMap[K, V]) At(key K) *V {
	if i, ok := m.findSlot(key); ok {
		return &m.slots[i].value
	}
	var zero V
	if !m.Insert(key, zero) {
		m.shared = zero
		return &m.shared
	}
	i, _ := m.findSlot(key)
	return &m.slots[i].value
}

// Erase removes the entry for key, leaving a tombstone behind. It reports
// whether an element was removed. Capacity and deadSize are unchanged;
// tombstones persist until the next rehash.
func (m *FlatMap[K, V]) Erase(key K) bool {
	i, ok := m.findSlot(key)
	if !ok {
		return false
	}
	// The key stays in the slot: the tombstone must keep terminating probes
	// for this key and be adoptable by a later insert of it. Only the value
	// is released.
	var zero V
	m.slots[i].value = zero
	m.dir.setState(i, slotDeleted)
	m.size--
	m.checkInvariants()
	return true
}

// findSlot probes for key and returns its slot index. A probe ends at the
// first empty slot or at a tombstone carrying the key (both not found).
func (m *FlatMap[K, V]) findSlot(key K) (uint32, bool) {
	capacity := m.capacity()
	if capacity == 0 {
		return 0, false
	}
	i := m.hasher(transform(key), capacity)
	for n := uint32(0); n < capacity; n++ {
		switch m.dir.state(i) {
		case slotEmpty:
			return 0, false
		case slotUsed:
			if m.slots[i].key == key {
				return i, true
			}
		case slotDeleted:
			if m.slots[i].key == key {
				return 0, false
			}
		}
		i = m.nextSlot(i)
	}
	return 0, false
}

// grow doubles the capacity (capped at 255) and rehashes. It returns false
// if the table is already at the theoretical element ceiling for its
// fullness or if the allocator fails.
func (m *FlatMap[K, V]) grow() bool {
	if m.size >= m.maxSize() {
		return false
	}
	newCapacity := min(max(2*m.capacity(), minCapacity), maxCapacity)
	for newCapacity < maxCapacity && newCapacity*m.fullness/100 <= m.size {
		newCapacity = min(2*newCapacity, maxCapacity)
	}
	return m.rehash(newCapacity) == nil
}

// rehash replaces the backing array and state directory with fresh ones of
// newCapacity (clamped to [size, 255]) and re-inserts every live element.
// The old storage is consumed in full before being released, and on
// allocation failure the map is left untouched.
func (m *FlatMap[K, V]) rehash(newCapacity uint32) error {
	newCapacity = min(max(newCapacity, m.size), maxCapacity)
	newSlots, err := m.allocator.AllocSlots(int(newCapacity))
	if err != nil {
		return errors.Wrap(err, "tinytable: rehash")
	}
	oldSlots, oldDir, oldCapacity := m.slots, m.dir, m.capacity()
	m.slots = newSlots
	m.dir = newSlotDirectory(newCapacity)
	m.size = 0
	m.deadSize = 0
	m.step = probeStep(newCapacity)
	if debug {
		fmt.Printf("rehash: capacity=%d->%d step=%d\n", oldCapacity, newCapacity, m.step)
	}
	for i := uint32(0); i < oldCapacity; i++ {
		if oldDir.state(i) == slotUsed {
			m.uncheckedInsert(oldSlots[i])
		}
	}
	if oldSlots != nil {
		m.allocator.FreeSlots(oldSlots)
	}
	m.checkInvariants()
	return nil
}

// uncheckedInsert places an element known not to be in the table into the
// first free slot on its probe sequence. Only rehash may call it: the
// destination table holds no tombstones, so probing for slotUsed suffices.
func (m *FlatMap[K, V]) uncheckedInsert(s Slot[K, V]) {
	i := m.hasher(transform(s.key), m.capacity())
	for m.dir.state(i) == slotUsed {
		i = m.nextSlot(i)
	}
	m.slots[i] = s
	m.dir.setState(i, slotUsed)
	m.size++
	m.deadSize++
}

// Fit shrinks the capacity to the minimum that holds the current size at
// the current fullness, dropping all tombstones.
func (m *FlatMap[K, V]) Fit() error {
	return m.rehash(m.minCapacityFor(m.size))
}

// Reserve grows the capacity so that n elements fit without further
// rehashing. It never shrinks.
func (m *FlatMap[K, V]) Reserve(n int) error {
	if n < 0 || uint32(n) > m.maxSize() {
		return errors.Wrapf(ErrCapacity, "reserve %d exceeds ceiling %d at fullness %d",
			n, m.maxSize(), m.fullness)
	}
	c := m.minCapacityFor(uint32(n))
	if c <= m.capacity() {
		return nil
	}
	return m.rehash(c)
}

// SetFullness changes the load-factor percentage. The virtual capacity is
// recomputed from the existing capacity without forcing a rehash; growth
// triggers pick up the new ratio. The change is rejected if the current
// capacity cannot accommodate the current size at the new fullness.
func (m *FlatMap[K, V]) SetFullness(fullness int) error {
	if fullness < minFullness || fullness > maxFullness {
		return errors.Wrapf(ErrFullness, "%d outside [%d, %d]", fullness, minFullness, maxFullness)
	}
	f := uint32(fullness)
	if m.capacity()*f/100 < m.size {
		return errors.Wrapf(ErrFullness, "%d cannot hold %d elements at capacity %d",
			fullness, m.size, m.capacity())
	}
	m.fullness = f
	return nil
}

// Clear removes all elements, retaining the current capacity.
func (m *FlatMap[K, V]) Clear() {
	for i := range m.slots {
		m.slots[i] = Slot[K, V]{}
	}
	m.dir.reset()
	m.size = 0
	m.deadSize = 0
}

// Close releases the slot storage back to the allocator. Using a map after
// Close is invalid, though Close itself is idempotent.
func (m *FlatMap[K, V]) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
	}
	m.dir = slotDirectory{}
	m.size = 0
	m.deadSize = 0
	m.allocator = nil
}

// All calls yield for each key and value in the map until yield returns
// false. The iteration order is unspecified. Mutating the map during
// iteration invalidates the iteration; this is not detected.
func (m *FlatMap[K, V]) All(yield func(key K, value V) bool) {
	slots, dir := m.slots, m.dir
	for i := uint32(0); i < uint32(len(slots)); i++ {
		if dir.state(i) == slotUsed {
			if !yield(slots[i].key, slots[i].value) {
				return
			}
		}
	}
}

// Len returns the number of elements in the map.
func (m *FlatMap[K, V]) Len() int {
	return int(m.size)
}

// Capacity returns the current slot count.
func (m *FlatMap[K, V]) Capacity() int {
	return int(m.capacity())
}

// VirtualCapacity returns the insert ceiling before forced growth.
func (m *FlatMap[K, V]) VirtualCapacity() int {
	return int(m.virtualCapacity())
}

// Fullness returns the configured load-factor percentage.
func (m *FlatMap[K, V]) Fullness() int {
	return int(m.fullness)
}

// Clone returns an independent deep copy of the map sharing nothing but the
// allocator.
func (m *FlatMap[K, V]) Clone() (*FlatMap[K, V], error) {
	c := &FlatMap[K, V]{
		size:      m.size,
		deadSize:  m.deadSize,
		fullness:  m.fullness,
		step:      m.step,
		hasher:    m.hasher,
		allocator: m.allocator,
	}
	if m.capacity() > 0 {
		slots, err := m.allocator.AllocSlots(len(m.slots))
		if err != nil {
			return nil, errors.Wrap(err, "tinytable: clone")
		}
		copy(slots, m.slots)
		c.slots = slots
		c.dir = m.dir.clone()
	}
	return c, nil
}

// MemoryUsage returns the approximate number of bytes held by the map,
// including slot storage and the state directory. Callers on a fixed budget
// use it to decide when to Fit or stop inserting.
func (m *FlatMap[K, V]) MemoryUsage() int {
	var s Slot[K, V]
	return int(unsafe.Sizeof(*m)) + len(m.slots)*int(unsafe.Sizeof(s)) + m.dir.memoryUsage()
}

// EqualMaps reports whether a and b hold exactly the same key/value pairs.
func EqualMaps[K Key, V comparable](a, b *FlatMap[K, V]) bool {
	if a.Len() != b.Len() {
		return false
	}
	equal := true
	a.All(func(k K, v V) bool {
		if bv, ok := b.Get(k); !ok || bv != v {
			equal = false
			return false
		}
		return true
	})
	return equal
}

func (m *FlatMap[K, V]) checkInvariants() {
	if invariants {
		var used, touched uint32
		for i := uint32(0); i < m.capacity(); i++ {
			switch m.dir.state(i) {
			case slotUsed:
				used++
				touched++
				if _, ok := m.findSlot(m.slots[i].key); !ok {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not findable\n%s",
						i, m.slots[i].key, m.debugString()))
				}
			case slotDeleted:
				touched++
			}
		}
		if used != m.size {
			panic(fmt.Sprintf("invariant failed: %d used slots, size=%d\n%s",
				used, m.size, m.debugString()))
		}
		if touched != m.deadSize {
			panic(fmt.Sprintf("invariant failed: %d touched slots, deadSize=%d\n%s",
				touched, m.deadSize, m.debugString()))
		}
		if m.size > m.deadSize || m.deadSize > m.capacity() {
			panic(fmt.Sprintf("invariant failed: size=%d deadSize=%d capacity=%d\n%s",
				m.size, m.deadSize, m.capacity(), m.debugString()))
		}
	}
}

func (m *FlatMap[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d size=%d deadSize=%d fullness=%d step=%d\n",
		m.capacity(), m.size, m.deadSize, m.fullness, m.step)
	for i := uint32(0); i < m.capacity(); i++ {
		switch m.dir.state(i) {
		case slotEmpty:
			fmt.Fprintf(&buf, "  %3d: empty\n", i)
		case slotUsed:
			fmt.Fprintf(&buf, "  %3d: %v\n", i, m.slots[i].key)
		case slotDeleted:
			fmt.Fprintf(&buf, "  %3d: deleted(%v)\n", i, m.slots[i].key)
		}
	}
	return buf.String()
}
