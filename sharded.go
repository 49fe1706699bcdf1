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
	"unsafe"

	"github.com/pkg/errors"
)

const (
	// maxShards is the ceiling on the shard array. Shard indices are stored
	// in the range directory as bytes.
	maxShards = 255

	defaultShardGrowth = 8
	minShardSlots      = 8
)

// shardState tracks where a shard slot is in its lifecycle:
//
//	unallocated -> reserved -> active -> drained -> active (reused)
//	                                             -> reclaimed by Fit
type shardState uint8

const (
	// shardUnallocated: no table has ever been allocated in this slot.
	shardUnallocated shardState = iota
	// shardReserved: a table is allocated but has never held an element.
	shardReserved
	// shardDrained: previously active, emptied by erase, kept for reuse.
	shardDrained
	shardActive
)

// shard pairs a lifecycle state with the table it owns. table is nil if and
// only if the state is shardUnallocated; the tagged state rules out the
// impossible pointer/state combinations a nullable-pointer encoding allows.
type shard[K Key, V any] struct {
	state shardState
	table *FlatMap[K, V]
}

// ShardedMap composes up to 255 FlatMaps behind a range directory so that
// its capacity exceeds any single table's 255-slot ceiling. Each key is
// reduced to an 8-bit range; the directory (itself a small FlatMap) resolves
// the range to the shard that owns it, and the shard re-hashes the key
// against its own local capacity. The theoretical element ceiling is
// PerShardCapacity × 255.
//
// Shards are created lazily. A shard emptied by Erase is kept allocated for
// reuse by the next unassigned range; Fit reclaims such shards and compacts
// the survivors. The zero value is not usable; construct with NewShardedMap
// or Init.
//
// A ShardedMap is NOT goroutine-safe.
type ShardedMap[K Key, V any] struct {
	shards []shard[K, V]
	// ranges maps a range value to the index of the shard owning it. The
	// directory runs at fullness 100 so it can address all 255 shards.
	ranges FlatMap[uint8, uint8]
	// size is the total number of elements across all shards.
	size int
	// chainSize is the number of allocated shards (reserved, drained, or
	// active).
	chainSize uint32
	// fullness applies to every shard table.
	fullness uint32
	// perShard is 255 × fullness / 100, each shard's element ceiling and
	// the divisor of the range computation.
	perShard    uint32
	shardGrowth uint32
	floatKey    bool
	hasher      hasherFn
	allocator   Allocator[K, V]
	shared      V
}

// NewShardedMap constructs an empty ShardedMap. Shard storage is allocated
// on demand as ranges materialize.
func NewShardedMap[K Key, V any](options ...Option[K, V]) *ShardedMap[K, V] {
	s := &ShardedMap[K, V]{}
	s.Init(options...)
	return s
}

// Init readies a ShardedMap for use, discarding any prior state without
// releasing it.
func (s *ShardedMap[K, V]) Init(options ...Option[K, V]) {
	cfg := defaultConfig[K, V]()
	for _, op := range options {
		op.apply(&cfg)
	}
	*s = ShardedMap[K, V]{
		fullness:    cfg.fullness,
		perShard:    maxCapacity * cfg.fullness / 100,
		shardGrowth: cfg.shardGrowth,
		floatKey:    isFloatKey[K](),
		hasher:      cfg.hasher,
		allocator:   cfg.allocator,
	}
	s.ranges.Init(0, WithFullness[uint8, uint8](maxFullness))
}

// rangeOf derives the 8-bit range that groups key with its neighbors.
// Integral keys divide so that perShard consecutive keys share a range;
// float bit patterns are too sparse for division to group anything, so they
// take the modulus instead. Keys beyond perShard × 255 wrap.
func (s *ShardedMap[K, V]) rangeOf(key K) uint8 {
	t := transform(key)
	if s.floatKey {
		return uint8(t % uint64(s.perShard))
	}
	return uint8(t / uint64(s.perShard))
}

func (s *ShardedMap[K, V]) newShardTable() *FlatMap[K, V] {
	t := &FlatMap[K, V]{}
	t.Init(0,
		WithFullness[K, V](int(s.fullness)),
		WithAllocator[K, V](s.allocator),
		WithHasher[K, V](s.hasher))
	return t
}

// Insert adds an entry, materializing the key's range and activating a
// shard for it if needed. It returns false if the key is already present,
// the owning shard is full, or no shard slot can be made available.
func (s *ShardedMap[K, V]) Insert(key K, value V) bool {
	r := s.rangeOf(key)
	// Try once, grow the shard array if no slot was free, then try again.
	// The second pass always finds a vacant slot when the ceiling allows.
	for attempt := 0; attempt < 2; attempt++ {
		if idx, ok := s.ranges.Get(r); ok {
			sh := &s.shards[idx]
			if !sh.table.Insert(key, value) {
				return false
			}
			sh.state = shardActive
			s.size++
			return true
		}

		// The range is unassigned. Prefer a reserved shard that has never
		// held an element, then a drained shard kept for reuse, then a
		// never-allocated slot.
		reserved, drained, vacant := -1, -1, -1
		for i := range s.shards {
			switch s.shards[i].state {
			case shardReserved:
				if reserved < 0 && s.shards[i].table.Len() == 0 {
					reserved = i
				}
			case shardDrained:
				if drained < 0 {
					drained = i
				}
			case shardUnallocated:
				if vacant < 0 {
					vacant = i
				}
			}
		}
		if idx := reserved; idx >= 0 {
			return s.activate(r, idx, key, value)
		}
		if idx := drained; idx >= 0 {
			return s.activate(r, idx, key, value)
		}
		if vacant >= 0 {
			return s.allocateAndActivate(r, vacant, key, value)
		}
		if len(s.shards) >= maxShards {
			return false
		}
		if s.Remap(len(s.shards)+int(s.shardGrowth)) != nil {
			return false
		}
	}
	return false
}

// activate assigns range r to the already-allocated shard at idx and
// delegates the insert. On failure the assignment is undone.
func (s *ShardedMap[K, V]) activate(r uint8, idx int, key K, value V) bool {
	if !s.ranges.Insert(r, uint8(idx)) {
		return false
	}
	if !s.shards[idx].table.Insert(key, value) {
		s.ranges.Erase(r)
		return false
	}
	s.shards[idx].state = shardActive
	s.size++
	return true
}

// allocateAndActivate creates a fresh shard table in the vacant slot at idx
// before assigning range r to it.
func (s *ShardedMap[K, V]) allocateAndActivate(r uint8, idx int, key K, value V) bool {
	tbl := s.newShardTable()
	if !s.ranges.Insert(r, uint8(idx)) {
		return false
	}
	if !tbl.Insert(key, value) {
		s.ranges.Erase(r)
		return false
	}
	s.shards[idx] = shard[K, V]{state: shardActive, table: tbl}
	s.chainSize++
	s.size++
	return true
}

// Put inserts an entry, overwriting the value if the key is already
// present. It returns false only when an insert was needed and failed.
func (s *ShardedMap[K, V]) Put(key K, value V) bool {
	if idx, ok := s.ranges.Get(s.rangeOf(key)); ok {
		tbl := s.shards[idx].table
		if i, found := tbl.findSlot(key); found {
			tbl.slots[i].value = value
			return true
		}
	}
	return s.Insert(key, value)
}

// Get retrieves the value for key, returning ok=false if it is not present.
func (s *ShardedMap[K, V]) Get(key K) (value V, ok bool) {
	idx, ok := s.ranges.Get(s.rangeOf(key))
	if !ok {
		return value, false
	}
	return s.shards[idx].table.Get(key)
}

// Contains reports whether key is present.
func (s *ShardedMap[K, V]) Contains(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// At returns a pointer to the value stored for key, inserting a zero value
// first if the key is absent. If that insert fails, At returns a pointer to
// a shared zero value; see FlatMap.At for the caveat. Any mutation of the
// map invalidates the returned pointer.
func (s *ShardedMap[K, V]) At(key K) *V {
	r := s.rangeOf(key)
	if idx, ok := s.ranges.Get(r); ok {
		if i, found := s.shards[idx].table.findSlot(key); found {
			return &s.shards[idx].table.slots[i].value
		}
	}
	var zero V
	if !s.Insert(key, zero) {
		s.shared = zero
		return &s.shared
	}
	idx, _ := s.ranges.Get(r)
	i, _ := s.shards[idx].table.findSlot(key)
	return &s.shards[idx].table.slots[i].value
}

// Erase removes the entry for key, reporting whether an element was
// removed. A shard emptied by the removal gives up its range assignment, is
// marked drained for reuse, and has its internal storage shrunk.
func (s *ShardedMap[K, V]) Erase(key K) bool {
	r := s.rangeOf(key)
	idx, ok := s.ranges.Get(r)
	if !ok {
		return false
	}
	sh := &s.shards[idx]
	if !sh.table.Erase(key) {
		return false
	}
	s.size--
	if sh.table.Len() == 0 {
		s.ranges.Erase(r)
		sh.state = shardDrained
		_ = sh.table.Fit()
	}
	return true
}

// All calls yield for each key and value until yield returns false. The
// iteration order is unspecified.
func (s *ShardedMap[K, V]) All(yield func(key K, value V) bool) {
	for i := range s.shards {
		if s.shards[i].state != shardActive {
			continue
		}
		stopped := false
		s.shards[i].table.All(func(k K, v V) bool {
			if !yield(k, v) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

// Len returns the total number of elements across all shards.
func (s *ShardedMap[K, V]) Len() int {
	return s.size
}

// Capacity returns the element ceiling of the currently allocated shards.
func (s *ShardedMap[K, V]) Capacity() int {
	return int(s.chainSize) * int(s.perShard)
}

// PerShardCapacity returns each shard's element ceiling, which is also the
// divisor of the range computation.
func (s *ShardedMap[K, V]) PerShardCapacity() int {
	return int(s.perShard)
}

// Fullness returns the load-factor percentage applied to every shard.
func (s *ShardedMap[K, V]) Fullness() int {
	return int(s.fullness)
}

// Reserve pre-allocates enough shards to hold n elements, leaving them in
// the reserved state so that coming inserts only have to activate them.
func (s *ShardedMap[K, V]) Reserve(n int) error {
	if n < 0 || n > int(s.perShard)*maxShards {
		return errors.Wrapf(ErrCapacity, "reserve %d exceeds ceiling %d",
			n, int(s.perShard)*maxShards)
	}
	needed := (n + int(s.perShard) - 1) / int(s.perShard)
	if needed > len(s.shards) {
		if err := s.Remap(needed); err != nil {
			return err
		}
	}
	allocated := int(s.chainSize)
	for i := 0; i < len(s.shards) && allocated < needed; i++ {
		if s.shards[i].state == shardUnallocated {
			s.shards[i] = shard[K, V]{state: shardReserved, table: s.newShardTable()}
			s.chainSize++
			allocated++
		}
	}
	return nil
}

// Remap grows the shard array to n slots, preserving existing shards and
// their states. It refuses to shrink; Fit is the only shrinking path.
func (s *ShardedMap[K, V]) Remap(n int) error {
	n = min(n, maxShards)
	if n < len(s.shards) {
		return errors.Wrapf(ErrCapacity, "remap cannot shrink %d to %d", len(s.shards), n)
	}
	if n == len(s.shards) {
		return nil
	}
	next := make([]shard[K, V], n)
	copy(next, s.shards)
	s.shards = next
	return nil
}

// Fit compacts the map and returns the number of bytes reclaimed. Drained
// shards are freed outright; active shards shrink to their contents; if
// more than one shard remains active, active shards are moved to the front
// of the array (stable) with the range directory rewritten to match; and a
// shard array under one-third utilization is reallocated smaller.
func (s *ShardedMap[K, V]) Fit() int {
	freed := 0
	active := 0
	for i := range s.shards {
		switch s.shards[i].state {
		case shardDrained:
			freed += s.shards[i].table.MemoryUsage()
			s.shards[i].table.Close()
			s.shards[i] = shard[K, V]{}
			s.chainSize--
		case shardActive, shardReserved:
			before := s.shards[i].table.MemoryUsage()
			_ = s.shards[i].table.Fit()
			freed += before - s.shards[i].table.MemoryUsage()
			if s.shards[i].state == shardActive {
				active++
			}
		}
	}
	if active > 1 {
		freed += s.compactShards(len(s.shards))
	}
	if len(s.shards) > minShardSlots && active*3 < len(s.shards) {
		freed += s.compactShards(max(active, minShardSlots))
	}
	return freed
}

// compactShards rebuilds the shard array with active shards first (stable
// order), reserved shards after, into an array of n slots, freeing any
// allocated shard that does not fit. Every range whose shard moved is
// rewritten in the directory. Returns bytes freed.
func (s *ShardedMap[K, V]) compactShards(n int) int {
	freed := 0
	next := make([]shard[K, V], n)
	newIndex := make([]int, len(s.shards))
	for i := range newIndex {
		newIndex[i] = -1
	}
	j := 0
	for i := range s.shards {
		if s.shards[i].state == shardActive {
			newIndex[i] = j
			next[j] = s.shards[i]
			j++
		}
	}
	for i := range s.shards {
		if s.shards[i].state != shardReserved {
			continue
		}
		if j < n {
			newIndex[i] = j
			next[j] = s.shards[i]
			j++
		} else {
			freed += s.shards[i].table.MemoryUsage()
			s.shards[i].table.Close()
			s.chainSize--
		}
	}
	type rangeMove struct {
		r, idx uint8
	}
	var moves []rangeMove
	s.ranges.All(func(r, idx uint8) bool {
		if ni := newIndex[idx]; ni >= 0 && ni != int(idx) {
			moves = append(moves, rangeMove{r: r, idx: uint8(ni)})
		}
		return true
	})
	for _, mv := range moves {
		s.ranges.Put(mv.r, mv.idx)
	}
	s.shards = next
	return freed
}

// SetFullness changes the load-factor percentage by rebuilding the whole
// map: every element is extracted, the shard array and range directory are
// reset, and everything is reinserted under the new per-shard capacity. If
// any reinsertion fails the previous configuration and full element set are
// restored and an error is returned; the map is never left partially
// migrated.
func (s *ShardedMap[K, V]) SetFullness(fullness int) error {
	if fullness < minFullness || fullness > maxFullness {
		return errors.Wrapf(ErrFullness, "%d outside [%d, %d]", fullness, minFullness, maxFullness)
	}
	f := uint32(fullness)
	if f == s.fullness {
		return nil
	}
	extracted := make([]Slot[K, V], 0, s.size)
	s.All(func(k K, v V) bool {
		extracted = append(extracted, Slot[K, V]{key: k, value: v})
		return true
	})
	oldFullness, oldPerShard, oldLen := s.fullness, s.perShard, len(s.shards)

	s.resetShards()
	s.fullness, s.perShard = f, maxCapacity*f/100
	if err := s.reinsert(extracted); err != nil {
		s.resetShards()
		s.fullness, s.perShard = oldFullness, oldPerShard
		_ = s.Remap(oldLen)
		if err2 := s.reinsert(extracted); err2 != nil {
			// The old configuration held exactly these elements.
			panic("tinytable: fullness rollback failed to reinsert")
		}
		return err
	}
	return nil
}

// resetShards frees every shard and clears the range directory.
func (s *ShardedMap[K, V]) resetShards() {
	for i := range s.shards {
		if s.shards[i].table != nil {
			s.shards[i].table.Close()
		}
	}
	s.shards = nil
	s.ranges.Clear()
	s.size = 0
	s.chainSize = 0
}

// reinsert sizes the shard array for the extracted elements and inserts
// them all, failing on the first element that does not fit.
func (s *ShardedMap[K, V]) reinsert(elems []Slot[K, V]) error {
	if len(elems) > 0 {
		needed := (len(elems) + int(s.perShard) - 1) / int(s.perShard)
		_ = s.Remap(max(needed, minShardSlots))
	}
	for i := range elems {
		if !s.Insert(elems[i].key, elems[i].value) {
			return errors.Wrapf(ErrCapacity, "fullness rebuild: element %d of %d does not fit",
				i, len(elems))
		}
	}
	return nil
}

// Clear removes all elements. Allocated shards are retained in the
// reserved state; the shard array keeps its length.
func (s *ShardedMap[K, V]) Clear() {
	for i := range s.shards {
		if s.shards[i].table != nil {
			s.shards[i].table.Clear()
			s.shards[i].state = shardReserved
		}
	}
	s.ranges.Clear()
	s.size = 0
}

// Close releases every shard and the range directory. Using the map after
// Close is invalid, though Close itself is idempotent.
func (s *ShardedMap[K, V]) Close() {
	for i := range s.shards {
		if s.shards[i].table != nil {
			s.shards[i].table.Close()
		}
	}
	s.shards = nil
	s.ranges.Close()
	s.size = 0
	s.chainSize = 0
}

// Clone returns an independent deep copy of the map sharing nothing but the
// allocator.
func (s *ShardedMap[K, V]) Clone() (*ShardedMap[K, V], error) {
	c := &ShardedMap[K, V]{
		size:        s.size,
		chainSize:   s.chainSize,
		fullness:    s.fullness,
		perShard:    s.perShard,
		shardGrowth: s.shardGrowth,
		floatKey:    s.floatKey,
		hasher:      s.hasher,
		allocator:   s.allocator,
	}
	r, err := s.ranges.Clone()
	if err != nil {
		return nil, err
	}
	c.ranges = *r
	c.shards = make([]shard[K, V], len(s.shards))
	for i := range s.shards {
		c.shards[i].state = s.shards[i].state
		if s.shards[i].table != nil {
			t, err := s.shards[i].table.Clone()
			if err != nil {
				c.Close()
				return nil, err
			}
			c.shards[i].table = t
		}
	}
	return c, nil
}

// MemoryUsage returns the approximate number of bytes held by the map,
// including every shard's storage and the range directory.
func (s *ShardedMap[K, V]) MemoryUsage() int {
	var sh shard[K, V]
	total := int(unsafe.Sizeof(*s)) + len(s.shards)*int(unsafe.Sizeof(sh)) + s.ranges.MemoryUsage()
	for i := range s.shards {
		if s.shards[i].table != nil {
			total += s.shards[i].table.MemoryUsage()
		}
	}
	return total
}

// EqualShardedMaps reports whether a and b hold exactly the same key/value
// pairs, regardless of shard layout.
func EqualShardedMaps[K Key, V comparable](a, b *ShardedMap[K, V]) bool {
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
