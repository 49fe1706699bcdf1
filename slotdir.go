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

import "github.com/bits-and-blooms/bitset"

// slotState is the tri-state of a table slot.
//
//	empty:   never used since the last rehash
//	used:    holds a live element
//	deleted: tombstone; logically empty but still carries its key so that
//	         probes for that key terminate here
type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotDeleted
)

// slotDirectory tracks the state of every slot at 2 bits per slot, stored as
// a pair of bitsets: touched is set for used and deleted slots, live only
// for used ones. The pair representation keeps the 2-bit density without any
// shift/mask arithmetic at call sites.
type slotDirectory struct {
	touched *bitset.BitSet
	live    *bitset.BitSet
}

func newSlotDirectory(n uint32) slotDirectory {
	return slotDirectory{
		touched: bitset.New(uint(n)),
		live:    bitset.New(uint(n)),
	}
}

func (d slotDirectory) state(i uint32) slotState {
	if !d.touched.Test(uint(i)) {
		return slotEmpty
	}
	if d.live.Test(uint(i)) {
		return slotUsed
	}
	return slotDeleted
}

func (d slotDirectory) setState(i uint32, s slotState) {
	switch s {
	case slotEmpty:
		d.touched.Clear(uint(i))
		d.live.Clear(uint(i))
	case slotUsed:
		d.touched.Set(uint(i))
		d.live.Set(uint(i))
	case slotDeleted:
		d.touched.Set(uint(i))
		d.live.Clear(uint(i))
	}
}

// slotCount returns the number of slots the directory covers.
func (d slotDirectory) slotCount() uint32 {
	if d.touched == nil {
		return 0
	}
	return uint32(d.touched.Len())
}

func (d slotDirectory) reset() {
	if d.touched == nil {
		return
	}
	d.touched.ClearAll()
	d.live.ClearAll()
}

func (d slotDirectory) clone() slotDirectory {
	if d.touched == nil {
		return slotDirectory{}
	}
	return slotDirectory{
		touched: d.touched.Clone(),
		live:    d.live.Clone(),
	}
}

func (d slotDirectory) memoryUsage() int {
	if d.touched == nil {
		return 0
	}
	return d.touched.BinaryStorageSize() + d.live.BinaryStorageSize()
}
