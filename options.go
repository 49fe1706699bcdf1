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

// Option configures a table while it is being created.
type Option[K Key, V any] interface {
	apply(c *config[K, V])
}

type config[K Key, V any] struct {
	fullness    uint32
	shardGrowth uint32
	allocator   Allocator[K, V]
	hasher      hasherFn
}

func defaultConfig[K Key, V any]() config[K, V] {
	return config[K, V]{
		fullness:    defaultFullness,
		shardGrowth: defaultShardGrowth,
		allocator:   defaultAllocator[K, V]{},
		hasher:      defaultHasher,
	}
}

type fullnessOption[K Key, V any] struct {
	fullness uint32
}

func (op fullnessOption[K, V]) apply(c *config[K, V]) {
	c.fullness = op.fullness
}

// WithFullness sets the load-factor percentage for a table. Values outside
// [10, 100] are clamped. Higher fullness trades longer probe chains for less
// memory per element.
func WithFullness[K Key, V any](fullness int) Option[K, V] {
	f := uint32(min(max(fullness, minFullness), maxFullness))
	return fullnessOption[K, V]{fullness: f}
}

type allocatorOption[K Key, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(c *config[K, V]) {
	c.allocator = op.allocator
}

// WithAllocator specifies the Allocator to use for slot storage.
func WithAllocator[K Key, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type shardGrowthOption[K Key, V any] struct {
	growth uint32
}

func (op shardGrowthOption[K, V]) apply(c *config[K, V]) {
	c.shardGrowth = op.growth
}

// WithShardGrowth sets the increment by which a sharded table grows its
// shard array when no shard slot is free. Flat tables ignore it.
func WithShardGrowth[K Key, V any](growth int) Option[K, V] {
	return shardGrowthOption[K, V]{growth: uint32(max(growth, 1))}
}

type hasherOption[K Key, V any] struct {
	hasher hasherFn
}

func (op hasherOption[K, V]) apply(c *config[K, V]) {
	c.hasher = op.hasher
}

// WithHasher overrides the capacity-indexed hash family with a caller
// supplied function mapping a transformed key to a start slot in
// [0, capacity). Correctness does not depend on the hasher: a degenerate
// hasher only lengthens probe chains.
func WithHasher[K Key, V any](hasher func(raw uint64, capacity uint32) uint32) Option[K, V] {
	return hasherOption[K, V]{hasher: hasher}
}
