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
	"reflect"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Key constrains the key types a table can hold: any integer or float type.
// Float keys hash and partition by their bit pattern.
type Key interface {
	constraints.Integer | constraints.Float
}

// transform reduces a key to an unsigned integer prior to hashing or range
// computation by loading its raw little-endian bytes. For integer keys this
// is the value itself (two's complement for negatives); for float keys it is
// the IEEE-754 bit pattern.
func transform[K Key](key K) uint64 {
	switch unsafe.Sizeof(key) {
	case 1:
		return uint64(*(*uint8)(unsafe.Pointer(&key)))
	case 2:
		return uint64(*(*uint16)(unsafe.Pointer(&key)))
	case 4:
		return uint64(*(*uint32)(unsafe.Pointer(&key)))
	default:
		return *(*uint64)(unsafe.Pointer(&key))
	}
}

// isFloatKey reports whether K is a floating point type. Sharded tables
// partition float keys by modulus rather than division (see rangeOf).
func isFloatKey[K Key]() bool {
	switch reflect.TypeOf((*K)(nil)).Elem().Kind() {
	case reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// hasherFn maps a transformed key to a start slot in [0, capacity).
type hasherFn func(raw uint64, capacity uint32) uint32

// defaultHasher selects the multiplier tuned for the table's exact capacity
// and reduces the mixed product modulo that capacity.
func defaultHasher(raw uint64, capacity uint32) uint32 {
	x := raw * uint64(hashMultipliers[capacity])
	return uint32((x ^ (x >> 29)) % uint64(capacity))
}

// probeStep derives the linear-probe step for a table of the given capacity.
// The step is chosen coprime with the capacity so that repeated application
// of next = (i + step) mod capacity cycles through every slot, which bounds
// every probe sequence at capacity iterations.
func probeStep(capacity uint32) uint32 {
	if capacity <= 3 {
		return 1
	}
	for step := capacity/2 | 1; step > 1; step -= 2 {
		if gcd(step, capacity) == 1 {
			return step
		}
	}
	return 1
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// hashMultipliers holds one odd 32-bit multiplier per table capacity,
// indexed by capacity. The constants come from an offline sweep that scored
// candidates by collision rate at each specific capacity; entry 0 is unused.
var hashMultipliers = [maxCapacity + 1]uint32{
	0x89025cc1, 0xdb018fed, 0xa389c35b, 0x59320dd7, 0xbe706065, 0x2380309d,
	0xf8ad8aff, 0xabf55005, 0x2ee37363, 0xef431a45, 0xb7e825c7, 0x1b0181d7,
	0xf0c7b709, 0x5981068b, 0x8801cf71, 0x879feaeb, 0xbe2218a9, 0xdfaab05b,
	0x7c8da907, 0xe3ccdeed, 0xa93bc949, 0xeb4fef89, 0x8cc04ad7, 0x597cdb85,
	0xedc2a959, 0x4e874069, 0x60206f77, 0x349f331d, 0x850f2a31, 0x30d2b83d,
	0x01eaa631, 0xacc47e35, 0x052f16b1, 0x75ad84c5, 0x8b302867, 0xe467daaf,
	0x50439a4b, 0xedf587a5, 0x7c1ff081, 0x3eda4f23, 0x8367ccf5, 0xe0dff915,
	0x300518f9, 0x561469c3, 0x77628d87, 0x4c69f9d3, 0x09ca2db7, 0xe1e0a78d,
	0x776a9db1, 0x4c476be3, 0xad64d717, 0xefa0f0b1, 0xf998b193, 0x91e422cd,
	0xfbfbccdf, 0x89270349, 0x15e97b6d, 0xf92f0f6d, 0xf7f4f4bf, 0xbea7e5b7,
	0xbc3eab53, 0x62de412b, 0x8bbed783, 0xe9285e99, 0x8bdbd015, 0x3260d9d1,
	0xefea98e9, 0x69c6b7f3, 0x9152575b, 0xdc5bbde3, 0xef37d1dd, 0x556a6437,
	0xd7ae9dd7, 0xbb01ee15, 0x37332481, 0xc64e3969, 0x856af5a5, 0xdec50481,
	0x2485f667, 0xcead92ab, 0x685e5be7, 0x28b5b3f5, 0x2f00e647, 0xefb60979,
	0xe00ea9ed, 0x8d65a603, 0x0b263a13, 0x560e6dd1, 0xab6661bd, 0x65a5c1bf,
	0xc25a42b5, 0x445aa94f, 0x73eee4e7, 0xe4efdfdb, 0xb2e33d31, 0x0fcf5e15,
	0x5412e4cd, 0xc07a0949, 0x0591a9f9, 0x14886cb5, 0x1ecb97ed, 0xd921c667,
	0x72a6344d, 0xd755ceeb, 0xd30eac81, 0x0029c22b, 0xd49df4af, 0xd2135179,
	0x36640b2f, 0xb9e43fd1, 0x68402827, 0xc1d16893, 0x63a306f7, 0x1920444d,
	0x91b9c52f, 0x122a75b3, 0xec65912f, 0xa892767b, 0x99d0c811, 0xda99a215,
	0x6d4f365d, 0x91a41947, 0x56393be5, 0xe24001fb, 0xd14f69eb, 0x0b38522d,
	0x2586bf15, 0x46283fb5, 0x50602725, 0x3394cb39, 0x6338e7c3, 0x47cc503d,
	0xf9bd2a07, 0xb44fc0ef, 0x5e2eb833, 0x3883a66f, 0x56985d45, 0x49a27941,
	0x4a97da2d, 0xc9c332bd, 0x4cace961, 0x0058aa2f, 0x4c2ca0f3, 0x46061d63,
	0x99587e9f, 0x95a34ba9, 0x672484c7, 0x7aa6183b, 0x778b9ce5, 0x2dd57879,
	0xb2002e15, 0xdd589bbb, 0x0aae92a7, 0xe01a99bd, 0x6c102229, 0x866e4acf,
	0xec8778e5, 0xa03db06f, 0x9b4a30d7, 0x9c874fa5, 0xfcf85def, 0x2d18549b,
	0x19de60d3, 0xb6f865c9, 0x59cc9a07, 0xd9f2585b, 0xc0726331, 0x347fc23f,
	0xe57df11f, 0x3a5895d7, 0xaa9b95f3, 0xa606e501, 0x0e6b09f1, 0x6d410fef,
	0x40bd1dbd, 0xb5dd9905, 0x23382137, 0x597b2d59, 0xcdff943d, 0xc7125a59,
	0x7313fca5, 0x7690a451, 0x2f91934d, 0xf6486a07, 0x764b25bd, 0xbd364a73,
	0x6ac4c149, 0x6daea5e1, 0xd40e38c3, 0x20527317, 0x8124ae9f, 0xc93e9491,
	0x405e3763, 0xd9bd835d, 0xe21c7951, 0x7e1e574f, 0x2cc5afbf, 0x6861f3c1,
	0xe3574385, 0x530d13db, 0xd88d860d, 0x07ec3607, 0x06a1df61, 0x9df23539,
	0xb28540e9, 0x2d299b83, 0xb3a9489b, 0xac338877, 0xdce39faf, 0x12496333,
	0x8dc753d9, 0xff5e7dc7, 0x7fa44ef7, 0xa983a81f, 0xed7f34f1, 0x931f559d,
	0xeabe61d5, 0xb7234d85, 0xd4023a5b, 0x9a994967, 0x2f113dd3, 0x182c93db,
	0x066054d3, 0x569ec963, 0xcdc18f27, 0x3a7616f9, 0x05f5b5c3, 0x53623a97,
	0x62d02359, 0x02541e7b, 0xef99540b, 0x83649255, 0xbf516181, 0x69a8e3d7,
	0x5b90aee9, 0x8d59e425, 0xa5003be5, 0xd57805e3, 0xec8f99a1, 0xc65a8a8b,
	0x73a4a841, 0xc8852305, 0x939acc7d, 0xc61afa1b, 0xb2fbae05, 0x28bf413f,
	0x08aadb31, 0xf46ca133, 0xe0979795, 0x7065e6ff, 0xa2c009c3, 0x11f5fc5b,
	0xa05b51c5, 0x0b5c58d7, 0x1947aeaf, 0x2b0b66df,
}
