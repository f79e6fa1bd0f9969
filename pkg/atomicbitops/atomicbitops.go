// Copyright 2026 The sgx-emm Authors.
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

// Package atomicbitops provides small wrapper types around sync/atomic so
// that counters threaded through the EMM's struct fields read and write
// atomically without every call site repeating the atomic.*64 (or *32)
// function name. These back introspection counters only (number of live
// EMAs, alloc and commit operation counts); the document-of-record for correctness is always
// the single recursive mutex described in spec §5, never these counters.
package atomicbitops

import "sync/atomic"

// Int64 is an int64 that must be accessed atomically.
type Int64 struct {
	v int64
}

// FromInt64 returns an Int64 initialized to v.
func FromInt64(v int64) Int64 {
	return Int64{v: v}
}

// Load returns the current value.
func (i *Int64) Load() int64 { return atomic.LoadInt64(&i.v) }

// Store sets the value.
func (i *Int64) Store(v int64) { atomic.StoreInt64(&i.v, v) }

// Add adds delta and returns the new value.
func (i *Int64) Add(delta int64) int64 { return atomic.AddInt64(&i.v, delta) }

// Uint64 is a uint64 that must be accessed atomically.
type Uint64 struct {
	v uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	return Uint64{v: v}
}

// Load returns the current value.
func (u *Uint64) Load() uint64 { return atomic.LoadUint64(&u.v) }

// Store sets the value.
func (u *Uint64) Store(v uint64) { atomic.StoreUint64(&u.v, v) }

// Add adds delta and returns the new value.
func (u *Uint64) Add(delta uint64) uint64 { return atomic.AddUint64(&u.v, delta) }

// Sub subtracts delta and returns the new value.
func (u *Uint64) Sub(delta uint64) uint64 { return atomic.AddUint64(&u.v, ^(delta - 1)) }

// Bool is a bool that must be accessed atomically.
type Bool struct {
	v int32
}

// Load returns the current value.
func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }

// Store sets the value.
func (b *Bool) Store(v bool) {
	i := int32(0)
	if v {
		i = 1
	}
	atomic.StoreInt32(&b.v, i)
}
