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

// Package emheap implements the internal allocator that serves bit-array
// buffers (pkg/bitset) for EMA `EACCEPT` maps out of a growable reserve of
// arenas, each obtained through a ReserveSource callback (spec §4.2).
// pkg/emm's ReserveSource carves every arena out of the RTS root; no arena
// is placed in the user window. It is the one place in this
// module that hand-rolls memory-management bookkeeping instead of reaching
// for a library, because the bookkeeping itself — segregated free lists,
// right-neighbor-only coalescing, a recursion-breaking meta reserve — is
// the thing being specified; see DESIGN.md for why no ecosystem allocator
// library fits a spec this exact.
//
// emheap is not internally synchronized. Per spec §5, the single
// process-wide recursive mutex owned by pkg/emm serializes every call into
// this package, including the reentrant calls add_reserve makes back into
// the allocation path.
package emheap

import (
	"fmt"
	"unsafe"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sgx-emm/emm/pkg/hostarch"
)

const (
	// numExactLists is the number of segregated LIFO free lists for small,
	// common block sizes.
	numExactLists = 256

	// minBlockSize is the size in bytes of the smallest block the
	// allocator ever hands out (and the smallest class in the exact
	// lists): 8 bytes of header bookkeeping plus 8 bytes of payload.
	minBlockSize = 16

	// maxExactBlockSize is the largest block size served by the exact
	// lists; anything bigger goes on the large (btree-indexed) list.
	maxExactBlockSize = minBlockSize + 8*(numExactLists-1)

	// metaReserveSize is the size of the static buffer used to break the
	// emalloc -> add_reserve -> sgx_mm_alloc -> emalloc recursion.
	metaReserveSize = 64 * 1024

	// initialIncrement and maxIncrement bound reserve growth: each
	// add_reserve call doubles the previous increment, capped here.
	initialIncrement = 64 * 1024
	maxIncrement     = 256 * 1024 * 1024
)

// ReserveSource is the callback the heap uses to grow its reserve: it
// carves `size` bytes of committed memory out of the enclave's address
// space, the same way add_reserve calls back into sgx_mm_alloc. The heap
// asks for exactly the arena size; no guard pages are placed around it.
type ReserveSource interface {
	AllocReserve(size uintptr) (base hostarch.Addr, buf []byte, err error)
}

type block struct {
	arena    *arena
	offset   int
	size     int
	free     bool
	addrNext *block
	addrPrev *block
	freeNext *block // intrusive LIFO link, valid only while free
}

type arena struct {
	buf      []byte
	used     int
	first    *block
	last     *block
	addrBase hostarch.Addr
	isMeta   bool
}

func (a *arena) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.addrBase, End: a.addrBase + hostarch.Addr(len(a.buf))}
}

type largeItem struct {
	size int
	seq  uint64
	blk  *block
}

func largeLess(a, b *largeItem) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.seq < b.seq
}

// Heap is the internal allocator described by spec §4.2.
type Heap struct {
	log    *logrus.Entry
	source ReserveSource

	exact [numExactLists]*block
	large *btree.BTreeG[*largeItem]
	items map[*block]*largeItem
	seq   uint64

	arenas        []*arena
	meta          *arena
	addingReserve bool
	increment     uintptr

	byAddr map[uintptr]*block

	bytesInUse uint64
}

// NewHeap constructs a Heap with its meta reserve initialized. Call
// InitReserve before any Alloc that might need to grow the real reserve.
func NewHeap(source ReserveSource, log *logrus.Entry) *Heap {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Heap{
		log:       log.WithField("component", "emheap"),
		source:    source,
		large:     btree.NewG(32, largeLess),
		items:     make(map[*block]*largeItem),
		byAddr:    make(map[uintptr]*block),
		increment: initialIncrement,
	}
	h.meta = &arena{buf: make([]byte, metaReserveSize), isMeta: true}
	return h
}

// InitReserve bootstraps the first real reserve arena of size sz. It must
// be called exactly once, after the ReserveSource is able to service an
// allocation (i.e. after the owning EMM's windows are initialized).
func (h *Heap) InitReserve(sz uintptr) error {
	if len(h.arenas) != 0 {
		panic("emheap: InitReserve called twice")
	}
	return h.growReserve(sz)
}

// Alloc returns at least size bytes of zeroed memory (the block's payload,
// rounded up to a multiple of 8), satisfying bitset.Allocator.
func (h *Heap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		size = 1
	}
	bsize := roundUp8(size + 8)

	if h.addingReserve {
		return h.allocFromMeta(bsize)
	}

	if idx, ok := exactIndex(bsize); ok {
		if blk := h.popExact(idx); blk != nil {
			return h.use(blk)
		}
		blk, err := h.bumpAlloc(bsize)
		if err == nil {
			return h.use(blk)
		}
		if err := h.addReserve(); err != nil {
			return nil, err
		}
		blk, err = h.bumpAlloc(bsize)
		if err != nil {
			return nil, err
		}
		return h.use(blk)
	}

	if blk := h.bestFitLarge(bsize); blk != nil {
		return h.use(h.splitIfWorthwhile(blk, bsize))
	}
	blk, err := h.bumpAlloc(bsize)
	if err != nil {
		if err := h.addReserve(); err != nil {
			return nil, err
		}
		blk, err = h.bumpAlloc(bsize)
		if err != nil {
			return nil, err
		}
	}
	return h.use(blk)
}

// Free returns buf to the allocator, satisfying bitset.Allocator.
func (h *Heap) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	blk := h.lookup(buf)
	if blk == nil {
		panic("emheap: efree of a pointer this heap did not allocate")
	}
	if blk.arena.isMeta {
		if !h.addingReserve {
			panic("emheap: efree of a meta-reserve pointer outside add_reserve")
		}
		return
	}
	h.bytesInUse -= uint64(blk.size)
	blk.free = true

	if right := blk.addrNext; right != nil && right.free {
		h.removeFromFreeList(right)
		blk.size += right.size
		blk.addrNext = right.addrNext
		if right.addrNext != nil {
			right.addrNext.addrPrev = blk
		} else {
			blk.arena.last = blk
		}
		h.forget(right)
	}

	if blk.addrNext == nil && blk.offset+blk.size == blk.arena.used {
		h.shrinkToBumpPointer(blk)
		return
	}

	h.insertFreeList(blk)
}

// CanRealloc reports whether a pointer previously returned by Alloc may be
// freed or handed back through Reattach — false for blocks still living in
// the meta reserve, matching spec §4.2's can_erealloc contract.
func (h *Heap) CanRealloc(buf []byte) bool {
	blk := h.lookup(buf)
	if blk == nil {
		return false
	}
	return !blk.arena.isMeta
}

// OwnsAddr reports whether addr falls within any arena currently backing
// this heap's reserve — used by the realloc-from-reserve driver loop to
// refuse to hand internal-heap-backed memory back to the caller.
func (h *Heap) OwnsAddr(addr hostarch.Addr) bool {
	for _, a := range h.arenas {
		if a.addrRange().Contains(addr) {
			return true
		}
	}
	return false
}

// Stats returns lightweight introspection counters for logging.
func (h *Heap) Stats() (bytesInUse uint64, numArenas int) {
	return h.bytesInUse, len(h.arenas)
}

func roundUp8(n int) int {
	return (n + 7) &^ 7
}

func exactIndex(bsize int) (int, bool) {
	if bsize < minBlockSize || bsize > maxExactBlockSize {
		return 0, false
	}
	return (bsize - minBlockSize) / 8, true
}

func (h *Heap) use(blk *block) ([]byte, error) {
	blk.free = false
	h.bytesInUse += uint64(blk.size)
	payload := blk.arena.buf[blk.offset+8 : blk.offset+blk.size]
	for i := range payload {
		payload[i] = 0
	}
	h.byAddr[addrKey(payload)] = blk
	return payload, nil
}

func (h *Heap) lookup(buf []byte) *block {
	if len(buf) == 0 {
		return nil
	}
	return h.byAddr[addrKey(buf)]
}

func (h *Heap) forget(blk *block) {
	for k, v := range h.byAddr {
		if v == blk {
			delete(h.byAddr, k)
		}
	}
}

func addrKey(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (h *Heap) popExact(idx int) *block {
	blk := h.exact[idx]
	if blk == nil {
		return nil
	}
	h.exact[idx] = blk.freeNext
	blk.freeNext = nil
	return blk
}

func (h *Heap) pushExact(idx int, blk *block) {
	blk.freeNext = h.exact[idx]
	h.exact[idx] = blk
}

func (h *Heap) bestFitLarge(bsize int) *block {
	var found *largeItem
	h.large.AscendGreaterOrEqual(&largeItem{size: bsize}, func(it *largeItem) bool {
		found = it
		return false
	})
	if found == nil {
		return nil
	}
	h.large.Delete(found)
	delete(h.items, found.blk)
	return found.blk
}

func (h *Heap) splitIfWorthwhile(blk *block, bsize int) *block {
	leftover := blk.size - bsize
	if leftover < minBlockSize {
		return blk
	}
	tail := &block{
		arena:    blk.arena,
		offset:   blk.offset + bsize,
		size:     leftover,
		free:     true,
		addrNext: blk.addrNext,
		addrPrev: blk,
	}
	if tail.addrNext != nil {
		tail.addrNext.addrPrev = tail
	} else {
		blk.arena.last = tail
	}
	blk.addrNext = tail
	blk.size = bsize
	h.insertFreeList(tail)
	return blk
}

func (h *Heap) insertFreeList(blk *block) {
	blk.free = true
	if idx, ok := exactIndex(blk.size); ok {
		h.pushExact(idx, blk)
		return
	}
	h.seq++
	it := &largeItem{size: blk.size, seq: h.seq, blk: blk}
	h.items[blk] = it
	h.large.ReplaceOrInsert(it)
}

func (h *Heap) removeFromFreeList(blk *block) {
	if idx, ok := exactIndex(blk.size); ok {
		if h.exact[idx] == blk {
			h.exact[idx] = blk.freeNext
			blk.freeNext = nil
			return
		}
		for cur := h.exact[idx]; cur != nil; cur = cur.freeNext {
			if cur.freeNext == blk {
				cur.freeNext = blk.freeNext
				blk.freeNext = nil
				return
			}
		}
		return
	}
	if it, ok := h.items[blk]; ok {
		h.large.Delete(it)
		delete(h.items, blk)
	}
}

// shrinkToBumpPointer handles the case where a freed block is the last
// (highest-addressed) live block in its arena: it retracts the bump
// pointer back over the block, then keeps retracting over any further
// free blocks it now exposes, per spec §4.2.
func (h *Heap) shrinkToBumpPointer(blk *block) {
	h.forget(blk)
	a := blk.arena
	a.used = blk.offset
	if blk.addrPrev != nil {
		blk.addrPrev.addrNext = nil
	} else {
		a.first = nil
	}
	a.last = blk.addrPrev

	cur := a.last
	for cur != nil && cur.free {
		h.removeFromFreeList(cur)
		h.forget(cur)
		a.used = cur.offset
		prev := cur.addrPrev
		if prev != nil {
			prev.addrNext = nil
		} else {
			a.first = nil
		}
		a.last = prev
		cur = prev
	}
}

func (h *Heap) bumpAlloc(bsize int) (*block, error) {
	a := h.currentArena()
	if a == nil || a.used+bsize > len(a.buf) {
		return nil, unix.ENOMEM
	}
	blk := &block{arena: a, offset: a.used, size: bsize, addrPrev: a.last}
	if a.last != nil {
		a.last.addrNext = blk
	} else {
		a.first = blk
	}
	a.last = blk
	a.used += bsize
	return blk, nil
}

func (h *Heap) currentArena() *arena {
	if len(h.arenas) == 0 {
		return nil
	}
	return h.arenas[len(h.arenas)-1]
}

func (h *Heap) allocFromMeta(bsize int) ([]byte, error) {
	a := h.meta
	if a.used+bsize > len(a.buf) {
		return nil, unix.ENOMEM
	}
	blk := &block{arena: a, offset: a.used, size: bsize, addrPrev: a.last}
	if a.last != nil {
		a.last.addrNext = blk
	} else {
		a.first = blk
	}
	a.last = blk
	a.used += bsize
	return h.use(blk)
}

func (h *Heap) addReserve() error {
	sz := h.increment
	if sz > maxIncrement {
		sz = maxIncrement
	}
	err := h.growReserve(sz)
	if h.increment < maxIncrement {
		h.increment *= 2
		if h.increment > maxIncrement {
			h.increment = maxIncrement
		}
	}
	return err
}

// growReserve carves a new arena of size sz, routing every allocation
// performed while doing so (including the bitmap for the EMA that backs
// the new arena itself) through the meta reserve to break the recursion
// back into this same function.
func (h *Heap) growReserve(sz uintptr) error {
	h.addingReserve = true
	defer func() { h.addingReserve = false }()

	base, buf, err := h.source.AllocReserve(sz)
	if err != nil {
		return fmt.Errorf("emheap: add_reserve(%d): %w", sz, err)
	}
	a := &arena{buf: buf, addrBase: base}
	h.arenas = append(h.arenas, a)
	h.log.WithFields(logrus.Fields{
		"increment": sz,
		"numArenas": len(h.arenas),
		"base":      base,
	}).Debug("grew internal heap reserve")
	return nil
}
