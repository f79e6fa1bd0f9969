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

// Package ema implements Enclave Memory Areas and the two EMA roots (spec
// §3, §4.3): a page-aligned, non-overlapping, address-sorted region
// descriptor and a doubly linked, sentinel-guarded list of them.
//
// Following the arena-of-indexed-slots recommendation in spec §9, a List
// does not hold *EMA pointers directly; next/prev links are small integer
// indices into a per-root slot arena, with index 0 reserved for the
// sentinel. This sidesteps Go's usual aliasing concerns around growing
// slices (slots are held as *slot, so the slot arena can grow without
// invalidating a previously obtained Iterator) while keeping insert/remove
// O(1), exactly as the design note asks for.
package ema

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sgx-emm/emm/pkg/bitset"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

// AllocFlags is alloc_flags: a commit policy bit plus independent
// placement/role bits (spec §3, §6).
type AllocFlags uint32

const (
	FlagCommitNow AllocFlags = 1 << iota
	FlagCommitOnDemand
	FlagReserve
	FlagFixed
	FlagGrowsDown
	FlagGrowsUp
	FlagSystem
)

func (f AllocFlags) IsReserve() bool        { return f&FlagReserve != 0 }
func (f AllocFlags) IsCommitNow() bool      { return f&FlagCommitNow != 0 }
func (f AllocFlags) IsCommitOnDemand() bool { return f&FlagCommitOnDemand != 0 }
func (f AllocFlags) IsFixed() bool          { return f&FlagFixed != 0 }
func (f AllocFlags) IsGrowsDown() bool      { return f&FlagGrowsDown != 0 }
func (f AllocFlags) IsGrowsUp() bool        { return f&FlagGrowsUp != 0 }
func (f AllocFlags) IsSystem() bool         { return f&FlagSystem != 0 }

func (f AllocFlags) String() string {
	policy := "?"
	switch {
	case f.IsReserve():
		policy = "RESERVE"
	case f.IsCommitNow():
		policy = "COMMIT_NOW"
	case f.IsCommitOnDemand():
		policy = "COMMIT_ON_DEMAND"
	}
	extra := ""
	if f.IsFixed() {
		extra += "|FIXED"
	}
	if f.IsGrowsDown() {
		extra += "|GROWSDOWN"
	}
	if f.IsGrowsUp() {
		extra += "|GROWSUP"
	}
	if f.IsSystem() {
		extra += "|SYSTEM"
	}
	return policy + extra
}

// SIFlags is si_flags: permission bits plus a page-type bit (spec §3, §6).
type SIFlags uint64

const (
	PermRead SIFlags = 1 << iota
	PermWrite
	PermExecute
	PageTypeReg
	PageTypeTCS
	PageTypeTrim
)

// Perms returns the hostarch.AccessType encoded in f.
func (f SIFlags) Perms() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&PermRead != 0,
		Write:   f&PermWrite != 0,
		Execute: f&PermExecute != 0,
	}
}

// WithPerms returns f with its permission bits replaced by perms, keeping
// its page-type bits.
func (f SIFlags) WithPerms(perms hostarch.AccessType) SIFlags {
	out := f &^ (PermRead | PermWrite | PermExecute)
	if perms.Read {
		out |= PermRead
	}
	if perms.Write {
		out |= PermWrite
	}
	if perms.Execute {
		out |= PermExecute
	}
	return out
}

// IsREG, IsTCS, IsTrim report the page type encoded in f.
func (f SIFlags) IsREG() bool  { return f&(PageTypeTCS|PageTypeTrim) == 0 }
func (f SIFlags) IsTCS() bool  { return f&PageTypeTCS != 0 }
func (f SIFlags) IsTrim() bool { return f&PageTypeTrim != 0 }

// WithPageType returns f with its page-type bits replaced.
func (f SIFlags) WithPageType(pt SIFlags) SIFlags {
	return f&^(PageTypeTCS|PageTypeTrim) | (pt &^ (PermRead | PermWrite | PermExecute))
}

func (f SIFlags) String() string {
	pt := "REG"
	if f.IsTCS() {
		pt = "TCS"
	} else if f.IsTrim() {
		pt = "TRIM"
	}
	return fmt.Sprintf("%s:%s", pt, f.Perms())
}

// PFHandler is an optional user page-fault handler attached to an EMA for
// demand-commit/load (spec §3).
type PFHandler func(addr hostarch.Addr, priv any) error

// EMA is one contiguous, page-aligned region plus its metadata.
type EMA struct {
	Range      hostarch.AddrRange
	AllocFlags AllocFlags
	SIFlags    SIFlags
	Bitmap     *bitset.BitSet // nil iff the EMA is purely RESERVE
	Handler    PFHandler
	Priv       any
}

// Summary is a snapshot of an EMA's externally observable state, used by
// tests to compare EMA lists by content rather than by node identity (spec
// §8, invariant 6).
type Summary struct {
	Range      hostarch.AddrRange
	AllocFlags AllocFlags
	SIFlags    SIFlags
	Committed  []bool // nil iff Bitmap == nil
}

// Summary returns a comparable snapshot of e.
func (e *EMA) Summary() Summary {
	s := Summary{Range: e.Range, AllocFlags: e.AllocFlags, SIFlags: e.SIFlags}
	if e.Bitmap != nil {
		s.Committed = make([]bool, e.Bitmap.NumBits())
		for i := range s.Committed {
			s.Committed[i] = e.Bitmap.Test(i)
		}
	}
	return s
}

type slot struct {
	ema      EMA
	next     int32
	prev     int32
	inUse    bool
	freeNext int32
}

// List is one EMA root: a doubly linked, sentinel-guarded, address-sorted
// list of EMAs confined to a single address-space window.
type List struct {
	window       hostarch.AddrRange
	isRTS        bool
	withinEnclave func(hostarch.AddrRange) bool

	slots    []*slot
	freeHead int32
	count    int
}

// NewList constructs an empty root over window. withinEnclave, if non-nil,
// is an additional containment predicate applied to every candidate range
// (used by the RTS root; spec §3).
func NewList(window hostarch.AddrRange, isRTS bool, withinEnclave func(hostarch.AddrRange) bool) *List {
	l := &List{window: window, isRTS: isRTS, withinEnclave: withinEnclave, freeHead: -1}
	l.slots = []*slot{{next: 0, prev: 0, inUse: true}}
	return l
}

// Window returns the address range this root owns.
func (l *List) Window() hostarch.AddrRange { return l.window }

// Len returns the number of EMAs currently on the list.
func (l *List) Len() int { return l.count }

// Iterator references a node on a List, or the sentinel if !Ok().
type Iterator struct {
	list *List
	idx  int32
}

// Ok reports whether it references a real EMA rather than the sentinel.
func (it Iterator) Ok() bool { return it.list != nil && it.idx != 0 }

// Value returns a pointer to the referenced EMA. Must not be called unless Ok().
func (it Iterator) Value() *EMA { return &it.list.slots[it.idx].ema }

// Next returns an iterator to the following node (the sentinel if it was the last).
func (it Iterator) Next() Iterator { return Iterator{it.list, it.list.slots[it.idx].next} }

// Prev returns an iterator to the preceding node (the sentinel if it was the first).
func (it Iterator) Prev() Iterator { return Iterator{it.list, it.list.slots[it.idx].prev} }

// Begin returns an iterator to the first (lowest-addressed) EMA.
func (l *List) Begin() Iterator { return Iterator{l, l.slots[0].next} }

// End returns the sentinel iterator (never Ok()).
func (l *List) End() Iterator { return Iterator{l, 0} }

func (l *List) allocSlot() int32 {
	if l.freeHead != -1 {
		idx := l.freeHead
		l.freeHead = l.slots[idx].freeNext
		l.slots[idx].inUse = true
		return idx
	}
	l.slots = append(l.slots, &slot{inUse: true})
	return int32(len(l.slots) - 1)
}

func (l *List) freeSlot(idx int32) {
	s := l.slots[idx]
	s.inUse = false
	s.ema = EMA{}
	s.freeNext = l.freeHead
	l.freeHead = idx
}

func (l *List) insertRaw(idx, before int32) {
	p := l.slots[before].prev
	l.slots[idx].prev = p
	l.slots[idx].next = before
	l.slots[p].next = idx
	l.slots[before].prev = idx
	l.count++
}

func (l *List) removeRaw(idx int32) {
	p := l.slots[idx].prev
	n := l.slots[idx].next
	if l.slots[p].next != idx || l.slots[n].prev != idx {
		panic("ema: list corruption detected on remove")
	}
	l.slots[p].next = n
	l.slots[n].prev = p
	l.count--
}

// Search returns an iterator to the unique EMA containing addr, or End().
func (l *List) Search(addr hostarch.Addr) Iterator {
	for it := l.Begin(); it.Ok(); it = it.Next() {
		v := it.Value()
		if v.Range.Contains(addr) {
			return it
		}
		if v.Range.Start > addr {
			break
		}
	}
	return l.End()
}

// SearchRange returns the half-open span [first, last) of EMAs
// overlapping ar: first is the first EMA with End > ar.Start; last is the
// node immediately after the last EMA with Start < ar.End. If first ==
// last (by index), no EMA overlaps ar.
func (l *List) SearchRange(ar hostarch.AddrRange) (first, last Iterator) {
	it := l.Begin()
	for it.Ok() && it.Value().Range.End <= ar.Start {
		it = it.Next()
	}
	first = it
	for it.Ok() && it.Value().Range.Start < ar.End {
		it = it.Next()
	}
	last = it
	return
}

// Same reports whether two iterators reference the same node.
func Same(a, b Iterator) bool { return a.list == b.list && a.idx == b.idx }

func alignDown(addr hostarch.Addr, align hostarch.Addr) hostarch.Addr {
	if align == 0 {
		return addr
	}
	return addr &^ (align - 1)
}

func alignUp(addr hostarch.Addr, align hostarch.Addr) hostarch.Addr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

func (l *List) candidateOK(ar hostarch.AddrRange) bool {
	if !l.window.ContainsRange(ar) {
		return false
	}
	if l.isRTS && l.withinEnclave != nil && !l.withinEnclave(ar) {
		return false
	}
	return true
}

// FindFreeRegion searches this root's window, in address order, for a free
// range of size bytes aligned to align, per spec §4.3's ordered fallback:
// an empty-window default, then gap-between-nodes first fit (which
// subsumes the above-the-last-node case), then below the first node.
func (l *List) FindFreeRegion(size uintptr, align hostarch.Addr) (hostarch.Addr, error) {
	if align == 0 {
		align = hostarch.PageSize
	}
	if l.count == 0 {
		var addr hostarch.Addr
		if l.isRTS {
			addr = alignDown(l.window.End-hostarch.Addr(size), align)
		} else {
			addr = alignUp(l.window.Start, align)
		}
		ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
		if l.candidateOK(ar) {
			return addr, nil
		}
		return 0, unix.ENOMEM
	}

	for it := l.Begin(); it.Ok(); it = it.Next() {
		gapStart := it.Value().Range.End
		gapEnd := l.window.End
		if nxt := it.Next(); nxt.Ok() {
			gapEnd = nxt.Value().Range.Start
		}
		addr := alignUp(gapStart, align)
		ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
		if ar.End <= gapEnd && l.candidateOK(ar) {
			return addr, nil
		}
	}

	first := l.Begin()
	addr := alignUp(l.window.Start, align)
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	if ar.End <= first.Value().Range.Start && l.candidateOK(ar) {
		return addr, nil
	}
	return 0, unix.ENOMEM
}

// FindFreeRegionAt reports whether ar is entirely free and within window,
// returning EEXIST if it collides with a live EMA and EINVAL if it escapes
// the window (or, for RTS, the enclave).
func (l *List) FindFreeRegionAt(ar hostarch.AddrRange) error {
	if !l.candidateOK(ar) {
		return unix.EINVAL
	}
	first, last := l.SearchRange(ar)
	if first.idx != last.idx {
		return unix.EEXIST
	}
	return nil
}

// BitmapInit selects how a freshly created EMA's bitmap, if any, should be
// initialized.
type BitmapInit int

const (
	BitmapNone BitmapInit = iota
	BitmapAllSet
	BitmapAllReset
)

// NewEMA implements ema_new: the range is linked into the list (reserving
// it against any concurrent search) before the bitmap is allocated, so
// that a bitmap allocation failure can be unwound by simply unlinking the
// node just inserted, leaving the list exactly as it was (spec §4.3, §9).
func (l *List) NewEMA(ar hostarch.AddrRange, allocFlags AllocFlags, siFlags SIFlags, before Iterator, alloc bitset.Allocator, init BitmapInit) (Iterator, error) {
	idx := l.allocSlot()
	l.slots[idx].ema = EMA{Range: ar, AllocFlags: allocFlags, SIFlags: siFlags}
	l.insertRaw(idx, before.idx)

	if init == BitmapNone {
		return Iterator{l, idx}, nil
	}
	n := int(ar.NumPages())
	var bm *bitset.BitSet
	var err error
	if init == BitmapAllSet {
		bm, err = bitset.NewSet(alloc, n)
	} else {
		bm, err = bitset.NewReset(alloc, n)
	}
	if err != nil {
		l.removeRaw(idx)
		l.freeSlot(idx)
		return Iterator{}, unix.ENOMEM
	}
	l.slots[idx].ema.Bitmap = bm
	return Iterator{l, idx}, nil
}

// NewReserveEMA creates a bitmap-less RESERVE placeholder EMA.
func (l *List) NewReserveEMA(ar hostarch.AddrRange, before Iterator) Iterator {
	it, err := l.NewEMA(ar, FlagReserve, 0, before, nil, BitmapNone)
	if err != nil {
		// Reserve EMAs never allocate a bitmap, so this path cannot fail.
		panic(fmt.Sprintf("ema: unexpected error creating RESERVE EMA: %v", err))
	}
	return it
}

// Destroy implements ema_destroy: unlink the node, free its bitmap, and
// return the slot to the free list. It panics (an invariant-violation
// abort, per spec §7) if the node's links are corrupted.
func (l *List) Destroy(it Iterator) {
	idx := it.idx
	l.removeRaw(idx)
	if bm := l.slots[idx].ema.Bitmap; bm != nil {
		bm.Delete()
	}
	l.freeSlot(idx)
}

// Split divides the EMA at it into two at addr, which must lie strictly
// inside its range. If newLower is true, the freshly allocated node takes
// [Range.Start, addr) and is returned; the original node is mutated in
// place to become [addr, Range.End). If newLower is false, the freshly
// allocated node takes [addr, Range.End) and the original node is mutated
// to become [Range.Start, addr). On ENOMEM (bitmap split failure) the list
// is left unchanged.
func (l *List) Split(it Iterator, addr hostarch.Addr, newLower bool, alloc bitset.Allocator) (Iterator, error) {
	e := it.Value()
	if !(e.Range.Start < addr && addr < e.Range.End) {
		panic("ema: split address not strictly inside the EMA's range")
	}
	var lowerBM, higherBM *bitset.BitSet
	if e.Bitmap != nil {
		pos := int((addr - e.Range.Start) / hostarch.PageSize)
		var err error
		lowerBM, higherBM, err = e.Bitmap.Split(pos)
		if err != nil {
			return Iterator{}, err
		}
	}
	_ = alloc // reserved for future use should a split ever need to allocate

	newIdx := l.allocSlot()
	if newLower {
		l.slots[newIdx].ema = EMA{
			Range: hostarch.AddrRange{Start: e.Range.Start, End: addr},
			AllocFlags: e.AllocFlags, SIFlags: e.SIFlags,
			Bitmap: lowerBM, Handler: e.Handler, Priv: e.Priv,
		}
		e.Range.Start = addr
		e.Bitmap = higherBM
		l.insertRaw(newIdx, it.idx)
		return Iterator{l, newIdx}, nil
	}
	l.slots[newIdx].ema = EMA{
		Range: hostarch.AddrRange{Start: addr, End: e.Range.End},
		AllocFlags: e.AllocFlags, SIFlags: e.SIFlags,
		Bitmap: higherBM, Handler: e.Handler, Priv: e.Priv,
	}
	e.Range.End = addr
	e.Bitmap = lowerBM
	l.insertRaw(newIdx, l.slots[it.idx].next)
	return Iterator{l, newIdx}, nil
}

// SplitEx trims the EMA at it to exactly ar via zero, one, or two calls to
// Split, and returns an iterator to the (possibly unchanged) middle node —
// the same node identity as it throughout, since Split always mutates the
// original node into the "kept" half.
func (l *List) SplitEx(it Iterator, ar hostarch.AddrRange, alloc bitset.Allocator) (Iterator, error) {
	e := it.Value()
	if !e.Range.ContainsRange(ar) {
		panic("ema: SplitEx range is not contained in the target EMA")
	}
	if ar.Start > e.Range.Start {
		if _, err := l.Split(it, ar.Start, true, alloc); err != nil {
			return Iterator{}, err
		}
	}
	e = it.Value()
	if ar.End < e.Range.End {
		if _, err := l.Split(it, ar.End, false, alloc); err != nil {
			return Iterator{}, err
		}
	}
	return it, nil
}
