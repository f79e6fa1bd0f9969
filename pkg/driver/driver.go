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

// Package driver implements the EDMM state machine (spec §4.4): the
// two-phase can_X precheck / do_X_loop drive protocol that converts a
// caller's intent (commit a range, change permissions, move a page to
// TCS, ...) into a sequence of hardware effects against an emrt.Runtime,
// while keeping the ema.List and per-page bitmaps in sync with whatever
// actually happened. A can_X call never mutates anything; a do_X_loop
// that has begun mutating is never rolled back on a later failure — the
// first error is returned with whatever progress was already made left
// in place, exactly as spec §7's propagation policy requires.
package driver

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sgx-emm/emm/pkg/bitset"
	"github.com/sgx-emm/emm/pkg/ema"
	"github.com/sgx-emm/emm/pkg/emrt"
	"github.com/sgx-emm/emm/pkg/hostarch"
)

// Driver drives the state machine against a single Runtime. It holds no
// EMA-list or heap state of its own; every method takes the list (and,
// where relevant, an allocator for bitmap splits) explicitly, since
// pkg/emm owns both EMA roots and the internal heap under its single
// recursive mutex.
type Driver struct {
	RT emrt.Runtime
}

// New returns a Driver issuing hardware effects through rt.
func New(rt emrt.Runtime) *Driver {
	return &Driver{RT: rt}
}

func pageTypeOf(si ema.SIFlags) emrt.PageType {
	switch {
	case si.IsTCS():
		return emrt.PageTypeTCS
	case si.IsTrim():
		return emrt.PageTypeTrim
	default:
		return emrt.PageTypeREG
	}
}

// clampPages returns the bit range within e's bitmap that overlaps
// [start, end).
func clampPages(e *ema.EMA, start, end hostarch.Addr) (lo, hi int) {
	s := e.Range.Start
	if start > s {
		s = start
	}
	en := e.Range.End
	if end < en {
		en = end
	}
	lo = int((s - e.Range.Start) / hostarch.PageSize)
	hi = int((en - e.Range.Start) / hostarch.PageSize)
	return
}

// mustAccept panics on any EACCEPT/EMODPE failure: per spec §7, these are
// in-enclave instructions the driver only issues when its own bookkeeping
// says the page is in the right state, so a failure here means that
// bookkeeping has diverged from real EPC state — an invariant violation,
// not an ordinary error to propagate.
func mustAccept(err error, op string, addr hostarch.Addr) {
	if err != nil {
		panic(fmt.Sprintf("driver: %s failed at %#x (invariant violation): %v", op, addr, err))
	}
}

// coverRange locates the contiguous run of EMAs exactly covering
// [start, end) with no gaps, returning EINVAL if the range is not fully
// covered by the list.
func coverRange(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	first, last = list.SearchRange(hostarch.AddrRange{Start: start, End: end})
	if !first.Ok() || first.Value().Range.Start > start {
		return first, last, unix.EINVAL
	}
	cur := first
	for {
		next := cur.Next()
		if ema.Same(next, last) {
			break
		}
		if !next.Ok() || cur.Value().Range.End != next.Value().Range.Start {
			return first, last, unix.EINVAL
		}
		cur = next
	}
	if cur.Value().Range.End < end {
		return first, last, unix.EINVAL
	}
	return first, last, nil
}

// --- Commit (ema_do_commit_loop) ---

// CanCommit precheck (spec §4.4 "Commit"): every covered EMA must be REG,
// writable, and not RESERVE, with no gaps in [start, end).
func (d *Driver) CanCommit(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	first, last, err = coverRange(list, start, end)
	if err != nil {
		return
	}
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		if e.AllocFlags.IsReserve() {
			return first, last, unix.EACCES
		}
		if !e.SIFlags.IsREG() {
			return first, last, unix.EINVAL
		}
		if !e.SIFlags.Perms().Write {
			return first, last, unix.EACCES
		}
	}
	return first, last, nil
}

// DoCommitLoop drives commit across [first, last): for every page not yet
// accepted, issue EACCEPT(PENDING|REG|RW) and set its bit.
func (d *Driver) DoCommitLoop(first, last ema.Iterator, start, end hostarch.Addr) error {
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		lo, hi := clampPages(e, start, end)
		for p := lo; p < hi; p++ {
			if e.Bitmap.Test(p) {
				continue
			}
			addr := e.Range.Start + hostarch.Addr(p)*hostarch.PageSize
			info := emrt.SecInfo{Perm: hostarch.ReadWrite, PageT: emrt.PageTypeREG, State: emrt.StatePending}
			mustAccept(d.RT.DoEAccept(addr, info), "EACCEPT(commit)", addr)
			e.Bitmap.Set(p)
		}
	}
	return nil
}

// --- Uncommit (ema_do_uncommit_loop) ---

// CanUncommit precheck: no gaps, no RESERVE EMA in range.
func (d *Driver) CanUncommit(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	first, last, err = coverRange(list, start, end)
	if err != nil {
		return
	}
	for it := first; !ema.Same(it, last); it = it.Next() {
		if it.Value().AllocFlags.IsReserve() {
			return first, last, unix.EACCES
		}
	}
	return first, last, nil
}

// DoUncommitLoop walks each EMA's covered pages for maximal runs of
// committed bits and retires each run as a block. Per the recorded open
// question in spec §9, a PROT_NONE EMA is temporarily raised to READ for
// the duration of the uncommit (required to trim) and is NOT restored to
// PROT_NONE afterward — reproduced as-is from the original design.
func (d *Driver) DoUncommitLoop(first, last ema.Iterator, start, end hostarch.Addr) error {
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		lo, hi := clampPages(e, start, end)
		perm := e.SIFlags.Perms()
		if !perm.Read && !perm.Write && !perm.Execute {
			perm = hostarch.Read
		}
		p := lo
		for p < hi {
			if !e.Bitmap.Test(p) {
				p++
				continue
			}
			runStart := p
			for p < hi && e.Bitmap.Test(p) {
				p++
			}
			runEnd := p
			block := hostarch.AddrRange{
				Start: e.Range.Start + hostarch.Addr(runStart)*hostarch.PageSize,
				End:   e.Range.Start + hostarch.Addr(runEnd)*hostarch.PageSize,
			}
			if err := d.RT.ModifyOcall(block, perm, perm, emrt.PageTypeREG, emrt.PageTypeTrim); err != nil {
				return fmt.Errorf("uncommit: modify_ocall(REG->TRIM): %w", unix.EFAULT)
			}
			for addr := block.Start; addr < block.End; addr += hostarch.PageSize {
				info := emrt.SecInfo{Perm: perm, PageT: emrt.PageTypeTrim, State: emrt.StateModified}
				mustAccept(d.RT.DoEAccept(addr, info), "EACCEPT(uncommit)", addr)
			}
			e.Bitmap.ResetRange(runStart, runEnd-runStart)
			if err := d.RT.ModifyOcall(block, perm, perm, emrt.PageTypeTrim, emrt.PageTypeTrim); err != nil {
				return fmt.Errorf("uncommit: modify_ocall(trim notify): %w", unix.EFAULT)
			}
		}
	}
	return nil
}

// --- Dealloc (ema_do_dealloc_loop) ---

// trimBoundaries splits the EMAs straddling start and end so that the
// span [start, end) is isolated to whole EMA nodes, then returns the
// isolated [first, last) run. The list's contiguity was already verified
// by coverRange.
func trimBoundaries(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	first, last, err = coverRange(list, start, end)
	if err != nil {
		return
	}
	if first.Value().Range.Start < start {
		first, err = list.Split(first, start, false, nil)
		if err != nil {
			return
		}
	}
	lastCovering := last.Prev()
	if lastCovering.Value().Range.End > end {
		_, err = list.Split(lastCovering, end, false, nil)
		if err != nil {
			return
		}
		last = lastCovering.Next()
	}
	return first, last, nil
}

// CanDealloc precheck: the range must be fully covered (RESERVE EMAs are
// permitted — dealloc is "tolerant of partial RESERVE coverage", spec §6).
func (d *Driver) CanDealloc(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	return coverRange(list, start, end)
}

// DoDeallocLoop uncommits every non-RESERVE EMA's covered pages, then
// isolates [start, end) to whole nodes and destroys them.
func (d *Driver) DoDeallocLoop(list *ema.List, start, end hostarch.Addr) error {
	first, last, err := coverRange(list, start, end)
	if err != nil {
		return err
	}
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		if e.AllocFlags.IsReserve() {
			continue
		}
		lo, hi := clampPages(e, start, end)
		if err := d.uncommitEMAPages(e, lo, hi); err != nil {
			return err
		}
	}
	first, last, err = trimBoundaries(list, start, end)
	if err != nil {
		return err
	}
	it := first
	for !ema.Same(it, last) {
		next := it.Next()
		list.Destroy(it)
		it = next
	}
	return nil
}

// uncommitEMAPages is DoUncommitLoop's per-EMA inner loop, factored out so
// DoDeallocLoop can drive it without a coverRange-produced iterator range.
func (d *Driver) uncommitEMAPages(e *ema.EMA, lo, hi int) error {
	perm := e.SIFlags.Perms()
	if !perm.Read && !perm.Write && !perm.Execute {
		perm = hostarch.Read
	}
	p := lo
	for p < hi {
		if !e.Bitmap.Test(p) {
			p++
			continue
		}
		runStart := p
		for p < hi && e.Bitmap.Test(p) {
			p++
		}
		runEnd := p
		block := hostarch.AddrRange{
			Start: e.Range.Start + hostarch.Addr(runStart)*hostarch.PageSize,
			End:   e.Range.Start + hostarch.Addr(runEnd)*hostarch.PageSize,
		}
		if err := d.RT.ModifyOcall(block, perm, perm, emrt.PageTypeREG, emrt.PageTypeTrim); err != nil {
			return fmt.Errorf("dealloc: modify_ocall(REG->TRIM): %w", unix.EFAULT)
		}
		for addr := block.Start; addr < block.End; addr += hostarch.PageSize {
			info := emrt.SecInfo{Perm: perm, PageT: emrt.PageTypeTrim, State: emrt.StateModified}
			mustAccept(d.RT.DoEAccept(addr, info), "EACCEPT(dealloc-uncommit)", addr)
		}
		e.Bitmap.ResetRange(runStart, runEnd-runStart)
		if err := d.RT.ModifyOcall(block, perm, perm, emrt.PageTypeTrim, emrt.PageTypeTrim); err != nil {
			return fmt.Errorf("dealloc: modify_ocall(trim notify): %w", unix.EFAULT)
		}
	}
	return nil
}

// --- Permission change (ema_modify_permissions_loop) ---

// CanModifyPermissions precheck: every covered page must already be
// committed and every covered EMA REG, non-RESERVE.
func (d *Driver) CanModifyPermissions(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	first, last, err = coverRange(list, start, end)
	if err != nil {
		return
	}
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		if e.AllocFlags.IsReserve() || !e.SIFlags.IsREG() {
			return first, last, unix.EINVAL
		}
		lo, hi := clampPages(e, start, end)
		if !e.Bitmap.TestRange(lo, hi-lo) {
			return first, last, unix.EINVAL
		}
	}
	return first, last, nil
}

// DoModifyPermissionsLoop changes permissions over [first, last) to
// newPerm, splitting each touched EMA to isolate exactly [start, end)
// first. An EMA whose permissions already equal newPerm is left alone
// (spec §4.4 step 1, "If new_prot == old_prot, skip").
func (d *Driver) DoModifyPermissionsLoop(list *ema.List, first, last ema.Iterator, start, end hostarch.Addr, newPerm hostarch.AccessType) error {
	it := first
	for !ema.Same(it, last) {
		next := it.Next()
		e := it.Value()
		oldPerm := e.SIFlags.Perms()
		if oldPerm == newPerm {
			it = next
			continue
		}
		lo, hi := clampPages(e, start, end)
		subStart := e.Range.Start + hostarch.Addr(lo)*hostarch.PageSize
		subEnd := e.Range.Start + hostarch.Addr(hi)*hostarch.PageSize
		target, err := list.SplitEx(it, hostarch.AddrRange{Start: subStart, End: subEnd}, nil)
		if err != nil {
			return err
		}
		e = target.Value()
		ar := e.Range
		if err := d.RT.ModifyOcall(ar, oldPerm, newPerm, emrt.PageTypeREG, emrt.PageTypeREG); err != nil {
			return fmt.Errorf("modify_permissions: modify_ocall: %w", unix.EFAULT)
		}
		add := hostarch.AccessType{
			Read:    newPerm.Read && !oldPerm.Read,
			Write:   newPerm.Write && !oldPerm.Write,
			Execute: newPerm.Execute && !oldPerm.Execute,
		}
		skipAccept := newPerm.Read && newPerm.Write && newPerm.Execute
		for p := 0; p < e.Bitmap.NumBits(); p++ {
			addr := ar.Start + hostarch.Addr(p)*hostarch.PageSize
			if add.Any() {
				mustAccept(d.RT.DoEModPE(addr, add), "EMODPE", addr)
			}
			if !skipAccept {
				info := emrt.SecInfo{Perm: newPerm, PageT: emrt.PageTypeREG, State: emrt.StatePR}
				mustAccept(d.RT.DoEAccept(addr, info), "EACCEPT(modify_permissions)", addr)
			}
		}
		e.SIFlags = e.SIFlags.WithPerms(newPerm)
		if !newPerm.Read && !newPerm.Write && !newPerm.Execute {
			if err := d.RT.ModifyOcall(ar, hostarch.NoAccess, hostarch.NoAccess, emrt.PageTypeREG, emrt.PageTypeREG); err != nil {
				return fmt.Errorf("modify_permissions: pin PROT_NONE: %w", unix.EFAULT)
			}
		}
		it = next
	}
	return nil
}

// --- Change to TCS (ema_change_to_tcs) ---

// ChangeToTCS converts the single committed R+W REG page at addr to TCS.
// Re-invoking on a page already TCS succeeds without further effect
// (spec §8 scenario S5).
func (d *Driver) ChangeToTCS(list *ema.List, addr hostarch.Addr) error {
	it := list.Search(addr)
	if !it.Ok() {
		return unix.EINVAL
	}
	e := it.Value()
	pageIdx := int((addr - e.Range.Start) / hostarch.PageSize)
	if e.SIFlags.IsTCS() {
		return nil
	}
	if e.AllocFlags.IsReserve() || !e.SIFlags.IsREG() {
		return unix.EACCES
	}
	perm := e.SIFlags.Perms()
	if !perm.Read || !perm.Write {
		return unix.EACCES
	}
	if !e.Bitmap.Test(pageIdx) {
		return unix.EACCES
	}
	pageAr := hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize}
	if err := d.RT.ModifyOcall(pageAr, perm, perm, emrt.PageTypeREG, emrt.PageTypeTCS); err != nil {
		return fmt.Errorf("modify_type: modify_ocall(REG->TCS): %w", unix.EFAULT)
	}
	info := emrt.SecInfo{Perm: hostarch.NoAccess, PageT: emrt.PageTypeTCS, State: emrt.StateModified}
	mustAccept(d.RT.DoEAccept(addr, info), "EACCEPT(change_to_tcs)", addr)

	target, err := list.SplitEx(it, pageAr, nil)
	if err != nil {
		return err
	}
	tv := target.Value()
	tv.SIFlags = ema.PageTypeTCS
	return nil
}

// --- Commit with data (ema_do_commit_data_loop) ---

// CanCommitData precheck: every covered page must be uncommitted and
// every covered EMA a writable COMMIT_ON_DEMAND REG region.
func (d *Driver) CanCommitData(list *ema.List, start, end hostarch.Addr) (first, last ema.Iterator, err error) {
	first, last, err = coverRange(list, start, end)
	if err != nil {
		return
	}
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		if e.AllocFlags.IsReserve() || !e.AllocFlags.IsCommitOnDemand() || !e.SIFlags.IsREG() {
			return first, last, unix.EINVAL
		}
		if !e.SIFlags.Perms().Write {
			return first, last, unix.EACCES
		}
		lo, hi := clampPages(e, start, end)
		if e.Bitmap.TestRangeAny(lo, hi-lo) {
			return first, last, unix.EINVAL
		}
	}
	return first, last, nil
}

// DoCommitDataLoop copies data into [start, end) page by page via
// EACCEPTCOPY, marks the bits committed, then demotes to newPerm via the
// ordinary permission-change loop (spec §4.4 "Commit-with-data").
func (d *Driver) DoCommitDataLoop(list *ema.List, first, last ema.Iterator, start, end hostarch.Addr, data []byte, newPerm hostarch.AccessType) error {
	if len(data) != int(end-start) {
		panic("driver: commit_data payload length does not match range size")
	}
	off := 0
	for it := first; !ema.Same(it, last); it = it.Next() {
		e := it.Value()
		lo, hi := clampPages(e, start, end)
		for p := lo; p < hi; p++ {
			addr := e.Range.Start + hostarch.Addr(p)*hostarch.PageSize
			src := data[off : off+hostarch.PageSize]
			info := emrt.SecInfo{Perm: e.SIFlags.Perms(), PageT: emrt.PageTypeREG, State: emrt.StatePending}
			mustAccept(d.RT.DoEAcceptCopy(addr, info, src), "EACCEPTCOPY", addr)
			e.Bitmap.Set(p)
			off += hostarch.PageSize
		}
	}
	return d.DoModifyPermissionsLoop(list, first, last, start, end, newPerm)
}

// --- Realloc from reserve (ema_realloc_from_reserve_range) ---

// OwnsAddr is satisfied structurally by *emheap.Heap: it reports whether
// addr falls inside an internal-heap arena, so realloc-from-reserve can
// refuse to convert address space the heap itself is using.
type OwnsAddr interface {
	OwnsAddr(addr hostarch.Addr) bool
}

// CanReallocFromReserve precheck: the range must be covered entirely by
// RESERVE EMAs with no internal-heap reserve inside it.
func (d *Driver) CanReallocFromReserve(list *ema.List, start, end hostarch.Addr, heap OwnsAddr) (first, last ema.Iterator, err error) {
	first, last, err = coverRange(list, start, end)
	if err != nil {
		return
	}
	for it := first; !ema.Same(it, last); it = it.Next() {
		if !it.Value().AllocFlags.IsReserve() {
			return first, last, unix.EINVAL
		}
	}
	if heap != nil {
		for addr := start; addr < end; addr += hostarch.PageSize {
			if heap.OwnsAddr(addr) {
				return first, last, unix.EINVAL
			}
		}
	}
	return first, last, nil
}

// DoReallocFromReserve destroys every RESERVE EMA in [start, end) and
// replaces them with a single fresh EMA carrying newFlags/newSI, created
// and backed through DoAlloc.
func (d *Driver) DoReallocFromReserve(list *ema.List, start, end hostarch.Addr, newFlags ema.AllocFlags, newSI ema.SIFlags, bmInit ema.BitmapInit, alloc bitset.Allocator) (ema.Iterator, error) {
	first, last, err := trimBoundaries(list, start, end)
	if err != nil {
		return ema.Iterator{}, err
	}
	it := first
	for !ema.Same(it, last) {
		next := it.Next()
		list.Destroy(it)
		it = next
	}
	return d.DoAlloc(list, hostarch.AddrRange{Start: start, End: end}, newFlags, newSI, last, alloc)
}

// --- Allocation (ema_do_alloc) ---

// BitmapInitFor returns the initial eaccept_map state for a freshly created
// EMA carrying flags: all-set for COMMIT_NOW, all-reset for COMMIT_ON_DEMAND,
// absent otherwise (RESERVE never carries a bitmap).
func BitmapInitFor(flags ema.AllocFlags) ema.BitmapInit {
	switch {
	case flags.IsCommitNow():
		return ema.BitmapAllSet
	case flags.IsCommitOnDemand():
		return ema.BitmapAllReset
	default:
		return ema.BitmapNone
	}
}

// DoAlloc creates a fresh EMA at ar and drives its initial hardware
// effects: a RESERVE EMA gets none; otherwise alloc_ocall backs the
// range, and a COMMIT_NOW region is walked with EACCEPT in forward order
// (grow-up) or backward order (grow-down), so the first valid-for-fault
// address is always the boundary closest to the region's anchor.
func (d *Driver) DoAlloc(list *ema.List, ar hostarch.AddrRange, flags ema.AllocFlags, si ema.SIFlags, before ema.Iterator, alloc bitset.Allocator) (ema.Iterator, error) {
	it, err := list.NewEMA(ar, flags, si, before, alloc, BitmapInitFor(flags))
	if err != nil {
		return it, err
	}
	if flags.IsReserve() {
		return it, nil
	}

	pt := pageTypeOf(si)
	if err := d.RT.AllocOcall(ar, pt, flags.IsCommitNow()); err != nil {
		list.Destroy(it)
		return ema.Iterator{}, err
	}
	if flags.IsCommitNow() {
		e := it.Value()
		perm := si.Perms()
		n := int(ar.NumPages())
		for i := 0; i < n; i++ {
			p := i
			if flags.IsGrowsDown() {
				p = n - 1 - i
			}
			addr := ar.Start + hostarch.Addr(p)*hostarch.PageSize
			info := emrt.SecInfo{Perm: perm, PageT: pt, State: emrt.StatePending}
			mustAccept(d.RT.DoEAccept(addr, info), "EACCEPT(alloc)", addr)
			e.Bitmap.Set(p)
		}
	}
	return it, nil
}
