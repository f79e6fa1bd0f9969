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

package emheap

import (
	"testing"

	"github.com/sgx-emm/emm/pkg/hostarch"
)

// fakeSource hands out plain Go byte slices as if they were committed
// enclave memory, tagging each with a monotonically increasing base
// address so OwnsAddr has something meaningful to check.
type fakeSource struct {
	nextBase hostarch.Addr
	calls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{nextBase: 0x7f0000000000}
}

func (f *fakeSource) AllocReserve(size uintptr) (hostarch.Addr, []byte, error) {
	f.calls++
	base := f.nextBase
	f.nextBase += hostarch.Addr(size) + 2*hostarch.PageSize // leave room for guard pages
	return base, make([]byte, size), nil
}

func TestAllocFreeRoundTrip(t *testing.T) {
	src := newFakeSource()
	h := NewHeap(src, nil)
	if err := h.InitReserve(64 * 1024); err != nil {
		t.Fatal(err)
	}

	bufs := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		b, err := h.Alloc(32)
		if err != nil {
			t.Fatalf("Alloc failed at i=%d: %v", i, err)
		}
		if len(b) < 32 {
			t.Fatalf("Alloc returned short buffer: %d", len(b))
		}
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		h.Free(b)
	}

	// The arena should have fully unwound back to empty: frees happen in
	// allocation order, so every block but the last goes on a free list,
	// and the last one touches the bump pointer and retracts it over all
	// of them.
	if inUse, _ := h.Stats(); inUse != 0 {
		t.Fatalf("bytesInUse = %d, want 0 after freeing everything", inUse)
	}
}

func TestGrowReserveOnExhaustion(t *testing.T) {
	src := newFakeSource()
	h := NewHeap(src, nil)
	if err := h.InitReserve(256); err != nil {
		t.Fatal(err)
	}
	// Exhaust the tiny initial arena and force at least one add_reserve.
	for i := 0; i < 200; i++ {
		if _, err := h.Alloc(64); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if src.calls < 2 {
		t.Fatalf("expected add_reserve to run at least once beyond InitReserve, got %d calls", src.calls)
	}
}

func TestCanReallocFalseForMetaReserve(t *testing.T) {
	src := newFakeSource()
	h := NewHeap(src, nil)
	if err := h.InitReserve(64 * 1024); err != nil {
		t.Fatal(err)
	}
	real, err := h.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	if !h.CanRealloc(real) {
		t.Fatal("a normal allocation should be reallocatable")
	}

	h.addingReserve = true
	metaBuf, err := h.allocFromMeta(32)
	h.addingReserve = false
	if err != nil {
		t.Fatal(err)
	}
	if h.CanRealloc(metaBuf) {
		t.Fatal("a meta-reserve allocation must not be reallocatable")
	}
}

func TestFreeOfMetaPointerOutsideAddReservePanics(t *testing.T) {
	src := newFakeSource()
	h := NewHeap(src, nil)
	h.addingReserve = true
	metaBuf, err := h.allocFromMeta(16)
	h.addingReserve = false
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a meta pointer outside add_reserve")
		}
	}()
	h.Free(metaBuf)
}

func TestOwnsAddr(t *testing.T) {
	src := newFakeSource()
	h := NewHeap(src, nil)
	if err := h.InitReserve(4096); err != nil {
		t.Fatal(err)
	}
	a := h.arenas[0]
	if !h.OwnsAddr(a.addrBase) {
		t.Fatal("OwnsAddr should report true for an address inside the only arena")
	}
	if h.OwnsAddr(a.addrBase + hostarch.Addr(len(a.buf)) + 1) {
		t.Fatal("OwnsAddr should report false past the arena's end")
	}
}
