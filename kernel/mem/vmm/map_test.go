package vmm

import (
	"testing"

	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"

	"go.uber.org/mock/gomock"
)

func assertTranslation(t *testing.T, pt *PageTables, addr VirtAddr, expPhys pmm.PhysAddr, expPageSize mem.Size) Translation {
	t.Helper()

	tr, ok := pt.Query(addr)
	if !ok {
		t.Fatalf("expected 0x%x to be mapped", addr)
	}
	if tr.Phys != expPhys {
		t.Fatalf("expected 0x%x to translate to 0x%x; got 0x%x", addr, expPhys, tr.Phys)
	}
	if tr.PageSize != expPageSize {
		t.Fatalf("expected 0x%x to be mapped by a %s page; got %s", addr, expPageSize, tr.PageSize)
	}

	return tr
}

func assertUnmapped(t *testing.T, pt *PageTables, addrs ...VirtAddr) {
	t.Helper()

	for _, addr := range addrs {
		if tr, ok := pt.Query(addr); ok {
			t.Fatalf("expected 0x%x to be unmapped; got translation %+v", addr, tr)
		}
	}
}

func TestMapQueryUnmap(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout Layout) {
		pt, alloc := newTestPageTables(t, layout)

		if err := pt.Map(0x1000, 4*mem.Kb, 0x2000, PermRead|PermWrite, 4*mem.Kb); err != nil {
			t.Fatal(err)
		}

		tr := assertTranslation(t, pt, 0x1000, 0x2000, 4*mem.Kb)
		if exp := PermRead | PermWrite; tr.Perms&exp != exp || tr.Perms&(PermExecute|PermUser) != 0 {
			t.Fatalf("unexpected permissions %s", tr.Perms)
		}
		assertTranslation(t, pt, 0x1fff, 0x2fff, 4*mem.Kb)
		assertUnmapped(t, pt, 0x0, 0x2000)
		assertOwnedFrames(t, pt, alloc)

		if err := pt.Unmap(0x1000, 4*mem.Kb); err != nil {
			t.Fatal(err)
		}
		assertUnmapped(t, pt, 0x1000)

		if exp, got := 1, pt.TableFrames(); got != exp {
			t.Fatalf("expected empty tables to be released; got %d table frames", got)
		}
		assertOwnedFrames(t, pt, alloc)
	})
}

func TestMapAlreadyMapped(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout Layout) {
		pt, alloc := newTestPageTables(t, layout)

		if err := pt.Map(0x3000, 4*mem.Kb, 0x5000, PermRead, 0); err != nil {
			t.Fatal(err)
		}
		if err := pt.Map(0x200000, 2*mem.Mb, 0x800000, PermRead, 0); err != nil {
			t.Fatal(err)
		}
		tableFrames := pt.TableFrames()

		specs := []struct {
			start    VirtAddr
			size     mem.Size
			pageSize mem.Size
		}{
			// same page
			{0x3000, 4 * mem.Kb, 0},
			// the last page overlaps; the first two must be rolled back
			{0x1000, 12 * mem.Kb, 4 * mem.Kb},
			// inside a huge page
			{0x201000, 4 * mem.Kb, 4 * mem.Kb},
			// huge page over a populated table
			{0x0, 2 * mem.Mb, 2 * mem.Mb},
		}

		for specIndex, spec := range specs {
			if err := pt.Map(spec.start, spec.size, 0x10000000, PermRead|PermWrite, spec.pageSize); err != ErrAlreadyMapped {
				t.Errorf("[spec %d] expected ErrAlreadyMapped; got %v", specIndex, err)
			}
		}

		assertTranslation(t, pt, 0x3000, 0x5000, 4*mem.Kb)
		assertTranslation(t, pt, 0x201000, 0x801000, 2*mem.Mb)
		assertUnmapped(t, pt, 0x1000, 0x2000)

		if got := pt.TableFrames(); got != tableFrames {
			t.Fatalf("expected failed maps to leave %d table frames; got %d", tableFrames, got)
		}
		assertOwnedFrames(t, pt, alloc)
	})
}

func TestMapPageSizeSelection(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout Layout) {
		pt, _ := newTestPageTables(t, layout)

		// 4KiB head, 2MiB body and 4KiB tail.
		if err := pt.Map(0x1ff000, 2*mem.Mb+8*mem.Kb, 0x3ff000, PermRead, 0); err != nil {
			t.Fatal(err)
		}
		assertTranslation(t, pt, 0x1ff000, 0x3ff000, 4*mem.Kb)
		assertTranslation(t, pt, 0x200000, 0x400000, 2*mem.Mb)
		assertTranslation(t, pt, 0x3fffff, 0x5fffff, 2*mem.Mb)
		assertTranslation(t, pt, 0x400000, 0x600000, 4*mem.Kb)

		// Misaligned physical memory forces base pages.
		if err := pt.Map(0x800000, 2*mem.Mb, 0x1001000, PermRead, 0); err != nil {
			t.Fatal(err)
		}
		assertTranslation(t, pt, 0x9ff000, 0x11ff000, 4*mem.Kb)

		if err := pt.Map(0x40000000, mem.Gb, 0x80000000, PermRead, 0); err != nil {
			t.Fatal(err)
		}
		assertTranslation(t, pt, 0x7fffffff, 0xbfffffff, mem.Gb)

		// An explicit size is honored even when a larger one would fit.
		if err := pt.Map(0x80000000, 2*mem.Mb, 0xc0000000, PermRead, 4*mem.Kb); err != nil {
			t.Fatal(err)
		}
		assertTranslation(t, pt, 0x80000000, 0xc0000000, 4*mem.Kb)
	})
}

func TestMapInvalidArguments(t *testing.T) {
	pt, alloc := newTestPageTables(t, X86_64)

	unsupported := []mem.Size{8 * mem.Kb, 4 * mem.Mb, 512 * mem.Gb}
	for _, pageSize := range unsupported {
		if err := pt.Map(0, pageSize, 0, PermRead, pageSize); err != ErrUnsupportedPageSize {
			t.Errorf("[page size %s] expected ErrUnsupportedPageSize; got %v", pageSize, err)
		}
	}

	specs := []struct {
		start    VirtAddr
		size     mem.Size
		phys     pmm.PhysAddr
		pageSize mem.Size
	}{
		// empty
		{0x1000, 0, 0x1000, 0},
		// misaligned start, size and phys
		{0x1001, 4 * mem.Kb, 0x1000, 0},
		{0x1000, 4*mem.Kb + 1, 0x1000, 0},
		{0x1000, 4 * mem.Kb, 0x1001, 0},
		{0x1000, 2 * mem.Mb, 0x200000, 2 * mem.Mb},
		{0x200000, 2 * mem.Mb, 0x1000, 2 * mem.Mb},
		// non-canonical
		{0x0000800000000000, 4 * mem.Kb, 0, 0},
		// ends in the canonical hole
		{0x00007ffffffff000, 8 * mem.Kb, 0, 0},
		// both ends canonical but the range spans the hole
		{0x00007ffffffff000, mem.Size(0xffff800000001000 - 0x00007ffffffff000), 0, 0},
		// wraps around the address space
		{0xfffffffffffff000, 8 * mem.Kb, 0, 0},
		// physical overflow
		{0x1000, 8 * mem.Kb, 0xfffffffffffff000, 0},
	}

	for specIndex, spec := range specs {
		if err := pt.Map(spec.start, spec.size, spec.phys, PermRead, spec.pageSize); err != ErrInvalidAddress {
			t.Errorf("[spec %d] expected ErrInvalidAddress; got %v", specIndex, err)
		}
	}

	if exp, got := 1, pt.TableFrames(); got != exp {
		t.Fatalf("expected invalid requests not to allocate tables; got %d table frames", got)
	}
	assertOwnedFrames(t, pt, alloc)
}

func TestMapUpperHalf(t *testing.T) {
	specs := []struct {
		layout Layout
		addr   VirtAddr
		hole   VirtAddr
	}{
		{X86_64, 0xffffffff80000000, 0x0000800000000000},
		{AArch64, 0xffff800000200000, 0x0001000000000000},
		{Sv39, 0xffffffc000000000, 0x0000004000000000},
	}

	for specIndex, spec := range specs {
		pt, _ := newTestPageTables(t, spec.layout)

		if err := pt.Map(spec.addr, 2*mem.Mb, 0x200000, PermRead|PermGlobal, 0); err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		assertTranslation(t, pt, spec.addr+0x1234, 0x201234, 2*mem.Mb)

		if err := pt.Map(spec.hole, 4*mem.Kb, 0, PermRead, 0); err != ErrInvalidAddress {
			t.Errorf("[spec %d] expected ErrInvalidAddress; got %v", specIndex, err)
		}
		if _, ok := pt.Query(spec.hole); ok {
			t.Errorf("[spec %d] expected non-canonical address not to translate", specIndex)
		}
	}
}

func TestMapOutOfFrames(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout Layout) {
		alloc := newTestAllocator(t, 64)

		// The budget covers the root and the tables below it that map
		// the first page; the second page needs another last level table.
		budget := int(layout.Levels())
		pt, err := NewPageTables(layout, layout, frameBudgetProvider(gomock.NewController(t), alloc, budget), alloc)
		if err != nil {
			t.Fatal(err)
		}

		if err := pt.Map(0x1ff000, 8*mem.Kb, 0x1000, PermRead, 4*mem.Kb); err != pmm.ErrOutOfFrames {
			t.Fatalf("expected ErrOutOfFrames; got %v", err)
		}

		assertUnmapped(t, pt, 0x1ff000, 0x200000)
		if exp, got := 1, pt.TableFrames(); got != exp {
			t.Fatalf("expected rollback to release every table; got %d table frames", got)
		}
		assertOwnedFrames(t, pt, alloc)
	})
}

func TestUnmapNotMapped(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout Layout) {
		pt, _ := newTestPageTables(t, layout)

		if err := pt.Unmap(0x1000, 4*mem.Kb); err != ErrNotMapped {
			t.Fatalf("expected ErrNotMapped; got %v", err)
		}

		if err := pt.Map(0x1000, 4*mem.Kb, 0x1000, PermRead, 0); err != nil {
			t.Fatal(err)
		}

		if err := pt.Unmap(0x1000, 8*mem.Kb); err != ErrNotMapped {
			t.Fatalf("expected ErrNotMapped; got %v", err)
		}
		assertTranslation(t, pt, 0x1000, 0x1000, 4*mem.Kb)

		if err := pt.Unmap(0x1800, 4*mem.Kb); err != ErrInvalidAddress {
			t.Fatalf("expected ErrInvalidAddress; got %v", err)
		}
	})
}

func TestUnmapHugePage(t *testing.T) {
	t.Run("whole page", func(t *testing.T) {
		forEachLayout(t, func(t *testing.T, layout Layout) {
			pt, alloc := newTestPageTables(t, layout)

			if err := pt.Map(0x1ff000, 2*mem.Mb+8*mem.Kb, 0x3ff000, PermRead, 0); err != nil {
				t.Fatal(err)
			}
			if err := pt.Unmap(0x1ff000, 2*mem.Mb+8*mem.Kb); err != nil {
				t.Fatal(err)
			}

			assertUnmapped(t, pt, 0x1ff000, 0x200000, 0x400000)
			if exp, got := 1, pt.TableFrames(); got != exp {
				t.Fatalf("expected empty tables to be released; got %d table frames", got)
			}
			assertOwnedFrames(t, pt, alloc)
		})
	})

	t.Run("split", func(t *testing.T) {
		forEachLayout(t, func(t *testing.T, layout Layout) {
			var flushed []VirtAddr
			pt, alloc := newTestPageTables(t, layout, WithFlushFn(func(addr VirtAddr, _ mem.Size) {
				flushed = append(flushed, addr)
			}))

			perms := PermRead | PermWrite | PermUser
			if err := pt.Map(0x200000, 2*mem.Mb, 0x600000, perms, 2*mem.Mb); err != nil {
				t.Fatal(err)
			}
			tableFrames := pt.TableFrames()

			if err := pt.Unmap(0x201000, 4*mem.Kb); err != nil {
				t.Fatal(err)
			}

			assertUnmapped(t, pt, 0x201000)
			for _, addr := range []VirtAddr{0x200000, 0x202000, 0x3ff000} {
				tr := assertTranslation(t, pt, addr+0x10, 0x400000+pmm.PhysAddr(addr)+0x10, 4*mem.Kb)
				if tr.Perms&perms != perms {
					t.Fatalf("expected split pages to keep permissions %s; got %s", perms, tr.Perms)
				}
			}

			if exp, got := tableFrames+1, pt.TableFrames(); got != exp {
				t.Fatalf("expected split to add one table; got %d table frames, want %d", got, exp)
			}
			assertOwnedFrames(t, pt, alloc)

			if exp := []VirtAddr{0x200000, 0x201000}; len(flushed) != len(exp) || flushed[0] != exp[0] || flushed[1] != exp[1] {
				t.Fatalf("expected flushes at %x; got %x", exp, flushed)
			}
		})
	})

	t.Run("split gigantic page", func(t *testing.T) {
		forEachLayout(t, func(t *testing.T, layout Layout) {
			pt, _ := newTestPageTables(t, layout)

			if err := pt.Map(0x40000000, mem.Gb, 0x80000000, PermRead, mem.Gb); err != nil {
				t.Fatal(err)
			}
			tableFrames := pt.TableFrames()

			// Both edges fall inside the same 2MiB child.
			if err := pt.Unmap(0x40201000, 8*mem.Kb); err != nil {
				t.Fatal(err)
			}

			assertUnmapped(t, pt, 0x40201000, 0x40202000)
			assertTranslation(t, pt, 0x40000000, 0x80000000, 2*mem.Mb)
			assertTranslation(t, pt, 0x40200000, 0x80200000, 4*mem.Kb)
			assertTranslation(t, pt, 0x40203000, 0x80203000, 4*mem.Kb)
			assertTranslation(t, pt, 0x7fe00000, 0xbfe00000, 2*mem.Mb)

			if exp, got := tableFrames+2, pt.TableFrames(); got != exp {
				t.Fatalf("expected split to add two tables; got %d table frames, want %d", got, exp)
			}
		})
	})

	t.Run("reject", func(t *testing.T) {
		forEachLayout(t, func(t *testing.T, layout Layout) {
			pt, _ := newTestPageTables(t, layout, WithHugePageSplitting(false))

			if err := pt.Map(0x200000, 2*mem.Mb, 0x600000, PermRead, 0); err != nil {
				t.Fatal(err)
			}

			if err := pt.Unmap(0x201000, 4*mem.Kb); err != ErrPartialHugePage {
				t.Fatalf("expected ErrPartialHugePage; got %v", err)
			}
			assertTranslation(t, pt, 0x201000, 0x601000, 2*mem.Mb)

			if err := pt.Unmap(0x200000, 2*mem.Mb); err != nil {
				t.Fatal(err)
			}
			assertUnmapped(t, pt, 0x200000)
		})
	})

	t.Run("split out of frames", func(t *testing.T) {
		alloc := newTestAllocator(t, 64)
		pt, err := NewPageTables(X86_64, X86_64, frameBudgetProvider(gomock.NewController(t), alloc, 3), alloc)
		if err != nil {
			t.Fatal(err)
		}

		if err := pt.Map(0x200000, 2*mem.Mb, 0x600000, PermRead, 0); err != nil {
			t.Fatal(err)
		}

		if err := pt.Unmap(0x201000, 4*mem.Kb); err != pmm.ErrOutOfFrames {
			t.Fatalf("expected ErrOutOfFrames; got %v", err)
		}
		assertTranslation(t, pt, 0x201000, 0x601000, 2*mem.Mb)
	})
}

func TestRemap(t *testing.T) {
	forEachLayout(t, func(t *testing.T, layout Layout) {
		var flushCount int
		pt, alloc := newTestPageTables(t, layout, WithFlushFn(func(VirtAddr, mem.Size) { flushCount++ }))

		if err := pt.Map(0x1000, 16*mem.Kb, 0x8000, PermRead|PermWrite, 4*mem.Kb); err != nil {
			t.Fatal(err)
		}
		if err := pt.Map(0x200000, 2*mem.Mb, 0x400000, PermRead|PermWrite, 0); err != nil {
			t.Fatal(err)
		}
		tableFrames := pt.TableFrames()

		if err := pt.Remap(0x2000, 8*mem.Kb, PermRead|PermExecute); err != nil {
			t.Fatal(err)
		}
		if exp := 2; flushCount != exp {
			t.Fatalf("expected %d flushes; got %d", exp, flushCount)
		}

		for addr, expWritable := range map[VirtAddr]bool{0x1000: true, 0x2000: false, 0x3000: false, 0x4000: true} {
			tr := assertTranslation(t, pt, addr, 0x7000+pmm.PhysAddr(addr), 4*mem.Kb)
			if writable := tr.Perms&PermWrite != 0; writable != expWritable {
				t.Errorf("expected page 0x%x writable=%t; got perms %s", addr, expWritable, tr.Perms)
			}
			if executable := tr.Perms&PermExecute != 0; executable == expWritable {
				t.Errorf("expected page 0x%x executable=%t; got perms %s", addr, !expWritable, tr.Perms)
			}
		}

		if err := pt.Remap(0x200000, mem.Mb, PermRead); err != ErrPartialHugePage {
			t.Fatalf("expected ErrPartialHugePage; got %v", err)
		}
		if err := pt.Remap(0x4000, 8*mem.Kb, PermRead); err != ErrNotMapped {
			t.Fatalf("expected ErrNotMapped; got %v", err)
		}
		if tr := assertTranslation(t, pt, 0x4000, 0xb000, 4*mem.Kb); tr.Perms&PermWrite == 0 {
			t.Fatal("expected failed remap to leave permissions unchanged")
		}

		if err := pt.Remap(0x200000, 2*mem.Mb, PermRead); err != nil {
			t.Fatal(err)
		}
		if tr := assertTranslation(t, pt, 0x300000, 0x500000, 2*mem.Mb); tr.Perms&PermWrite != 0 {
			t.Fatalf("expected huge page to be read-only; got %s", tr.Perms)
		}

		if got := pt.TableFrames(); got != tableFrames {
			t.Fatalf("expected remap not to allocate; got %d table frames, want %d", got, tableFrames)
		}
		assertOwnedFrames(t, pt, alloc)
	})
}
