package vmm

import (
	"testing"

	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"

	"go.uber.org/mock/gomock"
)

var testLayouts = []struct {
	name   string
	layout Layout
}{
	{"x86_64", X86_64},
	{"aarch64", AArch64},
	{"sv39", Sv39},
}

// forEachLayout runs testFn as a subtest for every supported layout.
func forEachLayout(t *testing.T, testFn func(t *testing.T, layout Layout)) {
	for _, spec := range testLayouts {
		t.Run(spec.name, func(t *testing.T) {
			testFn(t, spec.layout)
		})
	}
}

func newTestAllocator(t *testing.T, frameCount int) *allocator.BitmapAllocator {
	t.Helper()

	alloc, err := allocator.NewBitmapAllocator(12, allocator.Region{
		Base: 0x40000000,
		Size: mem.Size(frameCount) * 4 * mem.Kb,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(alloc.Release)

	return alloc
}

func newTestPageTables(t *testing.T, layout Layout, opts ...Option) (*PageTables, *allocator.BitmapAllocator) {
	t.Helper()

	alloc := newTestAllocator(t, 64)
	pt, err := NewPageTables(layout, layout, alloc, alloc, opts...)
	if err != nil {
		t.Fatal(err)
	}

	return pt, alloc
}

// frameBudgetProvider returns a mock frame provider that serves the first
// budget allocations from alloc and fails with pmm.ErrOutOfFrames after
// that. Frees are always forwarded.
func frameBudgetProvider(ctrl *gomock.Controller, alloc *allocator.BitmapAllocator, budget int) *MockFrameProvider {
	provider := NewMockFrameProvider(ctrl)
	provider.EXPECT().AllocZeroed().DoAndReturn(func() (pmm.Frame, *kernel.Error) {
		if budget == 0 {
			return pmm.InvalidFrame, pmm.ErrOutOfFrames
		}
		budget--
		return alloc.AllocZeroed()
	}).AnyTimes()
	provider.EXPECT().Free(gomock.Any()).Do(alloc.Free).AnyTimes()

	return provider
}

// assertOwnedFrames checks that every frame the allocator handed out is
// owned by pt.
func assertOwnedFrames(t *testing.T, pt *PageTables, alloc *allocator.BitmapAllocator) {
	t.Helper()

	stats := alloc.Stats()
	if got, exp := int(stats.Allocations-stats.Frees), pt.TableFrames(); got != exp {
		t.Fatalf("expected %d frames to be held by the page tables; allocator reports %d", exp, got)
	}
}

// expectPanic runs fn and fails the test unless it halts with expErr.
func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()
		if r := recover(); r != expErr {
			t.Fatalf("expected a panic with %v; got %v", expErr, r)
		}
	}()

	fn()
}
