package percpu

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestDrain(t *testing.T) {
	assert := assert.New(t)
	s := newTestSlab(t, 4, 14, 16)
	s.InitCPU(0, constCapacity(16))

	items := testItems(5)
	assert.Equal(5, s.Grow(0, 0, 5, constMaxCapacity(16)))
	assert.Equal(4, s.Grow(0, 1, 4, constMaxCapacity(16)))
	for _, it := range items[:3] {
		assert.True(s.Push(0, it, NoopOverflow))
	}
	for _, it := range items[3:] {
		assert.True(s.Push(1, it, NoopOverflow))
	}

	var calls []int
	var drained []unsafe.Pointer
	caps := make(map[int]int)
	s.Drain(0, func(cpu, sizeClass int, batch []unsafe.Pointer, cap int) {
		assert.Equal(0, cpu)
		calls = append(calls, sizeClass)
		drained = append(drained, batch...)
		caps[sizeClass] = cap
	})

	// One call per class, in class order, surrendering both items and
	// capacity.
	assert.Equal([]int{0, 1, 2, 3}, calls)
	assert.ElementsMatch(items, drained)
	assert.Equal(map[int]int{0: 5, 1: 4, 2: 0, 3: 0}, caps)

	for sc := 0; sc < 4; sc++ {
		assert.Equal(0, s.Length(0, sc))
		assert.Equal(0, s.Capacity(0, sc))
	}

	// The drained CPU keeps working: capacity is simply zero again.
	assert.Equal(2, s.Grow(0, 0, 2, constMaxCapacity(16)))
	assert.True(s.Push(0, items[0], NoopOverflow))
	assert.Equal(items[0], s.Pop(0, NoopUnderflow))
}

func TestShrinkOtherCacheEviction(t *testing.T) {
	assert := assert.New(t)
	s := newTestSlab(t, 4, 14, 16)
	s.InitCPU(0, constCapacity(16))

	items := testItems(2)
	assert.Equal(4, s.Grow(0, 0, 4, constMaxCapacity(16)))
	assert.True(s.Push(0, items[0], NoopOverflow))
	assert.True(s.Push(0, items[1], NoopOverflow))

	// unused == 2, so reclaiming 3 must evict the top of the stack.
	var evicted []unsafe.Pointer
	calls := 0
	n := s.ShrinkOtherCache(0, 0, 3, func(sizeClass int, batch []unsafe.Pointer) {
		calls++
		assert.Equal(0, sizeClass)
		evicted = append(evicted, batch...)
	})
	assert.Equal(3, n)
	assert.Equal(1, calls)
	assert.Equal([]unsafe.Pointer{items[1]}, evicted)
	assert.Equal(1, s.Length(0, 0))
	assert.Equal(1, s.Capacity(0, 0))

	// The survivor is still poppable.
	assert.Equal(items[0], s.Pop(0, NoopUnderflow))
}

func TestShrinkOtherCacheUnusedOnly(t *testing.T) {
	assert := assert.New(t)
	s := newTestSlab(t, 4, 14, 16)
	s.InitCPU(0, constCapacity(16))

	assert.Equal(8, s.Grow(0, 2, 8, constMaxCapacity(16)))
	item := testItems(1)[0]
	assert.True(s.Push(2, item, NoopOverflow))

	// Plenty of unused capacity: nothing is evicted.
	n := s.ShrinkOtherCache(0, 2, 4, func(sizeClass int, batch []unsafe.Pointer) {
		t.Fatal("no eviction expected")
	})
	assert.Equal(4, n)
	assert.Equal(1, s.Length(0, 2))
	assert.Equal(4, s.Capacity(0, 2))
}

func TestLockedHeaderQuiescence(t *testing.T) {
	assert := assert.New(t)
	s := newTestSlab(t, 4, 14, 16)
	s.InitCPU(0, constCapacity(16))
	assert.Equal(4, s.Grow(0, 0, 4, constMaxCapacity(16)))

	items := testItems(2)
	assert.True(s.Push(0, items[0], NoopOverflow))

	// Lock every header of cpu 0 the way a drainer would.
	base, shift := s.slabs()
	saved := make([]header, 4)
	for sc := 0; sc < 4; sc++ {
		saved[sc] = loadHeader(headerAt(base, shift, 0, sc))
		lockHeader(headerAt(base, shift, 0, sc))
	}
	s.secs.fenceCPU(0)

	// Both fast paths now escape through their handlers.
	overflowed, underflowed := false, false
	ok := s.Push(0, items[1], func(cpu, sizeClass int, item unsafe.Pointer) int {
		overflowed = true
		return -1
	})
	assert.False(ok)
	assert.True(overflowed)

	got := s.Pop(0, func(cpu, sizeClass int) unsafe.Pointer {
		underflowed = true
		return nil
	})
	assert.Nil(got)
	assert.True(underflowed)

	// And the locked sub-slabs read as empty.
	assert.Equal(0, s.Length(0, 0))
	assert.Equal(0, s.Capacity(0, 0))

	// Unlock by restoring the saved headers; the fast paths recover.
	for sc := 0; sc < 4; sc++ {
		storeHeader(headerAt(base, shift, 0, sc), saved[sc])
	}
	assert.True(s.Push(0, items[1], NoopOverflow))
	assert.Equal(items[1], s.Pop(0, NoopUnderflow))
	assert.Equal(items[0], s.Pop(0, NoopUnderflow))
}
