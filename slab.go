// Package percpu implements a fixed-footprint LIFO stash of free objects
// partitioned by logical CPU and by size class.
//
// One contiguous backing region holds a sub-slab per (cpu, size class): a
// packed 64-bit header plus a run of 8-byte pointer slots. Push and Pop run
// inside short single-CPU critical sections and touch only the current CPU's
// header word, so the hot path takes no mutex. Cross-CPU maintenance (Drain,
// ShrinkOtherCache, ResizeSlabs) quiesces a remote CPU by locking its
// headers and fencing its in-flight sections.
//
// The slot arena lives in off-heap memory, so the garbage collector does not
// see stored pointers. Callers must keep pushed objects reachable elsewhere,
// or stash only memory the collector does not manage.
package percpu

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"
)

const (
	// Low byte of the packed slabs word carries the shift; the region base
	// must be aligned so those bits are free.
	shiftMask  = 0xff
	slotBytes  = 8
	headerSize = 8
)

// Slab is the per-CPU cache. The zero value is not usable; construct with
// New.
type Slab struct {
	// slabsAndShift packs the backing region base pointer with the 8-bit
	// shift so fast paths derive both from one load. Both change together
	// on ResizeSlabs.
	slabsAndShift atomic.Uintptr

	numClasses int
	numCPU     int
	secs       *sections
	capacity   CapacityFn
	alloc      AllocFn
	free       FreeFn
	logger     *slog.Logger
}

// New allocates the backing region and validates that the configured class
// capacities fit a per-CPU region of 1<<Shift bytes. Headers are left zero;
// InitCPU brings each CPU online lazily, and every class starts with zero
// capacity until Grow.
func New(options Options) (*Slab, error) {
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	if options.Alloc == nil {
		options.Alloc = defaultAlloc
	}
	if options.Free == nil {
		options.Free = defaultFree
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ncpu := numCPUs(options.VirtualCPUID)
	s := &Slab{
		numClasses: options.NumClasses,
		numCPU:     ncpu,
		secs:       newSections(ncpu, options.VirtualCPUID),
		capacity:   options.Capacity,
		alloc:      options.Alloc,
		free:       options.Free,
		logger:     options.Logger,
	}

	base, err := s.newSlabs(options.Shift)
	if err != nil {
		return nil, err
	}
	s.slabsAndShift.Store(base | uintptr(options.Shift))
	s.validateLayout(options.Shift)
	return s, nil
}

// newSlabs maps a fresh numCPU<<shift byte region and returns its base.
func (s *Slab) newSlabs(shift uint8) (uintptr, error) {
	region, err := s.alloc(s.numCPU << shift)
	if err != nil {
		return 0, err
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	if base&shiftMask != 0 {
		panic("percpu: backing region is not 256-byte aligned")
	}
	return base, nil
}

// validateLayout replays the InitCPU layout against the capacity function
// and crashes early if a per-CPU region cannot hold it. A region using less
// than 90% of its reservation is worth a warning, not a failure.
func (s *Slab) validateLayout(shift uint8) {
	bytesUsed := s.numClasses * headerSize
	for sc := 0; sc < s.numClasses; sc++ {
		cap := s.capacity(sc)
		checkClassCapacity(cap)
		if cap == 0 {
			continue
		}
		// One extra slot per class for the prefetch sentinel.
		bytesUsed += (cap + 1) * slotBytes
		if bytesUsed > 1<<shift {
			panic(fmt.Sprintf("percpu: per-CPU memory exceeded, have %d need %d", 1<<shift, bytesUsed))
		}
	}
	total, reserved := bytesUsed*s.numCPU, s.numCPU<<shift
	if total*10 < 9*reserved {
		s.logger.Warn("slab region underutilized", "used", total, "reserved", reserved)
	}
}

func (s *Slab) slabs() (base uintptr, shift uint8) {
	raw := s.slabsAndShift.Load()
	return raw &^ shiftMask, uint8(raw & shiftMask)
}

// Shift returns the current log2 of the per-CPU region size. Intended for
// the thread that calls ResizeSlabs.
func (s *Slab) Shift() uint8 {
	_, shift := s.slabs()
	return shift
}

// NumCPU returns the number of logical CPUs the slab covers.
func (s *Slab) NumCPU() int {
	return s.numCPU
}

// CurrentCPU returns the CPU id the calling goroutine runs on. The value is
// only a hint: the goroutine may migrate the moment it is returned.
func (s *Slab) CurrentCPU() int {
	return s.secs.currentCPU()
}

func (s *Slab) checkCPU(cpu int) {
	if cpu < 0 || cpu >= s.numCPU {
		panic(fmt.Sprintf("percpu: cpu %d out of range [0, %d)", cpu, s.numCPU))
	}
}

func (s *Slab) checkClass(sizeClass int) {
	if sizeClass < 0 || sizeClass >= s.numClasses {
		panic(fmt.Sprintf("percpu: size class %d out of range [0, %d)", sizeClass, s.numClasses))
	}
}

func cpuStart(base uintptr, shift uint8, cpu int) uintptr {
	return base + uintptr(cpu)<<shift
}

func headerAt(base uintptr, shift uint8, cpu, sizeClass int) *uint64 {
	return (*uint64)(unsafe.Pointer(cpuStart(base, shift, cpu) + uintptr(sizeClass)*headerSize))
}

// slotAt returns the address of slot idx. Offsets count 8-byte words from
// the per-CPU region start, so the header row occupies the first numClasses
// indices.
func slotAt(region uintptr, idx int) *unsafe.Pointer {
	return (*unsafe.Pointer)(unsafe.Pointer(region + uintptr(idx)*slotBytes))
}

// slotSlice aliases n slots starting at idx as a pointer slice.
func slotSlice(region uintptr, idx, n int) []unsafe.Pointer {
	return unsafe.Slice(slotAt(region, idx), n)
}

// prefetch touches the first word of p to pull its cache line in; the value
// is discarded. Stalling here, where nothing depends on the load, beats
// stalling at the next Pop's use.
func prefetch(p unsafe.Pointer) {
	if p != nil {
		atomic.LoadUintptr((*uintptr)(p))
	}
}

// NoopOverflow rejects the push: Push returns false.
func NoopOverflow(cpu, sizeClass int, item unsafe.Pointer) int { return -1 }

// NoopUnderflow returns nil from Pop.
func NoopUnderflow(cpu, sizeClass int) unsafe.Pointer { return nil }

// Push adds item to the current CPU's sub-slab for sizeClass. On success it
// returns true. When the sub-slab is full, locked, or uninitialized, it
// invokes overflow and returns false if the handler's result is negative.
func (s *Slab) Push(sizeClass int, item unsafe.Pointer, overflow OverflowHandler) bool {
	s.checkClass(sizeClass)
	if item == nil {
		panic("percpu: nil item pushed")
	}
	cpu := s.secs.enter()
	base, shift := s.slabs()
	hdrp := headerAt(base, shift, cpu, sizeClass)
	h := loadHeader(hdrp)
	if h.current >= h.end {
		s.secs.exit(cpu)
		return overflow(cpu, sizeClass, item) >= 0
	}
	*slotAt(cpuStart(base, shift, cpu), int(h.current)) = item
	storeCurrentHalf(hdrp, h.current+1, h.endCopy)
	s.secs.exit(cpu)
	return true
}

// Pop removes the most recently pushed item from the current CPU's
// sub-slab. When the sub-slab is empty or locked it returns the underflow
// handler's result instead.
func (s *Slab) Pop(sizeClass int, underflow UnderflowHandler) unsafe.Pointer {
	s.checkClass(sizeClass)
	cpu := s.secs.enter()
	base, shift := s.slabs()
	hdrp := headerAt(base, shift, cpu, sizeClass)
	h := loadHeader(hdrp)
	if h.current <= h.begin {
		s.secs.exit(cpu)
		return underflow(cpu, sizeClass)
	}
	region := cpuStart(base, shift, cpu)
	// Warm the item a subsequent Pop would return. The slot below begin
	// holds a self-pointer, so the read is valid even at the boundary.
	prefetch(*slotAt(region, int(h.current)-2))
	result := *slotAt(region, int(h.current)-1)
	storeCurrentHalf(hdrp, h.current-1, h.endCopy)
	s.secs.exit(cpu)
	return result
}

// PushBatch moves up to len(batch) items into the current CPU's sub-slab,
// consuming from the tail, and returns the count moved. Items not moved
// remain at the head of batch.
func (s *Slab) PushBatch(sizeClass int, batch []unsafe.Pointer) int {
	if len(batch) == 0 {
		panic("percpu: empty push batch")
	}
	n := 0
	for n < len(batch) && s.Push(sizeClass, batch[len(batch)-1-n], NoopOverflow) {
		n++
	}
	return n
}

// PopBatch fills batch with up to len(batch) items popped LIFO from the
// current CPU's sub-slab and returns the count.
func (s *Slab) PopBatch(sizeClass int, batch []unsafe.Pointer) int {
	if len(batch) == 0 {
		panic("percpu: empty pop batch")
	}
	n := 0
	for n < len(batch) {
		item := s.Pop(sizeClass, NoopUnderflow)
		if item == nil {
			break
		}
		batch[n] = item
		n++
	}
	return n
}

// Grow raises the (cpu, sizeClass) capacity by up to n, bounded by
// maxCapacity of the shift observed during the attempt, and returns the
// increment applied. It returns 0 when the caller is no longer on cpu, the
// header is locked, or the region has been reclaimed by a resize.
func (s *Slab) Grow(cpu, sizeClass, n int, maxCapacity MaxCapacityFn) int {
	s.checkCPU(cpu)
	s.checkClass(sizeClass)
	base, shift := s.slabs()
	maxCap := maxCapacity(shift)
	checkClassCapacity(maxCap)
	hdrp := headerAt(base, shift, cpu, sizeClass)
	for {
		old := loadHeader(hdrp)
		// begin == 0 means the region was reclaimed after a resize: its
		// pages were released and now read as zero. The >= also guards a
		// maxCapacity that dropped below the current reservation, which
		// would otherwise wrap the headroom.
		if old.isLocked() || int(old.end-old.begin) >= maxCap || old.begin == 0 {
			return 0
		}
		k := uint16(min(n, maxCap-int(old.end-old.begin)))
		hdr := old
		hdr.end += k
		hdr.endCopy += k
		ret := s.secs.casOnCPU(cpu, hdrp, old.pack(), hdr.pack())
		if ret == cpu {
			return int(k)
		}
		if ret >= 0 {
			// Migrated off cpu; give up.
			return 0
		}
	}
}

// Shrink lowers the (cpu, sizeClass) capacity by up to n without evicting
// live items and returns the decrement applied. Use ShrinkOtherCache to
// reclaim occupied capacity.
func (s *Slab) Shrink(cpu, sizeClass, n int) int {
	s.checkCPU(cpu)
	s.checkClass(sizeClass)
	base, shift := s.slabs()
	hdrp := headerAt(base, shift, cpu, sizeClass)
	for {
		old := loadHeader(hdrp)
		if old.isLocked() || old.current == old.end || old.begin == 0 {
			return 0
		}
		k := uint16(min(n, int(old.end-old.current)))
		hdr := old
		hdr.end -= k
		hdr.endCopy -= k
		ret := s.secs.casOnCPU(cpu, hdrp, old.pack(), hdr.pack())
		if ret == cpu {
			return int(k)
		}
		if ret >= 0 {
			return 0
		}
	}
}

// Length returns the number of items in the (cpu, sizeClass) sub-slab.
func (s *Slab) Length(cpu, sizeClass int) int {
	s.checkCPU(cpu)
	s.checkClass(sizeClass)
	base, shift := s.slabs()
	h := loadHeader(headerAt(base, shift, cpu, sizeClass))
	if h.isLocked() {
		return 0
	}
	return int(h.current - h.begin)
}

// Capacity returns the number of slots currently reserved for the
// (cpu, sizeClass) sub-slab.
func (s *Slab) Capacity(cpu, sizeClass int) int {
	s.checkCPU(cpu)
	s.checkClass(sizeClass)
	base, shift := s.slabs()
	h := loadHeader(headerAt(base, shift, cpu, sizeClass))
	if h.isLocked() {
		return 0
	}
	return int(h.end - h.begin)
}

// InitCPU lays out cpu's sub-slabs and opens them with zero capacity.
// It is invoked lazily, typically from an overflow/underflow handler the
// first time an operation lands on an untouched CPU. Must not race with
// Drain or ShrinkOtherCache on the same CPU.
func (s *Slab) InitCPU(cpu int, capacity CapacityFn) {
	s.checkCPU(cpu)
	base, shift := s.slabs()
	s.initCPUImpl(base, shift, cpu, capacity)
}

func (s *Slab) initCPUImpl(base uintptr, shift uint8, cpu int, capacity CapacityFn) {
	// Phase 1: a locked header here means a concurrent Drain or
	// ShrinkOtherCache, which the caller must serialize against.
	for sc := 0; sc < s.numClasses; sc++ {
		if loadHeader(headerAt(base, shift, cpu, sc)).isLocked() {
			panic("percpu: InitCPU found a locked header")
		}
	}

	// Phase 2: stop concurrent mutators. Locking ensures there is no value
	// of current with begin < current.
	s.stopConcurrentMutations(base, shift, cpu)

	// Phase 3: install prefetch sentinels and compute class boundaries.
	begins := s.layoutClasses(cpuStart(base, shift, cpu), shift, capacity)

	// Phase 4: write current. Fast paths keep failing on the locked
	// begin/end half, and after the fence none still carries an old
	// current.
	for sc := 0; sc < s.numClasses; sc++ {
		hdrp := headerAt(base, shift, cpu, sc)
		h := loadHeader(hdrp)
		h.current = begins[sc]
		storeHeader(hdrp, h)
	}
	s.secs.fenceCPU(cpu)

	// Phase 5: open every class, with zero capacity until Grow.
	for sc := 0; sc < s.numClasses; sc++ {
		b := begins[sc]
		storeHeader(headerAt(base, shift, cpu, sc), header{
			current: b, endCopy: b, begin: b, end: b,
		})
	}
}

// layoutClasses writes the prefetch sentinel for every nonempty class and
// returns each class's begin offset.
func (s *Slab) layoutClasses(region uintptr, shift uint8, capacity CapacityFn) []uint16 {
	begins := make([]uint16, s.numClasses)
	elems := region + uintptr(s.numClasses)*headerSize
	for sc := range begins {
		cap := capacity(sc)
		checkClassCapacity(cap)
		if cap > 0 {
			// Pop prefetches the slot below the top; a self-pointer keeps
			// that read valid when the last real item is popped.
			sentinel := (*unsafe.Pointer)(unsafe.Pointer(elems))
			*sentinel = unsafe.Pointer(sentinel)
			elems += slotBytes
		}
		begins[sc] = uint16((elems - region) / slotBytes)
		elems += uintptr(cap) * slotBytes
		if used := elems - region; used > 1<<shift {
			panic(fmt.Sprintf("percpu: per-CPU memory exceeded, have %d need %d", 1<<shift, used))
		}
	}
	return begins
}

// Destroy unmaps the backing region. The slab must be quiescent.
func (s *Slab) Destroy() error {
	base, shift := s.slabs()
	s.slabsAndShift.Store(0)
	return s.free(regionBytes(base, shift, s.numCPU))
}

func regionBytes(base uintptr, shift uint8, numCPU int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), numCPU<<shift)
}
