package percpu

// Cross-CPU maintenance. Push/Pop/Grow/Shrink may run concurrently with
// everything here; they are stopped by the header lock protocol, never by a
// mutex. Push updates only current. Pop updates current with a 32-bit store
// of the current/endCopy half. Grow/Shrink update end and endCopy with a
// 64-bit CAS, which can overwrite a freshly written lock, hence the
// lock-fence-recheck loop below.

// stopConcurrentMutations locks every header of cpu and fences until the
// locks are known to have stuck. The loop terminates: a Grow/Shrink CAS can
// overwrite a lock at most once per attempt, and its next attempt observes
// the locked header and gives up.
func (s *Slab) stopConcurrentMutations(base uintptr, shift uint8, cpu int) {
	for {
		for sc := 0; sc < s.numClasses; sc++ {
			lockHeader(headerAt(base, shift, cpu, sc))
		}
		s.secs.fenceCPU(cpu)
		relocked := false
		for sc := 0; sc < s.numClasses; sc++ {
			if !loadHeader(headerAt(base, shift, cpu, sc)).isLocked() {
				// Overwritten by a Grow/Shrink CAS. Go again.
				relocked = true
				break
			}
		}
		if !relocked {
			return
		}
	}
}

// drainCPU hands every class's items and capacity to the handler. Headers
// must be locked; begins holds the begin offsets snapshotted before the
// lock overwrote them.
func (s *Slab) drainCPU(base uintptr, shift uint8, cpu int, begins []uint16, handler DrainHandler) {
	region := cpuStart(base, shift, cpu)
	for sc := 0; sc < s.numClasses; sc++ {
		h := loadHeader(headerAt(base, shift, cpu, sc))
		size := int(h.current - begins[sc])
		cap := int(h.endCopy - begins[sc])
		handler(cpu, sc, slotSlice(region, int(begins[sc]), size), cap)
	}
}

// Drain removes all items of all classes from cpu's sub-slabs and resets
// every capacity to zero, handing items and capacity to the handler class
// by class. Concurrent Push/Pop/Grow/Shrink on any CPU are safe; a second
// Drain of the same CPU is not.
func (s *Slab) Drain(cpu int, handler DrainHandler) {
	s.checkCPU(cpu)
	base, shift := s.slabs()

	// Snapshot begins: they are only mutated under the lock protocol, so
	// the unlocked values read here stay valid.
	begins := make([]uint16, s.numClasses)
	for sc := 0; sc < s.numClasses; sc++ {
		h := loadHeader(headerAt(base, shift, cpu, sc))
		if h.isLocked() {
			panic("percpu: Drain found a locked header")
		}
		begins[sc] = h.begin
	}

	s.stopConcurrentMutations(base, shift, cpu)
	s.drainCPU(base, shift, cpu, begins, handler)

	// Reset current first, then fence, then open the header. Pop reads
	// begin and current non-atomically: resetting both in one store could
	// let a Pop holding an old current observe the new begin and decrement
	// current below it. After the fence no Pop still carries an old
	// current.
	for sc := 0; sc < s.numClasses; sc++ {
		hdrp := headerAt(base, shift, cpu, sc)
		h := loadHeader(hdrp)
		storeCurrentHalf(hdrp, begins[sc], h.endCopy)
	}
	s.secs.fenceCPU(cpu)
	for sc := 0; sc < s.numClasses; sc++ {
		b := begins[sc]
		storeHeader(headerAt(base, shift, cpu, sc), header{
			current: b, endCopy: b, begin: b, end: b,
		})
	}
}

// ShrinkOtherCache lowers the (cpu, sizeClass) capacity by up to n from any
// CPU, evicting items if the unused capacity does not cover n, and returns
// the decrement applied. Evicted items go to the handler. Must not race
// with Drain, InitCPU, or ResizeSlabs for the same CPU.
func (s *Slab) ShrinkOtherCache(cpu, sizeClass, n int, handler ShrinkHandler) int {
	s.checkCPU(cpu)
	s.checkClass(sizeClass)
	if n <= 0 {
		panic("percpu: shrink length must be positive")
	}
	base, shift := s.slabs()
	hdrp := headerAt(base, shift, cpu, sizeClass)

	// begin is about to be overwritten by the lock; collect it first.
	h := loadHeader(hdrp)
	if h.isLocked() {
		panic("percpu: ShrinkOtherCache found a locked header")
	}
	begin := h.begin

	// Lock just this class, with the same overwrite-retry dance as
	// stopConcurrentMutations.
	for {
		lockHeader(hdrp)
		s.secs.fenceCPU(cpu)
		h = loadHeader(hdrp)
		if h.isLocked() {
			break
		}
	}

	// If unused capacity does not cover n, pop items off the top to free
	// more. current moves first, then a fence, for the same reason Drain
	// splits its reset: a Pop still holding the old current must not see
	// restored begin/end.
	unused := int(h.endCopy - h.current)
	if unused < n {
		actualPop := min(n-unused, int(h.current-begin))
		if actualPop > 0 {
			region := cpuStart(base, shift, cpu)
			handler(sizeClass, slotSlice(region, int(h.current)-actualPop, actualPop))
			h.current -= uint16(actualPop)
			storeCurrentHalf(hdrp, h.current, h.endCopy)
			s.secs.fenceCPU(cpu)
		}
	}

	// Restore begin and give back the shrunk header.
	toShrink := uint16(min(n, int(h.endCopy-h.current)))
	h.begin = begin
	h.endCopy -= toShrink
	h.end = h.endCopy
	storeHeader(hdrp, h)
	return int(toShrink)
}
