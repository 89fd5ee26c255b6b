package percpu

// ResizeSlabs replaces the backing region with one sized by newShift,
// migrating every populated CPU's contents to the drain handler so the
// caller can re-inject them. It returns the old region; hand it to
// ReleaseRegion once re-injection is done, but keep it mapped while stale
// fast paths may still load its headers: they read the zeroed pages and
// fail cleanly, where an unmapped region would fault.
//
// The caller must ensure no concurrent InitCPU, ShrinkOtherCache, or Drain
// is in flight. Push/Pop/Grow/Shrink remain safe throughout.
func (s *Slab) ResizeSlabs(newShift uint8, capacity CapacityFn, populated func(cpu int) bool, handler DrainHandler) []byte {
	oldBase, oldShift := s.slabs()
	if newShift == oldShift {
		panic("percpu: resize to the current shift")
	}

	// Phase 1: map the new region and lay out every populated CPU on it.
	// Nothing points at it yet, so this is plain initialization.
	newBase, err := s.newSlabs(newShift)
	if err != nil {
		panic("percpu: resize allocation failed: " + err.Error())
	}
	for cpu := 0; cpu < s.numCPU; cpu++ {
		if populated(cpu) {
			s.initCPUImpl(newBase, newShift, cpu, capacity)
		}
	}

	// Phase 2: snapshot begins (nobody mutates them while we hold the cpu
	// locks) and quiesce every populated CPU on the old region. From here
	// on no fast path can commit there.
	begins := make([][]uint16, s.numCPU)
	for cpu := 0; cpu < s.numCPU; cpu++ {
		if !populated(cpu) {
			continue
		}
		begins[cpu] = make([]uint16, s.numClasses)
		for sc := 0; sc < s.numClasses; sc++ {
			h := loadHeader(headerAt(oldBase, oldShift, cpu, sc))
			if h.isLocked() {
				panic("percpu: ResizeSlabs found a locked header")
			}
			begins[cpu][sc] = h.begin
		}
		s.stopConcurrentMutations(oldBase, oldShift, cpu)
	}

	// Phase 3: switch. Fast paths that already loaded the old word find
	// locked headers and escape through their handlers; new ones load the
	// new region.
	s.slabsAndShift.Store(newBase | uintptr(newShift))

	// Phase 4: surrender the old region's contents.
	for cpu := 0; cpu < s.numCPU; cpu++ {
		if populated(cpu) {
			s.drainCPU(oldBase, oldShift, cpu, begins[cpu], handler)
		}
	}

	s.logger.Info("slab region resized", "oldShift", oldShift, "newShift", newShift)
	return regionBytes(oldBase, oldShift, s.numCPU)
}
