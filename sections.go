package percpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	_ "unsafe"

	"golang.org/x/sys/cpu"
)

//go:linkname runtimeProcPin runtime.procPin
func runtimeProcPin() int

//go:linkname runtimeProcUnpin runtime.procUnpin
func runtimeProcUnpin()

// sections executes short critical sections attributed to a single logical
// CPU. A section either commits while the goroutine stays on its CPU, or the
// caller observes the failure (wrong CPU, lost CAS) and retries.
//
// The implementation pins the goroutine to its P for the duration of the
// section and takes a per-CPU spinlock. In virtual-CPU mode the pinned P id
// is the CPU id; only one goroutine can be pinned to a P at a time, so the
// lock is effectively uncontended on the fast path and exists to give
// fenceCPU a way to wait out in-flight sections. In physical-CPU mode the id
// comes from the OS and two Ps may map to the same CPU, so the lock also
// provides the single-writer guarantee.
type sections struct {
	locks   []cpuSpinLock
	virtual bool
}

type cpuSpinLock struct {
	v atomic.Uint32
	_ cpu.CacheLinePad
}

func (l *cpuSpinLock) lock() {
	for !l.v.CompareAndSwap(0, 1) {
		// Holders are short header-word sections on other Ps; they make
		// progress even while we stay pinned.
	}
}

func (l *cpuSpinLock) unlock() {
	l.v.Store(0)
}

func newSections(n int, virtual bool) *sections {
	return &sections{
		locks:   make([]cpuSpinLock, n),
		virtual: virtual,
	}
}

// numCPUs returns the number of logical CPUs a slab must cover for the
// given id scheme.
func numCPUs(virtual bool) int {
	if virtual {
		return runtime.GOMAXPROCS(0)
	}
	return runtime.NumCPU()
}

// cpuID returns the CPU id of the calling goroutine. Must be called while
// pinned. pid is the pinned P id; in physical mode the OS id is queried and
// pid is the fallback for platforms where the query reports the
// not-initialized sentinel.
func (s *sections) cpuID(pid int) int {
	if s.virtual {
		return pid
	}
	if cpu := getCPU(); cpu >= 0 {
		return cpu
	}
	return pid
}

// currentCPU returns the CPU id the calling goroutine is running on. The id
// is stale the moment it is returned; it is only reliable inside a section.
func (s *sections) currentCPU() int {
	pid := runtimeProcPin()
	cpu := s.cpuID(pid)
	runtimeProcUnpin()
	return cpu
}

// enter pins the goroutine and opens a section on its current CPU,
// returning the CPU id. The caller must call exit with the same id.
func (s *sections) enter() int {
	pid := runtimeProcPin()
	cpu := s.cpuID(pid)
	if cpu >= len(s.locks) {
		runtimeProcUnpin()
		panic(fmt.Sprintf("percpu: cpu %d out of range [0, %d); GOMAXPROCS raised after New?", cpu, len(s.locks)))
	}
	s.locks[cpu].lock()
	return cpu
}

func (s *sections) exit(cpu int) {
	s.locks[cpu].unlock()
	runtimeProcUnpin()
}

// casOnCPU CASes the 64-bit word only if the goroutine is running on
// target. Returns the actual CPU id on a CPU mismatch, target on success,
// and -1 when the CAS itself lost to a concurrent update.
func (s *sections) casOnCPU(target int, word *uint64, old, new uint64) int {
	cpu := s.enter()
	if cpu != target {
		s.exit(cpu)
		return cpu
	}
	ok := atomic.CompareAndSwapUint64(word, old, new)
	s.exit(cpu)
	if !ok {
		return -1
	}
	return cpu
}

// fenceCPU returns once every section in flight on cpu has finished.
// Sections opened after the fence observe all stores made before it.
func (s *sections) fenceCPU(cpu int) {
	s.locks[cpu].lock()
	s.locks[cpu].unlock()
}

func (s *sections) fenceAllCPUs() {
	for cpu := range s.locks {
		s.fenceCPU(cpu)
	}
}

// Supported reports whether the per-CPU fast paths are available. Goroutine
// pinning always is; this exists so callers can gate like they would on a
// platform probe.
func Supported() bool {
	return true
}
