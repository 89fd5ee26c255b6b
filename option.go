package percpu

import (
	"errors"
	"log/slog"
	"math"
	"unsafe"
)

// CapacityFn returns the slot reservation for a size class. The result must
// fit in 16 bits.
type CapacityFn func(sizeClass int) int

// MaxCapacityFn returns the Grow upper bound for a size class under the
// given shift. It takes the shift as an argument so the bound is computed
// against the same shift observed inside the Grow CAS attempt; ResizeSlabs
// may change the shift concurrently.
type MaxCapacityFn func(shift uint8) int

// OverflowHandler is invoked when Push finds no free slot (or a locked
// header). cpu is the CPU the failure was attributed to. A negative return
// value makes Push return false. The handler may mutate slab state, e.g.
// call InitCPU or Grow and retry the push itself.
type OverflowHandler func(cpu, sizeClass int, item unsafe.Pointer) int

// UnderflowHandler is invoked when Pop finds no item (or a locked header).
// Its return value is returned from Pop.
type UnderflowHandler func(cpu, sizeClass int) unsafe.Pointer

// DrainHandler takes ownership of the len(batch) items and cap capacity
// extracted from one (cpu, size class) sub-slab. The batch slice aliases
// slab memory and is only valid for the duration of the call.
type DrainHandler func(cpu, sizeClass int, batch []unsafe.Pointer, cap int)

// ShrinkHandler takes ownership of the items evicted by ShrinkOtherCache.
// The batch slice aliases slab memory and is only valid for the duration of
// the call.
type ShrinkHandler func(sizeClass int, batch []unsafe.Pointer)

// AllocFn provides backing memory for the slab region. The returned slice
// must be at least page-aligned.
type AllocFn func(size int) ([]byte, error)

// FreeFn releases a region obtained from the matching AllocFn.
type FreeFn func(region []byte) error

// Options is the configuration of a Slab.
type Options struct {
	// Shift is log2 of the per-CPU region size in bytes.
	Shift uint8

	// NumClasses is the number of size classes per CPU.
	NumClasses int

	// Capacity returns the per-class slot reservation that New validates
	// the region layout against. InitCPU and ResizeSlabs take their own
	// CapacityFn argument and do not consult this one.
	Capacity CapacityFn

	// VirtualCPUID selects the pinned P id as the CPU id. When false the
	// OS-reported physical CPU id is used instead.
	VirtualCPUID bool

	// Alloc and Free supply the backing region. They default to anonymous
	// memory mappings.
	Alloc AllocFn
	Free  FreeFn

	// Logger receives layout warnings and resize events. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// DefaultOptions
var DefaultOptions = Options{
	Shift:        18,
	NumClasses:   8,
	VirtualCPUID: true,
}

var (
	ErrNumClasses = errors.New("percpu: invalid class count")
	ErrShift      = errors.New("percpu: shift out of range")
	ErrNoCapacity = errors.New("percpu: capacity function is required")
)

func checkOptions(options Options) error {
	if options.NumClasses < 1 || options.NumClasses > 512 {
		return ErrNumClasses
	}
	// Offsets are 16-bit slot indices: above shift 18 the one-past-the-end
	// offset overflows and the 0xffff lock sentinel becomes a legal index.
	// Below 9 is rejected outright; whether a region holds the header row
	// and the class reservations is checked by the layout validation in New.
	if options.Shift < 9 || options.Shift > 18 {
		return ErrShift
	}
	if options.Capacity == nil {
		return ErrNoCapacity
	}
	return nil
}

func checkClassCapacity(cap int) {
	if cap < 0 || cap > math.MaxUint16 {
		panic("percpu: class capacity does not fit in 16 bits")
	}
}
