package percpu

import (
	"os"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

// defaultAlloc maps an anonymous region. The mapping is page-aligned, which
// satisfies the >=256 alignment the packed slabs pointer needs, and the
// pages are lazily faulted so an oversized shift costs only virtual space.
func defaultAlloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func defaultFree(region []byte) error {
	return unix.Munmap(region)
}

// ReleaseRegion returns the physical pages of a retired backing region to
// the OS. Subsequent reads of the region observe zero bytes, which is what
// lets a stale Grow/Shrink recognize the region as dead (begin == 0).
//
// Call it only on the old region returned by ResizeSlabs, and only after
// ResizeSlabs has returned.
func ReleaseRegion(region []byte) error {
	return unix.Madvise(region, unix.MADV_DONTNEED)
}
