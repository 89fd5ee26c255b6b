package percpu

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// getCPU returns the physical CPU the calling thread runs on, or a negative
// sentinel when the kernel query is unavailable.
func getCPU() int {
	var cpu, node uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return -1
	}
	return int(cpu)
}

// residentSize reports how many bytes of region are backed by physical
// memory right now.
func residentSize(region []byte) uint64 {
	if len(region) == 0 {
		return 0
	}
	vec := make([]byte, (len(region)+pageSize-1)/pageSize)
	_, _, errno := unix.Syscall(unix.SYS_MINCORE,
		uintptr(unsafe.Pointer(&region[0])), uintptr(len(region)), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return 0
	}
	var resident uint64
	for _, v := range vec {
		if v&1 != 0 {
			resident += uint64(pageSize)
		}
	}
	return resident
}
