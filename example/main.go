package main

import (
	"fmt"
	"unsafe"

	percpu "github.com/slabtech/percpu"
)

const numClasses = 4

func capacity(sizeClass int) int { return 64 }

func maxCapacity(shift uint8) int { return 64 }

func main() {
	opt := percpu.DefaultOptions
	opt.NumClasses = numClasses
	opt.Capacity = capacity

	slab, err := percpu.New(opt)
	if err != nil {
		panic(err)
	}
	defer slab.Destroy()

	// Bring CPUs online lazily: the first push to an untouched CPU lands
	// in the overflow handler, which lays the CPU out, grows the class,
	// and retries.
	overflow := func(cpu, sizeClass int, item unsafe.Pointer) int {
		slab.InitCPU(cpu, capacity)
		if slab.Grow(cpu, sizeClass, 16, maxCapacity) == 0 {
			return -1
		}
		if !slab.Push(sizeClass, item, percpu.NoopOverflow) {
			return -1
		}
		return 0
	}

	objs := make([]uint64, 10)
	for i := range objs {
		if !slab.Push(0, unsafe.Pointer(&objs[i]), overflow) {
			fmt.Println("push rejected at", i)
		}
	}

	for {
		item := slab.Pop(0, percpu.NoopUnderflow)
		if item == nil {
			break
		}
		fmt.Println("popped", *(*uint64)(item))
	}

	stat := slab.Stat()
	fmt.Printf("stat: %+v util: %.1f%%\n", stat, stat.UtilRate())
	fmt.Printf("memory: %+v\n", slab.MetadataMemoryUsage())
}
