package main

import (
	"flag"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	percpu "github.com/slabtech/percpu"
	"github.com/sourcegraph/conc"
)

var (
	duration = flag.Duration("d", 3*time.Second, "benchmark duration")
	classes  = flag.Int("classes", 8, "size classes")
	cap      = flag.Int("cap", 1024, "per-class capacity")
)

func main() {
	flag.Parse()

	capacity := func(int) int { return *cap }
	maxCapacity := func(uint8) int { return *cap }

	opt := percpu.DefaultOptions
	opt.NumClasses = *classes
	opt.Capacity = capacity

	slab, err := percpu.New(opt)
	if err != nil {
		panic(err)
	}
	defer slab.Destroy()
	for cpu := 0; cpu < slab.NumCPU(); cpu++ {
		slab.InitCPU(cpu, capacity)
	}

	overflow := func(cpu, sizeClass int, item unsafe.Pointer) int {
		if slab.Grow(cpu, sizeClass, 64, maxCapacity) == 0 {
			return -1
		}
		if !slab.Push(sizeClass, item, percpu.NoopOverflow) {
			return -1
		}
		return 0
	}

	var ops atomic.Uint64
	var stop atomic.Bool
	var wg conc.WaitGroup
	workers := runtime.GOMAXPROCS(0)

	for w := 0; w < workers; w++ {
		w := w
		wg.Go(func() {
			obj := uint64(w)
			item := unsafe.Pointer(&obj)
			sc := w % *classes
			var n uint64
			for !stop.Load() {
				slab.Push(sc, item, overflow)
				slab.Pop(sc, percpu.NoopUnderflow)
				n += 2
			}
			ops.Add(n)
		})
	}

	time.Sleep(*duration)
	stop.Store(true)
	wg.Wait()

	total := ops.Load()
	fmt.Printf("workers: %d  ops: %d  ops/sec: %.0f  ns/op: %.1f\n",
		workers, total,
		float64(total)/duration.Seconds(),
		float64(duration.Nanoseconds())/float64(total))
	fmt.Printf("stat: %+v\n", slab.Stat())
	fmt.Printf("memory: %+v\n", slab.MetadataMemoryUsage())
}
