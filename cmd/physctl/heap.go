package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/phys"
	"github.com/joshuapare/physkit/phys/alloc"
	"github.com/joshuapare/physkit/phys/heap"
)

const memBase = 0x10_0000

var (
	heapMem      uint64
	heapPage     uint64
	heapSlabs    int
	stressGo     int
	stressOps    int
	stressSeed   int64
	stressMaxLen uint64
	layoutAllocs []string
)

func newHeapCmd() *cobra.Command {
	heapCmd := &cobra.Command{
		Use:   "heap",
		Short: "Physical heap tools",
	}
	heapCmd.PersistentFlags().Uint64Var(&heapMem, "mem", 64<<20, "Bytes of simulated RAM")
	heapCmd.PersistentFlags().Uint64Var(&heapPage, "page", 0x1000, "Page size served by slabs")
	heapCmd.PersistentFlags().IntVar(&heapSlabs, "slabs", 64, "Pages per slab allocator (power of two)")

	stress := newHeapStressCmd()
	stress.Flags().IntVarP(&stressGo, "goroutines", "g", 8, "Concurrent workers")
	stress.Flags().IntVarP(&stressOps, "ops", "n", 10000, "Operations per worker")
	stress.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	stress.Flags().Uint64Var(&stressMaxLen, "max-size", 64<<10, "Largest allocation")

	layout := newHeapLayoutCmd()
	layout.Flags().StringSliceVarP(&layoutAllocs, "alloc", "a", []string{"4096@4096", "100", "8192@8192", "64@64"},
		"Allocations to make, as size[@align]")

	heapCmd.AddCommand(stress, layout)
	return heapCmd
}

func newAllocator(size uint64) (*alloc.AllMemAlloc, func(), error) {
	mem, err := phys.NewMemory(memBase, size)
	if err != nil {
		return nil, nil, err
	}
	a, err := alloc.New(mem, nil, &alloc.Config{PageSize: heapPage, SlabCount: heapSlabs})
	if err != nil {
		_ = mem.Close()
		return nil, nil, err
	}
	return a, func() { _ = mem.Close() }, nil
}

func newHeapStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run random concurrent allocations and check they never overlap",
		Long: `The stress command runs workers that allocate and free random spans,
including page-sized slab allocations. Every live block is stamped with its
owner and checked before it is freed, so overlapping allocations show up as
corruption. At the end every heap block must be gone except the slab
arenas, which the page allocator keeps for reuse.

Example:
  physctl heap stress -g 16 -n 50000
  physctl heap stress --mem 268435456 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeapStress(cmd.OutOrStdout())
		},
	}
}

// StressReport summarises a heap stress run.
type StressReport struct {
	Workers        int
	Allocations    uint64
	SlabPages      uint64
	OutOfMemory    uint64
	Frees          uint64
	PeakBlocks     int
	SlabAllocators int // one heap block each, kept after the run
	SlabArenaPages int
	LeakedBlocks   int // heap blocks left over besides the slab arenas
	Elapsed        time.Duration
	Final          heap.Stats
}

type stressWorker struct {
	id   uint64
	rng  *rand.Rand
	live []alloc.Block
	rep  StressReport
}

func stamp(b alloc.Block, owner, seq uint64) {
	if len(b.Data) >= 16 {
		binary.LittleEndian.PutUint64(b.Data, owner)
		binary.LittleEndian.PutUint64(b.Data[8:], seq)
	}
}

func checkStamp(b alloc.Block, owner, seq uint64) error {
	if len(b.Data) < 16 {
		return nil
	}
	if got := binary.LittleEndian.Uint64(b.Data); got != owner {
		return fmt.Errorf("block 0x%x: owner %d overwritten by %d", b.Addr, owner, got)
	}
	if got := binary.LittleEndian.Uint64(b.Data[8:]); got != seq {
		return fmt.Errorf("block 0x%x: sequence %d overwritten by %d", b.Addr, seq, got)
	}
	return nil
}

func (w *stressWorker) run(a *alloc.AllMemAlloc, ops int, page, maxLen uint64) error {
	seqs := make(map[uint64]uint64)
	var seq uint64
	for range ops {
		if len(w.live) > 0 && w.rng.Intn(5) < 2 {
			i := w.rng.Intn(len(w.live))
			b := w.live[i]
			if err := checkStamp(b, w.id, seqs[b.Addr]); err != nil {
				return err
			}
			delete(seqs, b.Addr)
			w.live[i] = w.live[len(w.live)-1]
			w.live = w.live[:len(w.live)-1]
			if err := a.Free(b); err != nil {
				return err
			}
			w.rep.Frees++
			continue
		}

		size, align := page, page
		if w.rng.Intn(3) != 0 {
			size = 16 + uint64(w.rng.Int63n(int64(maxLen)))
			align = uint64(1) << w.rng.Intn(13)
		}
		b, err := a.Malloc(size, align)
		if errors.Is(err, alloc.ErrAlloc) {
			w.rep.OutOfMemory++
			continue
		}
		if err != nil {
			return err
		}
		if b.Addr%align != 0 {
			return fmt.Errorf("block 0x%x not aligned to 0x%x", b.Addr, align)
		}
		seq++
		stamp(b, w.id, seq)
		seqs[b.Addr] = seq
		w.live = append(w.live, b)
		w.rep.Allocations++
		if b.FromSlab() {
			w.rep.SlabPages++
		}
	}
	for _, b := range w.live {
		if err := checkStamp(b, w.id, seqs[b.Addr]); err != nil {
			return err
		}
		if err := a.Free(b); err != nil {
			return err
		}
		w.rep.Frees++
	}
	w.live = nil
	return nil
}

func runHeapStress(out io.Writer) error {
	if stressGo <= 0 || stressOps < 0 || stressMaxLen == 0 {
		return fmt.Errorf("goroutines and max-size must be positive")
	}
	a, done, err := newAllocator(heapMem)
	if err != nil {
		return err
	}
	defer done()

	printVerbose(out, "Running %d workers x %d ops over %d bytes\n", stressGo, stressOps, heapMem)
	start := time.Now()

	workers := make([]*stressWorker, stressGo)
	errs := make([]error, stressGo)
	var peak sync.Mutex
	rep := StressReport{Workers: stressGo}
	stopSampling := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stopSampling:
				return
			case <-t.C:
				n := a.Heap().Stats().Blocks
				peak.Lock()
				rep.PeakBlocks = max(rep.PeakBlocks, n)
				peak.Unlock()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = &stressWorker{id: uint64(i + 1), rng: rand.New(rand.NewSource(stressSeed + int64(i)))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = workers[i].run(a, stressOps, heapPage, stressMaxLen)
		}()
	}
	wg.Wait()
	close(stopSampling)
	<-sampled

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("heap stress failed: %w", err)
	}
	for _, w := range workers {
		rep.Allocations += w.rep.Allocations
		rep.SlabPages += w.rep.SlabPages
		rep.OutOfMemory += w.rep.OutOfMemory
		rep.Frees += w.rep.Frees
	}
	rep.Elapsed = time.Since(start)
	rep.SlabAllocators = a.SlabAllocators()
	rep.SlabArenaPages = a.SlabArenaPages()

	prev := -1
	for range 64 {
		n := a.Heap().Collect()
		if n == prev {
			break
		}
		prev = n
	}
	if err := a.Heap().Validate(); err != nil {
		return fmt.Errorf("heap invalid after stress: %w", err)
	}
	rep.Final = a.Heap().Stats()
	rep.LeakedBlocks = rep.Final.Blocks - rep.SlabAllocators
	if rep.LeakedBlocks != 0 || rep.Final.Pending != 0 {
		return fmt.Errorf("heap stress: %d blocks (%d pending) left besides %d slab arenas",
			rep.LeakedBlocks, rep.Final.Pending, rep.SlabAllocators)
	}
	logger.Info("heap stress finished", "allocations", rep.Allocations, "elapsed", rep.Elapsed)

	if jsonOut {
		return printJSON(out, rep)
	}
	printInfo(out, "Workers:          %d\n", rep.Workers)
	printInfo(out, "Allocations:      %d (%d slab pages)\n", rep.Allocations, rep.SlabPages)
	printInfo(out, "Frees:            %d\n", rep.Frees)
	printInfo(out, "Out of memory:    %d\n", rep.OutOfMemory)
	printInfo(out, "Peak blocks:      %d\n", rep.PeakBlocks)
	printInfo(out, "Slab allocators:  %d (%d pages)\n", rep.SlabAllocators, rep.SlabArenaPages)
	printInfo(out, "Master blocks:    %d\n", rep.Final.MasterBlocks)
	printInfo(out, "Live heap blocks: %d (%d bytes, all slab arenas)\n", rep.Final.Blocks, rep.Final.Bytes)
	printInfo(out, "Elapsed:          %s\n", rep.Elapsed.Round(time.Millisecond))
	return nil
}

func newHeapLayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Allocate a few spans and print the heap's block list",
		Long: `The layout command makes the requested allocations in order and prints
every block the heap tracks, including master blocks that hold the heap's
own bookkeeping.

Example:
  physctl heap layout -a 4096@4096 -a 100 -a 65536@65536`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeapLayout(cmd.OutOrStdout())
		},
	}
}

func parseAllocSpec(s string) (size, align uint64, err error) {
	sizeStr, alignStr, hasAlign := strings.Cut(s, "@")
	size, err = strconv.ParseUint(sizeStr, 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad size in %q: %w", s, err)
	}
	align = 1
	if hasAlign {
		align, err = strconv.ParseUint(alignStr, 0, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad alignment in %q: %w", s, err)
		}
	}
	return size, align, nil
}

// LayoutReport lists the heap after the layout run.
type LayoutReport struct {
	Requests []LayoutRequest
	Blocks   []heap.Block
	Stats    heap.Stats
}

// LayoutRequest is one allocation made by layout.
type LayoutRequest struct {
	Size  uint64
	Align uint64
	Addr  uint64
	Slab  bool
}

func runHeapLayout(out io.Writer) error {
	a, done, err := newAllocator(heapMem)
	if err != nil {
		return err
	}
	defer done()

	var rep LayoutReport
	for _, spec := range layoutAllocs {
		size, align, err := parseAllocSpec(spec)
		if err != nil {
			return err
		}
		b, err := a.Malloc(size, align)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", spec, err)
		}
		rep.Requests = append(rep.Requests, LayoutRequest{Size: size, Align: align, Addr: b.Addr, Slab: b.FromSlab()})
	}
	a.Heap().Walk(func(b heap.Block) bool {
		rep.Blocks = append(rep.Blocks, b)
		return true
	})
	rep.Stats = a.Heap().Stats()

	if jsonOut {
		return printJSON(out, rep)
	}
	printInfo(out, "Requests:\n")
	for _, r := range rep.Requests {
		src := "heap"
		if r.Slab {
			src = "slab"
		}
		printInfo(out, "  %8d @ %-6d -> 0x%012x (%s)\n", r.Size, r.Align, r.Addr, src)
	}
	printInfo(out, "Blocks:\n")
	for _, b := range rep.Blocks {
		kind := "alloc"
		switch {
		case b.Master:
			kind = "master"
		case b.Freeing:
			kind = "freeing"
		}
		printInfo(out, "  0x%012x - 0x%012x  %10d  %s\n", b.Base, b.Base+b.Size-1, b.Size, kind)
	}
	printInfo(out, "%d blocks, %d bytes, %d master blocks\n", rep.Stats.Blocks, rep.Stats.Bytes, rep.Stats.MasterBlocks)
	return nil
}
