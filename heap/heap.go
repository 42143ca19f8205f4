// Package heap implements a first-fit memory allocator over a growable byte
// region. Blocks carry boundary tags (matching header and footer words
// encoding size and allocation state) and free blocks are threaded onto an
// explicit doubly-linked list through their payload area, so allocation
// scans only free blocks and freeing coalesces with both address neighbors
// in constant time.
//
// All block addresses are byte offsets into the region.Provider the
// allocator was built with; offset 0 is the nil block. The allocator is not
// safe for concurrent use.
package heap

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/cannibalvox/tagheap"
	"github.com/cannibalvox/tagheap/region"
)

// prologueBlock is the payload offset of the prologue: a permanently
// allocated minimum-size block at the bottom of every heap whose payload
// anchors the free list. A padding word sits below its header so that all
// payloads are dsize-aligned.
const prologueBlock = 2 * wsize

// heapFootprint is the size of the fixed furniture written by Init: the
// padding word, the prologue and the epilogue header.
const heapFootprint = 2*wsize + overhead

// Allocator manages a single heap laid out over a region.Provider. It must
// be created with New and initialized with Init before any other call.
type Allocator struct {
	provider region.Provider
	mem      []byte

	heapStart int // prologue payload offset
	freeHead  int // head of the explicit free list

	live   *swiss.Map[uint64, int] // payload offset -> requested size
	logger *slog.Logger
}

// New creates an Allocator over the provided region. Call Init before
// allocating.
func New(provider region.Provider) *Allocator {
	tagheap.DebugCheckPow2(uint(dsize), "payload alignment")

	return &Allocator{
		provider: provider,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the logger used for diagnostics (Check failures,
// misuse reports). New installs slog.Default.
func (a *Allocator) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

// Init lays out the heap: the padding word, the prologue block whose payload
// anchors the free list, the epilogue header, and an initial free chunk.
// Calling Init again resets the allocator, reclaiming the provider's entire
// region (which never shrinks) as a single free block.
func (a *Allocator) Init() error {
	a.mem = a.provider.Bytes()
	a.live = swiss.NewMap[uint64, int](42)

	if len(a.mem) < heapFootprint {
		if _, err := a.grow(heapFootprint - len(a.mem)); err != nil {
			return cerrors.Wrapf(err, "laying out the initial heap")
		}
	}

	a.putWord(0, 0)
	a.putWord(wsize, pack(overhead, true))
	a.heapStart = prologueBlock
	a.setPrevFree(prologueBlock, nullBlock)
	a.setNextFree(prologueBlock, nullBlock)
	a.putWord(prologueBlock+overhead-dsize, pack(overhead, true))
	a.putWord(wsize+overhead, pack(0, true))
	a.freeHead = prologueBlock

	remainder := len(a.mem) - heapFootprint
	if remainder == 0 {
		if _, err := a.extendHeap(chunkSize); err != nil {
			return cerrors.Wrapf(err, "reserving the initial free chunk")
		}
		return nil
	}

	// Re-init over a region grown by a previous lifetime: turn everything
	// above the prologue into one free block and move the epilogue to the
	// region's end.
	if remainder < overhead || !tagheap.IsAligned(remainder, dsize) {
		return errors.Errorf("region of %d bytes cannot hold a block above the prologue", len(a.mem))
	}

	bp := heapFootprint
	a.setTags(bp, remainder, false)
	a.putWord(len(a.mem)-wsize, pack(0, true))
	a.coalesce(bp)
	return nil
}

// adjustSize converts a requested payload size to a block size: aligned
// payload plus both tags and the debug margin, raised to the minimum block
// size so the free-list links always fit.
func adjustSize(size int) int {
	adjusted := tagheap.AlignUp(size, dsize) + dsize + tagheap.DebugMargin
	if adjusted < overhead {
		adjusted = overhead
	}
	return adjusted
}

// Alloc returns the payload offset of a block holding at least size bytes,
// aligned to dsize. A non-positive size returns the nil block without
// error. When no free block fits, the heap is extended; extension failure
// surfaces as an error wrapping region.ErrOutOfMemory and leaves the heap
// intact.
func (a *Allocator) Alloc(size int) (int, error) {
	if a.live == nil {
		return nullBlock, errors.New("allocator is not initialized")
	}
	if size <= 0 {
		return nullBlock, nil
	}

	adjusted := adjustSize(size)

	if bp := a.findFit(adjusted); bp != nullBlock {
		a.place(bp, adjusted)
		a.commit(bp, size)
		return bp, nil
	}

	extension := adjusted
	if extension < chunkSize {
		extension = chunkSize
	}

	bp, err := a.extendHeap(extension)
	if err != nil {
		return nullBlock, cerrors.Wrapf(err, "growing the heap for a %d-byte allocation", size)
	}

	a.place(bp, adjusted)
	a.commit(bp, size)
	return bp, nil
}

// commit records a completed allocation in the live ledger and stamps the
// debug margin trailing its payload.
func (a *Allocator) commit(bp, size int) {
	a.live.Put(uint64(bp), size)

	if tagheap.DebugMargin > 0 {
		tagheap.WriteMagicValue(a.mem, bp+a.blockSize(bp)-dsize-tagheap.DebugMargin)
	}
}

// Free returns the block at bp to the allocator, merging it with any free
// address neighbors. Freeing the nil block is a no-op. A bp that is not a
// live allocation (double free, foreign offset) is reported through the
// logger and otherwise ignored.
func (a *Allocator) Free(bp int) {
	if bp == nullBlock || a.live == nil {
		return
	}

	if !a.live.Has(uint64(bp)) || !a.blockAllocated(bp) {
		a.logger.Warn("attempt to free a block that is not allocated", "offset", bp)
		return
	}

	a.live.Delete(uint64(bp))
	a.setTags(bp, a.blockSize(bp), false)
	a.coalesce(bp)
}

// Realloc resizes the allocation at bp to hold at least size bytes.
// A non-positive size frees bp; a nil bp allocates. Shrinking happens in
// place, carving the surplus into a free block when it is larger than the
// minimum block size. Growing allocates a new block, copies the payload and frees
// the old block; on failure the old block is left intact and an error
// wrapping region.ErrOutOfMemory is returned.
func (a *Allocator) Realloc(bp, size int) (int, error) {
	if a.live == nil {
		return nullBlock, errors.New("allocator is not initialized")
	}
	if size <= 0 {
		a.Free(bp)
		return nullBlock, nil
	}
	if bp == nullBlock {
		return a.Alloc(size)
	}

	if !a.live.Has(uint64(bp)) || !a.blockAllocated(bp) {
		a.logger.Warn("attempt to realloc a block that is not allocated", "offset", bp)
		return nullBlock, errors.Errorf("block at offset %d is not allocated", bp)
	}

	old := a.blockSize(bp)
	adjusted := adjustSize(size)

	if old == adjusted {
		a.live.Put(uint64(bp), size)
		return bp, nil
	}

	if adjusted < old {
		if old-adjusted <= overhead {
			// A surplus no larger than a minimum block is not split off; keep it.
			a.live.Put(uint64(bp), size)
			return bp, nil
		}

		a.setTags(bp, adjusted, true)

		rest := a.nextBlock(bp)
		a.setTags(rest, old-adjusted, false)
		a.coalesce(rest)

		a.commit(bp, size)
		return bp, nil
	}

	newBP, err := a.Alloc(size)
	if err != nil {
		return nullBlock, err
	}

	n := size
	if payload := old - dsize - tagheap.DebugMargin; payload < n {
		n = payload
	}
	copy(a.mem[newBP:newBP+n], a.mem[bp:bp+n])

	a.Free(bp)
	return newBP, nil
}

// grow asks the provider for n more bytes and refreshes the cached region
// view. Returns the offset of the first new byte.
func (a *Allocator) grow(n int) (int, error) {
	start, err := a.provider.Extend(n)
	if err != nil {
		return 0, err
	}

	a.mem = a.provider.Bytes()
	return start, nil
}

// extendHeap grows the region by at least bytes (rounded to an even number
// of tag words, never below the minimum block size) and shapes the new
// space into a free block: the old epilogue header becomes the block's
// header and a fresh epilogue is written at the new region end. The block
// is coalesced with the preceding block if that was free.
func (a *Allocator) extendHeap(bytes int) (int, error) {
	size := tagheap.AlignUp(bytes, dsize)
	if size < overhead {
		size = overhead
	}

	start, err := a.grow(size)
	if err != nil {
		return nullBlock, err
	}

	bp := start
	a.setTags(bp, size, false)
	a.putWord(headerOf(a.nextBlock(bp)), pack(0, true))

	return a.coalesce(bp), nil
}

// AllocationCount returns the number of live allocations.
func (a *Allocator) AllocationCount() int {
	if a.live == nil {
		return 0
	}
	return a.live.Count()
}

// IsEmpty returns true when no allocations are live.
func (a *Allocator) IsEmpty() bool {
	return a.AllocationCount() == 0
}

// HeapSize returns the total size of the managed region in bytes.
func (a *Allocator) HeapSize() int {
	return len(a.mem)
}

// FreeRegionsCount returns the number of blocks on the free list.
func (a *Allocator) FreeRegionsCount() int {
	count := 0
	for bp := a.freeHead; !a.blockAllocated(bp); bp = a.nextFree(bp) {
		count++
	}
	return count
}

// SumFreeSize returns the number of free bytes in the heap, counting the
// boundary tags of free blocks.
func (a *Allocator) SumFreeSize() int {
	sum := 0
	for bp := a.freeHead; !a.blockAllocated(bp); bp = a.nextFree(bp) {
		sum += a.blockSize(bp)
	}
	return sum
}

// VisitAllBlocks walks the heap in address order, from the block above the
// prologue to the last block below the epilogue, calling visit for each.
// Walking stops at the first error, which is returned.
func (a *Allocator) VisitAllBlocks(visit func(bp, size int, free bool) error) error {
	if a.live == nil {
		return errors.New("allocator is not initialized")
	}

	for bp := a.nextBlock(a.heapStart); a.blockSize(bp) > 0; bp = a.nextBlock(bp) {
		err := visit(bp, a.blockSize(bp), !a.blockAllocated(bp))
		if err != nil {
			return err
		}
	}

	return nil
}

// AddStatistics sums this heap's usage into stats.
func (a *Allocator) AddStatistics(stats *tagheap.Statistics) {
	stats.HeapCount++
	stats.HeapBytes += a.HeapSize()
	stats.AllocationCount += a.AllocationCount()
	stats.AllocationBytes += a.HeapSize() - a.SumFreeSize() - heapFootprint
}

// AddDetailedStatistics sums this heap's per-block statistics into stats.
func (a *Allocator) AddDetailedStatistics(stats *tagheap.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += a.HeapSize()

	_ = a.VisitAllBlocks(func(bp, size int, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// DebugLogAllAllocations calls logFunc for every live allocation. Intended
// for leak reports on teardown.
func (a *Allocator) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset, size int)) {
	_ = a.VisitAllBlocks(func(bp, size int, free bool) error {
		if !free {
			logFunc(logger, bp, size)
		}
		return nil
	})
}
