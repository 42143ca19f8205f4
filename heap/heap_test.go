package heap_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cannibalvox/tagheap"
	"github.com/cannibalvox/tagheap/heap"
	"github.com/cannibalvox/tagheap/region"
)

func newHeap(t *testing.T, limit int) (*heap.Allocator, *region.SliceProvider) {
	t.Helper()

	provider := region.NewSliceProvider(limit)
	alloc := heap.New(provider)
	require.NoError(t, alloc.Init())

	return alloc, provider
}

func TestInitLayout(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	require.NoError(t, alloc.Validate())
	require.True(t, alloc.IsEmpty())
	require.Equal(t, 56, alloc.HeapSize())

	var stats tagheap.DetailedStatistics
	stats.Clear()
	alloc.AddDetailedStatistics(&stats)

	require.Equal(t, tagheap.DetailedStatistics{
		Statistics: tagheap.Statistics{
			HeapCount:       1,
			AllocationCount: 0,
			HeapBytes:       56,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  24,
		FreeRangeSizeMax:  24,
	}, stats)
}

func TestAllocZeroReturnsNil(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	bp, err := alloc.Alloc(0)
	require.NoError(t, err)
	require.Zero(t, bp)

	bp, err = alloc.Alloc(-5)
	require.NoError(t, err)
	require.Zero(t, bp)
}

func TestAllocBeforeInit(t *testing.T) {
	alloc := heap.New(region.NewSliceProvider(0))

	_, err := alloc.Alloc(16)
	require.Error(t, err)
}

func TestTinyAllocReusesFreedBlock(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	p1, err := alloc.Alloc(1)
	require.NoError(t, err)
	require.NotZero(t, p1)
	require.NoError(t, alloc.Validate())

	alloc.Free(p1)
	require.NoError(t, alloc.Validate())
	require.True(t, alloc.IsEmpty())

	p2, err := alloc.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestAllocSplitsLargeBlock(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	// Build a single large free block, then carve a small allocation out
	// of its front.
	big, err := alloc.Alloc(4088)
	require.NoError(t, err)
	alloc.Free(big)

	freeBefore := alloc.SumFreeSize()
	require.Equal(t, 1, alloc.FreeRegionsCount())

	p, err := alloc.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, big, p)
	require.NoError(t, alloc.Validate())

	// 16 bytes of payload plus two tag words makes a minimum-size block;
	// the rest returns to the free list as a single region.
	require.Equal(t, 1, alloc.FreeRegionsCount())
	require.Equal(t, freeBefore-24, alloc.SumFreeSize())
}

func TestFreeCoalescesBothNeighbors(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	a, err := alloc.Alloc(64)
	require.NoError(t, err)
	b, err := alloc.Alloc(64)
	require.NoError(t, err)
	c, err := alloc.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, alloc.Validate())

	alloc.Free(a)
	require.NoError(t, alloc.Validate())
	alloc.Free(c)
	require.NoError(t, alloc.Validate())
	alloc.Free(b)
	require.NoError(t, alloc.Validate())

	// The three 72-byte blocks and the 24-byte tail of the last extension
	// collapse into one region.
	require.Equal(t, 1, alloc.FreeRegionsCount())
	require.Equal(t, 3*72+24, alloc.SumFreeSize())
	require.True(t, alloc.IsEmpty())
}

func TestFreeListIsLIFO(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	a, err := alloc.Alloc(64)
	require.NoError(t, err)
	_, err = alloc.Alloc(64)
	require.NoError(t, err)

	alloc.Free(a)

	// The most recently freed block sits at the list head and first-fit
	// hands it back.
	p, err := alloc.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, a, p)
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	p, err := alloc.Alloc(16)
	require.NoError(t, err)

	alloc.Free(p)
	alloc.Free(p)

	require.NoError(t, alloc.Validate())
	require.Equal(t, 1, alloc.FreeRegionsCount())
}

func TestFreeForeignOffsetIsIgnored(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	alloc.Free(0)
	alloc.Free(12345)
	alloc.Free(7)

	require.NoError(t, alloc.Validate())
}

func TestReInitReclaimsWholeRegion(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	for _, size := range []int{16, 200, 64, 1000} {
		_, err := alloc.Alloc(size)
		require.NoError(t, err)
	}
	heapSize := alloc.HeapSize()

	require.NoError(t, alloc.Init())
	require.NoError(t, alloc.Validate())
	require.True(t, alloc.IsEmpty())
	require.Equal(t, heapSize, alloc.HeapSize())
	require.Equal(t, 1, alloc.FreeRegionsCount())
	require.Equal(t, heapSize-32, alloc.SumFreeSize())
}

func TestOutOfMemory(t *testing.T) {
	// Room for exactly the initial layout: furniture plus one minimum-size
	// free chunk.
	alloc, _ := newHeap(t, 56)

	_, err := alloc.Alloc(100)
	require.ErrorIs(t, err, region.ErrOutOfMemory)
	require.NoError(t, alloc.Validate())

	// The initial chunk still serves requests that fit it.
	p, err := alloc.Alloc(16)
	require.NoError(t, err)
	require.NotZero(t, p)

	_, err = alloc.Alloc(16)
	require.ErrorIs(t, err, region.ErrOutOfMemory)

	alloc.Free(p)
	require.NoError(t, alloc.Validate())
	require.Equal(t, 1, alloc.FreeRegionsCount())
}

func TestVisitAllBlocks(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	p, err := alloc.Alloc(16)
	require.NoError(t, err)

	type visited struct {
		bp, size int
		free     bool
	}
	var blocks []visited
	require.NoError(t, alloc.VisitAllBlocks(func(bp, size int, free bool) error {
		blocks = append(blocks, visited{bp, size, free})
		return nil
	}))

	require.Equal(t, []visited{{p, 24, false}}, blocks)
}

func TestStatisticsAfterChurn(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	p, err := alloc.Alloc(16)
	require.NoError(t, err)

	var stats tagheap.DetailedStatistics
	stats.Clear()
	alloc.AddDetailedStatistics(&stats)

	require.Equal(t, tagheap.DetailedStatistics{
		Statistics: tagheap.Statistics{
			HeapCount:       1,
			AllocationCount: 1,
			HeapBytes:       56,
			AllocationBytes: 24,
		},
		FreeRangeCount:    0,
		AllocationSizeMin: 24,
		AllocationSizeMax: 24,
		FreeRangeSizeMin:  math.MaxInt,
		FreeRangeSizeMax:  0,
	}, stats)

	var plain tagheap.Statistics
	plain.Clear()
	alloc.AddStatistics(&plain)
	require.Equal(t, stats.Statistics, plain)

	alloc.Free(p)

	stats.Clear()
	alloc.AddDetailedStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.FreeRangeCount)
	require.Equal(t, 24, stats.FreeRangeSizeMin)
}

func TestHeapWalkStaysConsistent(t *testing.T) {
	alloc, _ := newHeap(t, 0)

	live := make([]int, 0, 32)
	sizes := []int{1, 8, 24, 100, 56, 7, 512, 64, 3, 1000}

	for round := 0; round < 4; round++ {
		for _, size := range sizes {
			bp, err := alloc.Alloc(size)
			require.NoError(t, err)
			require.NotZero(t, bp)
			require.Zero(t, bp%8)
			live = append(live, bp)
			require.NoError(t, alloc.Validate())
		}

		// Free every other allocation to force splits and merges on the
		// next round.
		kept := live[:0]
		for i, bp := range live {
			if i%2 == 0 {
				alloc.Free(bp)
				require.NoError(t, alloc.Validate())
			} else {
				kept = append(kept, bp)
			}
		}
		live = kept
	}

	for _, bp := range live {
		alloc.Free(bp)
		require.NoError(t, alloc.Validate())
	}

	require.True(t, alloc.IsEmpty())
	require.Equal(t, 1, alloc.FreeRegionsCount())
	require.NoError(t, alloc.CheckCorruption())
}
