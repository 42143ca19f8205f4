package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// HeapJsonData populates a json object with summary information about this
// heap.
func (a *Allocator) HeapJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(a.HeapSize())
	json.Name("UnusedBytes").Int(a.SumFreeSize())
	json.Name("Allocations").Int(a.AllocationCount())
	json.Name("FreeRanges").Int(a.FreeRegionsCount())
}

// PrintDetailedMap populates a json object with summary information about
// this heap followed by one entry per block, in address order.
func (a *Allocator) PrintDetailedMap(json jwriter.ObjectState) {
	a.HeapJsonData(&json)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.VisitAllBlocks(func(bp, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(bp)
		obj.Name("Size").Int(size)

		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("ALLOCATED")
			if requested, ok := a.live.Get(uint64(bp)); ok {
				obj.Name("RequestedSize").Int(requested)
			}
		}

		return nil
	})
}
