package heap

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/cannibalvox/tagheap"
)

var _ tagheap.Validatable = &Allocator{}

// Validate performs internal consistency checks on the heap: the prologue
// and epilogue furniture, a full forward walk over every block, and a walk
// of the free list. When the allocator is functioning correctly and callers
// stay inside their payloads it cannot return an error. It is O(heap) and
// meant for development and tests, not hot paths.
func (a *Allocator) Validate() error {
	if a.live == nil {
		return errors.New("allocator is not initialized")
	}

	lo := a.provider.Lo()
	hi := a.provider.Hi()

	header := a.word(headerOf(a.heapStart))
	if tagSize(header) != overhead || !tagAllocated(header) {
		return errors.Errorf("bad prologue header: size %d, allocated %t", tagSize(header), tagAllocated(header))
	}
	if header != a.word(a.footerOf(a.heapStart)) {
		return errors.New("prologue header and footer mismatch")
	}

	// Address-order walk: the blocks must tile the region from the prologue
	// to an epilogue at the very end, with no two free neighbors.
	freeWalked := 0
	prevWasFree := false
	bp := a.nextBlock(a.heapStart)
	for ; a.blockSize(bp) > 0; bp = a.nextBlock(bp) {
		if !tagheap.IsAligned(bp, dsize) {
			return errors.Errorf("block offset %d is not %d-byte aligned", bp, dsize)
		}

		size := a.blockSize(bp)
		if size < overhead || !tagheap.IsAligned(size, dsize) {
			return errors.Errorf("block at offset %d has invalid size %d", bp, size)
		}
		if headerOf(bp)+size > hi+1 {
			return errors.Errorf("block at offset %d overruns the region", bp)
		}

		if a.word(headerOf(bp)) != a.word(a.footerOf(bp)) {
			return errors.Errorf("block at offset %d has mismatched header and footer", bp)
		}

		free := !a.blockAllocated(bp)
		if free {
			freeWalked++
			if prevWasFree {
				return errors.Errorf("blocks at offset %d and its predecessor are both free", bp)
			}
		} else if !a.live.Has(uint64(bp)) {
			return errors.Errorf("allocated block at offset %d is not in the live ledger", bp)
		}
		prevWasFree = free
	}

	if headerOf(bp) != hi+1-wsize {
		return errors.Errorf("epilogue header at offset %d is not at the region end", headerOf(bp))
	}
	if !a.blockAllocated(bp) {
		return errors.New("epilogue header is not marked allocated")
	}

	// Free-list walk: every node until the prologue sentinel must be free,
	// in range, and cross-linked with its neighbors.
	if a.prevFree(a.freeHead) != nullBlock {
		return errors.Errorf("free-list head at offset %d has a previous link", a.freeHead)
	}

	freeListed := 0
	node := a.freeHead
	for ; !a.blockAllocated(node); node = a.nextFree(node) {
		freeListed++

		next := a.nextFree(node)
		if next < lo || next > hi {
			return errors.Errorf("free block at offset %d has next link %d outside the region", node, next)
		}
		if prev := a.prevFree(node); prev != nullBlock && (prev < lo || prev > hi) {
			return errors.Errorf("free block at offset %d has previous link %d outside the region", node, prev)
		}

		if a.prevFree(next) != node {
			return errors.Errorf("free blocks at offsets %d and %d have broken cross-links", node, next)
		}
		if prev := a.prevFree(node); prev != nullBlock && a.nextFree(prev) != node {
			return errors.Errorf("free blocks at offsets %d and %d have broken cross-links", prev, node)
		}
	}

	// The only allocated node a traversal may reach is the prologue
	// sentinel; its links are anchor state, not list membership.
	if node != a.heapStart {
		return errors.Errorf("free list terminates at allocated block %d instead of the prologue", node)
	}

	if freeListed != freeWalked {
		return errors.Errorf("the heap holds %d free blocks but the free list holds %d", freeWalked, freeListed)
	}

	return nil
}

// Check runs Validate and reports any violation through the diagnostic
// logger. It returns the validation error, if any.
func (a *Allocator) Check(logger *slog.Logger) error {
	if logger == nil {
		logger = a.logger
	}

	err := a.Validate()
	if err != nil {
		logger.Warn("heap check failed", "error", err)
	}
	return err
}

// CheckCorruption verifies the debug margin trailing every live allocation.
// Margins are only written when tagheap is built with the debug_tagheap
// tag; without it this method cannot fail.
func (a *Allocator) CheckCorruption() error {
	if a.live == nil {
		return errors.New("allocator is not initialized")
	}

	var corrupt error
	a.live.Iter(func(bp uint64, size int) bool {
		margin := int(bp) + a.blockSize(int(bp)) - dsize - tagheap.DebugMargin
		if !tagheap.ValidateMagicValue(a.mem, margin) {
			corrupt = errors.Errorf("memory corruption detected after the allocation at offset %d", bp)
			return true
		}
		return false
	})

	return corrupt
}
