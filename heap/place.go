package heap

// findFit returns the first free block that can hold size bytes, scanning
// the free list from its head. The prologue sentinel's set allocation bit
// terminates the scan; there is no null terminator to test for.
func (a *Allocator) findFit(size int) int {
	for bp := a.freeHead; !a.blockAllocated(bp); bp = a.nextFree(bp) {
		if size <= a.blockSize(bp) {
			return bp
		}
	}

	return nullBlock
}

// place consumes the free block at bp for an allocation of size bytes,
// splitting the tail back into the free list when the remainder can stand
// as a block of its own.
//
// The front piece's tags must be written before the tail is touched:
// nextBlock reads the updated header size to locate the tail.
func (a *Allocator) place(bp, size int) {
	total := a.blockSize(bp)

	if total-size >= overhead {
		a.setTags(bp, size, true)
		a.removeBlock(bp)

		rest := a.nextBlock(bp)
		a.setTags(rest, total-size, false)
		a.coalesce(rest)
	} else {
		a.setTags(bp, total, true)
		a.removeBlock(bp)
	}
}

// coalesce merges the free block at bp with whichever of its address
// neighbors are free, unlinking them as they are absorbed, then pushes the
// result onto the front of the free list. bp's tags must already mark it
// free, but it must not yet be linked. Returns the payload offset of the
// merged block.
//
// The prologue and epilogue guarantee both neighbor reads land on a real
// tag: a block adjacent to either sees an allocated neighbor and no merge
// happens on that side.
func (a *Allocator) coalesce(bp int) int {
	prevAllocated := tagAllocated(a.word(bp - dsize))
	next := a.nextBlock(bp)
	nextAllocated := a.blockAllocated(next)
	size := a.blockSize(bp)

	switch {
	case prevAllocated && nextAllocated:

	case prevAllocated && !nextAllocated:
		size += a.blockSize(next)
		a.removeBlock(next)
		a.setTags(bp, size, false)

	case !prevAllocated && nextAllocated:
		bp = a.prevBlock(bp)
		size += a.blockSize(bp)
		a.removeBlock(bp)
		a.setTags(bp, size, false)

	default:
		prev := a.prevBlock(bp)
		size += a.blockSize(prev) + a.blockSize(next)
		a.removeBlock(prev)
		a.removeBlock(next)
		bp = prev
		a.setTags(bp, size, false)
	}

	a.insertFront(bp)
	return bp
}
