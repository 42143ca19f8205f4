package heap

import "encoding/binary"

// The free list is threaded through the payload area of free blocks: the
// PREV link occupies the first eight payload bytes, the NEXT link the eight
// after that. Links are block offsets, with nullBlock encoding "none". The
// prologue block anchors the list: it is permanently allocated but its
// payload holds live links, and its set allocation bit is what terminates
// list traversal.

func (a *Allocator) prevFree(bp int) int {
	return int(binary.LittleEndian.Uint64(a.mem[bp:]))
}

func (a *Allocator) nextFree(bp int) int {
	return int(binary.LittleEndian.Uint64(a.mem[bp+linkSize:]))
}

func (a *Allocator) setPrevFree(bp, target int) {
	binary.LittleEndian.PutUint64(a.mem[bp:], uint64(target))
}

func (a *Allocator) setNextFree(bp, target int) {
	binary.LittleEndian.PutUint64(a.mem[bp+linkSize:], uint64(target))
}

// insertFront splices bp in before the current head and makes it the new
// head. bp's tags must already mark it free.
func (a *Allocator) insertFront(bp int) {
	a.setNextFree(bp, a.freeHead)
	a.setPrevFree(a.freeHead, bp)
	a.setPrevFree(bp, nullBlock)
	a.freeHead = bp
}

// removeBlock unlinks bp from the free list. The NEXT side always exists
// (a real free block or the prologue sentinel), so only the head update on
// the PREV side needs a special case.
func (a *Allocator) removeBlock(bp int) {
	if prev := a.prevFree(bp); prev != nullBlock {
		a.setNextFree(prev, a.nextFree(bp))
	} else {
		a.freeHead = a.nextFree(bp)
	}
	a.setPrevFree(a.nextFree(bp), a.prevFree(bp))
}
