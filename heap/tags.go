package heap

import "encoding/binary"

// Heap geometry. Every block is [header][payload][footer] with 4-byte
// little-endian tag words at either end; bp always addresses the payload.
// Block sizes include both tags and are multiples of dsize.
const (
	wsize     = 4  // tag word size
	dsize     = 8  // payload alignment granularity
	linkSize  = 8  // free-list link width
	chunkSize = 16 // smallest heap extension requested on a find-fit miss

	// overhead is the minimum block size: header, the two free-list links
	// that overlay the payload while the block is free, and footer.
	overhead = wsize + 2*linkSize + wsize
)

// nullBlock is the nil block offset. No payload can sit at offset 0; the
// prologue's payload, the lowest in any heap, is at offset 2*wsize.
const nullBlock = 0

// pack combines a block size with its allocation bit. size must be a
// multiple of dsize so the low three bits are clear.
func pack(size int, allocated bool) uint32 {
	w := uint32(size)
	if allocated {
		w |= 0x1
	}
	return w
}

func tagSize(tag uint32) int { return int(tag &^ 0x7) }

func tagAllocated(tag uint32) bool { return tag&0x1 != 0 }

func headerOf(bp int) int { return bp - wsize }

func (a *Allocator) word(at int) uint32 {
	return binary.LittleEndian.Uint32(a.mem[at:])
}

func (a *Allocator) putWord(at int, w uint32) {
	binary.LittleEndian.PutUint32(a.mem[at:], w)
}

func (a *Allocator) blockSize(bp int) int {
	return tagSize(a.word(headerOf(bp)))
}

func (a *Allocator) blockAllocated(bp int) bool {
	return tagAllocated(a.word(headerOf(bp)))
}

func (a *Allocator) footerOf(bp int) int {
	return bp + a.blockSize(bp) - dsize
}

func (a *Allocator) nextBlock(bp int) int {
	return bp + a.blockSize(bp)
}

// prevBlock locates the previous block through its footer, which sits in the
// word just below this block's header. The footer exists for exactly this
// lookup.
func (a *Allocator) prevBlock(bp int) int {
	return bp - tagSize(a.word(bp-dsize))
}

// setTags writes matching header and footer words for the block at bp. The
// footer position is derived from the size being written, not the size
// currently stored, so callers may retag a block they are resizing.
func (a *Allocator) setTags(bp, size int, allocated bool) {
	w := pack(size, allocated)
	a.putWord(headerOf(bp), w)
	a.putWord(bp+size-dsize, w)
}
