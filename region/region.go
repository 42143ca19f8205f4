// Package region supplies the contiguous, monotonically-growable byte region
// that a heap allocator manages. A Provider hands out the region's bounds and
// a single grow primitive; it never shrinks and never relocates existing
// offsets.
package region

import "github.com/pkg/errors"

// ErrOutOfMemory is returned from Extend when a provider cannot grow its
// region any further.
var ErrOutOfMemory = errors.New("out of memory")

// DefaultLimit is the capacity SliceProvider regions are created with when no
// explicit limit is given (20 MiB).
const DefaultLimit = 20 * 1024 * 1024

// Provider exposes a single contiguous byte region to an allocator. All
// offsets an allocator hands out index into Bytes. The region only ever grows
// at its high end, so offsets stay valid across Extend calls even if the
// backing storage is reallocated.
type Provider interface {
	// Lo returns the lowest valid offset in the region.
	Lo() int
	// Hi returns the highest valid offset in the region, inclusive. An empty
	// region returns -1.
	Hi() int
	// Extend grows the region by exactly n bytes at the high end and returns
	// the offset of the first new byte. n must be positive. On failure the
	// error wraps ErrOutOfMemory and the region is unchanged.
	Extend(n int) (int, error)
	// Bytes returns the full backing storage, spanning [Lo, Hi]. The slice
	// must be re-fetched after every Extend.
	Bytes() []byte
}

// SliceProvider is an in-memory Provider backed by a byte slice. The zero
// value is not usable; construct it with NewSliceProvider.
type SliceProvider struct {
	mem   []byte
	limit int
}

var _ Provider = &SliceProvider{}

// NewSliceProvider creates an empty region that can grow up to limit bytes.
// A non-positive limit selects DefaultLimit.
func NewSliceProvider(limit int) *SliceProvider {
	if limit <= 0 {
		limit = DefaultLimit
	}

	return &SliceProvider{
		mem:   make([]byte, 0, 64),
		limit: limit,
	}
}

func (p *SliceProvider) Lo() int { return 0 }

func (p *SliceProvider) Hi() int { return len(p.mem) - 1 }

func (p *SliceProvider) Extend(n int) (int, error) {
	if n <= 0 {
		return 0, errors.Errorf("extension size must be positive, not %d", n)
	}

	if len(p.mem)+n > p.limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "extending the region by %d bytes would exceed its %d-byte limit", n, p.limit)
	}

	start := len(p.mem)
	p.mem = append(p.mem, make([]byte, n)...)
	return start, nil
}

func (p *SliceProvider) Bytes() []byte { return p.mem }
