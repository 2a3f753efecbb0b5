package membudget

import (
	"context"
	"fmt"
)

// ChunkSource supplies a volume's payload in depth-slab windows without
// requiring the whole buffer to be resident. nifti.SlabReader implements it
// for on-disk files.
type ChunkSource interface {
	// Dims returns the spatial extents of the volume.
	Dims() (width, height, depth int)

	// ReadSlab fills dst with `depth` consecutive slices starting at z0.
	// dst is sized exactly width*height*depth by the caller.
	ReadSlab(dst []byte, z0, depth int) error
}

// Chunk is one depth window handed to the caller's function. The buffer is
// only valid for the duration of the callback; it is reused for the next
// window.
type Chunk struct {
	Z0    int // first depth slice in this window
	Depth int // slices in this window
	Data  []byte
}

// WithChunkedAccess streams src through fn in windows of chunkDepth
// consecutive depth slices. Exactly one chunk's bytes are rented at a time,
// so resident usage attributable to this call never exceeds one chunk even
// when the full volume is larger than the ceiling. Cancellation is checked
// at every chunk boundary.
func (m *Manager) WithChunkedAccess(ctx context.Context, src ChunkSource, chunkDepth int, fn func(Chunk) error) error {
	w, h, d := src.Dims()
	if w <= 0 || h <= 0 || d <= 0 {
		return fmt.Errorf("membudget: chunk source has invalid dims %dx%dx%d", w, h, d)
	}
	if chunkDepth <= 0 || chunkDepth > d {
		chunkDepth = d
	}

	sliceBytes := int64(w) * int64(h)
	lease, err := m.Rent(ctx, sliceBytes*int64(chunkDepth))
	if err != nil {
		return err
	}
	defer lease.Release()

	buf := make([]byte, sliceBytes*int64(chunkDepth))
	for z0 := 0; z0 < d; z0 += chunkDepth {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("membudget: chunked access cancelled at slice %d: %w", z0, err)
		}
		n := chunkDepth
		if z0+n > d {
			n = d - z0
		}
		window := buf[:sliceBytes*int64(n)]
		if err := src.ReadSlab(window, z0, n); err != nil {
			return fmt.Errorf("membudget: read slab at slice %d: %w", z0, err)
		}
		if err := fn(Chunk{Z0: z0, Depth: n, Data: window}); err != nil {
			return err
		}
	}
	return nil
}
