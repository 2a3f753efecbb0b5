package membudget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource serves slabs from an in-memory buffer.
type memSource struct {
	w, h, d int
	voxels  []byte
}

func (s *memSource) Dims() (int, int, int) { return s.w, s.h, s.d }

func (s *memSource) ReadSlab(dst []byte, z0, depth int) error {
	slice := s.w * s.h
	copy(dst, s.voxels[z0*slice:(z0+depth)*slice])
	return nil
}

func rampSource(w, h, d int) *memSource {
	voxels := make([]byte, w*h*d)
	for i := range voxels {
		voxels[i] = uint8(i % 256)
	}
	return &memSource{w: w, h: h, d: d, voxels: voxels}
}

func TestWithChunkedAccessCoversWholeVolume(t *testing.T) {
	src := rampSource(8, 8, 10)

	// Ceiling holds exactly one 3-slice chunk, far less than the volume.
	m := newManager(t, int64(8*8*3), ModeFail, 0)

	var got []byte
	var chunks []Chunk
	err := m.WithChunkedAccess(context.Background(), src, 3, func(c Chunk) error {
		got = append(got, c.Data...)
		chunks = append(chunks, Chunk{Z0: c.Z0, Depth: c.Depth})
		assert.LessOrEqual(t, m.Rented(), m.Ceiling(), "resident bytes crossed the ceiling")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, src.voxels, got)

	// 10 slices in windows of 3: 3+3+3+1.
	require.Len(t, chunks, 4)
	assert.Equal(t, Chunk{Z0: 9, Depth: 1}, chunks[3])

	assert.Equal(t, int64(0), m.Rented(), "lease must be released after streaming")
}

func TestWithChunkedAccessOversizedChunkDepthClamps(t *testing.T) {
	src := rampSource(4, 4, 5)
	m := newManager(t, int64(4*4*5), ModeFail, 0)

	var calls int
	err := m.WithChunkedAccess(context.Background(), src, 100, func(c Chunk) error {
		calls++
		assert.Equal(t, 5, c.Depth)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithChunkedAccessChunkLargerThanCeiling(t *testing.T) {
	src := rampSource(8, 8, 10)
	m := newManager(t, 10, ModeFail, 0)

	err := m.WithChunkedAccess(context.Background(), src, 3, func(Chunk) error { return nil })
	assert.Error(t, err)
}

func TestWithChunkedAccessCancellation(t *testing.T) {
	src := rampSource(4, 4, 20)
	m := newManager(t, int64(4*4*20), ModeBlock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := m.WithChunkedAccess(ctx, src, 2, func(Chunk) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(0), m.Rented())
}
