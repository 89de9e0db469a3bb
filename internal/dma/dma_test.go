package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCache records maintenance calls for verification.
type countingCache struct {
	cleans      [][2]uint64
	invalidates [][2]uint64
}

func (c *countingCache) Clean(lo, hi uint64)      { c.cleans = append(c.cleans, [2]uint64{lo, hi}) }
func (c *countingCache) Invalidate(lo, hi uint64) { c.invalidates = append(c.invalidates, [2]uint64{lo, hi}) }

func TestPhysAddr(t *testing.T) {
	r := NewRegion(0x4000, 0x9000_0000, make([]byte, 0x1000), nil)

	p, err := r.PhysAddr(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x9000_0000), p)

	p, err = r.PhysAddr(0x4800)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x9000_0800), p)

	_, err = r.PhysAddr(0x3fff)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.PhysAddr(0x5000)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSlice(t *testing.T) {
	buf := make([]byte, 0x1000)
	r := NewRegion(0x4000, 0x9000_0000, buf, nil)

	s, err := r.Slice(0x4100, 0x200)
	require.NoError(t, err)
	require.Len(t, s, 0x200)

	// the slice aliases the backing buffer
	s[0] = 0xab
	assert.Equal(t, byte(0xab), buf[0x100])

	// whole region
	s, err = r.Slice(0x4000, 0x1000)
	require.NoError(t, err)
	assert.Len(t, s, 0x1000)

	// one past the end
	_, err = r.Slice(0x4000, 0x1001)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.Slice(0x4fff, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestCacheOps(t *testing.T) {
	cache := &countingCache{}
	r := NewRegion(0x4000, 0x9000_0000, make([]byte, 0x1000), cache)

	r.PrepareForDevice(0x4000, 0x200)
	r.PrepareForCPU(0x4200, 0x100)

	require.Len(t, cache.cleans, 1)
	assert.Equal(t, [2]uint64{0x4000, 0x4200}, cache.cleans[0])
	require.Len(t, cache.invalidates, 1)
	assert.Equal(t, [2]uint64{0x4200, 0x4300}, cache.invalidates[0])
}

func TestCoherentDefault(t *testing.T) {
	r := NewRegion(0, 0, make([]byte, 16), nil)
	// must not panic
	r.PrepareForDevice(0, 16)
	r.PrepareForCPU(0, 16)
}
