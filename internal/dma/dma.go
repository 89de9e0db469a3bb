// Package dma models the driver DMA data region: a host-mapped buffer
// with a known virtual base, a known physical base for device access,
// and explicit cache maintenance hooks.
//
// Addresses handed around by the virtualiser are virtual addresses inside
// the region; the driver is given physical addresses derived by linear
// offset. Cache maintenance is expressed as two operations rather than
// raw platform calls: PrepareForDevice cleans (writes back dirty lines
// before the device reads the range) and PrepareForCPU invalidates
// (discards stale lines before the CPU reads what the device wrote).
package dma

import "errors"

// ErrOutOfRange is returned for addresses or lengths outside the region.
var ErrOutOfRange = errors.New("dma: address range outside region")

// CacheOps performs data cache maintenance over a virtual address range
// [lo, hi). Implementations are platform glue; hosts with cache-coherent
// DMA use Coherent.
type CacheOps interface {
	// Clean writes dirty cache lines in the range back to memory
	Clean(lo, hi uint64)

	// Invalidate discards cache lines in the range without writing back
	Invalidate(lo, hi uint64)
}

// Coherent is the no-op CacheOps for cache-coherent hosts.
type Coherent struct{}

func (Coherent) Clean(lo, hi uint64)      {}
func (Coherent) Invalidate(lo, hi uint64) {}

// Region is a DMA-capable memory region.
type Region struct {
	virt  uint64
	phys  uint64
	buf   []byte
	cache CacheOps
}

// NewRegion wraps a host-mapped buffer. virt is the virtual address the
// rest of the system uses to name buf[0]; phys is the corresponding
// physical address for device DMA. A nil cache defaults to Coherent.
func NewRegion(virt, phys uint64, buf []byte, cache CacheOps) *Region {
	if cache == nil {
		cache = Coherent{}
	}
	return &Region{virt: virt, phys: phys, buf: buf, cache: cache}
}

// VirtBase returns the virtual address of the first byte.
func (r *Region) VirtBase() uint64 {
	return r.virt
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.buf))
}

// PhysAddr translates a virtual address inside the region into the
// physical address the device uses.
func (r *Region) PhysAddr(virt uint64) (uint64, error) {
	if virt < r.virt || virt >= r.virt+uint64(len(r.buf)) {
		return 0, ErrOutOfRange
	}
	return virt - r.virt + r.phys, nil
}

// Slice returns the backing bytes for [virt, virt+size).
func (r *Region) Slice(virt, size uint64) ([]byte, error) {
	if virt < r.virt || virt+size > r.virt+uint64(len(r.buf)) {
		return nil, ErrOutOfRange
	}
	off := virt - r.virt
	return r.buf[off : off+size : off+size], nil
}

// PrepareForDevice cleans the cache over [virt, virt+size) so the device
// observes CPU writes. Call before handing a written buffer to the device.
func (r *Region) PrepareForDevice(virt, size uint64) {
	r.cache.Clean(virt, virt+size)
}

// PrepareForCPU invalidates the cache over [virt, virt+size) so the CPU
// observes device writes. Call after the device completes a read into
// the buffer, before copying out of it.
func (r *Region) PrepareForCPU(virt, size uint64) {
	r.cache.Invalidate(virt, virt+size)
}
