package blkvirt

import (
	"github.com/behrlich/go-blkvirt/internal/dma"
	"github.com/behrlich/go-blkvirt/internal/queue"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

// The shared-memory wire types live in internal packages so their layout
// code stays next to the rings; aliases promote them to the public API.

// Queue is one side's view of a request/response ring pair.
type Queue = queue.Handle

// Request is one request ring entry.
type Request = queue.Request

// Response is one response ring entry.
type Response = queue.Response

// Code is a request code on the wire.
type Code = queue.Code

// Status is a response status on the wire.
type Status = queue.Status

// Request codes.
const (
	Read    = queue.Read
	Write   = queue.Write
	Flush   = queue.Flush
	Barrier = queue.Barrier
)

// Response statuses. Values past InvalidParam are device specific and
// are passed through to clients untransformed.
const (
	OK           = queue.OK
	InvalidParam = queue.InvalidParam
	IOError      = queue.IOError
)

// StorageInfo is a view over a shared storage information record.
type StorageInfo = storage.Info

// DMARegion models the driver DMA data region.
type DMARegion = dma.Region

// CacheOps performs data cache maintenance; hosts with cache-coherent
// DMA use the default no-op implementation.
type CacheOps = dma.CacheOps

// NewQueue wraps the two shared-memory regions of a queue pair holding
// size entries each.
func NewQueue(reqRegion, respRegion []byte, size uint32) (*Queue, error) {
	return queue.Init(reqRegion, respRegion, size)
}

// ReqRegionSize returns the bytes of shared memory a request ring of the
// given entry count occupies.
func ReqRegionSize(size uint32) int {
	return queue.ReqRegionSize(size)
}

// RespRegionSize returns the bytes of shared memory a response ring of
// the given entry count occupies.
func RespRegionSize(size uint32) int {
	return queue.RespRegionSize(size)
}

// NewStorageInfo wraps a shared-memory region holding one storage
// information record.
func NewStorageInfo(region []byte) (*StorageInfo, error) {
	return storage.NewInfo(region)
}

// StorageInfoSize is the size of one storage information record in bytes.
const StorageInfoSize = storage.InfoSize

// NewDMARegion wraps a host-mapped DMA buffer with its virtual and
// physical base addresses. A nil cache defaults to coherent (no-op).
func NewDMARegion(virtBase, physBase uint64, buf []byte, cache CacheOps) *DMARegion {
	return dma.NewRegion(virtBase, physBase, buf, cache)
}
