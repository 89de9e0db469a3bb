package blkvirt

import (
	"github.com/behrlich/go-blkvirt/internal/constants"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

// Params contains the compile-time shape of a virtualiser deployment.
// The values come from the build system of the host; there is no runtime
// discovery of clients.
type Params struct {
	// NumClients is the number of client protection domains
	NumClients int

	// Mapping assigns a primary partition index to each client
	Mapping []int

	// TransferSize is the atomic transfer unit in bytes; the granularity
	// of the client-facing API and of the bounce buffer pool
	TransferSize uint64

	// SectorSize is the device sector size in bytes
	SectorSize uint32

	// DriverQueueSize is the driver ring size in entries; it also sizes
	// the bookkeeping table, bounding in-flight driver requests
	DriverQueueSize uint32
}

// DefaultParams returns default virtualiser parameters for a single
// client mapped to partition 0.
func DefaultParams() Params {
	return Params{
		NumClients:      constants.DefaultNumClients,
		Mapping:         []int{0},
		TransferSize:    constants.DefaultTransferSize,
		SectorSize:      constants.DefaultSectorSize,
		DriverQueueSize: constants.DefaultDriverQueueSize,
	}
}

// Validate checks internal consistency of the parameters.
func (p Params) Validate() error {
	if p.NumClients <= 0 {
		return NewError("params", ErrCodeInvalidParameters, "NumClients must be positive")
	}
	if len(p.Mapping) != p.NumClients {
		return NewError("params", ErrCodeInvalidParameters, "Mapping must have one entry per client")
	}
	if p.SectorSize == 0 || p.TransferSize == 0 || p.TransferSize%uint64(p.SectorSize) != 0 {
		return NewError("params", ErrCodeInvalidParameters, "TransferSize must be a multiple of SectorSize")
	}
	if p.DriverQueueSize == 0 {
		return NewError("params", ErrCodeInvalidParameters, "DriverQueueSize must be positive")
	}
	return nil
}

// Notifier wakes a peer protection domain. Implementations are host
// glue; notify.Doorbell satisfies the interface over an eventfd.
type Notifier interface {
	Notify() error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func() error

// Notify implements the Notifier interface
func (f NotifierFunc) Notify() error {
	return f()
}

// DriverResources is the shared-memory plumbing to the block driver.
type DriverResources struct {
	// Queue is the driver request/response ring pair
	Queue *Queue

	// Info is the driver's storage information record (read-only here)
	Info *storage.Info

	// Data is the driver DMA data region the bounce pool carves up
	Data *DMARegion

	// Notify wakes the driver
	Notify Notifier
}

// ClientResources is the shared-memory plumbing to one client.
type ClientResources struct {
	// Queue is the client request/response ring pair
	Queue *Queue

	// Info is the storage information record published to the client
	Info *storage.Info

	// Data is the client data region requests address by offset
	Data []byte

	// Notify wakes the client
	Notify Notifier
}

// Options contains additional options for virtualiser creation
type Options struct {
	// Observer for event collection (if nil, records into Metrics)
	Observer Observer
}
