// Package sim provides an in-memory block driver that serves the driver
// queue pair. It stands in for the hardware driver in tests and demos:
// requests are served synchronously out of a byte-slice backing store,
// with hooks for error injection and for withholding responses.
package sim

import (
	log "github.com/sirupsen/logrus"

	"github.com/behrlich/go-blkvirt/internal/mbr"
	"github.com/behrlich/go-blkvirt/internal/queue"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

// Config wires a Driver to its shared resources.
type Config struct {
	// Queue is the driver queue pair; the driver consumes requests and
	// produces responses
	Queue *queue.Handle

	// Info is the driver's storage information record
	Info *storage.Info

	// Data is the backing of the driver DMA data region
	Data []byte

	// PhysBase is the physical base address the virtualiser translates
	// bounce buffer addresses to
	PhysBase uint64

	// Disk is the backing store, addressed in transfer units
	Disk []byte

	// TransferSize is the transfer unit in bytes
	TransferSize uint64

	// SectorSize is the sector size published to the virtualiser
	SectorSize uint32

	// ReadOnly marks the simulated device read-only
	ReadOnly bool

	// Notify rings the virtualiser's driver channel after responses are
	// enqueued; may be nil
	Notify func() error
}

// Driver is a simulated block driver.
type Driver struct {
	cfg Config

	failures []queue.Status
	withhold int
}

// New creates a simulated driver. The storage information record is
// populated immediately but ready stays false until SetReady.
func New(cfg Config) *Driver {
	d := &Driver{cfg: cfg}
	cfg.Info.SetSectorSize(cfg.SectorSize)
	cfg.Info.SetCapacity(uint64(len(cfg.Disk)) / cfg.TransferSize)
	cfg.Info.SetReadOnly(cfg.ReadOnly)
	return d
}

// SetReady publishes the driver readiness flag. The caller signals the
// virtualiser's state channel separately, as the host would.
func (d *Driver) SetReady(ready bool) {
	d.cfg.Info.SetReady(ready)
}

// InjectError makes the next served request fail with the given status.
// Injected statuses queue up in order.
func (d *Driver) InjectError(status queue.Status) {
	d.failures = append(d.failures, status)
}

// Withhold makes the driver consume but never answer the next n
// requests, simulating a driver that forgets them.
func (d *Driver) Withhold(n int) {
	d.withhold += n
}

// Process drains the request ring, serving each request against the
// backing store. Returns the number of requests consumed.
func (d *Driver) Process() int {
	served := 0
	responded := false

	for {
		req, err := d.cfg.Queue.DequeueReq()
		if err != nil {
			break
		}
		served++

		if d.withhold > 0 {
			d.withhold--
			log.Debugf("[SIM] withholding response for request %d", req.ID)
			continue
		}

		var resp queue.Response
		if len(d.failures) > 0 {
			resp = queue.Response{Status: d.failures[0], Count: 0, ID: req.ID}
			d.failures = d.failures[1:]
		} else {
			resp = d.serve(req)
		}

		if d.cfg.Queue.FullResp() {
			log.Errorf("[SIM] response queue full, dropping response for request %d", req.ID)
			continue
		}
		if err := d.cfg.Queue.EnqueueResp(resp); err != nil {
			log.Errorf("[SIM] failed to enqueue response: %v", err)
			continue
		}
		responded = true
	}

	if responded && d.cfg.Notify != nil {
		if err := d.cfg.Notify(); err != nil {
			log.Errorf("[SIM] failed to notify virtualiser: %v", err)
		}
	}

	return served
}

func (d *Driver) serve(req queue.Request) queue.Response {
	n := uint64(req.Count) * d.cfg.TransferSize

	switch req.Code {
	case queue.Read, queue.Write:
		off := req.Addr - d.cfg.PhysBase
		diskOff := uint64(req.Block) * d.cfg.TransferSize

		if req.Addr < d.cfg.PhysBase || off+n > uint64(len(d.cfg.Data)) ||
			diskOff+n > uint64(len(d.cfg.Disk)) {
			return queue.Response{Status: queue.IOError, Count: 0, ID: req.ID}
		}

		if req.Code == queue.Read {
			copy(d.cfg.Data[off:off+n], d.cfg.Disk[diskOff:diskOff+n])
		} else {
			if d.cfg.ReadOnly {
				return queue.Response{Status: queue.IOError, Count: 0, ID: req.ID}
			}
			copy(d.cfg.Disk[diskOff:diskOff+n], d.cfg.Data[off:off+n])
		}

	case queue.Flush, queue.Barrier:
		// nothing to do against a byte slice

	default:
		return queue.Response{Status: queue.InvalidParam, Count: 0, ID: req.ID}
	}

	return queue.Response{Status: queue.OK, Count: req.Count, ID: req.ID}
}

// Partition describes one primary partition for Format.
type Partition struct {
	LBAStart uint32
	Sectors  uint32
}

// Format writes an MBR with the given primary partitions into the first
// sector of disk. Partition type is set to a generic Linux type.
func Format(disk []byte, parts []Partition) error {
	var table mbr.MBR
	table.Signature = mbr.Signature

	if len(parts) > mbr.MaxPrimaryPartitions {
		parts = parts[:mbr.MaxPrimaryPartitions]
	}
	for i, p := range parts {
		table.Partitions[i] = mbr.Partition{
			Status:   0x00,
			Type:     0x83,
			LBAStart: p.LBAStart,
			Sectors:  p.Sectors,
		}
	}

	return mbr.Encode(&table, disk)
}
