package blkvirt

import (
	"github.com/behrlich/go-blkvirt/internal/constants"
	"github.com/behrlich/go-blkvirt/internal/queue"
	"github.com/behrlich/go-blkvirt/internal/sim"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

// SimPartition describes one primary partition for a simulated disk.
type SimPartition struct {
	LBAStart uint32
	Sectors  uint32
}

// SimConfig shapes a simulated deployment.
type SimConfig struct {
	// Params for the virtualiser; zero value means DefaultParams
	Params Params

	// Partitions laid out in the simulated disk's MBR
	Partitions []SimPartition

	// DriverBuffers is the bounce pool size in transfer units (default 16)
	DriverBuffers uint32

	// ClientQueueSize is the per-client ring size in entries (default 8)
	ClientQueueSize uint32

	// ClientDataUnits is the per-client data region size in transfer
	// units (default 16)
	ClientDataUnits uint32

	// ReadOnly marks the simulated device read-only
	ReadOnly bool
}

// SimHarness wires a virtualiser to a simulated in-memory driver over
// real shared-memory rings, with function notifiers instead of host
// doorbells. It drives everything synchronously, which keeps tests
// deterministic: notifications are counted, and the test decides when
// each side runs.
type SimHarness struct {
	Params Params

	// Virt is the virtualiser under test
	Virt *Virtualizer

	// Driver is the simulated block driver
	Driver *sim.Driver

	// DriverNotified counts notifications the virtualiser sent the driver
	DriverNotified int

	// ClientNotified counts notifications per client
	ClientNotified []int

	clientQueues []*queue.Handle
	clientInfos  []*storage.Info
	clientData   [][]byte
	drvQueue     *queue.Handle
	disk         []byte
}

// Simulated address bases for the driver data region. Arbitrary but
// nonzero so address arithmetic bugs surface as range errors.
const (
	simVirtBase = 0x40_0000
	simPhysBase = 0x8000_0000
)

// NewSimHarness builds a simulated deployment. The disk is sized to
// cover the configured partitions and formatted with their MBR.
func NewSimHarness(cfg SimConfig) (*SimHarness, error) {
	params := cfg.Params
	if params.NumClients == 0 {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if cfg.DriverBuffers == 0 {
		cfg.DriverBuffers = 16
	}
	if cfg.ClientQueueSize == 0 {
		cfg.ClientQueueSize = 8
	}
	if cfg.ClientDataUnits == 0 {
		cfg.ClientDataUnits = 16
	}

	h := &SimHarness{
		Params:         params,
		ClientNotified: make([]int, params.NumClients),
	}

	// disk sized to the partition furthest out, rounded up to a transfer
	var endSector uint64
	for _, p := range cfg.Partitions {
		end := uint64(p.LBAStart) + uint64(p.Sectors)
		if end > endSector {
			endSector = end
		}
	}
	ratio := params.TransferSize / uint64(params.SectorSize)
	if rem := endSector % ratio; rem != 0 {
		endSector += ratio - rem
	}
	if endSector == 0 {
		endSector = ratio
	}
	h.disk = make([]byte, endSector*uint64(params.SectorSize))

	parts := make([]sim.Partition, len(cfg.Partitions))
	for i, p := range cfg.Partitions {
		parts[i] = sim.Partition{LBAStart: p.LBAStart, Sectors: p.Sectors}
	}
	if err := sim.Format(h.disk, parts); err != nil {
		return nil, WrapError("sim format", err)
	}

	// driver side resources
	drvReq := make([]byte, queue.ReqRegionSize(params.DriverQueueSize))
	drvResp := make([]byte, queue.RespRegionSize(params.DriverQueueSize))
	drvQueue, err := queue.Init(drvReq, drvResp, params.DriverQueueSize)
	if err != nil {
		return nil, WrapError("sim driver queue", err)
	}
	h.drvQueue = drvQueue

	drvInfo, err := storage.NewInfo(make([]byte, storage.InfoSize))
	if err != nil {
		return nil, WrapError("sim driver info", err)
	}

	drvData := make([]byte, uint64(cfg.DriverBuffers)*params.TransferSize)
	region := NewDMARegion(simVirtBase, simPhysBase, drvData, nil)

	h.Driver = sim.New(sim.Config{
		Queue:        drvQueue,
		Info:         drvInfo,
		Data:         drvData,
		PhysBase:     simPhysBase,
		Disk:         h.disk,
		TransferSize: params.TransferSize,
		SectorSize:   params.SectorSize,
		ReadOnly:     cfg.ReadOnly,
	})

	// client side resources
	clients := make([]ClientResources, params.NumClients)
	h.clientQueues = make([]*queue.Handle, params.NumClients)
	h.clientInfos = make([]*storage.Info, params.NumClients)
	h.clientData = make([][]byte, params.NumClients)
	for i := range clients {
		req := make([]byte, queue.ReqRegionSize(cfg.ClientQueueSize))
		resp := make([]byte, queue.RespRegionSize(cfg.ClientQueueSize))
		q, err := queue.Init(req, resp, cfg.ClientQueueSize)
		if err != nil {
			return nil, WrapError("sim client queue", err)
		}
		info, err := storage.NewInfo(make([]byte, storage.InfoSize))
		if err != nil {
			return nil, WrapError("sim client info", err)
		}
		data := make([]byte, uint64(cfg.ClientDataUnits)*params.TransferSize)

		h.clientQueues[i] = q
		h.clientInfos[i] = info
		h.clientData[i] = data

		ci := i
		clients[i] = ClientResources{
			Queue: q,
			Info:  info,
			Data:  data,
			Notify: NotifierFunc(func() error {
				h.ClientNotified[ci]++
				return nil
			}),
		}
	}

	v, err := New(params, DriverResources{
		Queue: drvQueue,
		Info:  drvInfo,
		Data:  region,
		Notify: NotifierFunc(func() error {
			h.DriverNotified++
			return nil
		}),
	}, clients, nil)
	if err != nil {
		return nil, err
	}
	h.Virt = v

	return h, nil
}

// Bringup marks the driver ready, runs the startup handshake and pumps
// the discovery exchange to completion.
func (h *SimHarness) Bringup() {
	h.Driver.SetReady(true)
	h.Virt.Start()
	h.PumpDriver()
}

// PumpDriver lets the simulated driver serve everything pending, then
// delivers the driver-channel notification to the virtualiser.
func (h *SimHarness) PumpDriver() int {
	n := h.Driver.Process()
	h.Virt.Notified(constants.DriverCh)
	return n
}

// SetDriverReady flips the driver readiness flag and delivers a state
// channel notification, as the host's state mechanism would.
func (h *SimHarness) SetDriverReady(ready bool) {
	h.Driver.SetReady(ready)
	h.Virt.Notified(h.Virt.StateCh())
}

// Submit enqueues a request on a client's ring and delivers that
// client's notification.
func (h *SimHarness) Submit(ci int, req Request) error {
	if err := h.clientQueues[ci].EnqueueReq(req); err != nil {
		return err
	}
	h.Virt.Notified(constants.CliChOffset + ci)
	return nil
}

// Enqueue appends a request to a client's ring without notifying.
func (h *SimHarness) Enqueue(ci int, req Request) error {
	return h.clientQueues[ci].EnqueueReq(req)
}

// NotifyClientCh delivers client ci's channel notification.
func (h *SimHarness) NotifyClientCh(ci int) {
	h.Virt.Notified(constants.CliChOffset + ci)
}

// Response pops the oldest response from a client's ring.
func (h *SimHarness) Response(ci int) (Response, bool) {
	resp, err := h.clientQueues[ci].DequeueResp()
	return resp, err == nil
}

// ClientReady reports the readiness flag published to a client.
func (h *SimHarness) ClientReady(ci int) bool {
	return h.clientInfos[ci].Ready()
}

// ClientInfo returns the storage record published to a client.
func (h *SimHarness) ClientInfo(ci int) *StorageInfo {
	return h.clientInfos[ci]
}

// ClientData returns a client's data region.
func (h *SimHarness) ClientData(ci int) []byte {
	return h.clientData[ci]
}

// ClientQueue returns a client's queue pair for direct assertions.
func (h *SimHarness) ClientQueue(ci int) *Queue {
	return h.clientQueues[ci]
}

// DriverQueue returns the driver queue pair for direct assertions.
func (h *SimHarness) DriverQueue() *Queue {
	return h.drvQueue
}

// Disk returns the simulated backing store.
func (h *SimHarness) Disk() []byte {
	return h.disk
}
