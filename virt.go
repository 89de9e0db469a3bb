// Package blkvirt multiplexes a single block device driver across a fixed
// set of mutually untrusting clients, exposing to each a private virtual
// disk carved out of one MBR partition.
//
// The virtualiser sits between the driver's shared-memory queue pair and
// one queue pair per client. It translates client-local block numbers to
// driver-global ones, bounces payloads through a DMA-capable buffer pool
// with explicit cache maintenance, correlates driver responses back to
// their issuing clients, and tracks the driver's readiness lifecycle.
//
// All state is owned by a single event loop: the host invokes Notified
// with a channel identifier whenever the driver, a client, or the driver
// state mechanism signals, and the handler runs to completion. Nothing
// here blocks; queues and allocators report full/empty and the handler
// returns to the loop to be woken again.
package blkvirt

import (
	"context"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/behrlich/go-blkvirt/internal/constants"
	"github.com/behrlich/go-blkvirt/internal/fsmalloc"
	"github.com/behrlich/go-blkvirt/internal/ialloc"
	"github.com/behrlich/go-blkvirt/internal/notify"
	"github.com/behrlich/go-blkvirt/internal/queue"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

// VirtStatus is the readiness state of the virtualiser
type VirtStatus int

const (
	// VirtInactive means the driver is down; clients see ready=false
	VirtInactive VirtStatus = iota

	// VirtBringup means the driver is up and partition discovery is in
	// flight
	VirtBringup

	// VirtReady means partitions are published and requests flow
	VirtReady
)

func (s VirtStatus) String() string {
	switch s {
	case VirtInactive:
		return "inactive"
	case VirtBringup:
		return "bringup"
	case VirtReady:
		return "ready"
	}
	return "unknown"
}

// reqbk is the bookkeeping kept per in-flight driver request so the
// response can be routed back and resources released. Entries are
// addressed by the driver-side request ID.
type reqbk struct {
	cliID    uint32
	cliReqID uint32
	cliOff   uint64
	drvAddr  uint64
	count    uint16
	code     queue.Code
}

type clientState struct {
	queue  *queue.Handle
	info   *storage.Info
	data   []byte
	notify Notifier

	// partition geometry in device sectors, set by discovery
	startSector uint32
	sectors     uint32
}

// Virtualizer is the block virtualiser state bundle. It is not safe for
// concurrent use: exactly one goroutine may call Notified/Serve.
type Virtualizer struct {
	params Params

	drvQueue  *queue.Handle
	drvInfo   *storage.Info
	drvData   *DMARegion
	drvNotify Notifier

	clients []clientState

	pool  *fsmalloc.Pool
	ids   *ialloc.Allocator
	reqbk []reqbk

	status VirtStatus
	policy policyState

	metrics  *Metrics
	observer Observer
}

// New creates a virtualiser over pre-mapped shared memory resources.
func New(params Params, driver DriverResources, clients []ClientResources, options *Options) (*Virtualizer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(clients) != params.NumClients {
		return nil, NewError("new", ErrCodeInvalidParameters, "one ClientResources per client required")
	}
	if driver.Queue == nil || driver.Info == nil || driver.Data == nil || driver.Notify == nil {
		return nil, NewError("new", ErrCodeInvalidParameters, "incomplete driver resources")
	}

	buffers := driver.Data.Size() / params.TransferSize
	if buffers == 0 {
		return nil, NewError("new", ErrCodeInvalidParameters, "driver data region smaller than one transfer unit")
	}

	v := &Virtualizer{
		params:    params,
		drvQueue:  driver.Queue,
		drvInfo:   driver.Info,
		drvData:   driver.Data,
		drvNotify: driver.Notify,
		clients:   make([]clientState, len(clients)),
		pool:      fsmalloc.New(driver.Data.VirtBase(), params.TransferSize, uint32(buffers)),
		ids:       ialloc.New(params.DriverQueueSize),
		reqbk:     make([]reqbk, params.DriverQueueSize),
		status:    VirtInactive,
		metrics:   NewMetrics(),
	}

	for i, c := range clients {
		if c.Queue == nil || c.Info == nil || c.Notify == nil {
			return nil, NewClientError("new", i, ErrCodeInvalidParameters, "incomplete client resources")
		}
		v.clients[i] = clientState{
			queue:  c.Queue,
			info:   c.Info,
			data:   c.Data,
			notify: c.Notify,
		}
	}

	v.observer = NewMetricsObserver(v.metrics)
	if options != nil && options.Observer != nil {
		v.observer = options.Observer
	}

	return v, nil
}

// Metrics returns the virtualiser's metrics instance.
func (v *Virtualizer) Metrics() *Metrics {
	return v.metrics
}

// Status returns the current readiness state.
func (v *Virtualizer) Status() VirtStatus {
	return v.status
}

// StateCh returns the channel identifier carrying driver state-change
// events, placed after the last client channel.
func (v *Virtualizer) StateCh() int {
	return constants.CliChOffset + len(v.clients)
}

// clientCh returns the client index for a channel, or -1.
func (v *Virtualizer) clientCh(ch int) int {
	i := ch - constants.CliChOffset
	if i < 0 || i >= len(v.clients) {
		return -1
	}
	return i
}

// mustNil enforces a protocol invariant. Queue and allocator operations
// that the state machine guarantees cannot fail are checked anyway; a
// failure here is a programming fault, not a runtime condition.
func (v *Virtualizer) mustNil(err error, what string) {
	if err == nil {
		return
	}
	log.Errorf("[VIRT] invariant violated while %s: %v", what, err)
	panic(fmt.Sprintf("blkvirt: %s: %v", what, err))
}

// Start performs the startup handshake: it polls for driver readiness
// (the only blocking wait in the component) and then runs the driver
// state handler, which kicks off partition discovery. Call once before
// the first Notified.
func (v *Virtualizer) Start() {
	for !v.drvInfo.Ready() {
		runtime.Gosched()
	}
	v.handleDriverState()
}

// Notified is the single event entry point. ch identifies the channel
// that signalled: the driver channel, a client channel, or the state
// channel. The handler processes all currently available work on that
// channel and returns; it never blocks.
func (v *Virtualizer) Notified(ch int) {
	if ch == v.StateCh() {
		v.handleDriverState()
		return
	}

	switch v.status {
	case VirtBringup:
		if ch != constants.DriverCh {
			// ignore client traffic until partitions are published
			return
		}
		if v.policyStep() {
			// keep in sync with handleDriverState
			v.status = VirtReady
			v.notifyClientsState()
		}

	case VirtInactive:
		return

	case VirtReady:
		if ch == constants.DriverCh {
			v.handleDriverQueue()
			return
		}
		if v.clientCh(ch) < 0 {
			log.Errorf("[VIRT] notification on unknown channel %d", ch)
			return
		}
		for i := range v.clients {
			v.handleClient(i)
		}
		v.notifyDriver()
	}
}

// handleDriverState reacts to a driver state-change event. A state event
// must be treated as if the device went down-then-up even when only the
// up state is observed, which collapses the four ready-flag combinations
// into the two tracked outcomes.
func (v *Virtualizer) handleDriverState() {
	driverReady := v.drvInfo.Ready()

	if driverReady {
		v.reset()
		v.status = VirtBringup
		if v.policyStep() {
			// keep in sync with Notified
			v.status = VirtReady
			v.notifyClientsState()
		}
	} else {
		v.status = VirtInactive
		v.reset()
		v.notifyClientsState()
	}

	log.Debugf("[VIRT] driver state change handled: driver ready=%v status=%s", driverReady, v.status)
}

// reset clears everything a driver down/up cycle invalidates: the
// bookkeeping table, the bounce pool, the ID allocator, the client
// partition descriptors and the discovery state machine. Idempotent.
func (v *Virtualizer) reset() {
	for i := range v.reqbk {
		v.reqbk[i] = reqbk{}
	}
	v.pool.Reset()
	v.ids.Reset()
	for i := range v.clients {
		v.clients[i].startSector = 0
		v.clients[i].sectors = 0
	}
	v.policy.reset()
	v.observer.ObserveReset()
}

// notifyClientsState publishes the readiness flag to every client. A
// client sees ready=true only when the driver is ready and discovery
// succeeded.
func (v *Virtualizer) notifyClientsState() {
	ready := v.status == VirtReady && v.drvInfo.Ready()
	for i := range v.clients {
		v.clients[i].info.SetReady(ready)
	}
}

func (v *Virtualizer) notifyDriver() {
	if err := v.drvNotify.Notify(); err != nil {
		log.Errorf("[VIRT] failed to notify driver: %v", err)
	}
}

func (v *Virtualizer) notifyClient(ci int) {
	if err := v.clients[ci].notify.Notify(); err != nil {
		log.Errorf("[VIRT] failed to notify client %d: %v", ci, err)
	}
}

// respond synthesises or forwards a response to a client. A full client
// response ring drops the response: the client's resources are already
// released and a stalled client must not block others.
func (v *Virtualizer) respond(ci int, resp queue.Response) {
	c := &v.clients[ci]
	if c.queue.FullResp() {
		log.Debugf("[VIRT] client %d response queue full, dropping response %d", ci, resp.ID)
		v.observer.ObserveDrop()
		return
	}
	err := c.queue.EnqueueResp(resp)
	v.mustNil(err, "enqueueing client response")
	v.notifyClient(ci)
}

// rejectInvalid consumes the head request and synthesises an
// InvalidParam response for it.
func (v *Virtualizer) rejectInvalid(ci int, req queue.Request) {
	_, err := v.clients[ci].queue.DequeueReq()
	v.mustNil(err, "consuming rejected request")
	v.observer.ObserveReject(req.Code)
	v.respond(ci, queue.Response{Status: queue.InvalidParam, Count: 0, ID: req.ID})
}

// handleClient moves requests from one client's request ring to the
// driver ring until the ring drains or admission control halts. Under
// back-pressure the head request stays in the client ring; nothing is
// dropped on this path.
func (v *Virtualizer) handleClient(ci int) {
	c := &v.clients[ci]
	regionSize := uint64(len(c.data))

	for {
		req, err := c.queue.PeekReq()
		if err != nil {
			return
		}

		drvBlock := uint32(0)
		transfer := uint64(req.Count) * v.params.TransferSize

		if req.Code == queue.Read || req.Code == queue.Write {
			block, err := v.drvBlockNumber(req.Block, req.Count, ci)
			if err != nil {
				log.Errorf("[VIRT] client %d request for block %d is out of bounds", ci, req.Block)
				v.rejectInvalid(ci, req)
				continue
			}
			drvBlock = block

			if req.Addr%v.params.TransferSize != 0 || req.Addr+transfer > regionSize {
				log.Errorf("[VIRT] client %d request offset %#x is invalid", ci, req.Addr)
				v.rejectInvalid(ci, req)
				continue
			}

			if req.Count == 0 {
				log.Errorf("[VIRT] client %d requested zero blocks", ci)
				v.rejectInvalid(ci, req)
				continue
			}
		}

		drvAddr := uint64(0)

		switch req.Code {
		case queue.Read, queue.Write:
			if v.drvQueue.FullReq() || v.ids.Full() || v.pool.Full(uint32(req.Count)) {
				v.observer.ObserveStall()
				return
			}

			addr, err := v.pool.Alloc(uint32(req.Count))
			v.mustNil(err, "allocating bounce buffers")
			drvAddr = addr

			if req.Code == queue.Write {
				dst, err := v.drvData.Slice(drvAddr, transfer)
				v.mustNil(err, "slicing bounce buffers")
				copy(dst, c.data[req.Addr:req.Addr+transfer])
				v.drvData.PrepareForDevice(drvAddr, transfer)
			}

		case queue.Flush, queue.Barrier:
			if v.drvQueue.FullReq() || v.ids.Full() {
				v.observer.ObserveStall()
				return
			}

		default:
			log.Errorf("[VIRT] client %d gave an invalid request code %d", ci, req.Code)
			v.rejectInvalid(ci, req)
			continue
		}

		// admission granted; consume the request and bookkeep it
		_, err = c.queue.DequeueReq()
		v.mustNil(err, "consuming admitted request")

		drvReqID, err := v.ids.Alloc()
		v.mustNil(err, "allocating driver request ID")
		v.reqbk[drvReqID] = reqbk{
			cliID:    uint32(ci),
			cliReqID: req.ID,
			cliOff:   req.Addr,
			drvAddr:  drvAddr,
			count:    req.Count,
			code:     req.Code,
		}

		drvPhys := uint64(0)
		if req.Code == queue.Read || req.Code == queue.Write {
			drvPhys, err = v.drvData.PhysAddr(drvAddr)
			v.mustNil(err, "translating bounce buffers")
		}

		err = v.drvQueue.EnqueueReq(queue.Request{
			Code:  req.Code,
			Addr:  drvPhys,
			Block: drvBlock,
			Count: req.Count,
			ID:    drvReqID,
		})
		v.mustNil(err, "enqueueing driver request")
	}
}

// handleDriverQueue drains the driver response ring, releases the
// resources each completion pins, and forwards the response to the
// issuing client. Clients are notified once per response; responses for
// different clients do not coalesce.
func (v *Virtualizer) handleDriverQueue() {
	for !v.drvQueue.EmptyResp() {
		resp, err := v.drvQueue.DequeueResp()
		v.mustNil(err, "dequeueing driver response")

		if resp.ID >= uint32(len(v.reqbk)) || !v.ids.Live(resp.ID) {
			v.mustNil(NewError("demux", ErrCodeProtocol, "driver response with unknown ID"), "matching driver response")
		}
		bk := v.reqbk[resp.ID]

		err = v.ids.Release(resp.ID)
		v.mustNil(err, "releasing driver request ID")

		// release bounce buffers whether the request succeeded or not
		switch bk.code {
		case queue.Read, queue.Write:
			err = v.pool.Free(bk.drvAddr, uint32(bk.count))
			v.mustNil(err, "freeing bounce buffers")
		}

		transfer := uint64(bk.count) * v.params.TransferSize
		success := resp.Status == queue.OK
		v.observer.ObserveComplete(bk.code, transfer, success)

		ci := int(bk.cliID)
		c := &v.clients[ci]

		if c.queue.FullResp() {
			log.Debugf("[VIRT] client %d response queue full, dropping response %d", ci, bk.cliReqID)
			v.observer.ObserveDrop()
			continue
		}

		if success && bk.code == queue.Read {
			// the device wrote the buffer; discard stale cache lines
			// before copying out to the client
			v.drvData.PrepareForCPU(bk.drvAddr, transfer)
			src, err := v.drvData.Slice(bk.drvAddr, transfer)
			v.mustNil(err, "slicing completed read")
			copy(c.data[bk.cliOff:bk.cliOff+transfer], src)
		}

		err = c.queue.EnqueueResp(queue.Response{
			Status: resp.Status,
			Count:  resp.Count,
			ID:     bk.cliReqID,
		})
		v.mustNil(err, "enqueueing client response")

		v.notifyClient(ci)
	}
}

// Serve runs the event loop: it performs the startup handshake, then
// blocks on the waiter and dispatches each notification to Notified
// until the context is cancelled. The waiter must already have the
// driver, state and client doorbells registered.
func (v *Virtualizer) Serve(ctx context.Context, w notify.Waiter) error {
	const wakeCh = -1

	stop, err := notify.NewDoorbell()
	if err != nil {
		return WrapError("serve", err)
	}
	defer stop.Close()

	if err := w.Register(wakeCh, stop); err != nil {
		return WrapError("serve", err)
	}

	go func() {
		<-ctx.Done()
		stop.Notify() //nolint:errcheck // best effort wakeup
	}()

	v.Start()

	for {
		ch, err := w.Wait()
		if err != nil {
			return WrapError("serve", err)
		}
		if ch == wakeCh {
			return ctx.Err()
		}
		v.Notified(ch)
	}
}
