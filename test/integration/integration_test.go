//go:build linux

// Package integration exercises the full virtualiser stack end to end:
// real eventfd doorbells, the epoll waiter, the Serve loop in its own
// goroutine, and a simulated driver in another.
package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blkvirt "github.com/behrlich/go-blkvirt"
	"github.com/behrlich/go-blkvirt/internal/notify"
	"github.com/behrlich/go-blkvirt/internal/queue"
	"github.com/behrlich/go-blkvirt/internal/sim"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

const (
	transferSize = blkvirt.DefaultTransferSize
	sectorSize   = blkvirt.DefaultSectorSize
	queueSize    = 16

	virtBase = 0x40_0000
	physBase = 0x8000_0000
)

type deployment struct {
	virt    *blkvirt.Virtualizer
	driver  *sim.Driver
	waiter  notify.Waiter
	stateCh *notify.Doorbell

	cliQueue  *queue.Handle
	cliInfo   *storage.Info
	cliData   []byte
	cliSubmit *notify.Doorbell
	cliResp   *notify.Doorbell
}

func newDeployment(t *testing.T) *deployment {
	t.Helper()

	disk := make([]byte, 4*1024*1024)
	require.NoError(t, sim.Format(disk, []sim.Partition{{LBAStart: 2048, Sectors: 2048}}))

	d := &deployment{}

	drvQueue, err := queue.Init(
		make([]byte, queue.ReqRegionSize(queueSize)),
		make([]byte, queue.RespRegionSize(queueSize)),
		queueSize)
	require.NoError(t, err)
	drvInfo, err := storage.NewInfo(make([]byte, storage.InfoSize))
	require.NoError(t, err)
	drvData := make([]byte, 16*transferSize)

	d.waiter, err = notify.NewWaiter()
	require.NoError(t, err)
	t.Cleanup(func() { d.waiter.Close() })

	newBell := func() *notify.Doorbell {
		b, err := notify.NewDoorbell()
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	}

	// into the virtualiser
	virtDrvBell := newBell()
	cliBell := newBell()
	d.stateCh = newBell()
	require.NoError(t, d.waiter.Register(blkvirt.DriverCh, virtDrvBell))
	require.NoError(t, d.waiter.Register(blkvirt.CliChOffset, cliBell))
	d.cliSubmit = cliBell

	// out of the virtualiser
	drvBell := newBell()
	d.cliResp = newBell()

	d.driver = sim.New(sim.Config{
		Queue:        drvQueue,
		Info:         drvInfo,
		Data:         drvData,
		PhysBase:     physBase,
		Disk:         disk,
		TransferSize: transferSize,
		SectorSize:   sectorSize,
		Notify:       virtDrvBell.Notify,
	})

	// driver loop
	drvWaiter, err := notify.NewWaiter()
	require.NoError(t, err)
	t.Cleanup(func() { drvWaiter.Close() })
	require.NoError(t, drvWaiter.Register(0, drvBell))
	go func() {
		for {
			if _, err := drvWaiter.Wait(); err != nil {
				return
			}
			d.driver.Process()
		}
	}()

	d.cliQueue, err = queue.Init(
		make([]byte, queue.ReqRegionSize(queueSize)),
		make([]byte, queue.RespRegionSize(queueSize)),
		queueSize)
	require.NoError(t, err)
	d.cliInfo, err = storage.NewInfo(make([]byte, storage.InfoSize))
	require.NoError(t, err)
	d.cliData = make([]byte, 16*transferSize)

	params := blkvirt.Params{
		NumClients:      1,
		Mapping:         []int{0},
		TransferSize:    transferSize,
		SectorSize:      sectorSize,
		DriverQueueSize: queueSize,
	}

	d.virt, err = blkvirt.New(params, blkvirt.DriverResources{
		Queue:  drvQueue,
		Info:   drvInfo,
		Data:   blkvirt.NewDMARegion(virtBase, physBase, drvData, nil),
		Notify: drvBell,
	}, []blkvirt.ClientResources{{
		Queue:  d.cliQueue,
		Info:   d.cliInfo,
		Data:   d.cliData,
		Notify: d.cliResp,
	}}, nil)
	require.NoError(t, err)

	// register the state channel now that its identifier is known
	require.NoError(t, d.waiter.Register(d.virt.StateCh(), d.stateCh))

	return d
}

func (d *deployment) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !d.cliInfo.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("client never saw ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *deployment) roundTrip(t *testing.T, w notify.Waiter, id uint32, req queue.Request) queue.Response {
	t.Helper()
	require.NoError(t, d.cliQueue.EnqueueReq(req))
	require.NoError(t, d.cliSubmit.Notify())

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := d.cliQueue.DequeueResp()
		if err == nil {
			require.Equal(t, id, resp.ID)
			return resp
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for response %d", id)
		_, err = w.Wait()
		require.NoError(t, err)
	}
}

func TestServeEndToEnd(t *testing.T) {
	d := newDeployment(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	d.driver.SetReady(true)
	go func() {
		serveErr <- d.virt.Serve(ctx, d.waiter)
	}()

	d.waitReady(t)
	assert.Equal(t, uint64(256), d.cliInfo.Capacity())

	respWaiter, err := notify.NewWaiter()
	require.NoError(t, err)
	defer respWaiter.Close()
	require.NoError(t, respWaiter.Register(0, d.cliResp))

	// write a pattern, read it back through a different offset
	want := make([]byte, transferSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	copy(d.cliData, want)

	resp := d.roundTrip(t, respWaiter, 1, queue.Request{
		Code: queue.Write, Addr: 0, Block: 3, Count: 1, ID: 1,
	})
	assert.Equal(t, queue.OK, resp.Status)

	resp = d.roundTrip(t, respWaiter, 2, queue.Request{
		Code: queue.Read, Addr: transferSize, Block: 3, Count: 1, ID: 2,
	})
	assert.Equal(t, queue.OK, resp.Status)
	assert.True(t, bytes.Equal(d.cliData[transferSize:2*transferSize], want))

	// out of bounds is rejected without touching the driver
	resp = d.roundTrip(t, respWaiter, 3, queue.Request{
		Code: queue.Read, Addr: 0, Block: 256, Count: 1, ID: 3,
	})
	assert.Equal(t, queue.InvalidParam, resp.Status)

	cancel()
	select {
	case err := <-serveErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	snap := d.virt.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.WritesCompleted)
	assert.Equal(t, uint64(1), snap.ReadsCompleted)
	assert.Equal(t, uint64(1), snap.RequestsRejected)
}

func TestServeDriverStateCycle(t *testing.T) {
	d := newDeployment(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	d.driver.SetReady(true)
	go func() {
		serveErr <- d.virt.Serve(ctx, d.waiter)
	}()

	d.waitReady(t)

	// driver drops off: the ready flag must be withdrawn
	d.driver.SetReady(false)
	require.NoError(t, d.stateCh.Notify())

	deadline := time.Now().Add(5 * time.Second)
	for d.cliInfo.Ready() {
		require.False(t, time.Now().After(deadline), "ready flag never withdrawn")
		time.Sleep(time.Millisecond)
	}

	// and restored after the driver returns
	d.driver.SetReady(true)
	require.NoError(t, d.stateCh.Notify())
	d.waitReady(t)

	cancel()
	select {
	case err := <-serveErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
