package blkvirt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-blkvirt/internal/queue"
)

// partitionByteOffset is where the single test partition starts in the
// simulated disk (sector 2048 of 512-byte sectors).
const partitionByteOffset = 2048 * 512

const transfer = DefaultTransferSize

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i%31)
	}
}

func TestHappyPathRead(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	// plant known bytes in the first block of the partition
	want := make([]byte, transfer)
	fill(want, 0x5a)
	copy(h.Disk()[partitionByteOffset:], want)

	notified := h.DriverNotified
	require.NoError(t, h.Enqueue(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: 7}))
	h.NotifyClientCh(0)

	// the driver must see a translated, bounce-buffered request
	drvReq, err := h.DriverQueue().PeekReq()
	require.NoError(t, err)
	assert.Equal(t, Read, drvReq.Code)
	assert.Equal(t, uint32(256), drvReq.Block)
	assert.Equal(t, uint16(1), drvReq.Count)
	assert.Equal(t, uint64(simPhysBase), drvReq.Addr, "first bounce buffer starts at the pool base")
	assert.Equal(t, notified+1, h.DriverNotified)

	h.PumpDriver()

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: OK, Count: 1, ID: 7}, resp)
	assert.Equal(t, 1, h.ClientNotified[0])
	assert.True(t, bytes.Equal(h.ClientData(0)[:transfer], want))
}

func TestWriteRoundTrip(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	want := make([]byte, 2*transfer)
	fill(want, 0x11)
	copy(h.ClientData(0)[transfer:], want) // client offset one transfer unit

	require.NoError(t, h.Submit(0, Request{
		Code: Write, Addr: transfer, Block: 4, Count: 2, ID: 21,
	}))
	h.PumpDriver()

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: OK, Count: 2, ID: 21}, resp)

	got := h.Disk()[partitionByteOffset+4*transfer : partitionByteOffset+6*transfer]
	assert.True(t, bytes.Equal(got, want))
}

func TestOutOfBoundsRead(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	// block 256 is exactly one past the last valid block
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 256, Count: 1, ID: 9}))

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: InvalidParam, Count: 0, ID: 9}, resp)
	assert.True(t, h.DriverQueue().EmptyReq(), "driver must receive nothing")

	// the last valid block is accepted
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 255, Count: 1, ID: 10}))
	h.PumpDriver()
	resp, ok = h.Response(0)
	require.True(t, ok)
	assert.Equal(t, OK, resp.Status)
}

func TestZeroCountRejected(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	require.NoError(t, h.Submit(0, Request{Code: Write, Addr: 0, Block: 0, Count: 0, ID: 3}))

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: InvalidParam, Count: 0, ID: 3}, resp)
	assert.True(t, h.DriverQueue().EmptyReq())
}

func TestOffsetValidation(t *testing.T) {
	cfg := singlePartition()
	cfg.ClientDataUnits = 16
	h := newHarness(t, cfg)
	h.Bringup()

	regionSize := uint64(len(h.ClientData(0)))

	// misaligned offset
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 123, Block: 0, Count: 1, ID: 1}))
	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, InvalidParam, resp.Status)

	// last fitting offset is accepted
	require.NoError(t, h.Submit(0, Request{
		Code: Read, Addr: regionSize - transfer, Block: 0, Count: 1, ID: 2,
	}))
	h.PumpDriver()
	resp, ok = h.Response(0)
	require.True(t, ok)
	assert.Equal(t, OK, resp.Status)

	// one transfer unit beyond the region is rejected
	require.NoError(t, h.Submit(0, Request{
		Code: Read, Addr: regionSize, Block: 0, Count: 1, ID: 3,
	}))
	resp, ok = h.Response(0)
	require.True(t, ok)
	assert.Equal(t, InvalidParam, resp.Status)
}

func TestUnknownCodeRejected(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	require.NoError(t, h.Submit(0, Request{Code: Code(9), ID: 44}))

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: InvalidParam, Count: 0, ID: 44}, resp)
}

func TestFlushAndBarrier(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	poolFree := h.Virt.pool.FreeCells()

	require.NoError(t, h.Enqueue(0, Request{Code: Flush, ID: 1}))
	require.NoError(t, h.Enqueue(0, Request{Code: Barrier, ID: 2}))
	h.NotifyClientCh(0)

	// no bounce buffers are consumed for flush or barrier
	assert.Equal(t, poolFree, h.Virt.pool.FreeCells())

	h.PumpDriver()

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: OK, Count: 0, ID: 1}, resp)
	resp, ok = h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: OK, Count: 0, ID: 2}, resp)
}

func TestBackpressure(t *testing.T) {
	cfg := singlePartition()
	cfg.DriverBuffers = 4
	h := newHarness(t, cfg)
	h.Bringup()

	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, h.Enqueue(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: id}))
	}
	h.NotifyClientCh(0)

	// the first four fit the bounce pool; the fifth stays queued
	assert.True(t, h.Virt.pool.Full(1))
	assert.False(t, h.ClientQueue(0).EmptyReq())
	assert.Equal(t, uint64(1), h.Virt.Metrics().BackpressureStalls.Load())

	h.PumpDriver()
	for id := uint32(1); id <= 4; id++ {
		resp, ok := h.Response(0)
		require.True(t, ok)
		assert.Equal(t, id, resp.ID)
		assert.Equal(t, OK, resp.Status)
	}

	// capacity reopened; the next client wake forwards the fifth request
	h.NotifyClientCh(0)
	assert.True(t, h.ClientQueue(0).EmptyReq())
	h.PumpDriver()

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: OK, Count: 1, ID: 5}, resp)

	// every buffer and ID is back
	assert.Equal(t, uint32(4), h.Virt.pool.FreeCells())
	assert.Equal(t, h.Virt.ids.Size(), h.Virt.ids.Available())
}

func TestResponseQueueFullDrops(t *testing.T) {
	cfg := singlePartition()
	cfg.ClientQueueSize = 8
	cfg.DriverBuffers = 8
	h := newHarness(t, cfg)
	h.Bringup()

	// four rejects pre-fill the response ring
	for id := uint32(1); id <= 4; id++ {
		require.NoError(t, h.Enqueue(0, Request{Code: Read, Addr: 0, Block: 0, Count: 0, ID: id}))
	}
	h.NotifyClientCh(0)

	// eight reads in flight; their completions overflow the ring
	for id := uint32(10); id < 18; id++ {
		require.NoError(t, h.Enqueue(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: id}))
	}
	h.NotifyClientCh(0)
	h.PumpDriver()

	assert.Equal(t, uint64(4), h.Virt.Metrics().ResponsesDropped.Load())

	// dropped or not, every resource is back
	assert.Equal(t, uint32(8), h.Virt.pool.FreeCells())
	assert.Equal(t, h.Virt.ids.Size(), h.Virt.ids.Available())

	// and the virtualiser still serves once the client drains
	for {
		if _, ok := h.Response(0); !ok {
			break
		}
	}
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: 99}))
	h.PumpDriver()
	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: OK, Count: 1, ID: 99}, resp)
}

func TestDriverErrorPassthrough(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	h.Driver.InjectError(queue.IOError)
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: 5}))
	h.PumpDriver()

	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, Response{Status: IOError, Count: 0, ID: 5}, resp)

	// resources are released on failure too
	assert.Equal(t, uint32(16), h.Virt.pool.FreeCells())
	assert.Equal(t, h.Virt.ids.Size(), h.Virt.ids.Available())
	assert.Equal(t, uint64(1), h.Virt.Metrics().DriverErrors.Load())
}

func TestDriverDownUpCycle(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	// park an in-flight request the driver never answers
	h.Driver.Withhold(1)
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: 1}))
	h.PumpDriver()

	assert.Equal(t, uint32(15), h.Virt.pool.FreeCells(), "withheld request pins its buffer")
	assert.Equal(t, h.Virt.ids.Size()-1, h.Virt.ids.Available())

	// driver goes down: clients lose ready, everything is reclaimed
	h.SetDriverReady(false)
	assert.Equal(t, VirtInactive, h.Virt.Status())
	assert.False(t, h.ClientReady(0))
	assert.Equal(t, uint32(16), h.Virt.pool.FreeCells())
	assert.Equal(t, h.Virt.ids.Size(), h.Virt.ids.Available())

	// driver comes back: discovery reruns and clients recover
	h.SetDriverReady(true)
	assert.Equal(t, VirtBringup, h.Virt.Status())
	h.PumpDriver()
	assert.Equal(t, VirtReady, h.Virt.Status())
	assert.True(t, h.ClientReady(0))

	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: 2}))
	h.PumpDriver()
	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, OK, resp.Status)
}

func TestTwoClientsIsolated(t *testing.T) {
	params := DefaultParams()
	params.NumClients = 2
	params.Mapping = []int{0, 1}

	h := newHarness(t, SimConfig{
		Params: params,
		Partitions: []SimPartition{
			{LBAStart: 2048, Sectors: 2048},
			{LBAStart: 4096, Sectors: 4096},
		},
	})
	h.Bringup()

	assert.Equal(t, uint64(256), h.ClientInfo(0).Capacity())
	assert.Equal(t, uint64(512), h.ClientInfo(1).Capacity())

	// each client writes block 0 of its own disk
	fill(h.ClientData(0)[:transfer], 0xa0)
	fill(h.ClientData(1)[:transfer], 0xb0)
	require.NoError(t, h.Submit(0, Request{Code: Write, Addr: 0, Block: 0, Count: 1, ID: 1}))
	require.NoError(t, h.Submit(1, Request{Code: Write, Addr: 0, Block: 0, Count: 1, ID: 1}))
	h.PumpDriver()

	disk := h.Disk()
	assert.True(t, bytes.Equal(disk[2048*512:2048*512+transfer], h.ClientData(0)[:transfer]))
	assert.True(t, bytes.Equal(disk[4096*512:4096*512+transfer], h.ClientData(1)[:transfer]))

	// client 0 cannot reach past its partition into client 1's
	require.NoError(t, h.Submit(0, Request{Code: Read, Addr: 0, Block: 256, Count: 1, ID: 2}))
	resp, ok := h.Response(0)
	require.True(t, ok)
	assert.Equal(t, InvalidParam, resp.Status)
}

func TestNotificationPerResponse(t *testing.T) {
	h := newHarness(t, singlePartition())
	h.Bringup()

	for id := uint32(1); id <= 3; id++ {
		require.NoError(t, h.Enqueue(0, Request{Code: Read, Addr: 0, Block: 0, Count: 1, ID: id}))
	}
	h.NotifyClientCh(0)
	h.PumpDriver()

	// one notification per response, not one per batch
	assert.Equal(t, 3, h.ClientNotified[0])
}

func TestNewValidation(t *testing.T) {
	_, err := New(Params{}, DriverResources{}, nil, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	params := DefaultParams()
	params.Mapping = nil
	_, err = New(params, DriverResources{}, nil, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}
