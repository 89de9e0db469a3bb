// blkvirt-sim runs the block virtualiser against a simulated in-memory
// driver, with one goroutine per client issuing I/O over real eventfd
// doorbells. It exists to exercise the full data path outside of tests.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	blkvirt "github.com/behrlich/go-blkvirt"
	"github.com/behrlich/go-blkvirt/internal/notify"
	"github.com/behrlich/go-blkvirt/internal/queue"
	"github.com/behrlich/go-blkvirt/internal/sim"
	"github.com/behrlich/go-blkvirt/internal/storage"
)

const (
	transferSize = blkvirt.DefaultTransferSize
	sectorSize   = blkvirt.DefaultSectorSize
	queueSize    = 32
	dataUnits    = 32

	virtBase = 0x40_0000
	physBase = 0x8000_0000
)

func main() {
	var (
		numClients = flag.Int("clients", 2, "Number of simulated clients")
		partMiB    = flag.Int("part-size", 4, "Partition size in MiB")
		ops        = flag.Int("ops", 8, "Write/read round trips per client")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(*numClients, *partMiB, *ops); err != nil {
		log.Errorf("blkvirt-sim: %v", err)
		os.Exit(1)
	}
}

func run(numClients, partMiB, ops int) error {
	ratio := uint32(transferSize / sectorSize)
	partSectors := uint32(partMiB) * 1024 * 1024 / sectorSize

	// one partition per client, packed after the first transfer unit
	parts := make([]sim.Partition, numClients)
	mapping := make([]int, numClients)
	start := ratio
	for i := range parts {
		parts[i] = sim.Partition{LBAStart: start, Sectors: partSectors}
		mapping[i] = i
		start += partSectors
	}

	disk := make([]byte, (uint64(start)+uint64(ratio))*sectorSize)
	if err := sim.Format(disk, parts); err != nil {
		return err
	}

	params := blkvirt.Params{
		NumClients:      numClients,
		Mapping:         mapping,
		TransferSize:    transferSize,
		SectorSize:      sectorSize,
		DriverQueueSize: queueSize,
	}

	// driver resources
	drvQueue, err := queue.Init(
		make([]byte, queue.ReqRegionSize(queueSize)),
		make([]byte, queue.RespRegionSize(queueSize)),
		queueSize)
	if err != nil {
		return err
	}
	drvInfo, err := storage.NewInfo(make([]byte, storage.InfoSize))
	if err != nil {
		return err
	}
	drvData := make([]byte, 64*transferSize)

	// doorbells into the virtualiser
	waiter, err := notify.NewWaiter()
	if err != nil {
		return err
	}
	defer waiter.Close()

	virtDrvBell, err := notify.NewDoorbell()
	if err != nil {
		return err
	}
	if err := waiter.Register(blkvirt.DriverCh, virtDrvBell); err != nil {
		return err
	}

	cliBells := make([]*notify.Doorbell, numClients)
	for i := range cliBells {
		if cliBells[i], err = notify.NewDoorbell(); err != nil {
			return err
		}
		if err := waiter.Register(blkvirt.CliChOffset+i, cliBells[i]); err != nil {
			return err
		}
	}

	// doorbells out of the virtualiser
	drvBell, err := notify.NewDoorbell()
	if err != nil {
		return err
	}
	respBells := make([]*notify.Doorbell, numClients)
	for i := range respBells {
		if respBells[i], err = notify.NewDoorbell(); err != nil {
			return err
		}
	}

	driver := sim.New(sim.Config{
		Queue:        drvQueue,
		Info:         drvInfo,
		Data:         drvData,
		PhysBase:     physBase,
		Disk:         disk,
		TransferSize: transferSize,
		SectorSize:   sectorSize,
		Notify:       virtDrvBell.Notify,
	})

	clients := make([]blkvirt.ClientResources, numClients)
	cliQueues := make([]*queue.Handle, numClients)
	cliInfos := make([]*storage.Info, numClients)
	cliData := make([][]byte, numClients)
	for i := range clients {
		cliQueues[i], err = queue.Init(
			make([]byte, queue.ReqRegionSize(queueSize)),
			make([]byte, queue.RespRegionSize(queueSize)),
			queueSize)
		if err != nil {
			return err
		}
		if cliInfos[i], err = storage.NewInfo(make([]byte, storage.InfoSize)); err != nil {
			return err
		}
		cliData[i] = make([]byte, dataUnits*transferSize)
		clients[i] = blkvirt.ClientResources{
			Queue:  cliQueues[i],
			Info:   cliInfos[i],
			Data:   cliData[i],
			Notify: respBells[i],
		}
	}

	v, err := blkvirt.New(params, blkvirt.DriverResources{
		Queue:  drvQueue,
		Info:   drvInfo,
		Data:   blkvirt.NewDMARegion(virtBase, physBase, drvData, nil),
		Notify: drvBell,
	}, clients, nil)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(blkvirt.NewCollector(v.Metrics()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// driver loop: wake on the virtualiser's doorbell, serve, ring back
	drvWaiter, err := notify.NewWaiter()
	if err != nil {
		return err
	}
	defer drvWaiter.Close()
	if err := drvWaiter.Register(0, drvBell); err != nil {
		return err
	}
	go func() {
		for {
			if _, err := drvWaiter.Wait(); err != nil {
				return
			}
			driver.Process()
		}
	}()

	driver.SetReady(true)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- v.Serve(ctx, waiter)
	}()

	log.Infof("blkvirt-sim: %d clients, %d MiB partitions, %d ops each", numClients, partMiB, ops)

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(ci int) {
			defer wg.Done()
			if err := runClient(ci, ops, cliQueues[ci], cliInfos[ci], cliData[ci], cliBells[ci], respBells[ci]); err != nil {
				log.Errorf("client %d: %v", ci, err)
			}
		}(i)
	}
	wg.Wait()

	cancel()
	if err := <-serveErr; err != nil && err != context.Canceled {
		log.Warnf("serve: %v", err)
	}

	snap := v.Metrics().Snapshot()
	log.Infof("reads=%d writes=%d bytes_read=%d bytes_written=%d rejected=%d dropped=%d",
		snap.ReadsCompleted, snap.WritesCompleted, snap.BytesRead, snap.BytesWritten,
		snap.RequestsRejected, snap.ResponsesDropped)

	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		log.Debugf("metric family %s: %d series", mf.GetName(), len(mf.GetMetric()))
	}

	return nil
}

// runClient writes a per-client pattern to the first blocks of its
// virtual disk, reads it back and verifies the round trip.
func runClient(ci, ops int, q *queue.Handle, info *storage.Info, data []byte,
	submitBell, respBell *notify.Doorbell) error {

	for !info.Ready() {
		time.Sleep(time.Millisecond)
	}
	log.Debugf("client %d: ready, capacity %d units", ci, info.Capacity())

	w, err := notify.NewWaiter()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Register(0, respBell); err != nil {
		return err
	}

	reqID := uint32(0)
	for op := 0; op < ops; op++ {
		block := uint32(op) % uint32(info.Capacity())
		pattern := byte(ci*16 + op)

		// write the pattern out of data region offset 0
		for b := 0; b < transferSize; b++ {
			data[b] = pattern
		}
		reqID++
		if err := q.EnqueueReq(queue.Request{
			Code: queue.Write, Addr: 0, Block: block, Count: 1, ID: reqID,
		}); err != nil {
			return err
		}
		if err := submitBell.Notify(); err != nil {
			return err
		}
		if _, err := awaitResp(w, q, reqID); err != nil {
			return err
		}

		// read it back into data region offset one transfer unit
		reqID++
		if err := q.EnqueueReq(queue.Request{
			Code: queue.Read, Addr: transferSize, Block: block, Count: 1, ID: reqID,
		}); err != nil {
			return err
		}
		if err := submitBell.Notify(); err != nil {
			return err
		}
		if _, err := awaitResp(w, q, reqID); err != nil {
			return err
		}

		if !bytes.Equal(data[:transferSize], data[transferSize:2*transferSize]) {
			return fmt.Errorf("round trip mismatch at block %d", block)
		}
	}

	log.Infof("client %d: %d round trips verified", ci, ops)
	return nil
}

func awaitResp(w notify.Waiter, q *queue.Handle, id uint32) (queue.Response, error) {
	for {
		resp, err := q.DequeueResp()
		if err == nil {
			if resp.ID != id {
				return resp, fmt.Errorf("unexpected response ID %d (want %d)", resp.ID, id)
			}
			if resp.Status != queue.OK {
				return resp, fmt.Errorf("request %d failed: %s", id, resp.Status)
			}
			return resp, nil
		}
		if _, err := w.Wait(); err != nil {
			return queue.Response{}, err
		}
	}
}
