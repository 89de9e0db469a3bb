package blkvirt

import (
	log "github.com/sirupsen/logrus"

	"github.com/behrlich/go-blkvirt/internal/mbr"
	"github.com/behrlich/go-blkvirt/internal/queue"
)

// policyState is the partition discovery state machine. Discovery is a
// two-phase asynchronous exchange with the driver: phase one enqueues a
// READ of sector 0 and returns, phase two runs on the next driver
// notification and parses the reply.
type policyState struct {
	sentRequest bool
	mbrAddr     uint64
	mbrID       uint32
	table       mbr.MBR
}

// mbrReqCount is the number of transfer units read for the boot record.
// One unit always covers the 512-byte sector 0.
const mbrReqCount = 1

func (s *policyState) reset() {
	s.sentRequest = false
	s.mbrAddr = 0
	s.mbrID = 0
	s.table.Reset()
}

// policyStep advances discovery. It returns true once the partition
// table has been parsed and per-client storage info published; any
// failure leaves the virtualiser in Bringup with no automatic retry —
// the next driver down/up cycle restarts discovery.
func (v *Virtualizer) policyStep() bool {
	if !v.policy.sentRequest {
		v.requestMBR()
		v.policy.sentRequest = true
		return false
	}

	if !v.handleMBRReply() {
		return false
	}

	ok := v.partitionsInit()
	v.observer.ObserveDiscovery(ok)
	return ok
}

// requestMBR issues the sector 0 read. The pool and allocator are freshly
// reset in Bringup, so their allocations cannot legitimately fail; any
// failure here, including a full driver ring, is treated as an invariant
// violation.
func (v *Virtualizer) requestMBR() {
	addr, err := v.pool.Alloc(mbrReqCount)
	v.mustNil(err, "allocating boot record buffer")

	id, err := v.ids.Alloc()
	v.mustNil(err, "allocating boot record request ID")

	v.policy.mbrAddr = addr
	v.policy.mbrID = id

	paddr, err := v.drvData.PhysAddr(addr)
	v.mustNil(err, "translating boot record buffer")

	err = v.drvQueue.EnqueueReq(queue.Request{
		Code:  queue.Read,
		Addr:  paddr,
		Block: 0,
		Count: mbrReqCount,
		ID:    id,
	})
	v.mustNil(err, "enqueueing boot record read")

	v.notifyDriver()
}

// handleMBRReply consumes the driver's reply to the sector 0 read and
// copies the boot record out of the bounce buffer. The request ID stays
// allocated until a matching reply arrives; the bounce buffer is freed
// only on success (a failed episode holds it until the next reset).
func (v *Virtualizer) handleMBRReply() bool {
	if v.drvQueue.EmptyResp() {
		log.Errorf("[VIRT] notified by driver during bringup but response queue is empty")
		return false
	}

	resp, err := v.drvQueue.DequeueResp()
	v.mustNil(err, "dequeueing boot record response")

	if resp.ID != v.policy.mbrID {
		log.Errorf("[VIRT] response %d does not match boot record request %d", resp.ID, v.policy.mbrID)
		return false
	}

	err = v.ids.Release(resp.ID)
	v.mustNil(err, "releasing boot record request ID")

	if resp.Status != queue.OK {
		log.Errorf("[VIRT] failed to read sector 0 from driver: %s", resp.Status)
		v.observer.ObserveDiscovery(false)
		return false
	}

	size := uint64(mbrReqCount) * v.params.TransferSize
	v.drvData.PrepareForCPU(v.policy.mbrAddr, size)

	buf, err := v.drvData.Slice(v.policy.mbrAddr, mbr.Size)
	v.mustNil(err, "slicing boot record buffer")

	err = mbr.Decode(buf, &v.policy.table)
	v.mustNil(err, "decoding boot record")

	err = v.pool.Free(v.policy.mbrAddr, mbrReqCount)
	v.mustNil(err, "freeing boot record buffer")

	return true
}

// partitionsInit validates the decoded partition table and assigns one
// partition to each client.
func (v *Virtualizer) partitionsInit() bool {
	table := &v.policy.table

	if !table.SignatureValid() {
		log.Errorf("[VIRT] invalid MBR signature %#04x", table.Signature)
		return false
	}

	ratio := uint32(v.params.TransferSize / mbr.SectorSize)

	numPartitions := 0
	for i, p := range table.Partitions {
		if p.Empty() {
			continue
		}
		numPartitions++

		if p.LBAStart%ratio != 0 {
			log.Errorf("[VIRT] partition %d start sector %d not aligned to the transfer size", i, p.LBAStart)
			return false
		}
	}

	if numPartitions < len(v.clients) {
		log.Errorf("[VIRT] not enough partitions (%d) to assign to %d clients", numPartitions, len(v.clients))
		return false
	}

	for ci := range v.clients {
		partition := v.params.Mapping[ci]
		if partition < 0 || partition >= numPartitions {
			log.Errorf("[VIRT] invalid partition mapping for client %d: %d", ci, partition)
			return false
		}

		v.clients[ci].startSector = table.Partitions[partition].LBAStart
		v.clients[ci].sectors = table.Partitions[partition].Sectors
	}

	for ci := range v.clients {
		info := v.clients[ci].info
		info.SetSectorSize(v.drvInfo.SectorSize())
		info.SetCapacity(uint64(v.clients[ci].sectors / ratio))
		info.SetReadOnly(v.drvInfo.ReadOnly())
	}

	return true
}

// drvBlockNumber translates a client block number (in transfer units)
// into a driver block number, rejecting requests that fall outside the
// client's partition.
func (v *Virtualizer) drvBlockNumber(cliBlock uint32, cliCount uint16, cliID int) (uint32, error) {
	ratio := uint32(v.params.TransferSize / mbr.SectorSize)

	start := v.clients[cliID].startSector / ratio
	size := v.clients[cliID].sectors / ratio

	block := cliBlock + start
	if block < start || uint64(block)+uint64(cliCount) > uint64(start)+uint64(size) {
		return 0, NewClientError("translate", cliID, ErrCodeOutOfBounds, "request outside partition")
	}

	return block, nil
}
