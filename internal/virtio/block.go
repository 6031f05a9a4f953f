package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/hvcore/virtio-mmio/internal/trace"
)

const (
	blockDeviceID    uint32 = 2
	blockQueueCount         = 1
	blockQueueNumMax uint16 = 256

	// SectorSize is the unit of the request-header sector field and of the
	// capacity word in config space.
	SectorSize = 512

	blockReqHeaderSize = 16
)

// Block request types, from the request-header type field.
const (
	blockReqIn    uint32 = 0
	blockReqOut   uint32 = 1
	blockReqFlush uint32 = 4
	blockReqGetID uint32 = 8
)

// Block status codes, written to the chain's status byte.
const (
	BlockStatusOK     byte = 0
	BlockStatusIOErr  byte = 1
	BlockStatusUnsupp byte = 2
)

// Block feature bits (device-type range, bits 0..31).
const (
	blockFSegMax  uint64 = 1 << 2
	blockFRO      uint64 = 1 << 5
	blockFBlkSize uint64 = 1 << 6
	blockFFlush   uint64 = 1 << 9
)

// BlockBackend is the durable-storage side of the block binding. Offsets
// are byte offsets; Sectors is the device capacity in 512-byte sectors.
// ReadAt/WriteAt/Sync may block on host I/O and are therefore only called
// with every device and queue lock released.
type BlockBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Sectors() uint64
}

// BlockBinding is the virtio-blk device binding: one request queue, a
// config space led by the 64-bit capacity, and a notify handler that drains
// the available ring one chain at a time.
type BlockBinding struct {
	mu       sync.Mutex
	backend  BlockBackend
	readonly bool

	tr *trace.Tracer
}

// NewBlockBinding binds a block back-end. readonly devices advertise the RO
// feature bit and fail OUT requests with IOERR.
func NewBlockBinding(backend BlockBackend, readonly bool) *BlockBinding {
	return &BlockBinding{
		backend:  backend,
		readonly: readonly,
		tr:       trace.WithSource("virtio-blk"),
	}
}

func (b *BlockBinding) Kind() DeviceKind  { return KindBlock }
func (b *BlockBinding) DeviceID() uint32  { return blockDeviceID }
func (b *BlockBinding) NumQueues() int    { return blockQueueCount }
func (b *BlockBinding) QueueMaxSize(queue int) uint16 { return blockQueueNumMax }

func (b *BlockBinding) Features() uint64 {
	features := VirtioFVersion1 | blockFSegMax | blockFBlkSize | blockFFlush
	if b.readonly {
		features |= blockFRO
	}
	return features
}

func (b *BlockBinding) OnReset() {}

// ConfigBytes serialises the virtio-blk config structure: capacity in
// sectors at offset 0, then seg_max and blk_size in their fixed slots with
// the geometry fields left zero.
func (b *BlockBinding) ConfigBytes() []byte {
	b.mu.Lock()
	sectors := b.backend.Sectors()
	b.mu.Unlock()

	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], sectors)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20)   // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 1)      // seg_max (one data segment per request)
	binary.LittleEndian.PutUint32(buf[20:24], SectorSize)
	return buf[:]
}

// OnQueueNotify drains one notify batch. The avail index is snapshotted
// once at the top, so chains the driver enqueues while this batch runs are
// left for the next notify. Notifications are suppressed while draining to
// cut down spurious traps and re-enabled at the end.
func (b *BlockBinding) OnQueueNotify(dev *Device, q *VirtQueue) error {
	gen := q.Generation()
	q.DisableNotify()
	defer q.EnableNotify()

	snapshot, err := q.AvailIdx()
	if err != nil {
		return err
	}
	b.tr.Writef("notify queue=%d avail=%d last=%d", q.index, snapshot, q.LastAvailIdx())

	for {
		head, ok, err := q.PopAvailDescIdx(snapshot)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := b.serviceChain(dev, q, gen, head); err != nil {
			return err
		}
	}
}

// serviceChain runs one descriptor chain through the back-end. A chain that
// cannot be walked or has the wrong shape still gets a zero-length used
// entry so the driver observes completion; only a stale generation (reset
// raced the request) drops the chain entirely.
func (b *BlockBinding) serviceChain(dev *Device, q *VirtQueue, gen uint64, head uint16) error {
	segments, err := ReadDescriptorChain(q, head, dev.translator)
	if err != nil {
		dev.logger.Warn("abandoning descriptor chain",
			"dev_id", dev.id, "queue", q.index, "head", head, "err", err)
		return b.publishAbandoned(q, gen, head)
	}

	header, data, status, err := splitBlockChain(segments)
	if err != nil {
		dev.logger.Warn("unexpected chain shape",
			"dev_id", dev.id, "queue", q.index, "head", head,
			"segments", len(segments), "err", err)
		return b.publishAbandoned(q, gen, head)
	}

	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	// The back-end may block; no device or queue lock is held here.
	written, st := b.execute(reqType, sector, data)
	b.tr.Writef("req type=%d sector=%d len=%d status=%d", reqType, sector, written, st)

	status[0] = st
	err = q.PublishUsedAt(gen, uint32(head), uint32(written)+1)
	if err == ErrStaleGeneration {
		dev.logger.Warn("dropping completion for reset queue",
			"dev_id", dev.id, "queue", q.index, "head", head)
		return nil
	}
	return err
}

// publishAbandoned posts the zero-length used entry for a chain this
// binding could not service, keeping the driver's ring position moving.
func (b *BlockBinding) publishAbandoned(q *VirtQueue, gen uint64, head uint16) error {
	err := q.PublishUsedAt(gen, uint32(head), 0)
	if err == ErrStaleGeneration {
		return nil
	}
	return err
}

// splitBlockChain validates the request shape: a read-only header of at
// least 16 bytes, an optional data segment, and a writable trailing status
// byte. Flush and similar data-less requests arrive as two segments.
func splitBlockChain(segments []Segment) (header []byte, data *Segment, status []byte, err error) {
	if len(segments) < 2 || len(segments) > 3 {
		return nil, nil, nil, ErrUnexpectedChainShape
	}
	head := segments[0]
	if head.Writable || len(head.Buffer) < blockReqHeaderSize {
		return nil, nil, nil, ErrUnexpectedChainShape
	}
	tail := segments[len(segments)-1]
	if !tail.Writable || len(tail.Buffer) < 1 {
		return nil, nil, nil, ErrUnexpectedChainShape
	}
	if len(segments) == 3 {
		data = &segments[1]
	}
	return head.Buffer, data, tail.Buffer, nil
}

// execute performs the I/O against the back-end and returns the number of
// bytes written into guest memory plus the status byte for the chain.
func (b *BlockBinding) execute(reqType uint32, sector uint64, data *Segment) (written int, status byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int64(sector) * SectorSize

	switch reqType {
	case blockReqIn:
		if data == nil || !data.Writable {
			return 0, BlockStatusIOErr
		}
		n, err := b.backend.ReadAt(data.Buffer, offset)
		if err != nil && n == 0 {
			b.tr.Writef("read failed sector=%d len=%d err=%v", sector, len(data.Buffer), err)
			return 0, BlockStatusIOErr
		}
		return n, BlockStatusOK

	case blockReqOut:
		if b.readonly {
			return 0, BlockStatusIOErr
		}
		if data == nil || data.Writable {
			return 0, BlockStatusIOErr
		}
		if _, err := b.backend.WriteAt(data.Buffer, offset); err != nil {
			b.tr.Writef("write failed sector=%d len=%d err=%v", sector, len(data.Buffer), err)
			return 0, BlockStatusIOErr
		}
		return 0, BlockStatusOK

	case blockReqFlush:
		if err := b.backend.Sync(); err != nil {
			return 0, BlockStatusIOErr
		}
		return 0, BlockStatusOK

	case blockReqGetID:
		if data == nil || !data.Writable {
			return 0, BlockStatusIOErr
		}
		id := make([]byte, 20)
		copy(id, "virtio-blk")
		n := copy(data.Buffer, id)
		return n, BlockStatusOK

	default:
		return 0, BlockStatusUnsupp
	}
}
