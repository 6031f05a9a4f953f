package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// testBackend is an in-memory disk. sectors, when nonzero, overrides the
// reported capacity so config-space tests need not allocate the full disk.
type testBackend struct {
	disk    []byte
	sectors uint64
	synced  int
	failIO  bool
}

func newTestBackend(sectors uint64) *testBackend {
	return &testBackend{disk: make([]byte, sectors*SectorSize)}
}

func (b *testBackend) Sectors() uint64 {
	if b.sectors != 0 {
		return b.sectors
	}
	return uint64(len(b.disk)) / SectorSize
}

func (b *testBackend) ReadAt(p []byte, off int64) (int, error) {
	if b.failIO {
		return 0, errors.New("injected read failure")
	}
	if off >= int64(len(b.disk)) {
		return 0, io.EOF
	}
	return copy(p, b.disk[off:]), nil
}

func (b *testBackend) WriteAt(p []byte, off int64) (int, error) {
	if b.failIO {
		return 0, errors.New("injected write failure")
	}
	if off+int64(len(p)) > int64(len(b.disk)) {
		return 0, io.ErrShortWrite
	}
	return copy(b.disk[off:], p), nil
}

func (b *testBackend) Sync() error {
	b.synced++
	return nil
}

// blockRig extends testRig with a block back-end and guest-side helpers for
// enqueuing request chains.
type blockRig struct {
	*testRig
	backend *testBackend
	queued  uint16
}

func newBlockRig(t *testing.T, sectors uint64) *blockRig {
	t.Helper()
	backend := newTestBackend(sectors)
	rig := newTestRig(t, NewBlockBinding(backend, false))
	br := &blockRig{testRig: rig, backend: backend}
	br.negotiate()
	br.setupQueue(uint32(blockQueueNumMax))
	return br
}

// Guest-memory layout for one request chain; chains are placed at
// chainStride intervals so several can be in flight.
const (
	chainStride  = 0x800
	chainHdrOff  = 0x0
	chainDataOff = 0x100
	chainStatOff = 0x700
)

// enqueue builds a three-segment request chain (or two segments when
// dataLen is zero) and publishes it on the available ring. Returns the head
// descriptor index.
func (r *blockRig) enqueue(reqType uint32, sector uint64, dataLen uint32, dataWritable bool) uint16 {
	r.t.Helper()
	n := r.queued
	base := uint64(testDataBase) + uint64(n)*chainStride
	head := n * 3

	binary.LittleEndian.PutUint32(r.mem.buf[base:base+4], reqType)
	binary.LittleEndian.PutUint64(r.mem.buf[base+8:base+16], sector)

	if dataLen > 0 {
		dataFlags := uint16(0)
		if dataWritable {
			dataFlags = descFWrite
		}
		r.mem.putDesc(head, VirtQueueDescriptor{Addr: base + chainHdrOff, Length: blockReqHeaderSize, Flags: descFNext, Next: head + 1})
		r.mem.putDesc(head+1, VirtQueueDescriptor{Addr: base + chainDataOff, Length: dataLen, Flags: descFNext | dataFlags, Next: head + 2})
		r.mem.putDesc(head+2, VirtQueueDescriptor{Addr: base + chainStatOff, Length: 1, Flags: descFWrite})
	} else {
		r.mem.putDesc(head, VirtQueueDescriptor{Addr: base + chainHdrOff, Length: blockReqHeaderSize, Flags: descFNext, Next: head + 1})
		r.mem.putDesc(head+1, VirtQueueDescriptor{Addr: base + chainStatOff, Length: 1, Flags: descFWrite})
	}

	r.mem.setAvail(n, head)
	r.queued++
	r.mem.setAvailIdx(r.queued)
	return head
}

func (r *blockRig) chainData(n uint16, length int) []byte {
	base := testDataBase + uint64(n)*chainStride + chainDataOff
	return r.mem.buf[base : base+uint64(length)]
}

func (r *blockRig) chainStatus(n uint16) byte {
	return r.mem.buf[testDataBase+uint64(n)*chainStride+chainStatOff]
}

// TestBlockReadOneSector is the canonical end-to-end flow: activated
// device, one enqueued read of sector 7, queue-notify write, used entry of
// 513 bytes with the sector contents in the data buffer.
func TestBlockReadOneSector(t *testing.T) {
	rig := newBlockRig(t, 64)

	want := bytes.Repeat([]byte{0xa5}, SectorSize)
	copy(rig.backend.disk[7*SectorSize:], want)

	head := rig.enqueue(blockReqIn, 7, SectorSize, true)
	rig.mustWrite(regQueueNotify, 0)

	id, length := rig.mem.usedElem(0)
	if id != uint32(head) || length != SectorSize+1 {
		t.Errorf("used[0] = {%d, %d}, want {%d, %d}", id, length, head, SectorSize+1)
	}
	if rig.mem.usedIdx() != 1 {
		t.Errorf("used.idx = %d, want 1", rig.mem.usedIdx())
	}
	if got := rig.mustRead(regInterruptStat); got&InterruptUsedBuffer == 0 {
		t.Error("used-buffer interrupt not raised")
	}
	if st := rig.chainStatus(0); st != BlockStatusOK {
		t.Errorf("status byte = %d, want OK", st)
	}
	if !bytes.Equal(rig.chainData(0, SectorSize), want) {
		t.Error("data buffer does not contain sector 7")
	}
}

func TestBlockWrite(t *testing.T) {
	rig := newBlockRig(t, 64)

	payload := bytes.Repeat([]byte{0x3c}, SectorSize)
	copy(rig.chainData(0, SectorSize), payload)

	rig.enqueue(blockReqOut, 9, SectorSize, false)
	rig.mustWrite(regQueueNotify, 0)

	if st := rig.chainStatus(0); st != BlockStatusOK {
		t.Fatalf("status byte = %d, want OK", st)
	}
	_, length := rig.mem.usedElem(0)
	if length != 1 {
		t.Errorf("used len = %d, want 1 (status byte only)", length)
	}
	if !bytes.Equal(rig.backend.disk[9*SectorSize:10*SectorSize], payload) {
		t.Error("payload did not reach the backend")
	}
}

func TestBlockFlush(t *testing.T) {
	rig := newBlockRig(t, 64)

	rig.enqueue(blockReqFlush, 0, 0, false)
	rig.mustWrite(regQueueNotify, 0)

	if st := rig.chainStatus(0); st != BlockStatusOK {
		t.Errorf("status byte = %d, want OK", st)
	}
	if rig.backend.synced != 1 {
		t.Errorf("synced = %d, want 1", rig.backend.synced)
	}
}

func TestBlockUnsupportedRequest(t *testing.T) {
	rig := newBlockRig(t, 64)

	rig.enqueue(99, 0, SectorSize, true)
	rig.mustWrite(regQueueNotify, 0)

	if st := rig.chainStatus(0); st != BlockStatusUnsupp {
		t.Errorf("status byte = %d, want UNSUPP", st)
	}
	_, length := rig.mem.usedElem(0)
	if length != 1 {
		t.Errorf("used len = %d, want 1", length)
	}
}

func TestBlockBackendFailure(t *testing.T) {
	rig := newBlockRig(t, 64)
	rig.backend.failIO = true

	rig.enqueue(blockReqIn, 0, SectorSize, true)
	rig.mustWrite(regQueueNotify, 0)

	if st := rig.chainStatus(0); st != BlockStatusIOErr {
		t.Errorf("status byte = %d, want IOERR", st)
	}
	_, length := rig.mem.usedElem(0)
	if length != 1 {
		t.Errorf("used len = %d, want 1", length)
	}
}

func TestBlockReadOnlyDevice(t *testing.T) {
	backend := newTestBackend(64)
	binding := NewBlockBinding(backend, true)
	if binding.Features()&blockFRO == 0 {
		t.Error("readonly device does not advertise RO")
	}

	rig := newTestRig(t, binding)
	br := &blockRig{testRig: rig, backend: backend}
	br.negotiate()
	br.setupQueue(uint32(blockQueueNumMax))

	br.enqueue(blockReqOut, 0, SectorSize, false)
	br.mustWrite(regQueueNotify, 0)

	if st := br.chainStatus(0); st != BlockStatusIOErr {
		t.Errorf("status byte = %d, want IOERR", st)
	}
}

// TestBlockMalformedChain points the head descriptor at an unmapped
// address: the chain is abandoned but the used entry still lands with
// length 0 and the cursor advances.
func TestBlockMalformedChain(t *testing.T) {
	rig := newBlockRig(t, 64)

	const badAddr = 0x18000
	rig.mem.punchHole(badAddr)
	rig.mem.putDesc(0, VirtQueueDescriptor{Addr: badAddr, Length: blockReqHeaderSize, Flags: descFNext, Next: 1})
	rig.mem.putDesc(1, VirtQueueDescriptor{Addr: testDataBase + chainStatOff, Length: 1, Flags: descFWrite})
	rig.mem.setAvail(0, 0)
	rig.mem.setAvailIdx(1)

	rig.mustWrite(regQueueNotify, 0)

	id, length := rig.mem.usedElem(0)
	if id != 0 || length != 0 {
		t.Errorf("used[0] = {%d, %d}, want {0, 0}", id, length)
	}
	if rig.mem.usedIdx() != 1 {
		t.Errorf("used.idx = %d, want 1", rig.mem.usedIdx())
	}
	q, _ := rig.dev.Queue(0)
	if q.LastAvailIdx() != 1 {
		t.Errorf("last_avail_idx = %d, want 1", q.LastAvailIdx())
	}
}

// TestBlockWrongShape exercises a chain whose status descriptor is not
// writable; the binding abandons it with a zero-length used entry.
func TestBlockWrongShape(t *testing.T) {
	rig := newBlockRig(t, 64)

	rig.mem.putDesc(0, VirtQueueDescriptor{Addr: testDataBase, Length: blockReqHeaderSize, Flags: descFNext, Next: 1})
	rig.mem.putDesc(1, VirtQueueDescriptor{Addr: testDataBase + chainStatOff, Length: 1, Flags: 0})
	rig.mem.setAvail(0, 0)
	rig.mem.setAvailIdx(1)

	rig.mustWrite(regQueueNotify, 0)

	_, length := rig.mem.usedElem(0)
	if length != 0 {
		t.Errorf("used len = %d, want 0", length)
	}
}

// TestBlockBatchDrain enqueues several chains and checks one notify
// consumes them all, publishing in order, with notifications suppressed
// only while draining.
func TestBlockBatchDrain(t *testing.T) {
	rig := newBlockRig(t, 64)

	heads := []uint16{
		rig.enqueue(blockReqIn, 1, SectorSize, true),
		rig.enqueue(blockReqIn, 2, SectorSize, true),
		rig.enqueue(blockReqIn, 3, SectorSize, true),
	}
	rig.mustWrite(regQueueNotify, 0)

	if rig.mem.usedIdx() != 3 {
		t.Fatalf("used.idx = %d, want 3", rig.mem.usedIdx())
	}
	for i, head := range heads {
		id, length := rig.mem.usedElem(uint16(i))
		if id != uint32(head) || length != SectorSize+1 {
			t.Errorf("used[%d] = {%d, %d}, want {%d, %d}", i, id, length, head, SectorSize+1)
		}
	}
	if rig.mem.usedFlags()&usedFNoNotify != 0 {
		t.Error("notifications still suppressed after drain")
	}
	q, _ := rig.dev.Queue(0)
	if q.LastAvailIdx() != 3 {
		t.Errorf("last_avail_idx = %d, want 3", q.LastAvailIdx())
	}
}

// TestBlockResetDropsLateCompletion simulates an in-flight request whose
// completion arrives after the guest reset the device: the publication is
// dropped instead of landing in the re-bound ring.
func TestBlockResetDropsLateCompletion(t *testing.T) {
	rig := newBlockRig(t, 64)

	q, _ := rig.dev.Queue(0)
	gen := q.Generation()

	rig.mustWrite(regStatus, 0)
	rig.negotiate()
	rig.setupQueue(uint32(blockQueueNumMax))

	if err := q.PublishUsedAt(gen, 0, 513); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("err = %v, want ErrStaleGeneration", err)
	}
	if rig.mem.usedIdx() != 0 {
		t.Error("late completion mutated the re-bound used ring")
	}
}

func TestBlockConfigCapacity(t *testing.T) {
	binding := NewBlockBinding(&testBackend{sectors: 0x1_0000_0001}, false)
	cfg := binding.ConfigBytes()
	if got := binary.LittleEndian.Uint64(cfg[0:8]); got != 0x1_0000_0001 {
		t.Errorf("capacity = %#x, want 0x100000001", got)
	}
	if got := binary.LittleEndian.Uint32(cfg[20:24]); got != SectorSize {
		t.Errorf("blk_size = %d, want %d", got, SectorSize)
	}
}
