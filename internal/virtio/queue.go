package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/hvcore/virtio-mmio/internal/hv"
)

// VirtQueueDescriptor is one entry of a descriptor table, exactly as laid
// out by the guest: 16 bytes, 16-byte aligned.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

func (d VirtQueueDescriptor) hasNext() bool     { return d.Flags&descFNext != 0 }
func (d VirtQueueDescriptor) writable() bool    { return d.Flags&descFWrite != 0 }
func (d VirtQueueDescriptor) indirect() bool    { return d.Flags&descFIndirect != 0 }

type usedElem struct {
	ID  uint32
	Len uint32
}

// VirtQueue is one split virtqueue: descriptor table, available ring, used
// ring, plus the device's private consumed/produced cursors. Every field is
// protected by mu except the ring views themselves, which alias guest
// memory and are only valid while ready is true.
type VirtQueue struct {
	mu sync.Mutex

	index  uint16
	ready  bool
	num    uint16
	numMax uint16

	descLow, descHigh   uint32
	availLow, availHigh uint32
	usedLow, usedHigh   uint32

	descView  []byte
	availView []byte
	usedView  []byte

	lastAvailIdx uint16
	lastUsedIdx  uint16
	usedFlags    uint16

	// generation is bumped on every reset. A notify handler captures it at
	// dispatch and must drop a late-arriving completion if the generation
	// has since changed, rather than writing into a re-bound ring.
	generation uint64

	translator hv.Translator
}

// NewVirtQueue constructs a queue in its initial (not-ready) state with the
// given per-kind maximum size.
func NewVirtQueue(index uint16, numMax uint16, translator hv.Translator) *VirtQueue {
	if numMax == 0 || numMax > maxQueueSize {
		numMax = maxQueueSize
	}
	return &VirtQueue{index: index, numMax: numMax, translator: translator}
}

// Reset returns the queue to its initial state: not ready, no size, no
// installed views, cursors at zero. The generation counter is bumped so
// in-flight completions captured before the reset are recognisably stale.
func (q *VirtQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

func (q *VirtQueue) resetLocked() {
	q.ready = false
	q.num = 0
	q.descLow, q.descHigh = 0, 0
	q.availLow, q.availHigh = 0, 0
	q.usedLow, q.usedHigh = 0, 0
	q.descView, q.availView, q.usedView = nil, nil, nil
	q.lastAvailIdx, q.lastUsedIdx = 0, 0
	q.usedFlags = 0
	q.generation++
}

// Generation returns the current reset generation, for capturing at notify
// dispatch time.
func (q *VirtQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// Ready reports whether all three ring views are installed and the driver
// has set QueueReady.
func (q *VirtQueue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLocked()
}

func (q *VirtQueue) readyLocked() bool {
	return q.ready && q.descView != nil && q.availView != nil && q.usedView != nil
}

// SetSize validates and installs the negotiated queue size. num must be
// nonzero and not exceed the per-kind maximum; this core rejects rather
// than silently clamps an oversized request.
func (q *VirtQueue) SetSize(num uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if num == 0 || num > q.numMax {
		return ErrInvalidQueueSize
	}
	q.num = num
	return nil
}

// NumMax returns the per-kind maximum queue size (q_num_max).
func (q *VirtQueue) NumMax() uint16 { return q.numMax }

// Num returns the currently negotiated size.
func (q *VirtQueue) Num() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.num
}

// SetReady sets or clears the driver's QueueReady bit. Writing false clears
// the bit, so the queue reports not ready; the cached ring views and the
// cursors are left as they are (the driver is expected to pair this with a
// reset if it wants cursors cleared). Writing true with all three bases
// present attempts (re)installation of the views.
func (q *VirtQueue) SetReady(ready bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !ready {
		q.ready = false
		return
	}
	q.ready = true
	q.installViewsLocked()
}

// WriteDescLow / WriteDescHigh / WriteAvailLow / ... assemble a 64-bit
// guest-physical base from a low- and high-word write. Each ring becomes
// live once its high word is written and translation succeeds; the high
// word writes report whether a view was installed so the caller can emit
// the translation-failure diagnostic. If translation fails the write is
// discarded with the view left absent.
func (q *VirtQueue) WriteDescLow(v uint32) { q.mu.Lock(); q.descLow = v; q.mu.Unlock() }
func (q *VirtQueue) WriteDescHigh(v uint32) (installed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.descHigh = v
	q.installDescLocked()
	return q.descView != nil
}
func (q *VirtQueue) WriteAvailLow(v uint32) { q.mu.Lock(); q.availLow = v; q.mu.Unlock() }
func (q *VirtQueue) WriteAvailHigh(v uint32) (installed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.availHigh = v
	q.installAvailLocked()
	return q.availView != nil
}
func (q *VirtQueue) WriteUsedLow(v uint32) { q.mu.Lock(); q.usedLow = v; q.mu.Unlock() }
func (q *VirtQueue) WriteUsedHigh(v uint32) (installed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.usedHigh = v
	q.installUsedLocked()
	return q.usedView != nil
}

func descTableAddr(low, high uint32) uint64 { return uint64(high)<<32 | uint64(low) }

// DescLow / DescHigh / AvailLow / ... echo back the last word written to
// each half of a ring base address, so a driver reading a register it just
// wrote observes its own value per the register-bank invariant.
func (q *VirtQueue) DescLow() uint32  { q.mu.Lock(); defer q.mu.Unlock(); return q.descLow }
func (q *VirtQueue) DescHigh() uint32 { q.mu.Lock(); defer q.mu.Unlock(); return q.descHigh }
func (q *VirtQueue) AvailLow() uint32  { q.mu.Lock(); defer q.mu.Unlock(); return q.availLow }
func (q *VirtQueue) AvailHigh() uint32 { q.mu.Lock(); defer q.mu.Unlock(); return q.availHigh }
func (q *VirtQueue) UsedLow() uint32  { q.mu.Lock(); defer q.mu.Unlock(); return q.usedLow }
func (q *VirtQueue) UsedHigh() uint32 { q.mu.Lock(); defer q.mu.Unlock(); return q.usedHigh }

func (q *VirtQueue) installViewsLocked() {
	q.installDescLocked()
	q.installAvailLocked()
	q.installUsedLocked()
}

func (q *VirtQueue) installDescLocked() {
	if q.num == 0 {
		return
	}
	gpa := descTableAddr(q.descLow, q.descHigh)
	view, ok := q.translator.Translate(gpa, uint32(q.num)*descriptorSize)
	if !ok {
		q.descView = nil
		return
	}
	q.descView = view
}

func (q *VirtQueue) installAvailLocked() {
	if q.num == 0 {
		return
	}
	gpa := descTableAddr(q.availLow, q.availHigh)
	view, ok := q.translator.Translate(gpa, 4+2*uint32(q.num))
	if !ok {
		q.availView = nil
		return
	}
	q.availView = view
}

func (q *VirtQueue) installUsedLocked() {
	if q.num == 0 {
		return
	}
	gpa := descTableAddr(q.usedLow, q.usedHigh)
	view, ok := q.translator.Translate(gpa, 4+8*uint32(q.num))
	if !ok {
		q.usedView = nil
		return
	}
	q.usedView = view
}

func (q *VirtQueue) availFlags() uint16 {
	return binary.LittleEndian.Uint16(q.availView[0:2])
}

func (q *VirtQueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.availView[2:4])
}

func (q *VirtQueue) availRing(i uint16) uint16 {
	off := 4 + int(i)*2
	return binary.LittleEndian.Uint16(q.availView[off : off+2])
}

// AvailIdx snapshots the driver's available-ring index. Callers should
// snapshot once per notify batch rather than re-reading per iteration, so
// the driver's subsequent increments do not cause re-entry within the same
// notification.
func (q *VirtQueue) AvailIdx() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.readyLocked() {
		return 0, ErrQueueNotReady
	}
	return q.availIdx(), nil
}

// PopAvailDescIdx consumes one entry from the available ring, given a
// snapshot of avail.idx taken at the top of the batch. It returns
// ok == false when the snapshot equals the device's cursor (no new work).
func (q *VirtQueue) PopAvailDescIdx(availSnapshot uint16) (head uint16, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.readyLocked() {
		return 0, false, ErrQueueNotReady
	}
	if availSnapshot == q.lastAvailIdx {
		return 0, false, nil
	}
	head = q.availRing(q.lastAvailIdx % q.num)
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptor reads one descriptor-table entry by index.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.readyLocked() || idx >= q.num {
		return VirtQueueDescriptor{}, ErrMalformedChain
	}
	off := int(idx) * descriptorSize
	b := q.descView[off : off+descriptorSize]
	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
		Flags:  binary.LittleEndian.Uint16(b[12:14]),
		Next:   binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// PublishUsed writes one used-ring entry and advances used.idx. Per the
// required publish order, the slot (and flags) are stored before the index
// is bumped, so a driver observing a newer used.idx never reads a torn
// (slot, idx) pair.
func (q *VirtQueue) PublishUsed(id uint32, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.publishUsedLocked(id, length)
}

func (q *VirtQueue) publishUsedLocked(id uint32, length uint32) error {
	if !q.readyLocked() {
		return ErrQueueNotReady
	}
	slot := int(q.lastUsedIdx%q.num)*8 + 4
	binary.LittleEndian.PutUint32(q.usedView[slot:slot+4], id)
	binary.LittleEndian.PutUint32(q.usedView[slot+4:slot+8], length)
	binary.LittleEndian.PutUint16(q.usedView[0:2], q.usedFlags)
	// Index bump is the last store: this is the release point the driver
	// synchronizes on.
	q.lastUsedIdx++
	binary.LittleEndian.PutUint16(q.usedView[2:4], q.lastUsedIdx)
	return nil
}

// PublishUsedAt is PublishUsed gated on a reset generation captured at
// notify dispatch. A completion arriving after the queue was reset and
// possibly re-bound observes the generation mismatch and is dropped instead
// of writing into the new rings.
func (q *VirtQueue) PublishUsedAt(gen uint64, id uint32, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.generation != gen {
		return ErrStaleGeneration
	}
	return q.publishUsedLocked(id, length)
}

// DisableNotify sets the NO_NOTIFY bit in used_flags.
func (q *VirtQueue) DisableNotify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.usedFlags |= usedFNoNotify
	if q.readyLocked() {
		binary.LittleEndian.PutUint16(q.usedView[0:2], q.usedFlags)
	}
}

// EnableNotify clears the NO_NOTIFY bit in used_flags.
func (q *VirtQueue) EnableNotify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.usedFlags &^= usedFNoNotify
	if q.readyLocked() {
		binary.LittleEndian.PutUint16(q.usedView[0:2], q.usedFlags)
	}
}

// DriverWantsNotify reports whether the driver has left VIRTQ_AVAIL_F_NO_INTERRUPT
// clear on its side of the ring. This core does not gate delivery on it —
// see Device.notify — but the decoder surface is kept here since
// it reads the same avail view the rest of the queue does.
func (q *VirtQueue) DriverWantsNotify() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.readyLocked() {
		return true
	}
	return q.availFlags()&availFNoNotify == 0
}

// LastAvailIdx and LastUsedIdx expose the device's private cursors, mainly
// for tests asserting the monotonicity invariant.
func (q *VirtQueue) LastAvailIdx() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAvailIdx
}

func (q *VirtQueue) LastUsedIdx() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastUsedIdx
}
