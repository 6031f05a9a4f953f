package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hvcore/virtio-mmio/internal/hv"
)

// DeviceBinding is the back-end contract a device kind implements: feature
// bits, config space, queue shape, and the notify handler that services a
// batch of available descriptors. OnQueueNotify is always invoked with the
// device lock released, because the handler re-enters the virtqueue to walk
// rings and publish used entries.
type DeviceBinding interface {
	Kind() DeviceKind
	DeviceID() uint32
	Features() uint64
	NumQueues() int
	QueueMaxSize(queue int) uint16
	ConfigBytes() []byte
	OnQueueNotify(dev *Device, q *VirtQueue) error
	OnReset()
}

// Device is one emulated virtio-MMIO device: a register file, an ordered
// collection of virtqueues, and a kind-specific binding. All fields are
// guarded by mu except the register file's interrupt-status word (atomic)
// and the queues, which carry their own locks.
type Device struct {
	mu sync.Mutex

	id   uint32
	kind DeviceKind

	regs    *RegisterFile
	binding DeviceBinding
	queues  []*VirtQueue

	queueSel  uint32
	configGen uint32
	activated bool

	translator hv.Translator
	logger     *slog.Logger
}

// newDevice builds a device around a binding, with every queue in its reset
// state. A nil binding or a zero queue count is a programming error in the
// launcher, not guest input, and panics.
func newDevice(id uint32, binding DeviceBinding, translator hv.Translator, logger *slog.Logger) *Device {
	if binding == nil {
		panic("virtio: device requires a binding")
	}
	queueCount := binding.NumQueues()
	if queueCount <= 0 {
		panic("virtio: device must expose at least one queue")
	}

	d := &Device{
		id:         id,
		kind:       binding.Kind(),
		regs:       NewRegisterFile(binding.DeviceID(), deviceVendorID, binding.Features()),
		binding:    binding,
		translator: translator,
		logger:     logger,
	}

	d.queues = make([]*VirtQueue, queueCount)
	for i := range d.queues {
		max := binding.QueueMaxSize(i)
		if max == 0 {
			panic(fmt.Sprintf("virtio: %s queue %d has zero max size", d.kind, i))
		}
		d.queues[i] = NewVirtQueue(uint16(i), max, translator)
	}
	return d
}

// ID returns the dev_id assigned at registration.
func (d *Device) ID() uint32 { return d.id }

// Kind returns the device kind.
func (d *Device) Kind() DeviceKind { return d.kind }

// Registers exposes the register file, mainly so an interrupt-injection
// layer can poll InterruptStatus after a trap returns.
func (d *Device) Registers() *RegisterFile { return d.regs }

// Queue returns the virtqueue at index, or an error when index is out of
// range.
func (d *Device) Queue(index int) (*VirtQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.queues) {
		return nil, ErrQueueIndexOutOfRange
	}
	return d.queues[index], nil
}

// Activated reports whether the driver has completed the status handshake.
func (d *Device) Activated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activated
}

// selectedQueueLocked resolves the current q_sel to a queue. An out-of-range
// selector is refused without touching the queue vector.
func (d *Device) selectedQueueLocked() (*VirtQueue, error) {
	if d.queueSel >= uint32(len(d.queues)) {
		return nil, ErrInvalidQueueSelector
	}
	return d.queues[d.queueSel], nil
}

// resetLocked implements a driver write of 0 to the status register: every
// queue returns to its initial state, the activated bit drops, and the
// binding gets a chance to abandon in-flight work.
func (d *Device) resetLocked() {
	for _, q := range d.queues {
		q.Reset()
	}
	d.activated = false
	d.queueSel = 0
	d.binding.OnReset()
	d.logger.Info("device reset", "dev_id", d.id, "kind", d.kind.String())
}

// notify services a guest write to QUEUE_NOTIFY. An out-of-range index is
// refused before any state changes; otherwise the used-buffer interrupt bit
// is raised and the binding's handler runs with the device lock released so
// it can re-enter the virtqueue machinery.
func (d *Device) notify(index uint32) error {
	d.mu.Lock()
	if index >= uint32(len(d.queues)) {
		d.mu.Unlock()
		d.logger.Warn("notify for queue out of range",
			"dev_id", d.id, "queue", index, "queues", len(d.queues))
		return ErrQueueIndexOutOfRange
	}
	q := d.queues[index]
	binding := d.binding
	d.mu.Unlock()

	d.regs.RaiseInterrupt(InterruptUsedBuffer)

	if err := binding.OnQueueNotify(d, q); err != nil {
		return fmt.Errorf("%s notify handler: %w", d.kind, err)
	}
	return nil
}
