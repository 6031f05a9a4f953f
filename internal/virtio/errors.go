package virtio

import "errors"

// Errors returned by the access decoder and dispatched back to the trap
// layer. None are fatal to the hypervisor process; each corresponds to an
// error kind named in the component's error-handling design.
var (
	// ErrBadOffset is returned for an access to an offset this core does
	// not recognise in any region.
	ErrBadOffset = errors.New("virtio: unsupported register offset")

	// ErrBadWidth is returned for a register-bank access that is not a
	// natural 4-byte access.
	ErrBadWidth = errors.New("virtio: register access width must be 4 bytes")

	// ErrReadOnlyRegister is returned for a write to a read-only register.
	ErrReadOnlyRegister = errors.New("virtio: register is read-only")

	// ErrWriteOnlyConfig is returned for a write into config space, which
	// this core never accepts.
	ErrWriteOnlyConfig = errors.New("virtio: config space is read-only")

	// ErrInvalidQueueSelector is returned when q_sel does not name an
	// existing queue during a queue-region access. The caller must not
	// let this corrupt state.
	ErrInvalidQueueSelector = errors.New("virtio: invalid queue selector")

	// ErrInvalidQueueSize is returned when a negotiated queue size is zero
	// or exceeds the queue's q_num_max.
	ErrInvalidQueueSize = errors.New("virtio: invalid queue size")

	// ErrQueueNotReady is returned when an operation requires an active
	// queue that has not completed activation.
	ErrQueueNotReady = errors.New("virtio: queue not ready")

	// ErrNoNotifyHandler is returned when QUEUE_NOTIFY targets a queue
	// with no bound back-end handler.
	ErrNoNotifyHandler = errors.New("virtio: queue has no notify handler")

	// ErrQueueIndexOutOfRange is returned when a notify targets a queue
	// index beyond the device's queue count.
	ErrQueueIndexOutOfRange = errors.New("virtio: notified queue index out of range")

	// ErrUnknownDevice is returned by the registry when dispatching a trap
	// to a dev_id that was never registered.
	ErrUnknownDevice = errors.New("virtio: unknown device id")

	// ErrMalformedChain is returned by the descriptor-chain reader on a
	// cycle, an over-long chain, or an unsupported INDIRECT descriptor.
	ErrMalformedChain = errors.New("virtio: malformed descriptor chain")

	// ErrSegmentUnmapped is returned when a descriptor's guest-physical
	// address fails translation.
	ErrSegmentUnmapped = errors.New("virtio: descriptor segment address not mapped")

	// ErrStaleGeneration is returned when a used-ring publication carries
	// a reset generation older than the queue's current one; the caller
	// must drop the completion rather than mutate a re-bound ring.
	ErrStaleGeneration = errors.New("virtio: queue was reset since dispatch")

	// ErrUnexpectedChainShape is returned by the block binding when a
	// chain is not a read-only header, an optional data segment, and a
	// writable status byte (two or three segments).
	ErrUnexpectedChainShape = errors.New("virtio: unexpected descriptor chain shape")
)
