package virtio

import "sync/atomic"

// RegisterFile is the per-device emulated register bank: the immutable
// identity fields, the feature-negotiation state machine, and the status
// byte lifecycle. It holds no virtqueue state; a Device owns one
// RegisterFile plus its queues under a single mutex.
type RegisterFile struct {
	deviceID uint32
	vendorID uint32

	// hostFeatures is the fixed 64-bit mask this device kind offers. It
	// never changes after construction.
	hostFeatures uint64

	devFeatureSel uint32

	// driverFeatures accumulates GuestFeatures writes, paged by
	// drvFeatureSel. The selector and the accumulator are distinct fields;
	// a write to one never touches the other.
	driverFeatures uint64
	drvFeatureSel  uint32

	// interruptStatus is read by the driver at offset InterruptStatus and
	// cleared bit-by-bit on a write-1 to InterruptAck. It is accessed with
	// atomic stores so a concurrent read from another trap path never
	// observes a torn update, per the ordering guarantees on irt_stat.
	interruptStatus atomic.Uint32
	interruptAck    uint32

	deviceStatus uint32
}

// NewRegisterFile constructs a register file for one device kind instance.
// hostFeatures should already include VirtioFVersion1 where required.
func NewRegisterFile(deviceID, vendorID uint32, hostFeatures uint64) *RegisterFile {
	return &RegisterFile{
		deviceID:     deviceID,
		vendorID:     vendorID,
		hostFeatures: hostFeatures,
	}
}

func (r *RegisterFile) Magic() uint32     { return virtioMagicValue }
func (r *RegisterFile) Version() uint32   { return virtioVersion }
func (r *RegisterFile) DeviceID() uint32  { return r.deviceID }
func (r *RegisterFile) VendorID() uint32  { return r.vendorID }
func (r *RegisterFile) Status() uint32    { return r.deviceStatus }
func (r *RegisterFile) Activated() bool   { return r.deviceStatus&statusActivated == statusActivated }
func (r *RegisterFile) DriverFeatures() uint64 { return r.driverFeatures }
func (r *RegisterFile) DevFeatureSel() uint32  { return r.devFeatureSel }
func (r *RegisterFile) DrvFeatureSel() uint32  { return r.drvFeatureSel }

// ReadDriverFeatures returns the low or high 32 bits of the accumulated
// driver_features word, selected by the last WriteDrvFeatureSel call, so a
// read of GuestFeatures returns every bit accumulated into that half.
func (r *RegisterFile) ReadDriverFeatures() uint32 {
	if r.drvFeatureSel == 0 {
		return uint32(r.driverFeatures)
	}
	return uint32(r.driverFeatures >> 32)
}

// ReadHostFeatures returns the low or high 32 bits of the fixed feature
// mask, selected by a prior write to DevFeatureSel.
func (r *RegisterFile) ReadHostFeatures() uint32 {
	if r.devFeatureSel == 0 {
		return uint32(r.hostFeatures)
	}
	return uint32(r.hostFeatures >> 32)
}

// WriteDevFeatureSel selects which half of HostFeatures the next
// ReadHostFeatures call returns.
func (r *RegisterFile) WriteDevFeatureSel(v uint32) { r.devFeatureSel = v }

// WriteDrvFeatureSel selects which half of driverFeatures the next
// WriteDriverFeatures call pages into.
func (r *RegisterFile) WriteDrvFeatureSel(v uint32) { r.drvFeatureSel = v }

// WriteDriverFeatures ORs v into the accumulator at the half named by the
// last WriteDrvFeatureSel, unless FEATURES_OK has already been latched — at
// that point further feature writes have no architectural effect.
func (r *RegisterFile) WriteDriverFeatures(v uint32) {
	if r.deviceStatus&StatusFeaturesOK != 0 {
		return
	}
	if r.drvFeatureSel == 0 {
		r.driverFeatures |= uint64(v)
	} else {
		r.driverFeatures |= uint64(v) << 32
	}
}

// WriteStatus applies a driver write to the status byte. It returns
// reset == true when the write was zero (the caller must then invalidate
// all virtqueue state and clear driver_features).
func (r *RegisterFile) WriteStatus(v uint32) (reset bool) {
	if v == 0 {
		r.deviceStatus = 0
		r.driverFeatures = 0
		return true
	}
	r.deviceStatus = v
	return false
}

// InterruptStatus returns the current interrupt-status bitmask.
func (r *RegisterFile) InterruptStatus() uint32 { return r.interruptStatus.Load() }

// RaiseInterrupt ORs bits into the interrupt-status register.
func (r *RegisterFile) RaiseInterrupt(bits uint32) {
	for {
		old := r.interruptStatus.Load()
		if old&bits == bits {
			return
		}
		if r.interruptStatus.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// Ack clears the acknowledged bits from interrupt-status and latches the
// write-1 value into InterruptAck, matching the clear-on-ack invariant.
func (r *RegisterFile) Ack(v uint32) {
	r.interruptAck = v
	for {
		old := r.interruptStatus.Load()
		if r.interruptStatus.CompareAndSwap(old, old&^v) {
			return
		}
	}
}
