package virtio

import (
	"encoding/binary"

	"github.com/hvcore/virtio-mmio/internal/hv"
)

// HandleAccess decodes one trapped load or store against this device's
// register bank. offset is relative to the device's MMIO window base; the
// operand travels through the trapping vCPU's general-purpose register named
// by ctx.Reg. A returned error is the non-fatal access failure the
// dispatcher turns into a fault-like resume; no error here mutates state
// beyond what the access itself legitimately touched.
func (d *Device) HandleAccess(offset uint64, ctx hv.TrapContext, regs hv.VCPURegisters) error {
	if ctx.Write {
		return d.writeRegister(offset, regs.ReadGPR(ctx.Reg))
	}
	value, err := d.readRegister(offset)
	if err != nil {
		return err
	}
	regs.WriteGPR(ctx.Reg, value)
	return nil
}

// writeRegister routes a store. QUEUE_NOTIFY and INTERRUPT_ACK are
// special-cased ahead of the region checks; notify in particular must not
// run under the device lock.
func (d *Device) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case regQueueNotify:
		return d.notify(value)
	case regInterruptAck:
		d.mu.Lock()
		d.regs.Ack(value)
		d.mu.Unlock()
		return nil
	}

	switch {
	case offset <= 0x024 || offset == regStatus:
		return d.writePrologue(offset, value)
	case offset >= regQueueSel && offset <= regQueueUsedHigh:
		return d.writeQueueRegister(offset, value)
	case offset >= regConfigGen && offset <= regConfigEnd:
		// Every binding this core ships exposes read-only config space.
		d.logger.Warn("write to read-only config space",
			"dev_id", d.id, "offset", offset, "value", value)
		return ErrWriteOnlyConfig
	default:
		d.logger.Warn("write to unsupported register",
			"dev_id", d.id, "offset", offset, "value", value)
		return ErrBadOffset
	}
}

// readRegister routes a load. INTERRUPT_STATUS is special-cased ahead of the
// region checks since it reads an atomic outside the device lock.
func (d *Device) readRegister(offset uint64) (uint32, error) {
	switch offset {
	case regInterruptStat:
		return d.regs.InterruptStatus(), nil
	case regInterruptAck:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.regs.interruptAck, nil
	}

	switch {
	case offset <= 0x024 || offset == regStatus:
		return d.readPrologue(offset)
	case offset >= regQueueSel && offset <= regQueueUsedHigh:
		return d.readQueueRegister(offset)
	case offset >= regConfigGen && offset <= regConfigEnd:
		return d.readConfig(offset)
	default:
		d.logger.Warn("read of unsupported register", "dev_id", d.id, "offset", offset)
		return 0, ErrBadOffset
	}
}

func (d *Device) writePrologue(offset uint64, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regDevFeatureSel:
		d.regs.WriteDevFeatureSel(value)
	case regDrvFeatures:
		d.regs.WriteDriverFeatures(value)
	case regDrvFeatureSel:
		d.regs.WriteDrvFeatureSel(value)
	case regStatus:
		if d.regs.WriteStatus(value) {
			d.resetLocked()
			return nil
		}
		if d.regs.Activated() && !d.activated {
			d.activated = true
			d.logger.Info("device activated",
				"dev_id", d.id, "kind", d.kind.String(),
				"features", d.regs.DriverFeatures())
		}
	case regMagicValue, regVersion, regDeviceID, regVendorID, regDeviceFeatures:
		d.logger.Warn("write to read-only register", "dev_id", d.id, "offset", offset)
		return ErrReadOnlyRegister
	default:
		d.logger.Warn("write to unsupported register", "dev_id", d.id, "offset", offset)
		return ErrBadOffset
	}
	return nil
}

func (d *Device) readPrologue(offset uint64) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regMagicValue:
		return d.regs.Magic(), nil
	case regVersion:
		return d.regs.Version(), nil
	case regDeviceID:
		return d.regs.DeviceID(), nil
	case regVendorID:
		return d.regs.VendorID(), nil
	case regDeviceFeatures:
		return d.regs.ReadHostFeatures(), nil
	case regDevFeatureSel:
		return d.regs.DevFeatureSel(), nil
	case regDrvFeatures:
		return d.regs.ReadDriverFeatures(), nil
	case regDrvFeatureSel:
		return d.regs.DrvFeatureSel(), nil
	case regStatus:
		return d.regs.Status(), nil
	default:
		d.logger.Warn("read of unsupported register", "dev_id", d.id, "offset", offset)
		return 0, ErrBadOffset
	}
}

// writeQueueRegister handles the queue region. An out-of-range q_sel during
// any queue access is refused and logged; the queue vector never grows to
// accommodate it.
func (d *Device) writeQueueRegister(offset uint64, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset == regQueueSel {
		d.queueSel = value
		return nil
	}

	q, err := d.selectedQueueLocked()
	if err != nil {
		d.logger.Error("queue access with invalid selector",
			"dev_id", d.id, "q_sel", d.queueSel, "offset", offset)
		return err
	}

	switch offset {
	case regQueueNum:
		if err := q.SetSize(uint16(value)); err != nil {
			d.logger.Error("invalid queue size",
				"dev_id", d.id, "queue", d.queueSel, "num", value, "max", q.NumMax())
			return err
		}
	case regQueueReady:
		q.SetReady(value&1 != 0)
	case regQueueDescLow:
		q.WriteDescLow(value)
	case regQueueDescHigh:
		d.logInstallFailure(q, "desc", q.WriteDescHigh(value))
	case regQueueAvailLow:
		q.WriteAvailLow(value)
	case regQueueAvailHigh:
		d.logInstallFailure(q, "avail", q.WriteAvailHigh(value))
	case regQueueUsedLow:
		q.WriteUsedLow(value)
	case regQueueUsedHigh:
		d.logInstallFailure(q, "used", q.WriteUsedHigh(value))
	case regQueueNumMax:
		d.logger.Warn("write to read-only register", "dev_id", d.id, "offset", offset)
		return ErrReadOnlyRegister
	default:
		d.logger.Warn("write to unsupported register", "dev_id", d.id, "offset", offset)
		return ErrBadOffset
	}
	return nil
}

// logInstallFailure emits the translation-failure diagnostic after a
// high-word write that did not yield a live view. The write itself has
// already been discarded by the queue.
func (d *Device) logInstallFailure(q *VirtQueue, ring string, installed bool) {
	if !installed && q.Num() != 0 {
		d.logger.Error("ring base translation failed; view not installed",
			"dev_id", d.id, "queue", q.index, "ring", ring)
	}
}

func (d *Device) readQueueRegister(offset uint64) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset == regQueueSel {
		return d.queueSel, nil
	}

	q, err := d.selectedQueueLocked()
	if err != nil {
		d.logger.Error("queue access with invalid selector",
			"dev_id", d.id, "q_sel", d.queueSel, "offset", offset)
		return 0, err
	}

	switch offset {
	case regQueueNumMax:
		return uint32(q.NumMax()), nil
	case regQueueNum:
		return uint32(q.Num()), nil
	case regQueueReady:
		if q.Ready() {
			return 1, nil
		}
		return 0, nil
	case regQueueDescLow:
		return q.DescLow(), nil
	case regQueueDescHigh:
		return q.DescHigh(), nil
	case regQueueAvailLow:
		return q.AvailLow(), nil
	case regQueueAvailHigh:
		return q.AvailHigh(), nil
	case regQueueUsedLow:
		return q.UsedLow(), nil
	case regQueueUsedHigh:
		return q.UsedHigh(), nil
	default:
		d.logger.Warn("read of unsupported register", "dev_id", d.id, "offset", offset)
		return 0, ErrBadOffset
	}
}

// readConfig serves the config-generation word and a 4-byte window over the
// binding's config image. Reads past the end of the image return zero, the
// same as real hardware padding.
func (d *Device) readConfig(offset uint64) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset == regConfigGen {
		return d.configGen, nil
	}
	if offset < regConfigBase {
		return 0, ErrBadOffset
	}

	cfg := d.binding.ConfigBytes()
	rel := offset - regConfigBase
	if rel >= uint64(len(cfg)) {
		return 0, nil
	}
	var buf [4]byte
	copy(buf[:], cfg[rel:])
	return binary.LittleEndian.Uint32(buf[:]), nil
}
