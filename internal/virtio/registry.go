package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hvcore/virtio-mmio/internal/hv"
)

// MMIOWindowSize is the span of one device's register window, including the
// config space.
const MMIOWindowSize = 0x200

// Registry is the device-id table the trap dispatcher consults. It owns the
// devices and the parallel table of MMIO window bases the access decoder
// uses to turn a faulting address into a register offset. Devices live for
// the lifetime of the guest; there is no unregister.
type Registry struct {
	mu sync.Mutex

	devices map[uint32]*Device
	bases   map[uint32]uint64

	translator hv.Translator
	logger     *slog.Logger
}

// NewRegistry builds an empty registry. translator is the guest-physical
// translator shared by every device's virtqueues; logger may be nil for the
// default slog logger.
func NewRegistry(translator hv.Translator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices:    make(map[uint32]*Device),
		bases:      make(map[uint32]uint64),
		translator: translator,
		logger:     logger,
	}
}

// RegisterDevice allocates a device under devID with its MMIO window at
// base, initialises the register file to the binding's defaults, and creates
// the binding's virtqueues in reset state. Called by the launcher during
// hypervisor bring-up, before any vCPU runs; re-using a dev_id is refused.
func (r *Registry) RegisterDevice(devID uint32, base uint64, binding DeviceBinding) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[devID]; exists {
		return nil, fmt.Errorf("virtio: dev_id %d already registered", devID)
	}

	dev := newDevice(devID, binding, r.translator, r.logger)
	r.devices[devID] = dev
	r.bases[devID] = base
	r.logger.Info("registered device",
		"dev_id", devID, "kind", binding.Kind().String(), "base", fmt.Sprintf("%#x", base))
	return dev, nil
}

// Device looks up a registered device by id.
func (r *Registry) Device(devID uint32) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[devID]
	return dev, ok
}

// HandleTrap is the dispatcher's entry into this core: it resolves devID,
// computes the register offset from the device's window base, and routes the
// access through the decoder. A returned error is a non-fatal access
// failure; the dispatcher injects a fault-like resume and the vCPU
// continues.
func (r *Registry) HandleTrap(devID uint32, ctx hv.TrapContext, regs hv.VCPURegisters) error {
	r.mu.Lock()
	dev, ok := r.devices[devID]
	base := r.bases[devID]
	r.mu.Unlock()

	if !ok {
		r.logger.Error("trap for unknown device", "dev_id", devID,
			"address", fmt.Sprintf("%#x", ctx.Address))
		return ErrUnknownDevice
	}
	if ctx.Address < base || ctx.Address >= base+MMIOWindowSize {
		r.logger.Error("trap outside device window", "dev_id", devID,
			"address", fmt.Sprintf("%#x", ctx.Address), "base", fmt.Sprintf("%#x", base))
		return ErrBadOffset
	}
	return dev.HandleAccess(ctx.Address-base, ctx, regs)
}
