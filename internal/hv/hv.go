// Package hv defines the narrow external-collaborator interfaces this
// module depends on but does not implement: guest-physical address
// translation, the trapping vCPU's general-purpose register file, and the
// trap context handed down from the dispatcher. Stage-2 paging, the vCPU
// itself, and the trap-dispatch layer all live outside this module.
package hv

import "errors"

// ErrNotMapped is returned by a Translator when a guest-physical address has
// no backing host memory.
var ErrNotMapped = errors.New("hv: guest-physical address not mapped")

// Translator resolves a guest-physical address range to a host-addressable
// view. Implementations typically walk stage-2 page tables. Translate is
// called once per ring-base installation and once per descriptor segment
// dereference; it must be safe to call concurrently from multiple vCPU
// threads trapping into different devices.
//
// A Translate that returns ok == false corresponds to the "translate
// returns 0" case in the virtio MMIO normative description: the caller must
// treat the address as unmapped and refuse to install or dereference it.
type Translator interface {
	Translate(gpa uint64, length uint32) (view []byte, ok bool)
}

// VCPURegisters is the trapping vCPU's general-purpose register file, as
// seen from an MMIO access handler.
type VCPURegisters interface {
	ReadGPR(index uint8) uint32
	WriteGPR(index uint8, value uint32)
}

// TrapContext describes a single trapped MMIO load or store, as delivered
// by the (external) trap-dispatch layer. Access width for the register bank
// is always 4 bytes; Reg names the general-purpose register carrying the
// operand.
type TrapContext struct {
	Address uint64
	Reg     uint8
	Write   bool
}
