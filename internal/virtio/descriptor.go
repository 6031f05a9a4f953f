package virtio

import "github.com/hvcore/virtio-mmio/internal/hv"

// Segment is one descriptor of a chain, translated into a host-addressable
// buffer.
type Segment struct {
	Buffer   []byte
	Writable bool
}

// ReadDescriptorChain walks the chain rooted at head, following Next while
// descFNext is set, and translates each descriptor's guest-physical address
// through translator. The chain length is capped at the queue's negotiated
// size to prevent cycles from spinning forever.
//
// If a segment's address fails translation, the chain is abandoned: the
// segments collected so far are returned alongside ErrSegmentUnmapped, and
// the caller (a device binding) must still publish a used entry with
// length 0 so the driver observes completion. INDIRECT descriptors are
// unsupported in this core and abandon the chain the same way, with
// ErrMalformedChain.
func ReadDescriptorChain(q *VirtQueue, head uint16, translator hv.Translator) ([]Segment, error) {
	limit := int(q.Num())
	if limit == 0 {
		return nil, ErrMalformedChain
	}

	segments := make([]Segment, 0, 4)
	idx := head
	for i := 0; i < limit; i++ {
		desc, err := q.ReadDescriptor(idx)
		if err != nil {
			return segments, err
		}
		if desc.indirect() {
			return segments, ErrMalformedChain
		}
		view, ok := translator.Translate(desc.Addr, desc.Length)
		if !ok {
			return segments, ErrSegmentUnmapped
		}
		segments = append(segments, Segment{Buffer: view, Writable: desc.writable()})

		if !desc.hasNext() {
			return segments, nil
		}
		idx = desc.Next
	}
	// Exceeded the size cap while NEXT was still set: a cycle or an
	// adversarially long chain.
	return segments, ErrMalformedChain
}
