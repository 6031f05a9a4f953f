package virtio

import "encoding/binary"

// Net and Console bindings. Both kinds carry the full register-file and
// virtqueue machinery through the shared Device type; only their notify
// handlers are unimplemented, so a driver can probe and negotiate against
// them but any queue kick fails back to the dispatcher until a real
// back-end lands.

const (
	netDeviceID    uint32 = 1
	netQueueCount         = 2 // rx, tx
	netQueueNumMax uint16 = 256

	consoleDeviceID    uint32 = 3
	consoleQueueCount         = 2 // rx, tx
	consoleQueueNumMax uint16 = 64
)

// NetBinding is the placeholder virtio-net binding.
type NetBinding struct {
	mac [6]byte
}

// NewNetBinding builds a net binding advertising mac in config space.
func NewNetBinding(mac [6]byte) *NetBinding {
	return &NetBinding{mac: mac}
}

func (n *NetBinding) Kind() DeviceKind  { return KindNet }
func (n *NetBinding) DeviceID() uint32  { return netDeviceID }
func (n *NetBinding) Features() uint64  { return VirtioFVersion1 | netFMac }
func (n *NetBinding) NumQueues() int    { return netQueueCount }
func (n *NetBinding) QueueMaxSize(queue int) uint16 { return netQueueNumMax }
func (n *NetBinding) OnReset()          {}

const netFMac uint64 = 1 << 5

// ConfigBytes exposes the MAC address followed by a link-up status word.
func (n *NetBinding) ConfigBytes() []byte {
	var buf [8]byte
	copy(buf[0:6], n.mac[:])
	binary.LittleEndian.PutUint16(buf[6:8], 1) // VIRTIO_NET_S_LINK_UP
	return buf[:]
}

func (n *NetBinding) OnQueueNotify(dev *Device, q *VirtQueue) error {
	return ErrNoNotifyHandler
}

// ConsoleBinding is the placeholder virtio-console binding.
type ConsoleBinding struct{}

func NewConsoleBinding() *ConsoleBinding { return &ConsoleBinding{} }

func (c *ConsoleBinding) Kind() DeviceKind  { return KindConsole }
func (c *ConsoleBinding) DeviceID() uint32  { return consoleDeviceID }
func (c *ConsoleBinding) Features() uint64  { return VirtioFVersion1 }
func (c *ConsoleBinding) NumQueues() int    { return consoleQueueCount }
func (c *ConsoleBinding) QueueMaxSize(queue int) uint16 { return consoleQueueNumMax }
func (c *ConsoleBinding) OnReset()          {}

// ConfigBytes exposes the cols/rows window size, fixed at 80x25.
func (c *ConsoleBinding) ConfigBytes() []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint16(buf[0:2], 80)
	binary.LittleEndian.PutUint16(buf[2:4], 25)
	return buf[:]
}

func (c *ConsoleBinding) OnQueueNotify(dev *Device, q *VirtQueue) error {
	return ErrNoNotifyHandler
}

var (
	_ DeviceBinding = (*BlockBinding)(nil)
	_ DeviceBinding = (*NetBinding)(nil)
	_ DeviceBinding = (*ConsoleBinding)(nil)
)
