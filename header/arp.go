package header

import (
	"github.com/SlopLabs/netstack/types"
)

const (
	// ARPProtocolNumber is the ARP network protocol number
	ARPProtocolNumber types.NetworkProtocolNumber = 0x0806

	// ARPSize is the size of an IPv4-over-ethernet ARP packet
	ARPSize = 2 + 2 + 1 + 1 + 2 + 2*6 + 2*4
)

// ARPOp is an ARP opcode
type ARPOp uint16

// Typical ARP opcodes defined in RFC 826
const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

// ARP represents an ARP packet stored in a byte array
type ARP []byte

// HardwareAddressSpace returns the "hardware address space" field of the arp
// packet
func (a ARP) HardwareAddressSpace() uint16 {
	return uint16(a[0])<<8 | uint16(a[1])
}

// ProtocolAddressSpace returns the "protocol address space" field of the arp
// packet
func (a ARP) ProtocolAddressSpace() uint16 {
	return uint16(a[2])<<8 | uint16(a[3])
}

// Op returns the "opcode" field of the arp packet
func (a ARP) Op() ARPOp {
	return ARPOp(a[6])<<8 | ARPOp(a[7])
}

// SetOp sets the "opcode" field of the arp packet
func (a ARP) SetOp(op ARPOp) {
	a[6] = uint8(op >> 8)
	a[7] = uint8(op)
}

// SetIPv4OverEthernet sets the "address space" fields of the arp packet for
// resolving IPv4 addresses over ethernet
func (a ARP) SetIPv4OverEthernet() {
	a[0], a[1] = 0, 1       // htypeEthernet
	a[2], a[3] = 0x08, 0x00 // IPv4ProtocolNumber
	a[4] = 6                // macSize
	a[5] = uint8(IPv4AddressSize)
}

// HardwareAddressSender returns the "sender hardware address" field of the
// arp packet
func (a ARP) HardwareAddressSender() []byte {
	const s = 8
	return a[s : s+6]
}

// ProtocolAddressSender returns the "sender protocol address" field of the
// arp packet
func (a ARP) ProtocolAddressSender() []byte {
	const s = 8 + 6
	return a[s : s+4]
}

// HardwareAddressTarget returns the "target hardware address" field of the
// arp packet
func (a ARP) HardwareAddressTarget() []byte {
	const s = 8 + 6 + 4
	return a[s : s+6]
}

// ProtocolAddressTarget returns the "target protocol address" field of the
// arp packet
func (a ARP) ProtocolAddressTarget() []byte {
	const s = 8 + 6 + 4 + 6
	return a[s : s+4]
}

// IsValid performs basic validation on the arp packet
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	const htypeEthernet = 1
	const macSize = 6
	return a.HardwareAddressSpace() == htypeEthernet &&
		a.ProtocolAddressSpace() == uint16(IPv4ProtocolNumber) &&
		a[4] == macSize &&
		a[5] == IPv4AddressSize
}
