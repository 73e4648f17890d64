package header

import (
	"encoding/binary"

	"github.com/SlopLabs/netstack/types"
)

const (
	ethDstMAC = 0
	ethSrcMAC = 6
	ethType   = 12
)

// EthernetFields contains the fields of an ethernet frame header. It is used
// to describe the fields of a frame that needs to be encoded
type EthernetFields struct {
	// SrcAddr is the "MAC source" field of an ethernet frame header
	SrcAddr types.LinkAddress

	// DstAddr is the "MAC destination" field of an ethernet frame header
	DstAddr types.LinkAddress

	// Type is the "ethertype" field of an ethernet frame header
	Type types.NetworkProtocolNumber
}

// Ethernet represents an ethernet frame header stored in a byte array
type Ethernet []byte

const (
	// EthernetMinimumSize is the minimum size of a valid ethernet header
	EthernetMinimumSize = 14

	// EthernetAddressSize is the size, in bytes, of an ethernet address
	EthernetAddressSize = 6
)

// BroadcastLinkAddress is the broadcast hardware address
var BroadcastLinkAddress = types.LinkAddress("\xff\xff\xff\xff\xff\xff")

// SourceAddress returns the "MAC source" field of the ethernet frame header
func (b Ethernet) SourceAddress() types.LinkAddress {
	return types.LinkAddress(b[ethSrcMAC:][:EthernetAddressSize])
}

// DestinationAddress returns the "MAC destination" field of the ethernet
// frame header
func (b Ethernet) DestinationAddress() types.LinkAddress {
	return types.LinkAddress(b[ethDstMAC:][:EthernetAddressSize])
}

// Type returns the "ethertype" field of the ethernet frame header
func (b Ethernet) Type() types.NetworkProtocolNumber {
	return types.NetworkProtocolNumber(binary.BigEndian.Uint16(b[ethType:]))
}

// Encode encodes all the fields of the ethernet frame header
func (b Ethernet) Encode(e *EthernetFields) {
	binary.BigEndian.PutUint16(b[ethType:], uint16(e.Type))
	copy(b[ethSrcMAC:][:EthernetAddressSize], e.SrcAddr)
	copy(b[ethDstMAC:][:EthernetAddressSize], e.DstAddr)
}
