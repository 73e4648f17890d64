package header

import (
	"encoding/binary"

	"github.com/SlopLabs/netstack/types"
)

// ICMPv4 represents an ICMPv4 header stored in a byte array
type ICMPv4 []byte

const (
	// ICMPv4MinimumSize is the minimum size of a valid ICMP packet
	ICMPv4MinimumSize = 4

	// ICMPv4EchoMinimumSize is the minimum size of a valid ICMP echo
	// packet
	ICMPv4EchoMinimumSize = 8

	// ICMPv4ProtocolNumber is the ICMP transport protocol number
	ICMPv4ProtocolNumber types.TransportProtocolNumber = 1
)

// ICMPv4Type is the ICMP type field described in RFC 792
type ICMPv4Type byte

// Typical values of ICMPv4Type defined in RFC 792
const (
	ICMPv4EchoReply      ICMPv4Type = 0
	ICMPv4DstUnreachable ICMPv4Type = 3
	ICMPv4Echo           ICMPv4Type = 8
)

// Values for ICMP code as defined in RFC 792
const (
	ICMPv4HostUnreachable = 1
	ICMPv4PortUnreachable = 3
)

// Type is the ICMP type field
func (b ICMPv4) Type() ICMPv4Type {
	return ICMPv4Type(b[0])
}

// SetType sets the ICMP type field
func (b ICMPv4) SetType(t ICMPv4Type) { b[0] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type
func (b ICMPv4) Code() byte { return b[1] }

// SetCode sets the ICMP code field
func (b ICMPv4) SetCode(c byte) { b[1] = c }

// Checksum is the ICMP checksum field
func (b ICMPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[2:])
}

// SetChecksum sets the ICMP checksum field
func (b ICMPv4) SetChecksum(xsum uint16) {
	binary.BigEndian.PutUint16(b[2:], xsum)
}
