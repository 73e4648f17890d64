package header

import (
	"encoding/binary"

	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/types"
)

const (
	srcPort     = 0
	dstPort     = 2
	seqNum      = 4
	ackNum      = 8
	dataOffset  = 12
	tcpFlags    = 13
	winSize     = 14
	tcpChecksum = 16
	urgentPtr   = 18
)

// Flags that may be set in a TCP segment
const (
	TCPFlagFin = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// Options that may be present in a TCP segment
const (
	TCPOptionEOL = 0
	TCPOptionNOP = 1
	TCPOptionMSS = 2
)

// TCPFields contains the fields of a TCP packet. It is used to describe the
// fields of a packet that needs to be encoded
type TCPFields struct {
	// SrcPort is the "source port" field of a TCP packet
	SrcPort uint16

	// DstPort is the "destination port" field of a TCP packet
	DstPort uint16

	// SeqNum is the "sequence number" field of a TCP packet
	SeqNum uint32

	// AckNum is the "acknowledgement number" field of a TCP packet
	AckNum uint32

	// DataOffset is the "data offset" field of a TCP packet, in bytes
	DataOffset uint8

	// Flags is the "flags" field of a TCP packet
	Flags uint8

	// WindowSize is the "window size" field of a TCP packet
	WindowSize uint16

	// Checksum is the "checksum" field of a TCP packet
	Checksum uint16

	// UrgentPointer is the "urgent pointer" field of a TCP packet
	UrgentPointer uint16
}

// TCP represents a TCP header stored in a byte array
type TCP []byte

const (
	// TCPMinimumSize is the minimum size of a valid TCP packet
	TCPMinimumSize = 20

	// TCPProtocolNumber is TCP's transport protocol number
	TCPProtocolNumber types.TransportProtocolNumber = 6
)

// SourcePort returns the "source port" field of the tcp header
func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[srcPort:])
}

// DestinationPort returns the "destination port" field of the tcp header
func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[dstPort:])
}

// SequenceNumber returns the "sequence number" field of the tcp header
func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[seqNum:])
}

// AckNumber returns the "acknowledgement number" field of the tcp header
func (b TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[ackNum:])
}

// DataOffset returns the "data offset" field of the tcp header, in bytes
func (b TCP) DataOffset() uint8 {
	return (b[dataOffset] >> 4) * 4
}

// Payload returns the data in the tcp segment
func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

// Flags returns the flags field of the tcp header
func (b TCP) Flags() uint8 {
	return b[tcpFlags]
}

// WindowSize returns the "window size" field of the tcp header
func (b TCP) WindowSize() uint16 {
	return binary.BigEndian.Uint16(b[winSize:])
}

// Options returns a slice covering the options of the tcp header
func (b TCP) Options() []byte {
	return b[TCPMinimumSize:b.DataOffset()]
}

// SetChecksum sets the checksum field of the tcp header
func (b TCP) SetChecksum(xsum uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], xsum)
}

// Checksum returns the checksum field of the tcp header
func (b TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[tcpChecksum:])
}

// CalculateChecksum calculates the checksum of the tcp segment given the
// checksum of the network-layer pseudo-header and the checksum of the
// segment data
func (b TCP) CalculateChecksum(partialChecksum uint16, totalLen uint16) uint16 {
	// Add the length portion of the checksum to the pseudo-checksum
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, totalLen)
	xsum := checksum.Checksum(tmp, partialChecksum)

	// Calculate the rest of the checksum
	return checksum.Checksum(b[:b.DataOffset()], xsum)
}

// Encode encodes all the fields of the tcp header
func (b TCP) Encode(t *TCPFields) {
	binary.BigEndian.PutUint16(b[srcPort:], t.SrcPort)
	binary.BigEndian.PutUint16(b[dstPort:], t.DstPort)
	binary.BigEndian.PutUint32(b[seqNum:], t.SeqNum)
	binary.BigEndian.PutUint32(b[ackNum:], t.AckNum)
	b[dataOffset] = (t.DataOffset / 4) << 4
	b[tcpFlags] = t.Flags
	binary.BigEndian.PutUint16(b[winSize:], t.WindowSize)
	binary.BigEndian.PutUint16(b[tcpChecksum:], t.Checksum)
	binary.BigEndian.PutUint16(b[urgentPtr:], t.UrgentPointer)
}

// TCPSynOptions is used to return the options parsed from a SYN segment
type TCPSynOptions struct {
	// MSS is the maximum segment size provided by the peer in the SYN
	MSS uint16
}

// ParseSynOptions parses the options received in a SYN segment. opts should
// point to the option part of the TCP header
func ParseSynOptions(opts []byte) TCPSynOptions {
	limit := len(opts)

	// If an MSS option is not received at connection setup, TCP MUST
	// assume a default send MSS of 536
	synOpts := TCPSynOptions{
		MSS: 536,
	}

	for i := 0; i < limit; {
		switch opts[i] {
		case TCPOptionEOL:
			i = limit
		case TCPOptionNOP:
			i++
		case TCPOptionMSS:
			if i+4 > limit || opts[i+1] != 4 {
				return synOpts
			}
			mss := uint16(opts[i+2])<<8 | uint16(opts[i+3])
			if mss == 0 {
				return synOpts
			}
			synOpts.MSS = mss
			i += 4
		default:
			// We don't recognize this option, just skip over it
			if i+2 > limit {
				return synOpts
			}
			l := int(opts[i+1])
			if l < 2 || i+l > limit {
				return synOpts
			}
			i += l
		}
	}

	return synOpts
}

// EncodeMSSOption encodes an MSS option into the given slice and returns the
// number of bytes written
func EncodeMSSOption(mss uint16, b []byte) int {
	const mssOptionLength = 4
	if len(b) < mssOptionLength {
		return 0
	}
	b[0] = TCPOptionMSS
	b[1] = mssOptionLength
	b[2] = uint8(mss >> 8)
	b[3] = uint8(mss)
	return mssOptionLength
}
