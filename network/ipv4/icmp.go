package ipv4

import (
	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/types"
)

// handleICMP answers echo requests addressed to the endpoint. Everything
// else in the ICMP space is dropped; the packet arrives with its transport
// header at the front and is always consumed
func (e *endpoint) handleICMP(r *types.Route, pkt *buffer.Packet) {
	v := pkt.Data()
	if len(v) < header.ICMPv4MinimumSize {
		e.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	h := header.ICMPv4(v)
	switch h.Type() {
	case header.ICMPv4Echo:
		if len(v) < header.ICMPv4EchoMinimumSize {
			e.stats.MalformedRcvdPackets.Increment()
			pkt.Release()
			return
		}
		e.sendEchoReply(r, v)
	case header.ICMPv4EchoReply:
		// No local ping endpoint to deliver to
	}

	pkt.Release()
}

// sendEchoReply builds a reply carrying the request's identifier, sequence
// and payload, with source and destination swapped
func (e *endpoint) sendEchoReply(r *types.Route, req []byte) {
	reply := e.pool.Allocate()
	if reply == nil {
		e.stats.DroppedPackets.Increment()
		return
	}

	if !reply.Append(req) {
		e.stats.DroppedPackets.Increment()
		reply.Release()
		return
	}
	reply.MarkTransportHeader()

	h := header.ICMPv4(reply.Data())
	h.SetType(header.ICMPv4EchoReply)
	h.SetChecksum(0)
	h.SetChecksum(^checksum.Checksum(reply.Data(), 0))

	// Reply goes back the way the request came; the request's source link
	// address spares a resolution round trip
	back := types.MakeRoute(ProtocolNumber, r.LocalAddress, r.RemoteAddress, "", r.LocalLinkAddress, e)
	back.RemoteLinkAddress = r.RemoteLinkAddress

	e.WritePacket(&back, reply, header.ICMPv4ProtocolNumber)
}
