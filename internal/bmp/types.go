package bmp

import "net/netip"

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// TLV type codes for Loc-RIB Route Monitoring (RFC 9069).
const (
	TLVTypeTableName uint16 = 0
)

// BMPVersion is the expected BMP protocol version.
const BMPVersion uint8 = 3

// PeerFlagAddPath is the F-bit in peer_flags (RFC 9069 Section 4.2).
const PeerFlagAddPath uint8 = 0x80

// PeerHeader is the decoded per-peer header.
type PeerHeader struct {
	Type          uint8
	Flags         uint8
	Distinguisher uint64
	Address       netip.Addr
	AS            uint32
	BGPID         netip.Addr
}

// ParsedBMP represents a parsed BMP message.
type ParsedBMP struct {
	MsgType        uint8
	Peer           PeerHeader
	IsLocRIB       bool
	HasAddPath     bool
	TableName      string
	PeerDownReason uint8
	BGPData        []byte // The encapsulated BGP message bytes
	Offset         int    // Byte offset of this message within the raw payload (set by ParseAll)
}

// PeerID names the BGP speaker a message is about: the peer address, or
// for Loc-RIB (where the address is zero) the local BGP identifier.
func (p *ParsedBMP) PeerID() string {
	if p.Peer.Address.IsValid() && !p.Peer.Address.IsUnspecified() {
		return p.Peer.Address.String()
	}
	if p.Peer.BGPID.IsValid() && !p.Peer.BGPID.IsUnspecified() {
		return p.Peer.BGPID.String()
	}
	return ""
}
