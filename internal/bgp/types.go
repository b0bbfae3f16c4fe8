package bgp

// BGP path attribute type codes.
const (
	AttrTypeOrigin        uint8 = 1
	AttrTypeASPath        uint8 = 2
	AttrTypeNextHop       uint8 = 3
	AttrTypeMPReachNLRI   uint8 = 14
	AttrTypeMPUnreachNLRI uint8 = 15
	AttrTypeExtCommunity  uint8 = 16
)

// Path attribute flag bits.
const (
	AttrFlagOptional    uint8 = 0x80
	AttrFlagTransitive  uint8 = 0x40
	AttrFlagPartial     uint8 = 0x20
	AttrFlagExtendedLen uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4  uint16 = 1
	AFIIPv6  uint16 = 2
	AFIL2VPN uint16 = 25
)

// SAFI codes.
const (
	SAFIUnicast uint8 = 1
	SAFIEVPN    uint8 = 70
)

// EVPN route types (RFC 7432 §7).
const (
	EVPNRouteTypeEthernetAD      uint8 = 1
	EVPNRouteTypeMacIPAdvert     uint8 = 2
	EVPNRouteTypeInclusiveMcast  uint8 = 3
	EVPNRouteTypeEthernetSegment uint8 = 4
)

// Origin values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// BGP message types.
const (
	BGPMsgTypeUpdate uint8 = 2
)

// BGP UPDATE header size: marker(16) + length(2) + type(1) = 19
const BGPHeaderSize = 19

// BGPMaxMessageSize is the RFC 4271 message size limit.
const BGPMaxMessageSize = 4096

// Operation selects between advertising and withdrawing NLRI.
type Operation uint8

const (
	OpAdd Operation = iota + 1
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}
