package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/route-beacon/evpn-routed/internal/evpn"
)

// Extended community types used by this profile.
const (
	ExtCommunityTypeRouteTarget   uint16 = 0x0002
	ExtCommunityTypeEncapsulation uint16 = 0x030c
)

// Tunnel types carried in the Encapsulation extended community (RFC 8365).
const (
	TunnelTypeVXLAN uint16 = 8
	TunnelTypeNVGRE uint16 = 9
	TunnelTypeMPLS  uint16 = 10
)

// ExtCommunity is a single 8-byte extended community: a 2-byte type
// followed by a 6-byte value.
type ExtCommunity [8]byte

func (c ExtCommunity) Type() uint16 {
	return binary.BigEndian.Uint16(c[0:2])
}

// NewRouteTargetCommunity wraps rt in an extended community.
func NewRouteTargetCommunity(rt evpn.RouteTarget) ExtCommunity {
	var c ExtCommunity
	binary.BigEndian.PutUint16(c[0:2], rt.Type)
	copy(c[2:], rt.Value[:])
	return c
}

// RouteTarget reports the Route Target carried by c, if c is one.
func (c ExtCommunity) RouteTarget() (evpn.RouteTarget, bool) {
	if c.Type() != ExtCommunityTypeRouteTarget {
		return evpn.RouteTarget{}, false
	}
	rt := evpn.RouteTarget{Type: ExtCommunityTypeRouteTarget}
	copy(rt.Value[:], c[2:])
	return rt, true
}

// NewEncapsulationCommunity builds an RFC 5512 Encapsulation community with a
// zero reserved field.
func NewEncapsulationCommunity(tunnelType uint16) ExtCommunity {
	var c ExtCommunity
	binary.BigEndian.PutUint16(c[0:2], ExtCommunityTypeEncapsulation)
	binary.BigEndian.PutUint16(c[6:8], tunnelType)
	return c
}

// Encapsulation reports the reserved bytes and tunnel type carried by c, if c is an
// Encapsulation community.
func (c ExtCommunity) Encapsulation() (reserved uint32, tunnelType uint16, ok bool) {
	if c.Type() != ExtCommunityTypeEncapsulation {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(c[2:6]), binary.BigEndian.Uint16(c[6:8]), true
}

// String renders route targets and route origins for the 2-octet AS, IPv4
// and 4-octet AS types, plus the Encapsulation community. Anything else is
// rendered as hex.
func (c ExtCommunity) String() string {
	typeHigh := c[0]
	typeLow := c[1]

	if _, tunnel, ok := c.Encapsulation(); ok {
		if tunnel == TunnelTypeVXLAN {
			return "ENCAP:vxlan"
		}
		return fmt.Sprintf("ENCAP:%d", tunnel)
	}

	// Mask transitive bit for matching.
	switch typeHigh & 0x3F {
	case 0x00: // 2-Octet AS Specific
		asn := binary.BigEndian.Uint16(c[2:4])
		val := binary.BigEndian.Uint32(c[4:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	case 0x01: // IPv4 Address Specific
		ip := netip.AddrFrom4([4]byte(c[2:6]))
		val := binary.BigEndian.Uint16(c[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%s:%d", ip, val)
		case 0x03:
			return fmt.Sprintf("SOO:%s:%d", ip, val)
		}
	case 0x02: // 4-Octet AS Specific
		asn := binary.BigEndian.Uint32(c[2:6])
		val := binary.BigEndian.Uint16(c[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	}

	return hex.EncodeToString(c[:])
}

// ParseExtCommunities splits the EXTENDED_COMMUNITIES attribute value.
func ParseExtCommunities(data []byte) ([]ExtCommunity, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("bgp: extended communities length %d is not a multiple of 8", len(data))
	}
	out := make([]ExtCommunity, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		out = append(out, ExtCommunity(data[i:i+8]))
	}
	return out, nil
}

// AppendExtCommunities encodes comms back to back.
func AppendExtCommunities(b []byte, comms []ExtCommunity) []byte {
	for _, c := range comms {
		b = append(b, c[:]...)
	}
	return b
}

// FindRouteTarget returns the first Route Target in comms, skipping
// communities of any other type.
func FindRouteTarget(comms []ExtCommunity) (evpn.RouteTarget, bool) {
	for _, c := range comms {
		if rt, ok := c.RouteTarget(); ok {
			return rt, true
		}
	}
	return evpn.RouteTarget{}, false
}

// FindEncapsulation returns the tunnel type of the first Encapsulation
// community in comms.
func FindEncapsulation(comms []ExtCommunity) (uint16, bool) {
	for _, c := range comms {
		if _, tunnel, ok := c.Encapsulation(); ok {
			return tunnel, true
		}
	}
	return 0, false
}
