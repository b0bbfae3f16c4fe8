package evpn

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// RouteDistinguisher is the 8-byte RD value. The administrator subfield
// occupies the high 32 bits and the assigned number the low 32 bits.
type RouteDistinguisher uint64

// ParseRouteDistinguisher parses the "<AS>:<number>" form. It reports false
// for malformed input instead of returning an error: callers treat a missing
// RD as "do not accept or advertise this route".
func ParseRouteDistinguisher(s string) (RouteDistinguisher, bool) {
	as, num, ok := splitAdminNumber(s)
	if !ok {
		return 0, false
	}
	asn, err := strconv.ParseUint(as, 10, 32)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, false
	}
	return RouteDistinguisher(asn<<32 | n), true
}

// RouteDistinguisherFromBytes reads a big-endian RD from the first 8 bytes of b.
func RouteDistinguisherFromBytes(b []byte) RouteDistinguisher {
	return RouteDistinguisher(binary.BigEndian.Uint64(b[:8]))
}

func (rd RouteDistinguisher) Bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(rd))
	return b
}

func (rd RouteDistinguisher) String() string {
	return fmt.Sprintf("%d:%d", uint64(rd)>>32, uint64(rd)&0xFFFFFFFF)
}

func (rd RouteDistinguisher) MarshalText() ([]byte, error) {
	return []byte(rd.String()), nil
}

func (rd *RouteDistinguisher) UnmarshalText(b []byte) error {
	v, ok := ParseRouteDistinguisher(string(b))
	if !ok {
		return fmt.Errorf("evpn: invalid route distinguisher %q", b)
	}
	*rd = v
	return nil
}

// RouteTargetType is the two-octet-AS Route Target extended community type.
const RouteTargetType uint16 = 0x0002

// RouteTarget is an extended community type plus its 6-byte value. For the
// two-octet-AS form the AS is Value[0:2] and the assigned number Value[2:6].
type RouteTarget struct {
	Type  uint16
	Value [6]byte
}

// NewRouteTarget builds a two-octet-AS Route Target.
func NewRouteTarget(as uint16, number uint32) RouteTarget {
	rt := RouteTarget{Type: RouteTargetType}
	binary.BigEndian.PutUint16(rt.Value[0:2], as)
	binary.BigEndian.PutUint32(rt.Value[2:6], number)
	return rt
}

// ParseRouteTarget parses the "<AS>:<number>" form with a 16-bit AS.
func ParseRouteTarget(s string) (RouteTarget, bool) {
	as, num, ok := splitAdminNumber(s)
	if !ok {
		return RouteTarget{}, false
	}
	asn, err := strconv.ParseUint(as, 10, 16)
	if err != nil {
		return RouteTarget{}, false
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return RouteTarget{}, false
	}
	return NewRouteTarget(uint16(asn), uint32(n)), true
}

func (rt RouteTarget) AS() uint16 {
	return binary.BigEndian.Uint16(rt.Value[0:2])
}

func (rt RouteTarget) Number() uint32 {
	return binary.BigEndian.Uint32(rt.Value[2:6])
}

func (rt RouteTarget) IsZero() bool {
	return rt == RouteTarget{}
}

func (rt RouteTarget) String() string {
	return fmt.Sprintf("%d:%d", rt.AS(), rt.Number())
}

func (rt RouteTarget) MarshalText() ([]byte, error) {
	return []byte(rt.String()), nil
}

func (rt *RouteTarget) UnmarshalText(b []byte) error {
	v, ok := ParseRouteTarget(string(b))
	if !ok {
		return fmt.Errorf("evpn: invalid route target %q", b)
	}
	*rt = v
	return nil
}

// Label is an MPLS label value carried in a 3-byte field.
type Label uint32

// MaxLabel is the largest value representable in the 3-byte field.
const MaxLabel Label = 0xFFFFFF

// Bytes encodes the low 24 bits of l big-endian.
func (l Label) Bytes() [3]byte {
	return [3]byte{byte(l >> 16), byte(l >> 8), byte(l)}
}

// LabelFromBytes decodes a 3-byte big-endian label.
func LabelFromBytes(b []byte) Label {
	return Label(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

// MAC is a 48-bit Ethernet address.
type MAC [6]byte

func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, fmt.Errorf("evpn: %w", err)
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("evpn: %q is not a 48-bit MAC address", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// splitAdminNumber splits "<admin>:<number>". A leading or trailing '!'
// marks an explicitly invalid value.
func splitAdminNumber(s string) (string, string, bool) {
	if s == "" || strings.HasPrefix(s, "!") || strings.HasSuffix(s, "!") {
		return "", "", false
	}
	admin, num, found := strings.Cut(s, ":")
	if !found || admin == "" || num == "" {
		return "", "", false
	}
	return admin, num, true
}

// ParseNextHop parses an IPv4 next-hop address.
func ParseNextHop(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("evpn: %w", err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("evpn: next hop %s is not an IPv4 address", s)
	}
	return addr, nil
}
