package bgp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/route-beacon/evpn-routed/internal/evpn"
)

// ErrShortBuffer is returned when a fixed-size field runs past the end of the
// input.
var ErrShortBuffer = errors.New("bgp: short buffer")

// MacIPFixedSize covers RD(8) + ESI(10) + Ethernet Tag(4) + MAC length(1) +
// MAC(6) + IP length(1) + MPLS Label1(3).
const MacIPFixedSize = 33

// MACLengthBits is the only MAC length defined for EVPN.
const MACLengthBits = 48

// MacIPAdvertisement is the RFC 7432 §7.2 route type 2 NLRI body.
type MacIPAdvertisement struct {
	RD          evpn.RouteDistinguisher
	ESI         [10]byte
	EthernetTag uint32
	MACLength   uint8
	MAC         evpn.MAC
	IPLength    uint8 // 0, 32 or 128
	IP          netip.Addr
	Label1      evpn.Label
	Label2      evpn.Label
	HasLabel2   bool
}

// NewMacAdvertisement builds the MAC-only form used for outbound routes:
// zero ESI, Ethernet Tag 0, no IP address and a single label.
func NewMacAdvertisement(rd evpn.RouteDistinguisher, mac evpn.MAC, label evpn.Label) *MacIPAdvertisement {
	return &MacIPAdvertisement{
		RD:        rd,
		MACLength: MACLengthBits,
		MAC:       mac,
		Label1:    label,
	}
}

// DecodeMacIPAdvertisement decodes one type 2 NLRI body. The second label is
// present only when exactly three bytes follow the first one.
func DecodeMacIPAdvertisement(data []byte) (*MacIPAdvertisement, error) {
	if len(data) < MacIPFixedSize {
		return nil, fmt.Errorf("%w: mac/ip advertisement needs %d bytes, have %d", ErrShortBuffer, MacIPFixedSize, len(data))
	}

	m := &MacIPAdvertisement{}
	offset := 0

	m.RD = evpn.RouteDistinguisherFromBytes(data[offset : offset+8])
	offset += 8
	copy(m.ESI[:], data[offset:offset+10])
	offset += 10
	m.EthernetTag = binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4

	m.MACLength = data[offset]
	offset++
	if m.MACLength != MACLengthBits {
		return nil, fmt.Errorf("bgp: unsupported mac length %d", m.MACLength)
	}
	copy(m.MAC[:], data[offset:offset+6])
	offset += 6

	m.IPLength = data[offset]
	offset++

	var ipLen int
	switch m.IPLength {
	case 0:
	case 32:
		ipLen = 4
	case 128:
		ipLen = 16
	default:
		return nil, fmt.Errorf("bgp: invalid ip length %d", m.IPLength)
	}
	if len(data) < MacIPFixedSize+ipLen {
		return nil, fmt.Errorf("%w: ip address needs %d bytes, have %d", ErrShortBuffer, ipLen, len(data)-offset-3)
	}
	switch ipLen {
	case 4:
		m.IP = netip.AddrFrom4([4]byte(data[offset : offset+4]))
	case 16:
		m.IP = netip.AddrFrom16([16]byte(data[offset : offset+16]))
	}
	offset += ipLen

	m.Label1 = evpn.LabelFromBytes(data[offset : offset+3])
	offset += 3

	switch rest := len(data) - offset; rest {
	case 0:
	case 3:
		m.Label2 = evpn.LabelFromBytes(data[offset : offset+3])
		m.HasLabel2 = true
	default:
		if rest < 3 {
			return nil, fmt.Errorf("%w: second label needs 3 bytes, have %d", ErrShortBuffer, rest)
		}
		return nil, fmt.Errorf("bgp: %d trailing bytes after mac/ip advertisement", rest-3)
	}

	return m, nil
}

// AppendTo encodes m onto b. The result carries no outer length.
func (m *MacIPAdvertisement) AppendTo(b []byte) ([]byte, error) {
	rd := m.RD.Bytes()
	b = append(b, rd[:]...)
	b = append(b, m.ESI[:]...)
	b = binary.BigEndian.AppendUint32(b, m.EthernetTag)
	b = append(b, m.MACLength)
	b = append(b, m.MAC[:]...)
	b = append(b, m.IPLength)

	switch m.IPLength {
	case 0:
	case 32:
		if !m.IP.Is4() {
			return nil, fmt.Errorf("bgp: ip length 32 with address %v", m.IP)
		}
		a := m.IP.As4()
		b = append(b, a[:]...)
	case 128:
		if !m.IP.Is6() {
			return nil, fmt.Errorf("bgp: ip length 128 with address %v", m.IP)
		}
		a := m.IP.As16()
		b = append(b, a[:]...)
	default:
		return nil, fmt.Errorf("bgp: invalid ip length %d", m.IPLength)
	}

	l1 := m.Label1.Bytes()
	b = append(b, l1[:]...)
	if m.HasLabel2 {
		l2 := m.Label2.Bytes()
		b = append(b, l2[:]...)
	}
	return b, nil
}

func (m *MacIPAdvertisement) Encode() ([]byte, error) {
	return m.AppendTo(make([]byte, 0, MacIPFixedSize+16+3))
}

// EVPNNLRI is one entry of an EVPN NLRI list. MacIP is set for route type 2
// entries that decoded cleanly, Err for those that did not. Other route
// types keep only their raw body.
type EVPNNLRI struct {
	RouteType uint8
	Body      []byte
	MacIP     *MacIPAdvertisement
	Err       error
}

// DecodeEVPNNLRIs splits an EVPN NLRI list into entries of
// type(1) + length(1) + body. A broken envelope fails the whole list; a
// malformed type 2 body only marks its own entry.
func DecodeEVPNNLRIs(data []byte) ([]EVPNNLRI, error) {
	var out []EVPNNLRI
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return out, fmt.Errorf("%w: evpn nlri header at offset %d", ErrShortBuffer, offset)
		}
		routeType := data[offset]
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return out, fmt.Errorf("%w: evpn nlri type %d needs %d bytes, have %d", ErrShortBuffer, routeType, length, len(data)-offset)
		}

		entry := EVPNNLRI{RouteType: routeType, Body: data[offset : offset+length]}
		if routeType == EVPNRouteTypeMacIPAdvert {
			entry.MacIP, entry.Err = DecodeMacIPAdvertisement(entry.Body)
		}
		out = append(out, entry)
		offset += length
	}
	return out, nil
}

// AppendEVPNNLRI wraps an encoded body in the EVPN type/length envelope.
func AppendEVPNNLRI(b []byte, routeType uint8, body []byte) ([]byte, error) {
	if len(body) > 255 {
		return nil, fmt.Errorf("bgp: evpn nlri body too long (%d bytes)", len(body))
	}
	b = append(b, routeType, byte(len(body)))
	return append(b, body...), nil
}

// AppendMacIPNLRIs encodes each advertisement as a type 2 EVPN NLRI entry.
func AppendMacIPNLRIs(b []byte, nlris []*MacIPAdvertisement) ([]byte, error) {
	for _, n := range nlris {
		body, err := n.Encode()
		if err != nil {
			return nil, err
		}
		if b, err = AppendEVPNNLRI(b, EVPNRouteTypeMacIPAdvert, body); err != nil {
			return nil, err
		}
	}
	return b, nil
}
