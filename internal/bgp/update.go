package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// AttrKind tags a path attribute for callers that only care about the
// multiprotocol and extended community attributes.
type AttrKind uint8

const (
	AttrKindOther AttrKind = iota
	AttrKindMPReach
	AttrKindMPUnreach
	AttrKindExtCommunity
)

func (k AttrKind) String() string {
	switch k {
	case AttrKindMPReach:
		return "mp_reach"
	case AttrKindMPUnreach:
		return "mp_unreach"
	case AttrKindExtCommunity:
		return "ext_community"
	default:
		return "other"
	}
}

// MPReach is the decoded MP_REACH_NLRI attribute. NLRI is left raw; its
// format depends on AFI/SAFI.
type MPReach struct {
	AFI     uint16
	SAFI    uint8
	NextHop netip.Addr
	NLRI    []byte
}

// IsEVPN reports whether the attribute carries L2VPN/EVPN NLRI.
func (m *MPReach) IsEVPN() bool {
	return m.AFI == AFIL2VPN && m.SAFI == SAFIEVPN
}

// MPUnreach is the decoded MP_UNREACH_NLRI attribute.
type MPUnreach struct {
	AFI  uint16
	SAFI uint8
	NLRI []byte
}

func (m *MPUnreach) IsEVPN() bool {
	return m.AFI == AFIL2VPN && m.SAFI == SAFIEVPN
}

// PathAttribute is one attribute of an UPDATE, in wire order. Exactly one of
// MPReach, MPUnreach or ExtCommunities is set, according to Kind.
type PathAttribute struct {
	Flags          uint8
	Code           uint8
	Kind           AttrKind
	Data           []byte
	MPReach        *MPReach
	MPUnreach      *MPUnreach
	ExtCommunities []ExtCommunity
}

// Update is a parsed UPDATE message body.
type Update struct {
	Withdrawn  []byte
	Attributes []PathAttribute
	NLRI       []byte
}

// ParseUpdate parses a BGP UPDATE message including its 19-byte header.
// Messages of any other type yield a nil Update and no error.
func ParseUpdate(data []byte) (*Update, error) {
	if len(data) < BGPHeaderSize {
		return nil, fmt.Errorf("bgp: update too short (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("bgp: invalid marker at byte %d", i)
		}
	}

	msgLen := int(binary.BigEndian.Uint16(data[16:18]))
	if msgLen < BGPHeaderSize || msgLen > len(data) {
		return nil, fmt.Errorf("bgp: header length %d does not match %d bytes", msgLen, len(data))
	}

	msgType := data[18]
	if msgType != BGPMsgTypeUpdate {
		return nil, nil // Not an UPDATE message; skip.
	}

	return ParseUpdateBody(data[BGPHeaderSize:msgLen])
}

// ParseUpdateBody parses an UPDATE message without its header, the form in
// which session libraries usually hand updates over.
func ParseUpdateBody(data []byte) (*Update, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(data))
	}

	offset := 0

	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", withdrawnLen)
	}
	u := &Update{Withdrawn: data[offset : offset+withdrawnLen]}
	offset += withdrawnLen

	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+totalPathAttrLen > len(data) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", totalPathAttrLen)
	}

	attrs, err := ParsePathAttributes(data[offset : offset+totalPathAttrLen])
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	u.Attributes = attrs
	offset += totalPathAttrLen

	u.NLRI = data[offset:]
	return u, nil
}

// ParsePathAttributes parses the path attributes section of an UPDATE.
func ParsePathAttributes(data []byte) ([]PathAttribute, error) {
	var attrs []PathAttribute

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return attrs, fmt.Errorf("bgp: attr header truncated at offset %d", offset)
		}

		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		// Attribute length: 1 byte or 2 bytes depending on Extended Length flag.
		var attrLen int
		if flags&AttrFlagExtendedLen != 0 {
			if offset+2 > len(data) {
				return attrs, fmt.Errorf("bgp: extended attr length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return attrs, fmt.Errorf("bgp: attr length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return attrs, fmt.Errorf("bgp: attr data truncated (type %d, need %d, have %d)", typeCode, attrLen, len(data)-offset)
		}

		attr := PathAttribute{Flags: flags, Code: typeCode, Data: data[offset : offset+attrLen]}
		offset += attrLen

		var err error
		switch typeCode {
		case AttrTypeMPReachNLRI:
			attr.Kind = AttrKindMPReach
			attr.MPReach, err = parseMPReachNLRI(attr.Data)
		case AttrTypeMPUnreachNLRI:
			attr.Kind = AttrKindMPUnreach
			attr.MPUnreach, err = parseMPUnreachNLRI(attr.Data)
		case AttrTypeExtCommunity:
			attr.Kind = AttrKindExtCommunity
			attr.ExtCommunities, err = ParseExtCommunities(attr.Data)
		}
		if err != nil {
			return attrs, err
		}
		attrs = append(attrs, attr)
	}

	return attrs, nil
}

func parseMPReachNLRI(data []byte) (*MPReach, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("bgp: mp_reach_nlri too short (%d bytes)", len(data))
	}

	m := &MPReach{
		AFI:  binary.BigEndian.Uint16(data[0:2]),
		SAFI: data[2],
	}
	nhLen := int(data[3])
	offset := 4

	if offset+nhLen > len(data) {
		return nil, fmt.Errorf("bgp: mp_reach_nlri next hop length %d exceeds data", nhLen)
	}

	nhData := data[offset : offset+nhLen]
	switch nhLen {
	case 4:
		m.NextHop = netip.AddrFrom4([4]byte(nhData))
	case 16, 32:
		// Global + link-local; use global.
		m.NextHop = netip.AddrFrom16([16]byte(nhData[:16]))
	}
	offset += nhLen

	// Skip SNPA entries (RFC 4760: 1-byte count, then N x {1-byte len, len bytes}).
	// EVPN speakers send a zero count, the reserved octet of RFC 4760.
	if offset >= len(data) {
		return nil, fmt.Errorf("bgp: mp_reach_nlri missing reserved octet")
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("bgp: mp_reach_nlri snpa truncated")
		}
		snpaLen := int(data[offset])
		offset++
		// SNPA length is in semi-octets; byte length = (snpaLen + 1) / 2
		snpaByteLen := (snpaLen + 1) / 2
		if offset+snpaByteLen > len(data) {
			return nil, fmt.Errorf("bgp: mp_reach_nlri snpa truncated")
		}
		offset += snpaByteLen
	}

	m.NLRI = data[offset:]
	return m, nil
}

func parseMPUnreachNLRI(data []byte) (*MPUnreach, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("bgp: mp_unreach_nlri too short (%d bytes)", len(data))
	}
	return &MPUnreach{
		AFI:  binary.BigEndian.Uint16(data[0:2]),
		SAFI: data[2],
		NLRI: data[3:],
	}, nil
}

// BuildUpdate encodes an UPDATE body announcing (OpAdd) or withdrawing
// (OpDelete) EVPN MAC/IP routes. Announcements carry ORIGIN, an empty
// AS_PATH, MP_REACH_NLRI and, when comms is non-empty,
// EXTENDED_COMMUNITIES. Withdrawals carry only MP_UNREACH_NLRI.
func BuildUpdate(op Operation, nextHop netip.Addr, comms []ExtCommunity, nlris []*MacIPAdvertisement) ([]byte, error) {
	nlriData, err := AppendMacIPNLRIs(nil, nlris)
	if err != nil {
		return nil, err
	}

	var attrs []byte
	switch op {
	case OpAdd:
		if !nextHop.Is4() {
			return nil, fmt.Errorf("bgp: next hop %v is not IPv4", nextHop)
		}
		attrs = AppendPathAttr(attrs, AttrFlagTransitive, AttrTypeOrigin, []byte{OriginIGP})
		attrs = AppendPathAttr(attrs, AttrFlagTransitive, AttrTypeASPath, nil)

		nh := nextHop.As4()
		reach := make([]byte, 0, 5+len(nh)+len(nlriData))
		reach = binary.BigEndian.AppendUint16(reach, AFIL2VPN)
		reach = append(reach, SAFIEVPN, byte(len(nh)))
		reach = append(reach, nh[:]...)
		reach = append(reach, 0) // reserved
		reach = append(reach, nlriData...)
		attrs = AppendPathAttr(attrs, AttrFlagOptional, AttrTypeMPReachNLRI, reach)

		if len(comms) > 0 {
			attrs = AppendPathAttr(attrs, AttrFlagOptional|AttrFlagTransitive, AttrTypeExtCommunity, AppendExtCommunities(nil, comms))
		}
	case OpDelete:
		unreach := make([]byte, 0, 3+len(nlriData))
		unreach = binary.BigEndian.AppendUint16(unreach, AFIL2VPN)
		unreach = append(unreach, SAFIEVPN)
		unreach = append(unreach, nlriData...)
		attrs = AppendPathAttr(attrs, AttrFlagOptional, AttrTypeMPUnreachNLRI, unreach)
	default:
		return nil, fmt.Errorf("bgp: unknown operation %d", op)
	}

	if len(attrs) > 0xFFFF {
		return nil, fmt.Errorf("bgp: path attributes too long (%d bytes)", len(attrs))
	}
	body := make([]byte, 0, 4+len(attrs))
	body = binary.BigEndian.AppendUint16(body, 0) // no IPv4 withdrawn routes
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	if BGPHeaderSize+len(body) > BGPMaxMessageSize {
		return nil, fmt.Errorf("bgp: update of %d bytes exceeds %d", BGPHeaderSize+len(body), BGPMaxMessageSize)
	}
	return body, nil
}

// AppendPathAttr appends one path attribute, switching to a two-byte length
// when data exceeds 255 bytes.
func AppendPathAttr(b []byte, flags uint8, typeCode uint8, data []byte) []byte {
	if len(data) > 255 {
		b = append(b, flags|AttrFlagExtendedLen, typeCode)
		b = binary.BigEndian.AppendUint16(b, uint16(len(data)))
	} else {
		b = append(b, flags&^AttrFlagExtendedLen, typeCode, byte(len(data)))
	}
	return append(b, data...)
}

// WithHeader prepends the marker, length and type of an UPDATE message.
func WithHeader(body []byte) ([]byte, error) {
	total := BGPHeaderSize + len(body)
	if total > BGPMaxMessageSize {
		return nil, fmt.Errorf("bgp: message of %d bytes exceeds %d", total, BGPMaxMessageSize)
	}
	msg := make([]byte, BGPHeaderSize, total)
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(total))
	msg[18] = BGPMsgTypeUpdate
	return append(msg, body...), nil
}
