package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParseAll parses all concatenated BMP messages from raw bytes.
// Collectors may bundle several BMP messages in a single record (one per TCP
// read). Messages that fail to parse are skipped.
func ParseAll(data []byte) ([]*ParsedBMP, error) {
	var results []*ParsedBMP
	offset := 0
	for offset < len(data) {
		remaining := data[offset:]
		if len(remaining) < CommonHeaderSize {
			break
		}
		msgLength := binary.BigEndian.Uint32(remaining[1:5])
		if msgLength < uint32(CommonHeaderSize) || msgLength > uint32(len(remaining)) {
			break
		}
		parsed, err := Parse(remaining[:msgLength])
		if err != nil {
			offset += int(msgLength)
			continue
		}
		parsed.Offset = offset
		results = append(results, parsed)
		offset += int(msgLength)
	}
	if len(results) == 0 && offset == 0 {
		return nil, fmt.Errorf("bmp: no valid messages found in %d bytes", len(data))
	}
	return results, nil
}

// Parse parses a complete BMP message from raw bytes.
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{
		MsgType:   msgType,
		TableName: "UNKNOWN",
	}
	body := data[CommonHeaderSize:msgLength]

	switch msgType {
	case MsgTypeRouteMonitoring:
		return parseRouteMonitoring(body, result)
	case MsgTypePeerDown:
		if err := parsePeerHeader(body, result); err != nil {
			return nil, fmt.Errorf("bmp: peer down: %w", err)
		}
		if len(body) > PerPeerHeaderSize {
			result.PeerDownReason = body[PerPeerHeaderSize]
		}
		return result, nil
	case MsgTypePeerUp:
		if err := parsePeerHeader(body, result); err != nil {
			return nil, fmt.Errorf("bmp: peer up: %w", err)
		}
		return result, nil
	default:
		// Statistics, initiation, termination and mirroring carry no routes.
		return result, nil
	}
}

// parsePeerHeader decodes the per-peer header (RFC 7854 Section 4.2):
//
//	Offset  0: Peer Type (1 byte)
//	Offset  1: Peer Flags (1 byte)
//	Offset  2: Peer Distinguisher (8 bytes)
//	Offset 10: Peer Address (16 bytes)
//	Offset 26: Peer AS (4 bytes)
//	Offset 30: Peer BGP ID (4 bytes)
func parsePeerHeader(data []byte, result *ParsedBMP) error {
	if len(data) < PerPeerHeaderSize {
		return fmt.Errorf("too short for per-peer header (%d bytes)", len(data))
	}

	h := PeerHeader{
		Type:          data[0],
		Flags:         data[1],
		Distinguisher: binary.BigEndian.Uint64(data[2:10]),
		AS:            binary.BigEndian.Uint32(data[26:30]),
		BGPID:         netip.AddrFrom4([4]byte(data[30:34])),
	}

	// BMP encodes IPv4 as 12 zero bytes + 4 IPv4 bytes, which differs from
	// the ::ffff: mapped form.
	addr := data[10:26]
	isV4 := true
	for _, b := range addr[:12] {
		if b != 0 {
			isV4 = false
			break
		}
	}
	if isV4 {
		h.Address = netip.AddrFrom4([4]byte(addr[12:16]))
	} else {
		h.Address = netip.AddrFrom16([16]byte(addr))
	}

	result.Peer = h
	result.IsLocRIB = h.Type == PeerTypeLocRIB
	// The F flag only exists for Loc-RIB peers; elsewhere 0x80 is the V flag.
	result.HasAddPath = result.IsLocRIB && h.Flags&PeerFlagAddPath != 0
	return nil
}

func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if err := parsePeerHeader(data, result); err != nil {
		return nil, fmt.Errorf("bmp: route monitoring: %w", err)
	}

	if PerPeerHeaderSize >= len(data) {
		return nil, fmt.Errorf("bmp: no data after per-peer header")
	}
	bgpData := data[PerPeerHeaderSize:]

	// Loc-RIB (RFC 9069) may follow the UPDATE with TLVs, so the BGP length
	// decides where the message ends.
	bgpMsgLen, err := bgpMessageLength(bgpData)
	if err != nil || bgpMsgLen > len(bgpData) {
		result.BGPData = bgpData
		return result, nil
	}
	result.BGPData = bgpData[:bgpMsgLen]
	if result.IsLocRIB {
		parseTLVs(bgpData[bgpMsgLen:], result)
	}
	return result, nil
}

// bgpMessageLength reads the length field from a BGP message header.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return 0, fmt.Errorf("bmp: invalid bgp marker at byte %d", i)
		}
	}
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	if length > 4096 {
		return 0, fmt.Errorf("bmp: bgp message length %d exceeds maximum 4096", length)
	}
	return length, nil
}

// parseTLVs extracts the Table Name TLV from data following the BGP message.
func parseTLVs(data []byte, result *ParsedBMP) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(data) {
			break
		}
		if tlvType == TLVTypeTableName && tlvLen > 0 {
			result.TableName = string(data[offset : offset+tlvLen])
		}
		offset += tlvLen
	}
}
