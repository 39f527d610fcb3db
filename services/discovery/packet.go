package discovery

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Appliance discovery datagram layout: a four byte header (big-endian type,
// big-endian payload length), TLV payload, and a little-endian CRC-32 of
// header plus payload. The CRC parameters (poly 0xEDB88320, init and xor
// all-ones) are exactly the stdlib IEEE table.
const (
	// Port is the UDP port appliances listen on for discovery.
	Port = 65001

	packetTypeDiscoverRequest = 0x0002
	packetTypeDiscoverReply   = 0x0003

	tagDeviceType = 0x01
	tagDeviceID   = 0x02
	tagTunerCount = 0x03

	// Wildcard matches any device type or id in a request.
	Wildcard = 0xFFFFFFFF

	// DeviceTypeTuner is the device type appliances report.
	DeviceTypeTuner = 0x00000001

	headerLen  = 4
	trailerLen = 4
)

// DiscoverReply is a parsed appliance response.
type DiscoverReply struct {
	DeviceType uint32
	DeviceID   uint32
	TunerCount int
}

// DeviceIDString renders the id the way every other appliance surface spells
// it: eight uppercase hex digits.
func (r DiscoverReply) DeviceIDString() string {
	return fmt.Sprintf("%08X", r.DeviceID)
}

// EncodeDiscoverRequest builds the canonical 20 byte wildcard discover
// probe: both device type and device id set to the wildcard.
func EncodeDiscoverRequest() []byte {
	payload := make([]byte, 0, 12)
	payload = appendTagUint32(payload, tagDeviceType, Wildcard)
	payload = appendTagUint32(payload, tagDeviceID, Wildcard)
	return seal(packetTypeDiscoverRequest, payload)
}

func appendTagUint32(b []byte, tag byte, v uint32) []byte {
	b = append(b, tag, 4)
	return binary.BigEndian.AppendUint32(b, v)
}

// seal prepends the header and appends the little-endian CRC.
func seal(packetType uint16, payload []byte) []byte {
	pkt := make([]byte, headerLen, headerLen+len(payload)+trailerLen)
	binary.BigEndian.PutUint16(pkt[0:2], packetType)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(payload)))
	pkt = append(pkt, payload...)
	return binary.LittleEndian.AppendUint32(pkt, crc32.ChecksumIEEE(pkt))
}

// ParseDiscoverReply validates and decodes one datagram. Unknown tags are
// skipped; anything structurally wrong (bad CRC, truncated TLV, wrong type)
// is an error so stray LAN traffic on the port gets dropped.
func ParseDiscoverReply(buf []byte) (*DiscoverReply, error) {
	if len(buf) < headerLen+trailerLen {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(buf))
	}

	body := buf[:len(buf)-trailerLen]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-trailerLen:])
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("crc mismatch: got %08x, want %08x", got, wantCRC)
	}

	packetType := binary.BigEndian.Uint16(body[0:2])
	if packetType != packetTypeDiscoverReply {
		return nil, fmt.Errorf("not a discover reply: type 0x%04x", packetType)
	}

	payloadLen := int(binary.BigEndian.Uint16(body[2:4]))
	if payloadLen != len(body)-headerLen {
		return nil, fmt.Errorf("payload length %d does not match datagram", payloadLen)
	}

	reply := &DiscoverReply{}
	sawDeviceID := false
	payload := body[headerLen:]
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("truncated tlv header")
		}
		tag, length := payload[0], int(payload[1])
		payload = payload[2:]
		if len(payload) < length {
			return nil, fmt.Errorf("truncated tlv value for tag 0x%02x", tag)
		}
		value := payload[:length]
		payload = payload[length:]

		switch tag {
		case tagDeviceType:
			if length != 4 {
				return nil, fmt.Errorf("device type tlv has length %d", length)
			}
			reply.DeviceType = binary.BigEndian.Uint32(value)
		case tagDeviceID:
			if length != 4 {
				return nil, fmt.Errorf("device id tlv has length %d", length)
			}
			reply.DeviceID = binary.BigEndian.Uint32(value)
			sawDeviceID = true
		case tagTunerCount:
			if length != 1 {
				return nil, fmt.Errorf("tuner count tlv has length %d", length)
			}
			reply.TunerCount = int(value[0])
		default:
			// Future firmware adds tags; ignore what we do not know.
		}
	}

	if !sawDeviceID {
		return nil, fmt.Errorf("reply carries no device id")
	}
	return reply, nil
}
