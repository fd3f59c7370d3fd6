// Package protocol defines the voicebox wire format.
//
// A frame on the wire is a 4-byte big-endian length prefix followed by that
// many bytes of (possibly encrypted) packet data. A decrypted packet is a
// 4-byte big-endian type followed by the payload.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed packet header size: Type(4).
const HeaderSize = 4

// Packet is the decrypted (type, data) pair carried inside a frame.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Encode serializes a Packet into its wire form: type(u32 BE) || payload.
func Encode(pkt Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(pkt.Type))
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode parses a byte slice into a Packet.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := Packet{
		Type: PacketType(binary.BigEndian.Uint32(data[:HeaderSize])),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
