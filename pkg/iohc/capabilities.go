package iohc

import (
	"encoding/binary"
	"fmt"
)

// discoveryAnswerLen is the capability tuple carried by a 0x29 answer
const discoveryAnswerLen = 9

// Capabilities is the identity tuple a device announces in its discovery
// answer, refined later by the name and general-info answers.
type Capabilities struct {
	NodeType     uint16 `json:"node_type"`    // 10 bits
	NodeSubtype  uint8  `json:"node_subtype"` // 6 bits
	Manufacturer uint8  `json:"manufacturer"`
	MultiInfo    uint8  `json:"multi_info"`
	Timestamp    uint16 `json:"timestamp"`
}

// MultiInfo bitfield accessors. RF support and IO membership are carried
// inverted on the wire.

// ActuatorTurnaround returns the two-bit turnaround time class
func (c Capabilities) ActuatorTurnaround() uint8 { return c.MultiInfo & 0x03 }

// SyncControlGroup reports membership in a sync control group
func (c Capabilities) SyncControlGroup() bool { return c.MultiInfo&0x04 != 0 }

// RFSupport reports whether the node supports RF (inverted bit)
func (c Capabilities) RFSupport() bool { return c.MultiInfo&0x08 == 0 }

// IOMembership reports IO network membership (inverted bit)
func (c Capabilities) IOMembership() bool { return c.MultiInfo&0x10 == 0 }

// PowerSaveMode returns the two-bit power-save class
func (c Capabilities) PowerSaveMode() uint8 { return (c.MultiInfo >> 5) & 0x03 }

// ParseDiscoveryAnswer decodes the 9-byte capability tuple of a 0x29
// payload: node type and subtype packed into 16 bits, manufacturer,
// multi-info, one unused byte, a two-byte timestamp at offset 5, and a
// two-byte reserved tail.
func ParseDiscoveryAnswer(payload []byte) (Capabilities, error) {
	if len(payload) < discoveryAnswerLen {
		return Capabilities{}, fmt.Errorf("discovery answer too short: %d bytes", len(payload))
	}

	typeField := binary.BigEndian.Uint16(payload[0:2])
	ts := binary.BigEndian.Uint16(payload[5:7])

	return Capabilities{
		NodeType:     typeField >> 6,
		NodeSubtype:  uint8(typeField & 0x3F),
		Manufacturer: payload[2],
		MultiInfo:    payload[3],
		Timestamp:    ts,
	}, nil
}

// EncodeDiscoveryAnswer is the inverse of ParseDiscoveryAnswer, used by
// the scripted peer in tests.
func EncodeDiscoveryAnswer(c Capabilities) []byte {
	out := make([]byte, discoveryAnswerLen)
	binary.BigEndian.PutUint16(out[0:2], c.NodeType<<6|uint16(c.NodeSubtype)&0x3F)
	out[2] = c.Manufacturer
	out[3] = c.MultiInfo
	binary.BigEndian.PutUint16(out[5:7], c.Timestamp)
	return out
}

// DeviceName extracts the printable name from a 0x51 answer payload
func DeviceName(payload []byte) string {
	end := len(payload)
	if end > 16 {
		end = 16
	}
	for i := 0; i < end; i++ {
		if payload[i] == 0 {
			end = i
			break
		}
	}
	return string(payload[:end])
}
