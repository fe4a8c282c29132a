package iohc

import (
	"crypto/aes"
)

// TransferKey is the family-wide key provisioned in device firmware at
// manufacture. Key transfer during pairing wraps the per-device system key
// under it. Firmware revisions that rotate the constant can override it
// through configuration.
var TransferKey = Key{
	0xd4, 0x13, 0x9c, 0xe1, 0x7a, 0x58, 0x02, 0xbf,
	0x46, 0x63, 0xd1, 0x28, 0x95, 0xea, 0x37, 0x0c,
}

const ivPad = 0x55

// Checksum is the rolling two-byte accumulator carried at IV positions 8
// and 9. Updated per input byte: c1 = rotl8(c1^b, 1); c2 += c1.
type Checksum struct {
	C1, C2 byte
}

// Update feeds one byte into the accumulator
func (c *Checksum) Update(b byte) {
	x := c.C1 ^ b
	c.C1 = x<<1 | x>>7
	c.C2 += c.C1
}

// ComputeChecksum runs the accumulator over data from a zero state
func ComputeChecksum(data []byte) Checksum {
	var c Checksum
	for _, b := range data {
		c.Update(b)
	}
	return c
}

// BuildIV derives the 16-byte initial value from a frame prefix and a
// challenge. The first eight bytes carry the frame prefix padded with 0x55,
// positions 8-9 the rolling checksum over the whole prefix, and the tail
// the six challenge bytes.
func BuildIV(frame []byte, challenge Challenge) [16]byte {
	var iv [16]byte
	for i := 0; i < 8; i++ {
		if i < len(frame) {
			iv[i] = frame[i]
		} else {
			iv[i] = ivPad
		}
	}
	sum := ComputeChecksum(frame)
	iv[8], iv[9] = sum.C1, sum.C2
	copy(iv[10:], challenge[:])
	return iv
}

func encryptBlock(key Key, block [16]byte) [16]byte {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on bad key sizes; Key is fixed at 16
		panic(err)
	}
	var out [16]byte
	c.Encrypt(out[:], block[:])
	return out
}

// MAC2W computes the six-byte truncated MAC a two-way peer expects: the
// IV derived from the frame body and challenge, encrypted under the system
// key, truncated to six bytes.
func MAC2W(challenge Challenge, systemKey Key, frame []byte) [6]byte {
	enc := encryptBlock(systemKey, BuildIV(frame, challenge))
	var mac [6]byte
	copy(mac[:], enc[:6])
	return mac
}

// MAC1W computes the one-way variant, where the challenge slot carries the
// two-byte sequence number followed by four zero bytes.
func MAC1W(sequence uint16, controllerKey Key, frame []byte) [6]byte {
	var c Challenge
	c[0] = byte(sequence >> 8)
	c[1] = byte(sequence)
	return MAC2W(c, controllerKey, frame)
}

// WrapKey encrypts a 16-byte key for transport: XOR with the AES-ECB
// encryption of the IV under the transfer key. Unwrapping is the same
// operation, so the peer recovers the key by recomputing the IV.
func WrapKey(key Key, challenge Challenge, frame []byte, transferKey Key) Key {
	enc := encryptBlock(transferKey, BuildIV(frame, challenge))
	var out Key
	for i := range out {
		out[i] = key[i] ^ enc[i]
	}
	return out
}

// UnwrapKey reverses WrapKey
func UnwrapKey(wrapped Key, challenge Challenge, frame []byte, transferKey Key) Key {
	return WrapKey(wrapped, challenge, frame, transferKey)
}

// Wrap1WKey wraps the controller key for hand-off to a one-way device.
// The mask is the device address repeated to a full block and encrypted
// under the transfer key.
func Wrap1WKey(addr Address, controllerKey Key, transferKey Key) Key {
	var block [16]byte
	for i := range block {
		block[i] = addr[i%3]
	}
	enc := encryptBlock(transferKey, block)
	var out Key
	for i := range out {
		out[i] = controllerKey[i] ^ enc[i]
	}
	return out
}

// Build1WKeyPush assembles the complete one-way key installation frame
// (command 0x30) including the wrapped controller key, the sequence
// number, the truncated MAC and the trailing CRC. One-way frames use a
// fixed five-byte prefix in place of the two-way header.
func Build1WKeyPush(addr Address, sequence uint16, controllerKey Key, transferKey Key) []byte {
	wrapped := Wrap1WKey(addr, controllerKey, transferKey)

	body := make([]byte, 0, 37)
	body = append(body, byte(CmdKeyPush1W))
	body = append(body, wrapped[:]...)

	mac := MAC1W(sequence, controllerKey, body)

	frame := make([]byte, 0, 39)
	frame = append(frame, 0xfc, 0x00, 0x00, 0x00, 0x3f)
	frame = append(frame, addr[:]...)
	frame = append(frame, body...)
	frame = append(frame, 0x02, 0x01)
	frame = append(frame, byte(sequence>>8), byte(sequence))
	frame = append(frame, mac[:]...)

	crc := ComputeCRC(frame)
	frame = append(frame, byte(crc&0xff), byte(crc>>8))
	return frame
}
