package iohc

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Frame layout constants
const (
	HeaderLen     = 9  // CtrlByte1 + CtrlByte2 + src[3] + tgt[3] + cmd
	MaxPayloadLen = 21
	baseMsgLen    = HeaderLen - 1
)

// CtrlByte1 bit assignments (LSB first)
const (
	msgLenMask    = 0x1F
	flagProtocol  = 0x20
	flagStart     = 0x40
	flagEnd       = 0x80
)

// CtrlByte2 flag bits
const (
	FlagPrio = 0x04
	FlagLPM  = 0x08
)

// ErrMalformed is returned for frames that fail CRC or header validation
var ErrMalformed = errors.New("malformed frame")

// Frame represents a decoded on-air frame. Preamble and sync are handled
// by the radio; this covers the payload bits between sync and CRC.
type Frame struct {
	Protocol1W bool
	StartFrame bool
	EndFrame   bool
	LPM        bool
	Prio       bool
	Source     Address
	Target     Address
	Cmd        Command
	Payload    []byte

	// Transmit hints, not part of the encoded bytes
	LongPreamble bool
}

// NewFrame builds a targeted frame with the usual start-of-frame flag
func NewFrame(src, tgt Address, cmd Command, payload []byte) *Frame {
	return &Frame{
		StartFrame: true,
		Source:     src,
		Target:     tgt,
		Cmd:        cmd,
		Payload:    payload,
	}
}

// Encode serializes the frame including the trailing CRC-16
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d", ErrMalformed, len(f.Payload))
	}

	buf := make([]byte, 0, HeaderLen+len(f.Payload)+2)

	ctrl1 := byte(baseMsgLen+len(f.Payload)) & msgLenMask
	if f.Protocol1W {
		ctrl1 |= flagProtocol
	}
	if f.StartFrame {
		ctrl1 |= flagStart
	}
	if f.EndFrame {
		ctrl1 |= flagEnd
	}

	var ctrl2 byte
	if f.Prio {
		ctrl2 |= FlagPrio
	}
	if f.LPM {
		ctrl2 |= FlagLPM
	}

	buf = append(buf, ctrl1, ctrl2)
	buf = append(buf, f.Source[:]...)
	buf = append(buf, f.Target[:]...)
	buf = append(buf, byte(f.Cmd))
	buf = append(buf, f.Payload...)

	crc := ComputeCRC(buf)
	buf = append(buf, byte(crc&0xff), byte(crc>>8))

	return buf, nil
}

// Decode parses a raw frame including its CRC. Any inconsistency yields
// ErrMalformed; the caller drops the frame without touching state.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderLen+2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	body, trailer := data[:len(data)-2], data[len(data)-2:]
	crc := ComputeCRC(body)
	if trailer[0] != byte(crc&0xff) || trailer[1] != byte(crc>>8) {
		return nil, fmt.Errorf("%w: CRC mismatch", ErrMalformed)
	}

	payloadLen := len(body) - HeaderLen
	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d", ErrMalformed, payloadLen)
	}

	ctrl1, ctrl2 := body[0], body[1]
	if int(ctrl1&msgLenMask) != baseMsgLen+payloadLen {
		return nil, fmt.Errorf("%w: length field %d for %d payload bytes",
			ErrMalformed, ctrl1&msgLenMask, payloadLen)
	}

	f := &Frame{
		Protocol1W: ctrl1&flagProtocol != 0,
		StartFrame: ctrl1&flagStart != 0,
		EndFrame:   ctrl1&flagEnd != 0,
		Prio:       ctrl2&FlagPrio != 0,
		LPM:        ctrl2&FlagLPM != 0,
		Cmd:        Command(body[8]),
	}
	copy(f.Source[:], body[2:5])
	copy(f.Target[:], body[5:8])
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, body[HeaderLen:])
	}

	return f, nil
}

// String renders a compact trace line for logging
func (f *Frame) String() string {
	return fmt.Sprintf("%s %s->%s %s", f.Cmd, f.Source, f.Target, hex.EncodeToString(f.Payload))
}
