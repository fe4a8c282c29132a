package iohc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestEncodeMatchesCapturedFrames(t *testing.T) {
	ctrl := Address{0xfe, 0xef, 0xee}
	dev := Address{0xf0, 0x0f, 0x00}
	chal := mustHex(t, "123456789abc")

	tests := []struct {
		name  string
		frame *Frame
		want  string
	}{
		{
			"ask challenge",
			&Frame{StartFrame: true, Source: ctrl, Target: dev, Cmd: CmdAskChallenge},
			"4800feefeef00f0031fb60",
		},
		{
			"force key exchange with priority",
			&Frame{StartFrame: true, Prio: true, Source: ctrl, Target: dev, Cmd: CmdForceKeyXchg, Payload: chal},
			"4e04feefeef00f0038123456789abc23b6",
		},
		{
			"device challenge",
			&Frame{Source: dev, Target: ctrl, Cmd: CmdChallenge, Payload: chal},
			"0e00f00f00feefee3c123456789abc19db",
		},
		{
			"key transfer ack",
			&Frame{EndFrame: true, Source: dev, Target: ctrl, Cmd: CmdKeyTransferAck},
			"8800f00f00feefee335bfb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.frame.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("Encode = %s, want %s", hex.EncodeToString(got), tt.want)
			}
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		StartFrame: true,
		LPM:        true,
		Prio:       true,
		Source:     Address{0xba, 0x11, 0xad},
		Target:     Broadcast2W,
		Cmd:        CmdDiscover,
	}

	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Cmd != CmdDiscover || got.Source != f.Source || got.Target != f.Target {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.LPM || !got.Prio || !got.StartFrame || got.EndFrame {
		t.Errorf("flags lost in round trip: %+v", got)
	}
	if !got.Target.IsBroadcast() {
		t.Error("broadcast target not recognized")
	}
}

func TestDecodeRoundTripWithPayload(t *testing.T) {
	payload := mustHex(t, "0001e700000000")
	f := NewFrame(Address{0xba, 0x11, 0xad}, Address{0x4c, 0x79, 0xdc}, CmdActuate, payload)

	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = %x, want %x", got.Payload, payload)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, _ := NewFrame(Address{1, 2, 3}, Address{4, 5, 6}, CmdAliveCheck, nil).Encode()

	corruptCRC := append([]byte(nil), valid...)
	corruptCRC[len(corruptCRC)-1] ^= 0xff

	badLength := append([]byte(nil), valid...)
	badLength[0] ^= 0x01 // MsgLen no longer matches payload size
	crc := ComputeCRC(badLength[:len(badLength)-2])
	badLength[len(badLength)-2] = byte(crc & 0xff)
	badLength[len(badLength)-1] = byte(crc >> 8)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:6]},
		{"crc mismatch", corruptCRC},
		{"length field mismatch", badLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := NewFrame(Address{1, 2, 3}, Address{4, 5, 6}, CmdActuate, make([]byte, MaxPayloadLen+1))
	if _, err := f.Encode(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Encode = %v, want ErrMalformed", err)
	}
}

func TestAddressParsing(t *testing.T) {
	a, err := ParseAddress("ba11ad")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if a.String() != "ba11ad" {
		t.Errorf("String = %s, want ba11ad", a)
	}

	if _, err := ParseAddress("ba11"); err == nil {
		t.Error("ParseAddress accepted short address")
	}
	if _, err := ParseAddress("zz11ad"); err == nil {
		t.Error("ParseAddress accepted non-hex address")
	}
}
