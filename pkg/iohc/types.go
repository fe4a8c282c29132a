package iohc

import (
	"encoding/hex"
	"fmt"
)

// Address represents a 3-byte node address
type Address [3]byte

// Broadcast2W is the reserved target for two-way pairing broadcasts
var Broadcast2W = Address{0x00, 0x00, 0x3B}

// String returns hex string representation
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsBroadcast reports whether the address is the 2W broadcast target
func (a Address) IsBroadcast() bool {
	return a == Broadcast2W
}

// MarshalJSON implements json.Marshaler
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid address format")
	}
	return a.UnmarshalText(data[1 : len(data)-1])
}

// MarshalText implements encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != 3 {
		return fmt.Errorf("invalid address length: %d", len(b))
	}
	copy(a[:], b)
	return nil
}

// ParseAddress parses a 6-hex-character node address
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := a.UnmarshalText([]byte(s)); err != nil {
		return Address{}, err
	}
	return a, nil
}

// Command represents a protocol command byte
type Command byte

// Command catalog (two-way core subset plus the one-way key push)
const (
	CmdActuate         Command = 0x00 // application command (on/off etc.)
	CmdStatusQuery     Command = 0x03
	CmdStatusAnswer    Command = 0x04
	CmdKeyPush1W       Command = 0x30
	CmdDiscover        Command = 0x28
	CmdDiscoverAnswer  Command = 0x29
	CmdPairBroadcast   Command = 0x2A
	CmdAliveCheck      Command = 0x2C
	CmdAliveOK         Command = 0x2D
	CmdLearningMode    Command = 0x2E
	CmdPairConfirm     Command = 0x2F
	CmdAskChallenge    Command = 0x31
	CmdKeyTransfer     Command = 0x32
	CmdKeyTransferAck  Command = 0x33
	CmdPrioAddrRequest Command = 0x36
	CmdPrioAddrAnswer  Command = 0x37
	CmdForceKeyXchg    Command = 0x38
	CmdChallenge       Command = 0x3C
	CmdChallengeAnswer Command = 0x3D
	CmdNameRequest     Command = 0x50
	CmdNameAnswer      Command = 0x51
	CmdInfo1Request    Command = 0x54
	CmdInfo1Answer     Command = 0x55
	CmdInfo2Request    Command = 0x56
	CmdInfo2Answer     Command = 0x57
	CmdError           Command = 0xFE
)

// Error status bytes carried by CmdError
const (
	StatusNotInPairingMode byte = 0x08
	StatusKeyRejected      byte = 0x76
)

// String returns the command mnemonic
func (c Command) String() string {
	switch c {
	case CmdActuate:
		return "actuate"
	case CmdStatusQuery:
		return "status-query"
	case CmdStatusAnswer:
		return "status-answer"
	case CmdKeyPush1W:
		return "key-push-1w"
	case CmdDiscover:
		return "discover"
	case CmdDiscoverAnswer:
		return "discover-answer"
	case CmdPairBroadcast:
		return "pair-broadcast"
	case CmdAliveCheck:
		return "alive-check"
	case CmdAliveOK:
		return "alive-ok"
	case CmdLearningMode:
		return "learning-mode"
	case CmdPairConfirm:
		return "pair-confirm"
	case CmdAskChallenge:
		return "ask-challenge"
	case CmdKeyTransfer:
		return "key-transfer"
	case CmdKeyTransferAck:
		return "key-transfer-ack"
	case CmdPrioAddrRequest:
		return "priority-addr-request"
	case CmdPrioAddrAnswer:
		return "priority-addr-answer"
	case CmdForceKeyXchg:
		return "force-key-exchange"
	case CmdChallenge:
		return "challenge"
	case CmdChallengeAnswer:
		return "challenge-answer"
	case CmdNameRequest:
		return "name-request"
	case CmdNameAnswer:
		return "name-answer"
	case CmdInfo1Request:
		return "info1-request"
	case CmdInfo1Answer:
		return "info1-answer"
	case CmdInfo2Request:
		return "info2-request"
	case CmdInfo2Answer:
		return "info2-answer"
	case CmdError:
		return "error"
	default:
		return fmt.Sprintf("cmd-0x%02x", byte(c))
	}
}

// Key represents 16 bytes of AES-128 key material
type Key [16]byte

// String returns hex string representation
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKey parses a 32-hex-character key
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	if len(b) != 16 {
		return Key{}, fmt.Errorf("invalid key length: %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Challenge represents a 6-byte authentication nonce
type Challenge [6]byte

// String returns hex string representation
func (c Challenge) String() string {
	return hex.EncodeToString(c[:])
}
