package radio

import (
	"errors"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// ErrBusy is returned when the radio cannot accept a send. Transient; the
// caller retries on the next tick.
var ErrBusy = errors.New("radio busy")

// State represents the half-duplex radio state
type State int

const (
	StateRX State = iota
	StatePreamble
	StateTX
	StatePayload
)

// String returns the state mnemonic
func (s State) String() string {
	switch s {
	case StateRX:
		return "rx"
	case StatePreamble:
		return "preamble"
	case StateTX:
		return "tx"
	case StatePayload:
		return "payload"
	default:
		return "unknown"
	}
}

// ParseState parses a state mnemonic
func ParseState(s string) State {
	switch s {
	case "preamble":
		return StatePreamble
	case "tx":
		return StateTX
	case "payload":
		return StatePayload
	default:
		return StateRX
	}
}

// Transport is the boundary to the radio PHY. Send either hands the frame
// to the radio or refuses with ErrBusy; a refused send never advances
// protocol state. Frames delivers decoded, CRC-validated inbound frames.
type Transport interface {
	Send(f *iohc.Frame) error
	State() State
	Frames() <-chan *iohc.Frame
	Close() error
}
