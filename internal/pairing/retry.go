package pairing

import (
	"time"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Op identifies the outbound operation a retry would repeat. Keeping the
// retry as a tagged value instead of a stored closure keeps the state
// inspectable in tests and in the info output.
type Op int

const (
	OpNone Op = iota
	OpDiscover
	OpAliveCheck
	OpBroadcast2A
	OpPriorityAddr
	OpChallenge
	OpKeyTransfer
	OpChallengeAnswer
	OpNameRequest
	OpInfo1Request
	OpInfo2Request
)

// String returns the operation mnemonic
func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpDiscover:
		return "discover"
	case OpAliveCheck:
		return "alive-check"
	case OpBroadcast2A:
		return "broadcast-2a"
	case OpPriorityAddr:
		return "priority-addr"
	case OpChallenge:
		return "challenge"
	case OpKeyTransfer:
		return "key-transfer"
	case OpChallengeAnswer:
		return "challenge-answer"
	case OpNameRequest:
		return "name-request"
	case OpInfo1Request:
		return "info1-request"
	case OpInfo2Request:
		return "info2-request"
	}
	return "unknown"
}

// pendingSend tracks the frame awaiting an answer together with its retry
// budget. A send refused by a busy radio does not consume an attempt.
type pendingSend struct {
	op       Op
	frame    *iohc.Frame
	attempts int
	nextAt   time.Time
}
