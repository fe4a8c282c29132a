package models

import (
	"time"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// PairingState represents where a device sits in the enrollment lifecycle
type PairingState string

const (
	StateUnpaired         PairingState = "unpaired"
	StateDiscovering      PairingState = "discovering"
	StateAliveCheck       PairingState = "alive_check"
	StateBroadcasting2A   PairingState = "broadcasting_2a"
	StateAwaitingPrioAddr PairingState = "awaiting_priority_addr"
	StateChallengeSent    PairingState = "challenge_sent"
	StateChallengeRecv    PairingState = "challenge_received"
	StatePairingConfirmed PairingState = "pairing_confirmed"
	StateAskingChallenge  PairingState = "asking_challenge"
	StateKeyExchanged     PairingState = "key_exchanged"
	StatePaired           PairingState = "paired"
	StateFailed           PairingState = "failed"
)

// Terminal reports whether the state ends a pairing session
func (s PairingState) Terminal() bool {
	return s == StateUnpaired || s == StatePaired || s == StateFailed
}

// Capabilities is the identity a device reveals during pairing
type Capabilities struct {
	iohc.Capabilities

	Name string `json:"name"`

	GeneralInfo1    [14]byte `json:"-"`
	HasGeneralInfo1 bool     `json:"-"`
	GeneralInfo2    [16]byte `json:"-"`
	HasGeneralInfo2 bool     `json:"-"`
}

// Device represents a known two-way field device
type Device struct {
	Address iohc.Address `json:"address"`

	State            PairingState `json:"pairing_state"`
	LastSeen         time.Time    `json:"last_seen,omitempty"`
	PairingStartedAt time.Time    `json:"-"`

	// Key material installed during pairing
	SystemKey  *iohc.Key `json:"-"`
	StackKey   *iohc.Key `json:"-"`
	SessionKey *iohc.Key `json:"-"`

	// Monotonic outbound command counter
	SequenceNumber uint16 `json:"sequence_number"`

	// Challenge bookkeeping for the authenticated command path
	LastChallenge    iohc.Challenge `json:"-"`
	PendingChallenge bool           `json:"-"`
	LastResponse     [6]byte        `json:"-"`

	// The exact bytes (command byte plus payload) the device is
	// authenticating when it challenges us
	LastCommand []byte `json:"-"`

	// When set, the challenge answer authenticates the full original
	// command instead of the lone response byte. Some firmware expects
	// one reading, some the other.
	AuthFullCommand bool `json:"auth_full_command,omitempty"`

	// Priority address handed back in the 0x37 answer, used by
	// subsequent priority-flagged frames
	PriorityAddress []byte `json:"-"`

	Capabilities Capabilities `json:"capabilities"`
	Description  string       `json:"description,omitempty"`
}

// NewDevice creates an unpaired device
func NewDevice(addr iohc.Address) *Device {
	return &Device{
		Address: addr,
		State:   StateUnpaired,
	}
}

// HasSystemKey reports whether a system key is installed
func (d *Device) HasSystemKey() bool {
	return d.SystemKey != nil
}

// InPairing reports whether the device is in a non-terminal pairing state
func (d *Device) InPairing() bool {
	return !d.State.Terminal()
}

// PairingTimedOut reports whether the umbrella pairing timeout elapsed
func (d *Device) PairingTimedOut(now time.Time, timeout time.Duration) bool {
	if !d.InPairing() || d.PairingStartedAt.IsZero() {
		return false
	}
	return now.Sub(d.PairingStartedAt) > timeout
}

// Touch updates the last-seen timestamp
func (d *Device) Touch(now time.Time) {
	d.LastSeen = now
}

// ClearChallenge drops the pending challenge together with the command it
// belongs to, keeping the two consistent.
func (d *Device) ClearChallenge() {
	d.PendingChallenge = false
	d.LastChallenge = iohc.Challenge{}
	d.LastCommand = nil
}

// RecordCommand remembers the exact frame body of an outbound command and
// advances the sequence counter.
func (d *Device) RecordCommand(cmd iohc.Command, payload []byte) {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, byte(cmd))
	body = append(body, payload...)
	d.LastCommand = body
	d.SequenceNumber++
}
