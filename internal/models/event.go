package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Event types
const (
	EventTypePairing = "pairing"
	EventTypeAuth    = "auth"
	EventTypeCommand = "command"
	EventTypeError   = "error"
)

// Event levels
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Variables holds free-form event details
type Variables map[string]interface{}

// Value renders the details for storage
func (v Variables) Value() ([]byte, error) {
	return json.Marshal(v)
}

// EventLog represents a controller event tied to a device
type EventLog struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Device      *iohc.Address `json:"device,omitempty" db:"device"`
	Type        string        `json:"type" db:"type"`
	Level       string        `json:"level" db:"level"`
	Description string        `json:"description" db:"description"`
	Details     Variables     `json:"details,omitempty" db:"details"`
	CreatedAt   time.Time     `json:"createdAt" db:"created_at"`
}

// Frame directions for the frame log
const (
	FrameDirectionRX = "rx"
	FrameDirectionTX = "tx"
)

// FrameLog represents one captured on-air frame
type FrameLog struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	Direction string       `json:"direction" db:"direction"`
	Source    iohc.Address `json:"source" db:"source"`
	Target    iohc.Address `json:"target" db:"target"`
	Cmd       uint8        `json:"cmd" db:"cmd"`
	Payload   []byte       `json:"payload" db:"payload"`
	RSSI      *int         `json:"rssi,omitempty" db:"rssi"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
}
