package radio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// TXMessage is the envelope published towards the radio bridge
type TXMessage struct {
	Data         []byte `json:"data"`
	LongPreamble bool   `json:"longPreamble,omitempty"`
}

// RXMessage is the envelope the bridge publishes for received frames
type RXMessage struct {
	Data []byte `json:"data"`
	RSSI *int   `json:"rssi,omitempty"`
}

// StateMessage is the radio state beacon from the bridge
type StateMessage struct {
	State string `json:"state"`
}

// NATSTransport drives the radio through the bridge process over the
// frame bus. Malformed inbound frames are dropped at this boundary, so
// consumers only ever observe CRC-validated frames.
type NATSTransport struct {
	nc  *nats.Conn
	cfg config.RadioConfig
	log zerolog.Logger

	mu    sync.RWMutex
	state State

	rx   chan *iohc.Frame
	subs []*nats.Subscription
}

// NewNATSTransport connects the transport to the frame bus
func NewNATSTransport(nc *nats.Conn, cfg config.RadioConfig, log zerolog.Logger) (*NATSTransport, error) {
	t := &NATSTransport{
		nc:    nc,
		cfg:   cfg,
		log:   log.With().Str("component", "radio").Logger(),
		state: StateRX,
		rx:    make(chan *iohc.Frame, 64),
	}

	sub, err := nc.Subscribe(cfg.SubjectRX, t.handleRX)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", cfg.SubjectRX, err)
	}
	t.subs = append(t.subs, sub)

	stateSub, err := nc.Subscribe(cfg.SubjectState, t.handleState)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.SubjectState, err)
	}
	t.subs = append(t.subs, stateSub)

	return t, nil
}

// Send publishes one frame towards the bridge
func (t *NATSTransport) Send(f *iohc.Frame) error {
	if t.State() != StateRX {
		return ErrBusy
	}

	raw, err := f.Encode()
	if err != nil {
		return err
	}

	msg, err := json.Marshal(TXMessage{Data: raw, LongPreamble: f.LongPreamble})
	if err != nil {
		return fmt.Errorf("marshal tx message: %w", err)
	}
	if err := t.nc.Publish(t.cfg.SubjectTX, msg); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}

	t.log.Debug().Str("frame", f.String()).Bool("long_preamble", f.LongPreamble).Msg("frame sent")
	return nil
}

// State returns the last reported radio state
func (t *NATSTransport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Frames returns the inbound frame stream
func (t *NATSTransport) Frames() <-chan *iohc.Frame {
	return t.rx
}

// Close drops the subscriptions
func (t *NATSTransport) Close() error {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	close(t.rx)
	return nil
}

func (t *NATSTransport) handleRX(msg *nats.Msg) {
	var rx RXMessage
	if err := json.Unmarshal(msg.Data, &rx); err != nil {
		t.log.Warn().Err(err).Msg("bad rx envelope")
		return
	}

	f, err := iohc.Decode(rx.Data)
	if err != nil {
		t.log.Debug().Err(err).Str("data", base64.StdEncoding.EncodeToString(rx.Data)).Msg("dropping malformed frame")
		return
	}

	select {
	case t.rx <- f:
	default:
		t.log.Warn().Msg("inbound frame queue full, dropping")
	}
}

func (t *NATSTransport) handleState(msg *nats.Msg) {
	var sm StateMessage
	if err := json.Unmarshal(msg.Data, &sm); err != nil {
		return
	}
	t.mu.Lock()
	t.state = ParseState(sm.State)
	t.mu.Unlock()
}
