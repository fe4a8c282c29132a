package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
)

// datagram is the envelope the radio front-end speaks over UDP. The
// front-end pushes received frames and state changes; the bridge pushes
// frames to transmit.
type datagram struct {
	Type         string `json:"type"` // frame | state
	Data         []byte `json:"data,omitempty"`
	RSSI         *int   `json:"rssi,omitempty"`
	State        string `json:"state,omitempty"`
	LongPreamble bool   `json:"longPreamble,omitempty"`
}

// UDPRadioBridge relays between the radio front-end on UDP and the
// controller on the NATS frame bus.
type UDPRadioBridge struct {
	cfg  config.RadioConfig
	nc   *nats.Conn
	log  zerolog.Logger
	conn *net.UDPConn

	mu       sync.RWMutex
	frontend *net.UDPAddr

	stats struct {
		rxFrames uint64
		txFrames uint64
		dropped  uint64
	}
}

// NewUDPRadioBridge creates the bridge
func NewUDPRadioBridge(cfg config.RadioConfig, nc *nats.Conn, log zerolog.Logger) *UDPRadioBridge {
	return &UDPRadioBridge{
		cfg: cfg,
		nc:  nc,
		log: log.With().Str("component", "radio-bridge").Logger(),
	}
}

// Start binds the UDP socket and runs until the context ends
func (b *UDPRadioBridge) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", b.cfg.UDPBind)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	b.conn = conn

	sub, err := b.nc.Subscribe(b.cfg.SubjectTX, b.handleTX)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", b.cfg.SubjectTX, err)
	}
	defer sub.Unsubscribe()

	b.log.Info().Str("bind", b.cfg.UDPBind).Msg("radio bridge listening")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		b.handleDatagram(buf[:n], remote)
	}
}

// handleDatagram processes one datagram from the front-end
func (b *UDPRadioBridge) handleDatagram(data []byte, remote *net.UDPAddr) {
	b.mu.Lock()
	b.frontend = remote
	b.mu.Unlock()

	var dg datagram
	if err := json.Unmarshal(data, &dg); err != nil {
		b.stats.dropped++
		b.log.Debug().Err(err).Msg("bad datagram, dropping")
		return
	}

	switch dg.Type {
	case "frame":
		b.stats.rxFrames++
		msg, err := json.Marshal(radio.RXMessage{Data: dg.Data, RSSI: dg.RSSI})
		if err != nil {
			return
		}
		if err := b.nc.Publish(b.cfg.SubjectRX, msg); err != nil {
			b.log.Warn().Err(err).Msg("publish rx frame failed")
		}

	case "state":
		msg, err := json.Marshal(radio.StateMessage{State: dg.State})
		if err != nil {
			return
		}
		if err := b.nc.Publish(b.cfg.SubjectState, msg); err != nil {
			b.log.Warn().Err(err).Msg("publish state failed")
		}

	default:
		b.stats.dropped++
		b.log.Debug().Str("type", dg.Type).Msg("unknown datagram type")
	}
}

// handleTX forwards a frame from the controller to the front-end
func (b *UDPRadioBridge) handleTX(msg *nats.Msg) {
	var tx radio.TXMessage
	if err := json.Unmarshal(msg.Data, &tx); err != nil {
		b.log.Warn().Err(err).Msg("bad tx envelope")
		return
	}

	b.mu.RLock()
	frontend := b.frontend
	b.mu.RUnlock()
	if frontend == nil {
		b.log.Warn().Msg("no radio front-end seen yet, dropping tx frame")
		return
	}

	out, err := json.Marshal(datagram{
		Type:         "frame",
		Data:         tx.Data,
		LongPreamble: tx.LongPreamble,
	})
	if err != nil {
		return
	}

	b.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := b.conn.WriteToUDP(out, frontend); err != nil {
		b.log.Warn().Err(err).Msg("udp write failed")
		return
	}
	b.stats.txFrames++
}
