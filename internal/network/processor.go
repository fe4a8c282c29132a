package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/pairing"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Common errors surfaced to the operator interface
var (
	ErrNotPaired = errors.New("device is not paired")
	ErrNotFound  = registry.ErrNotFound
)

// Actuator command payloads (CMD 0x00, originator + ACEI + main parameter
// + three functional parameters)
var (
	payloadOn  = []byte{0x01, 0xe7, 0x00, 0x00, 0x00, 0x00}
	payloadOff = []byte{0x01, 0xe7, 0xc8, 0x00, 0x00, 0x00}
	// Status query payload for CMD 0x03
	payloadStatus = []byte{0x03, 0x00, 0x00}
)

// EventSink receives controller events and captured frames, typically the
// Postgres history store. Both methods must be safe for concurrent use.
type EventSink interface {
	LogEvent(ctx context.Context, evt *models.EventLog) error
	LogFrame(ctx context.Context, frame *models.FrameLog) error
}

// Processor owns the controller loop: it wakes the pairing machine on a
// tick, drains received frames and routes them to the pairing machine or
// the response handler. All protocol state mutation happens on this one
// goroutine; the operator interface submits closures onto it.
type Processor struct {
	cfg     *config.Config
	reg     *registry.Registry
	tr      radio.Transport
	pairing *pairing.Controller
	resp    *ResponseHandler
	log     zerolog.Logger
	sink    EventSink

	ops chan operatorOp
}

type operatorOp struct {
	fn    func() error
	reply chan error
}

// NewProcessor wires the loop with its collaborators. Pass a nil sink to
// run without the history store.
func NewProcessor(cfg *config.Config, reg *registry.Registry, tr radio.Transport, sink EventSink, log zerolog.Logger) *Processor {
	pairCfg := pairing.Config{
		ControllerAddr:    cfg.ControllerAddress(),
		TransferKey:       cfg.TransferKey(),
		PairingTimeout:    cfg.Controller.PairingTimeout,
		StepTimeout:       cfg.Controller.StepTimeout,
		DiscoverInterval:  cfg.Controller.DiscoverInterval,
		BroadcastInterval: cfg.Controller.BroadcastInterval,
		RetryDelay:        cfg.Controller.RetryDelay,
		RetryAttempts:     cfg.Controller.RetryAttempts,
	}

	p := &Processor{
		cfg:     cfg,
		reg:     reg,
		tr:      tr,
		log:     log.With().Str("component", "processor").Logger(),
		sink:    sink,
		ops:     make(chan operatorOp, 16),
		pairing: pairing.New(pairCfg, reg, tr, log),
		resp:    NewResponseHandler(reg, tr, cfg.ControllerAddress(), log),
	}

	if key, ok := cfg.SystemKey(); ok {
		p.pairing.SetSystemKey(key)
	}
	if cfg.Controller.AutoPair {
		p.pairing.SetAutoPair(true)
	}
	if sink != nil {
		p.pairing.OnEvent = p.logEvent
		p.resp.OnEvent = p.logEvent
	}

	return p
}

// PairingStatus is a loop-consistent snapshot of the pairing machine
type PairingStatus struct {
	Active   bool
	Device   iohc.Address
	Op       pairing.Op
	Attempts int
	AutoPair bool
}

// PairingStatus reports the active session, read on the loop goroutine
func (p *Processor) PairingStatus() PairingStatus {
	var st PairingStatus
	p.submit(func() error {
		st.Device, st.Active = p.pairing.Active()
		st.Op, st.Attempts = p.pairing.PendingOp()
		st.AutoPair = p.pairing.AutoPair()
		return nil
	})
	return st
}

// Run drives the loop until the context ends. Cancellation is observed at
// every tick boundary; in-flight radio sends complete.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Controller.TickInterval)
	defer ticker.Stop()

	p.log.Info().
		Str("controller", p.cfg.Controller.Address).
		Dur("tick", p.cfg.Controller.TickInterval).
		Msg("controller loop started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("controller loop stopping")
			return ctx.Err()

		case <-ticker.C:
			p.pairing.Process()

		case f, ok := <-p.tr.Frames():
			if !ok {
				return errors.New("radio transport closed")
			}
			p.dispatch(f)

		case op := <-p.ops:
			op.reply <- op.fn()
		}
	}
}

// dispatch routes one decoded, CRC-validated frame
func (p *Processor) dispatch(f *iohc.Frame) {
	p.logFrame(models.FrameDirectionRX, f)

	if p.pairing.HandleFrame(f) {
		return
	}

	switch f.Cmd {
	case iohc.CmdDiscoverAnswer:
		if p.pairing.AutoPair() {
			if err := p.pairing.Adopt(f); err != nil {
				p.log.Debug().Err(err).Str("source", f.Source.String()).Msg("auto-pair adoption failed")
			}
			return
		}
		p.log.Info().
			Str("source", f.Source.String()).
			Msg("unsolicited discovery answer; use pair to enroll")

	case iohc.CmdChallenge:
		p.resp.HandleChallenge(f)

	case iohc.CmdStatusAnswer:
		p.resp.HandleConfirmation(f)

	case iohc.CmdError:
		var status byte
		if len(f.Payload) > 0 {
			status = f.Payload[0]
		}
		p.log.Warn().
			Str("source", f.Source.String()).
			Uint8("status", status).
			Msg("device reported error")

	default:
		p.log.Debug().Str("frame", f.String()).Msg("unhandled frame")
	}
}

// submit serializes an operator action onto the loop goroutine
func (p *Processor) submit(fn func() error) error {
	op := operatorOp{fn: fn, reply: make(chan error, 1)}
	p.ops <- op
	return <-op.reply
}

// StartPairing begins a pairing session for the given device
func (p *Processor) StartPairing(addr iohc.Address) error {
	return p.submit(func() error {
		return p.pairing.Start(addr)
	})
}

// CancelPairing aborts the active session
func (p *Processor) CancelPairing() error {
	return p.submit(func() error {
		p.pairing.Cancel()
		return nil
	})
}

// SetAutoPair toggles auto-pair mode
func (p *Processor) SetAutoPair(enabled bool) error {
	return p.submit(func() error {
		p.pairing.SetAutoPair(enabled)
		return nil
	})
}

// TurnOn sends the actuator-on command to a paired device
func (p *Processor) TurnOn(addr iohc.Address) error {
	return p.SendCommand(addr, iohc.CmdActuate, payloadOn)
}

// TurnOff sends the actuator-off command to a paired device
func (p *Processor) TurnOff(addr iohc.Address) error {
	return p.SendCommand(addr, iohc.CmdActuate, payloadOff)
}

// QueryStatus asks a paired device for its current state
func (p *Processor) QueryStatus(addr iohc.Address) error {
	return p.SendCommand(addr, iohc.CmdStatusQuery, payloadStatus)
}

// SendCommand transmits an arbitrary command to a paired device, records
// it for the authentication exchange the device will start, and advances
// the replay-protection sequence counter. Retrying after a busy radio is
// the caller's responsibility.
func (p *Processor) SendCommand(addr iohc.Address, cmd iohc.Command, payload []byte) error {
	return p.submit(func() error {
		d, ok := p.reg.Get(addr)
		if !ok {
			return ErrNotFound
		}
		if d.State != models.StatePaired {
			return fmt.Errorf("%w: state %s", ErrNotPaired, d.State)
		}

		f := iohc.NewFrame(p.cfg.ControllerAddress(), addr, cmd, payload)
		if err := p.tr.Send(f); err != nil {
			return err
		}

		d.RecordCommand(cmd, payload)
		p.logFrame(models.FrameDirectionTX, f)

		p.log.Info().
			Str("device", addr.String()).
			Str("cmd", cmd.String()).
			Uint16("sequence", d.SequenceNumber).
			Msg("command sent, device will challenge")
		return nil
	})
}

// ListDevices returns copies of every known device, read on the loop
// goroutine so no frame processing interleaves with the snapshot.
func (p *Processor) ListDevices() []*models.Device {
	var out []*models.Device
	p.submit(func() error {
		out = p.reg.All()
		return nil
	})
	return out
}

// GetDevice returns a copy of one device
func (p *Processor) GetDevice(addr iohc.Address) (*models.Device, error) {
	var out *models.Device
	err := p.submit(func() error {
		d, ok := p.reg.Snapshot(addr)
		if !ok {
			return ErrNotFound
		}
		out = d
		return nil
	})
	return out, err
}

// UpdateDevice applies operator-editable fields and persists the registry
func (p *Processor) UpdateDevice(addr iohc.Address, description *string, authFullCommand *bool) (*models.Device, error) {
	var out *models.Device
	err := p.submit(func() error {
		err := p.reg.Update(addr, func(d *models.Device) {
			if description != nil {
				d.Description = *description
			}
			if authFullCommand != nil {
				d.AuthFullCommand = *authFullCommand
			}
		})
		if err != nil {
			return err
		}
		if err := p.reg.Save(); err != nil {
			p.log.Error().Err(err).Msg("registry save failed")
		}
		d, _ := p.reg.Snapshot(addr)
		out = d
		return nil
	})
	return out, err
}

// RemoveDevice deletes a device and persists the registry
func (p *Processor) RemoveDevice(addr iohc.Address) error {
	return p.submit(func() error {
		if !p.reg.Remove(addr) {
			return ErrNotFound
		}
		return p.reg.Save()
	})
}

// SaveRegistry persists the registry on the loop goroutine
func (p *Processor) SaveRegistry() error {
	return p.submit(func() error {
		return p.reg.Save()
	})
}

// ReloadRegistry replaces in-memory state with the durable mirror
func (p *Processor) ReloadRegistry() error {
	return p.submit(func() error {
		return p.reg.Load()
	})
}

func (p *Processor) logEvent(evt *models.EventLog) {
	if p.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.sink.LogEvent(ctx, evt); err != nil {
		p.log.Warn().Err(err).Msg("event log write failed")
	}
}

func (p *Processor) logFrame(direction string, f *iohc.Frame) {
	if p.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry := &models.FrameLog{
		Direction: direction,
		Source:    f.Source,
		Target:    f.Target,
		Cmd:       uint8(f.Cmd),
		Payload:   append([]byte(nil), f.Payload...),
	}
	if err := p.sink.LogFrame(ctx, entry); err != nil {
		p.log.Warn().Err(err).Msg("frame log write failed")
	}
}
