package network

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// ResponseHandler answers the challenges paired devices raise when they
// execute an authenticated command, and correlates their confirmations.
type ResponseHandler struct {
	reg  *registry.Registry
	tr   radio.Transport
	addr iohc.Address
	log  zerolog.Logger
	now  func() time.Time

	// OnEvent, when set, receives auth events for the history store
	OnEvent func(*models.EventLog)
}

// NewResponseHandler creates the authenticated-command path
func NewResponseHandler(reg *registry.Registry, tr radio.Transport, addr iohc.Address, log zerolog.Logger) *ResponseHandler {
	return &ResponseHandler{
		reg:  reg,
		tr:   tr,
		addr: addr,
		log:  log.With().Str("component", "response").Logger(),
		now:  time.Now,
	}
}

// HandleChallenge processes a 0x3C from a device outside pairing. The
// device is proving we hold its system key before it executes the last
// command we sent.
func (h *ResponseHandler) HandleChallenge(f *iohc.Frame) {
	d, ok := h.reg.Get(f.Source)
	if !ok {
		h.log.Warn().Str("source", f.Source.String()).Msg("challenge from unknown device, dropping")
		return
	}
	if d.State != models.StatePaired || !d.HasSystemKey() {
		h.log.Warn().
			Str("device", d.Address.String()).
			Str("state", string(d.State)).
			Msg("challenge from unpaired or keyless device, dropping")
		return
	}
	if len(f.Payload) < 6 {
		h.log.Warn().Str("device", d.Address.String()).Msg("short challenge, dropping")
		return
	}
	if len(d.LastCommand) == 0 {
		h.log.Warn().Str("device", d.Address.String()).Msg("challenge without recorded command, dropping")
		return
	}

	if err := h.reg.StoreChallenge(d.Address, f.Payload); err != nil {
		h.log.Error().Err(err).Msg("storing challenge failed")
		return
	}

	// The authenticated body is the response byte alone unless the
	// device firmware expects the original command covered.
	body := []byte{byte(iohc.CmdChallengeAnswer)}
	if d.AuthFullCommand {
		body = d.LastCommand
	}

	mac := iohc.MAC2W(d.LastChallenge, *d.SystemKey, body)

	answer := iohc.NewFrame(h.addr, d.Address, iohc.CmdChallengeAnswer, mac[:])
	if err := h.tr.Send(answer); err != nil {
		// Keep the pending challenge; the device retransmits its 0x3C
		// and the next attempt answers it.
		h.log.Warn().Err(err).Str("device", d.Address.String()).Msg("challenge answer not sent")
		return
	}

	h.reg.StoreResponse(d.Address, mac)
	h.reg.Update(d.Address, func(d *models.Device) {
		d.ClearChallenge()
	})

	h.log.Info().
		Str("device", d.Address.String()).
		Hex("mac", mac[:]).
		Msg("challenge answered, waiting for confirmation")
	h.event(d.Address, "challenge answered", models.Variables{"mac": mac[:]})
}

// HandleConfirmation processes the 0x04 a device sends once it accepted
// the MAC and executed the command.
func (h *ResponseHandler) HandleConfirmation(f *iohc.Frame) {
	d, ok := h.reg.Get(f.Source)
	if !ok || d.State != models.StatePaired {
		return
	}

	h.reg.Update(d.Address, func(d *models.Device) {
		d.Touch(h.now())
	})

	h.log.Info().
		Str("device", d.Address.String()).
		Hex("status", f.Payload).
		Msg("command confirmed")
	h.event(d.Address, "command confirmed", models.Variables{"status": f.Payload})
}

func (h *ResponseHandler) event(addr iohc.Address, desc string, details models.Variables) {
	if h.OnEvent == nil {
		return
	}
	a := addr
	h.OnEvent(&models.EventLog{
		Device:      &a,
		Type:        models.EventTypeAuth,
		Level:       models.EventLevelInfo,
		Description: desc,
		Details:     details,
	})
}
