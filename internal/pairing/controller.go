package pairing

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/crypto"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Common errors
var (
	ErrPairingActive = errors.New("pairing already in progress")
	ErrNoSystemKey   = errors.New("no system key configured")
)

// Fixed payload of the 0x2A pairing broadcast
var pairBroadcastPayload = []byte{
	0x01, 0x00, 0x00, 0x00, 0x8f, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// maxNotReady is how many consecutive peer-not-ready answers abort a session
const maxNotReady = 6

// Config carries the tuning knobs of the state machine
type Config struct {
	ControllerAddr iohc.Address
	TransferKey    iohc.Key

	PairingTimeout    time.Duration
	StepTimeout       time.Duration
	DiscoverInterval  time.Duration
	BroadcastInterval time.Duration
	RetryDelay        time.Duration
	RetryAttempts     int
}

// Controller drives one device at a time from unpaired to paired: the
// discovery handshake, the pairing broadcasts, the challenge exchange,
// key transfer when the device requests it, and the identity harvest.
type Controller struct {
	cfg Config
	reg *registry.Registry
	tr  radio.Transport
	log zerolog.Logger

	now       func() time.Time
	challenge func() (iohc.Challenge, error)

	systemKey *iohc.Key

	active      bool
	addr        iohc.Address
	autoPair    bool
	pending     pendingSend
	lastStep    time.Time
	lastLog     time.Time
	bcastSent   int
	bcastLast   time.Time
	notReady    int
	ourChal     iohc.Challenge
	deviceChal  iohc.Challenge
	haveDevChal bool
	sentKey     bool
	lastWrapped iohc.Key

	// OnEvent, when set, receives lifecycle events for the history store
	OnEvent func(*models.EventLog)
}

// New creates a pairing controller
func New(cfg Config, reg *registry.Registry, tr radio.Transport, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		reg:       reg,
		tr:        tr,
		log:       log.With().Str("component", "pairing").Logger(),
		now:       time.Now,
		challenge: crypto.GenerateChallenge,
	}
}

// SetSystemKey installs the configured 2W system key
func (c *Controller) SetSystemKey(key iohc.Key) {
	k := key
	c.systemKey = &k
}

// HasSystemKey reports whether pairing can start
func (c *Controller) HasSystemKey() bool {
	return c.systemKey != nil
}

// SetAutoPair toggles idle-listening for unsolicited discovery answers
func (c *Controller) SetAutoPair(enabled bool) {
	c.autoPair = enabled
}

// AutoPair reports whether auto-pair mode is enabled
func (c *Controller) AutoPair() bool {
	return c.autoPair
}

// Active returns the address of the current session, if one is running
func (c *Controller) Active() (iohc.Address, bool) {
	return c.addr, c.active
}

// PendingOp exposes the retry state for diagnostics
func (c *Controller) PendingOp() (Op, int) {
	return c.pending.op, c.pending.attempts
}

// Start begins a pairing session for a specific device address. Pairing
// is strictly serial: a second request fails immediately.
func (c *Controller) Start(addr iohc.Address) error {
	if c.active {
		return ErrPairingActive
	}
	if _, ok := c.reg.AnyInPairing(); ok {
		return ErrPairingActive
	}
	if c.systemKey == nil {
		return ErrNoSystemKey
	}

	now := c.now()
	d := c.reg.GetOrCreate(addr)
	d.State = models.StateDiscovering
	d.PairingStartedAt = now

	c.active = true
	c.addr = addr
	c.pending = pendingSend{}
	c.bcastSent = 0
	c.notReady = 0
	c.haveDevChal = false
	c.sentKey = false
	c.lastStep = now.Add(-c.cfg.DiscoverInterval) // trigger an immediate broadcast

	c.log.Info().Str("device", addr.String()).Msg("pairing started, press the peer's pairing button")
	c.event(addr, models.EventLevelInfo, "pairing started", nil)
	return nil
}

// Adopt promotes the source of an unsolicited discovery answer into a
// fresh session. Used by auto-pair mode; disables further auto-pair
// acceptance until this session ends.
func (c *Controller) Adopt(f *iohc.Frame) error {
	if !c.autoPair || c.active {
		return ErrPairingActive
	}
	if err := c.Start(f.Source); err != nil {
		return err
	}
	c.autoPair = false
	c.log.Info().Str("device", f.Source.String()).Msg("auto-pair adopted device")
	return c.handleDiscoveryAnswer(c.device(), f)
}

// Cancel reverts the current device to unpaired and drops any pending retry
func (c *Controller) Cancel() {
	if !c.active {
		return
	}
	if d, ok := c.reg.Get(c.addr); ok {
		d.State = models.StateUnpaired
		d.PairingStartedAt = time.Time{}
	}
	c.log.Info().Str("device", c.addr.String()).Msg("pairing cancelled")
	c.event(c.addr, models.EventLevelInfo, "pairing cancelled", nil)
	c.endSession()
}

func (c *Controller) endSession() {
	c.active = false
	c.addr = iohc.Address{}
	c.pending = pendingSend{}
	c.haveDevChal = false
	c.sentKey = false
}

func (c *Controller) device() *models.Device {
	d, _ := c.reg.Get(c.addr)
	return d
}

func (c *Controller) fail(d *models.Device, reason string) {
	d.State = models.StateFailed
	c.log.Warn().Str("device", d.Address.String()).Str("reason", reason).Msg("pairing failed")
	c.event(d.Address, models.EventLevelWarning, "pairing failed: "+reason, nil)
	c.save()
	c.endSession()
}

func (c *Controller) save() {
	// In-memory state stays authoritative on I/O errors; the next
	// successful save reconciles.
	if err := c.reg.Save(); err != nil {
		c.log.Error().Err(err).Msg("registry save failed")
	}
}

func (c *Controller) event(addr iohc.Address, level, desc string, details models.Variables) {
	if c.OnEvent == nil {
		return
	}
	a := addr
	c.OnEvent(&models.EventLog{
		Device:      &a,
		Type:        models.EventTypePairing,
		Level:       level,
		Description: desc,
		Details:     details,
	})
}

// Process runs one tick: umbrella timeout, discovery cadence, 0x2A
// broadcast cadence, pending-send retries and step-progress logging.
func (c *Controller) Process() {
	if !c.active {
		return
	}

	d := c.device()
	if d == nil {
		c.log.Error().Msg("active session without device, cancelling")
		c.endSession()
		return
	}

	now := c.now()

	if d.PairingTimedOut(now, c.cfg.PairingTimeout) {
		c.fail(d, "timeout")
		return
	}

	switch d.State {
	case models.StateDiscovering:
		if now.Sub(c.lastStep) >= c.cfg.DiscoverInterval {
			if now.Sub(c.lastLog) >= time.Second {
				c.log.Info().Str("device", d.Address.String()).Msg("broadcasting discover, waiting for answer")
				c.lastLog = now
			}
			if c.sendOp(OpDiscover, c.discoverFrame(), now) {
				c.lastStep = now
			}
		}

	case models.StateBroadcasting2A:
		if c.bcastSent < 4 {
			if c.bcastSent == 0 || now.Sub(c.bcastLast) >= c.cfg.BroadcastInterval {
				if c.sendOp(OpBroadcast2A, c.broadcast2AFrame(), now) {
					c.bcastSent++
					c.bcastLast = now
				}
			}
			return
		}
		// Four copies out; advance unconditionally
		d.State = models.StateAwaitingPrioAddr
		c.lastStep = now
		c.sendOp(OpPriorityAddr, c.priorityAddrFrame(d), now)

	default:
		c.retryPending(now)
		if c.cfg.StepTimeout > 0 && !c.lastStep.IsZero() &&
			now.Sub(c.lastStep) >= c.cfg.StepTimeout && now.Sub(c.lastLog) >= c.cfg.StepTimeout {
			c.log.Info().
				Str("device", d.Address.String()).
				Str("state", string(d.State)).
				Str("pending", c.pending.op.String()).
				Msg("still waiting for device answer")
			c.lastLog = now
		}
	}
}

// retryPending resends the last frame when the radio is back in RX and
// the retry budget allows.
func (c *Controller) retryPending(now time.Time) {
	if c.pending.op == OpNone || c.pending.op == OpDiscover {
		return
	}
	if c.tr.State() != radio.StateRX {
		return
	}
	if now.Before(c.pending.nextAt) {
		return
	}
	if c.pending.attempts >= c.cfg.RetryAttempts {
		return
	}
	c.log.Debug().
		Str("op", c.pending.op.String()).
		Int("attempt", c.pending.attempts+1).
		Msg("retrying send")
	c.sendOp(c.pending.op, c.pending.frame, now)
}

// sendOp hands a frame to the radio. A refusal keeps the pending state
// untouched apart from the next retry time; only a successful hand-off
// consumes an attempt.
func (c *Controller) sendOp(op Op, f *iohc.Frame, now time.Time) bool {
	if c.pending.op != op {
		// A new operation starts with a fresh retry budget
		c.pending = pendingSend{op: op}
	}
	c.pending.frame = f

	if err := c.tr.Send(f); err != nil {
		if errors.Is(err, radio.ErrBusy) {
			c.pending.nextAt = now.Add(c.cfg.RetryDelay)
			return false
		}
		c.log.Error().Err(err).Str("op", op.String()).Msg("send failed")
		return false
	}

	c.pending.attempts++
	c.pending.nextAt = now.Add(c.cfg.RetryDelay)
	return true
}

// clearPending resets the retry state after the awaited answer arrived
func (c *Controller) clearPending() {
	c.pending = pendingSend{}
}

// HandleFrame feeds one inbound frame to the machine. Returns true when
// the frame belonged to the active session and was consumed.
func (c *Controller) HandleFrame(f *iohc.Frame) bool {
	if !c.active || f.Source != c.addr {
		return false
	}

	d := c.device()
	if d == nil {
		return false
	}

	now := c.now()
	d.Touch(now)

	c.log.Debug().
		Str("device", d.Address.String()).
		Str("cmd", f.Cmd.String()).
		Str("state", string(d.State)).
		Msg("pairing frame received")

	switch f.Cmd {
	case iohc.CmdDiscoverAnswer:
		if d.State == models.StateDiscovering {
			c.handleDiscoveryAnswer(d, f)
		}

	case iohc.CmdAliveOK:
		if d.State == models.StateAliveCheck {
			c.clearPending()
			d.State = models.StateBroadcasting2A
			c.bcastSent = 0
			c.lastStep = now
		}

	case iohc.CmdPrioAddrAnswer:
		if d.State == models.StateAwaitingPrioAddr {
			c.clearPending()
			d.PriorityAddress = append([]byte(nil), f.Payload...)
			c.sendOurChallenge(d, now)
		}

	case iohc.CmdChallengeAnswer:
		if d.State == models.StateChallengeSent {
			// The value is not verified here; answering at all proves
			// the device processed the exchange.
			c.clearPending()
			c.installKey(d)
			c.beginHarvest(d, now)
		}

	case iohc.CmdChallenge:
		c.handleDeviceChallenge(d, f, now)

	case iohc.CmdPairConfirm:
		if len(f.Payload) >= 1 {
			c.clearPending()
			d.State = models.StateAskingChallenge
			c.lastStep = now
			c.sendOp(OpChallenge, c.askChallengeFrame(d), now)
		}

	case iohc.CmdForceKeyXchg:
		// Pull variant: the device hands us its challenge and asks for
		// the key outright.
		if len(f.Payload) >= 6 {
			copy(c.deviceChal[:], f.Payload)
			c.haveDevChal = true
			wrapFrame := append([]byte{byte(iohc.CmdForceKeyXchg)}, c.deviceChal[:]...)
			c.sendKeyTransfer(d, wrapFrame, now)
		}

	case iohc.CmdKeyTransferAck:
		c.clearPending()
		c.installKey(d)
		c.beginHarvest(d, now)

	case iohc.CmdNameAnswer:
		if d.State == models.StateKeyExchanged {
			c.clearPending()
			if err := c.reg.UpdateName(d.Address, f.Payload); err != nil {
				c.log.Warn().Err(err).Msg("name answer dropped")
			}
			c.lastStep = now
			c.sendOp(OpInfo1Request, c.infoFrame(d, iohc.CmdInfo1Request), now)
		}

	case iohc.CmdInfo1Answer:
		if d.State == models.StateKeyExchanged {
			c.clearPending()
			if err := c.reg.UpdateGeneralInfo1(d.Address, f.Payload); err != nil {
				c.log.Warn().Err(err).Msg("general-info-1 dropped")
			}
			c.lastStep = now
			c.sendOp(OpInfo2Request, c.infoFrame(d, iohc.CmdInfo2Request), now)
		}

	case iohc.CmdInfo2Answer:
		if d.State == models.StateKeyExchanged {
			c.clearPending()
			if err := c.reg.UpdateGeneralInfo2(d.Address, f.Payload); err != nil {
				c.log.Warn().Err(err).Msg("general-info-2 dropped")
			}
			c.complete(d, now)
		}

	case iohc.CmdError:
		c.handleErrorAnswer(d, f)

	default:
		// Consume everything else from the device under pairing so the
		// normal command path cannot interfere mid-session.
		c.log.Debug().Str("cmd", f.Cmd.String()).Msg("ignoring unexpected command during pairing")
	}

	return true
}

func (c *Controller) handleDiscoveryAnswer(d *models.Device, f *iohc.Frame) error {
	now := c.now()
	c.clearPending()
	if err := c.reg.UpdateFromDiscovery(d.Address, f.Payload, now); err != nil {
		// A short answer does not mutate capabilities; stay in
		// discovery and let the next broadcast try again.
		c.log.Warn().Err(err).Msg("discovery answer dropped")
		return err
	}

	c.log.Info().
		Str("device", d.Address.String()).
		Uint16("node_type", d.Capabilities.NodeType).
		Uint8("manufacturer", d.Capabilities.Manufacturer).
		Msg("device answered discovery")

	d.State = models.StateAliveCheck
	c.lastStep = now
	c.sendOp(OpAliveCheck, c.aliveCheckFrame(d), now)
	return nil
}

func (c *Controller) handleDeviceChallenge(d *models.Device, f *iohc.Frame, now time.Time) {
	if len(f.Payload) < 6 {
		c.log.Warn().Msg("challenge too short, dropping")
		return
	}
	copy(c.deviceChal[:], f.Payload)
	c.haveDevChal = true

	if !c.sentKey {
		// Key-push branch: the device challenges before any key was
		// transferred. Wrap the system key against the ask-challenge
		// command byte and push it.
		d.State = models.StateChallengeRecv
		wrapFrame := []byte{byte(iohc.CmdAskChallenge)}
		c.sendKeyTransfer(d, wrapFrame, now)
		return
	}

	// The device is challenging our key transfer; answer with a MAC over
	// the transfer frame under the just-pushed system key.
	body := append([]byte{byte(iohc.CmdKeyTransfer)}, c.lastWrapped[:]...)
	mac := iohc.MAC2W(c.deviceChal, *c.systemKey, body)
	c.lastStep = now
	c.sendOp(OpChallengeAnswer, c.challengeAnswerFrame(d, mac), now)
}

func (c *Controller) handleErrorAnswer(d *models.Device, f *iohc.Frame) {
	var status byte
	if len(f.Payload) > 0 {
		status = f.Payload[0]
	}

	switch status {
	case iohc.StatusNotInPairingMode:
		c.notReady++
		c.log.Warn().
			Int("count", c.notReady).
			Msg("peer not in pairing mode, press its pairing button")
		if c.notReady >= maxNotReady {
			c.fail(d, "peer not ready")
		}

	case iohc.StatusKeyRejected:
		// Do not retry with the same key
		c.fail(d, "key transfer rejected")

	default:
		c.log.Warn().Uint8("status", status).Msg("device reported status")
	}
}

func (c *Controller) sendOurChallenge(d *models.Device, now time.Time) {
	chal, err := c.challenge()
	if err != nil {
		c.log.Error().Err(err).Msg("challenge generation failed")
		return
	}
	c.ourChal = chal
	d.State = models.StateChallengeSent
	c.lastStep = now
	c.sendOp(OpChallenge, c.challengeFrame(d, chal), now)
}

func (c *Controller) sendKeyTransfer(d *models.Device, wrapFrame []byte, now time.Time) {
	if c.systemKey == nil {
		c.log.Error().Msg("no system key, cannot transfer")
		return
	}
	c.lastWrapped = iohc.WrapKey(*c.systemKey, c.deviceChal, wrapFrame, c.cfg.TransferKey)
	c.sentKey = true
	c.lastStep = now
	c.sendOp(OpKeyTransfer, c.keyTransferFrame(d, c.lastWrapped), now)
}

// installKey records the system key on the device and mirrors it to disk
// before any further frame is processed for the device.
func (c *Controller) installKey(d *models.Device) {
	if c.systemKey == nil {
		return
	}
	k := *c.systemKey
	d.SystemKey = &k
	d.State = models.StateKeyExchanged
	c.save()
}

func (c *Controller) beginHarvest(d *models.Device, now time.Time) {
	c.lastStep = now
	c.sendOp(OpNameRequest, c.infoFrame(d, iohc.CmdNameRequest), now)
}

func (c *Controller) complete(d *models.Device, now time.Time) {
	d.State = models.StatePaired
	d.PairingStartedAt = time.Time{}
	d.Touch(now)
	c.save()

	c.log.Info().
		Str("device", d.Address.String()).
		Str("name", d.Capabilities.Name).
		Msg("pairing completed")
	c.event(d.Address, models.EventLevelInfo, "pairing completed", models.Variables{
		"name":      d.Capabilities.Name,
		"node_type": d.Capabilities.NodeType,
	})
	c.endSession()
}

// Frame builders. The discover and 0x2A broadcasts wake sleeping peers
// with a long preamble; everything targeted at an awake peer uses the
// short one.

func (c *Controller) discoverFrame() *iohc.Frame {
	return &iohc.Frame{
		StartFrame:   true,
		EndFrame:     true,
		LPM:          true,
		Prio:         true,
		Source:       c.cfg.ControllerAddr,
		Target:       iohc.Broadcast2W,
		Cmd:          iohc.CmdDiscover,
		LongPreamble: true,
	}
}

func (c *Controller) broadcast2AFrame() *iohc.Frame {
	return &iohc.Frame{
		StartFrame:   true,
		LPM:          true,
		Source:       c.cfg.ControllerAddr,
		Target:       iohc.Broadcast2W,
		Cmd:          iohc.CmdPairBroadcast,
		Payload:      append([]byte(nil), pairBroadcastPayload...),
		LongPreamble: true,
	}
}

func (c *Controller) aliveCheckFrame(d *models.Device) *iohc.Frame {
	return iohc.NewFrame(c.cfg.ControllerAddr, d.Address, iohc.CmdAliveCheck, nil)
}

func (c *Controller) priorityAddrFrame(d *models.Device) *iohc.Frame {
	f := iohc.NewFrame(c.cfg.ControllerAddr, d.Address, iohc.CmdPrioAddrRequest, nil)
	f.Prio = true
	return f
}

func (c *Controller) challengeFrame(d *models.Device, chal iohc.Challenge) *iohc.Frame {
	return iohc.NewFrame(c.cfg.ControllerAddr, d.Address, iohc.CmdChallenge, chal[:])
}

func (c *Controller) askChallengeFrame(d *models.Device) *iohc.Frame {
	f := iohc.NewFrame(c.cfg.ControllerAddr, d.Address, iohc.CmdAskChallenge, nil)
	f.EndFrame = true
	return f
}

func (c *Controller) keyTransferFrame(d *models.Device, wrapped iohc.Key) *iohc.Frame {
	return iohc.NewFrame(c.cfg.ControllerAddr, d.Address, iohc.CmdKeyTransfer, wrapped[:])
}

func (c *Controller) challengeAnswerFrame(d *models.Device, mac [6]byte) *iohc.Frame {
	return iohc.NewFrame(c.cfg.ControllerAddr, d.Address, iohc.CmdChallengeAnswer, mac[:])
}

func (c *Controller) infoFrame(d *models.Device, cmd iohc.Command) *iohc.Frame {
	return iohc.NewFrame(c.cfg.ControllerAddr, d.Address, cmd, nil)
}
