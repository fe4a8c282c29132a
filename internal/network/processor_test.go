package network

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Controller.SystemKey = systemKey.String()
	cfg.Controller.RegistryFile = filepath.Join(t.TempDir(), "devices.json")
	cfg.Controller.TickInterval = 5 * time.Millisecond
	cfg.Controller.DiscoverInterval = 20 * time.Millisecond
	cfg.Controller.BroadcastInterval = 10 * time.Millisecond
	cfg.Controller.RetryDelay = 10 * time.Millisecond
	return cfg
}

type loopFixture struct {
	proc   *Processor
	reg    *registry.Registry
	tr     *radio.MemoryTransport
	cancel context.CancelFunc
}

// startLoop builds the fixture, runs seed against the registry before the
// loop starts, then launches Run.
func startLoop(t *testing.T, seed func(*registry.Registry)) *loopFixture {
	t.Helper()
	cfg := testConfig(t)
	reg := registry.New(cfg.Controller.RegistryFile, zerolog.Nop())
	tr := radio.NewMemoryTransport()
	proc := NewProcessor(cfg, reg, tr, nil, zerolog.Nop())

	if seed != nil {
		seed(reg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		tr.Close()
	})

	return &loopFixture{proc: proc, reg: reg, tr: tr, cancel: cancel}
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// scriptPeer installs a device-side script that answers the controller
// like a field device in pairing mode.
func scriptPeer(tr *radio.MemoryTransport) {
	reply := func(cmd iohc.Command, payload []byte) *iohc.Frame {
		return iohc.NewFrame(devAddr, ctrlAddr, cmd, payload)
	}
	caps := iohc.EncodeDiscoveryAnswer(iohc.Capabilities{
		NodeType: 0x40, NodeSubtype: 1, Manufacturer: 2, Timestamp: 7,
	})

	tr.SetHandler(func(f *iohc.Frame) []*iohc.Frame {
		switch f.Cmd {
		case iohc.CmdDiscover:
			return []*iohc.Frame{reply(iohc.CmdDiscoverAnswer, caps)}
		case iohc.CmdAliveCheck:
			return []*iohc.Frame{reply(iohc.CmdAliveOK, nil)}
		case iohc.CmdPrioAddrRequest:
			return []*iohc.Frame{reply(iohc.CmdPrioAddrAnswer, []byte{0x01})}
		case iohc.CmdChallenge:
			return []*iohc.Frame{reply(iohc.CmdChallengeAnswer, []byte{1, 2, 3, 4, 5, 6})}
		case iohc.CmdNameRequest:
			return []*iohc.Frame{reply(iohc.CmdNameAnswer, append([]byte("Plug"), make([]byte, 12)...))}
		case iohc.CmdInfo1Request:
			return []*iohc.Frame{reply(iohc.CmdInfo1Answer, make([]byte, 14))}
		case iohc.CmdInfo2Request:
			return []*iohc.Frame{reply(iohc.CmdInfo2Answer, make([]byte, 16))}
		}
		return nil
	})
}

func TestLoopPairsScriptedPeer(t *testing.T) {
	f := startLoop(t, nil)
	scriptPeer(f.tr)

	if err := f.proc.StartPairing(devAddr); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}

	waitFor(t, "device paired", func() bool {
		d, err := f.proc.GetDevice(devAddr)
		return err == nil && d.State == models.StatePaired
	})

	d, err := f.proc.GetDevice(devAddr)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.SystemKey == nil {
		t.Error("system key missing after pairing")
	}
	if d.Capabilities.Name != "Plug" {
		t.Errorf("name = %q, want Plug", d.Capabilities.Name)
	}
}

func TestLoopAuthenticatedCommandExchange(t *testing.T) {
	f := startLoop(t, func(reg *registry.Registry) {
		d := reg.GetOrCreate(devAddr)
		d.State = models.StatePaired
		key := systemKey
		d.SystemKey = &key
	})

	if err := f.proc.TurnOn(devAddr); err != nil {
		t.Fatalf("TurnOn: %v", err)
	}

	waitFor(t, "command on air", func() bool {
		for _, sent := range f.tr.Sent() {
			if sent.Cmd == iohc.CmdActuate {
				return true
			}
		}
		return false
	})
	d, err := f.proc.GetDevice(devAddr)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1", d.SequenceNumber)
	}

	// The device challenges the command
	f.tr.Inject(iohc.NewFrame(devAddr, ctrlAddr, iohc.CmdChallenge, testChal))

	waitFor(t, "challenge answered", func() bool {
		for _, sent := range f.tr.Sent() {
			if sent.Cmd == iohc.CmdChallengeAnswer {
				return true
			}
		}
		return false
	})

	var answer *iohc.Frame
	for _, sent := range f.tr.Sent() {
		if sent.Cmd == iohc.CmdChallengeAnswer {
			answer = sent
		}
	}
	var chal iohc.Challenge
	copy(chal[:], testChal)
	want := iohc.MAC2W(chal, systemKey, []byte{byte(iohc.CmdChallengeAnswer)})
	if string(answer.Payload) != string(want[:]) {
		t.Errorf("MAC = %x, want %x", answer.Payload, want)
	}

	// Confirmation updates last-seen
	before := time.Now()
	f.tr.Inject(iohc.NewFrame(devAddr, ctrlAddr, iohc.CmdStatusAnswer, []byte{0x00}))
	waitFor(t, "confirmation processed", func() bool {
		snap, err := f.proc.GetDevice(devAddr)
		return err == nil && !snap.LastSeen.Before(before)
	})
}

func TestSendCommandValidation(t *testing.T) {
	f := startLoop(t, func(reg *registry.Registry) {
		reg.GetOrCreate(iohc.Address{0xaa, 0xbb, 0xcc})
	})

	if err := f.proc.TurnOn(devAddr); !errors.Is(err, ErrNotFound) {
		t.Errorf("TurnOn unknown = %v, want ErrNotFound", err)
	}

	if err := f.proc.TurnOff(iohc.Address{0xaa, 0xbb, 0xcc}); !errors.Is(err, ErrNotPaired) {
		t.Errorf("TurnOff unpaired = %v, want ErrNotPaired", err)
	}
}

func TestAutoPairThroughLoop(t *testing.T) {
	f := startLoop(t, nil)
	scriptPeer(f.tr)

	if err := f.proc.SetAutoPair(true); err != nil {
		t.Fatalf("SetAutoPair: %v", err)
	}

	// An unsolicited discovery answer promotes its source into a session
	caps := iohc.EncodeDiscoveryAnswer(iohc.Capabilities{NodeType: 0x41})
	f.tr.Inject(iohc.NewFrame(devAddr, ctrlAddr, iohc.CmdDiscoverAnswer, caps))

	waitFor(t, "auto-pair completion", func() bool {
		d, err := f.proc.GetDevice(devAddr)
		return err == nil && d.State == models.StatePaired
	})
}

func TestCancelThroughLoop(t *testing.T) {
	f := startLoop(t, nil)

	if err := f.proc.StartPairing(devAddr); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	if err := f.proc.CancelPairing(); err != nil {
		t.Fatalf("CancelPairing: %v", err)
	}

	waitFor(t, "device back to unpaired", func() bool {
		d, err := f.proc.GetDevice(devAddr)
		return err == nil && d.State == models.StateUnpaired
	})
}
