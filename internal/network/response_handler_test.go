package network

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

var (
	ctrlAddr  = iohc.Address{0xba, 0x11, 0xad}
	devAddr   = iohc.Address{0x4c, 0x79, 0xdc}
	systemKey = iohc.Key{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}
	testChal = []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}
)

func newHandlerFixture(t *testing.T) (*ResponseHandler, *registry.Registry, *radio.MemoryTransport) {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "devices.json"), zerolog.Nop())
	tr := radio.NewMemoryTransport()
	t.Cleanup(func() { tr.Close() })
	return NewResponseHandler(reg, tr, ctrlAddr, zerolog.Nop()), reg, tr
}

func pairedDevice(reg *registry.Registry) *models.Device {
	d := reg.GetOrCreate(devAddr)
	d.State = models.StatePaired
	key := systemKey
	d.SystemKey = &key
	d.RecordCommand(iohc.CmdActuate, []byte{0x01, 0xe7, 0x00, 0x00, 0x00, 0x00})
	return d
}

func challengeFrame() *iohc.Frame {
	return iohc.NewFrame(devAddr, ctrlAddr, iohc.CmdChallenge, testChal)
}

func TestHandleChallengeAnswersWithResponseByteMAC(t *testing.T) {
	h, reg, tr := newHandlerFixture(t)
	d := pairedDevice(reg)

	h.HandleChallenge(challengeFrame())

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	answer := sent[0]
	if answer.Cmd != iohc.CmdChallengeAnswer || answer.Target != devAddr {
		t.Fatalf("unexpected answer frame: %+v", answer)
	}

	var chal iohc.Challenge
	copy(chal[:], testChal)
	want := iohc.MAC2W(chal, systemKey, []byte{byte(iohc.CmdChallengeAnswer)})
	if string(answer.Payload) != string(want[:]) {
		t.Errorf("MAC = %x, want %x", answer.Payload, want)
	}

	if d.PendingChallenge {
		t.Error("pending challenge not cleared after answering")
	}
	if d.LastResponse != want {
		t.Error("answer not recorded")
	}
}

func TestHandleChallengeFullCommandFlag(t *testing.T) {
	h, reg, tr := newHandlerFixture(t)
	d := pairedDevice(reg)
	d.AuthFullCommand = true

	h.HandleChallenge(challengeFrame())

	var chal iohc.Challenge
	copy(chal[:], testChal)
	body := append([]byte{byte(iohc.CmdActuate)}, 0x01, 0xe7, 0x00, 0x00, 0x00, 0x00)
	wantMAC := iohc.MAC2W(chal, systemKey, body)

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if string(sent[0].Payload) != string(wantMAC[:]) {
		t.Errorf("MAC = %x, want %x (full command body)", sent[0].Payload, wantMAC)
	}
}

func TestHandleChallengeDropsInvalidSources(t *testing.T) {
	h, reg, tr := newHandlerFixture(t)

	// Unknown address
	h.HandleChallenge(challengeFrame())
	if len(tr.Sent()) != 0 {
		t.Fatal("answered challenge from unknown device")
	}

	// Paired but keyless
	d := reg.GetOrCreate(devAddr)
	d.State = models.StatePaired
	d.RecordCommand(iohc.CmdActuate, nil)
	h.HandleChallenge(challengeFrame())
	if len(tr.Sent()) != 0 {
		t.Fatal("answered challenge without system key")
	}

	// Keyed but no recorded command
	key := systemKey
	d.SystemKey = &key
	d.LastCommand = nil
	h.HandleChallenge(challengeFrame())
	if len(tr.Sent()) != 0 {
		t.Fatal("answered challenge without recorded command")
	}
}

func TestHandleChallengeKeepsStateOnBusyRadio(t *testing.T) {
	h, reg, tr := newHandlerFixture(t)
	d := pairedDevice(reg)
	tr.SetState(radio.StateTX)

	h.HandleChallenge(challengeFrame())

	if !d.PendingChallenge {
		t.Error("pending challenge lost on busy radio")
	}
	if len(d.LastCommand) == 0 {
		t.Error("recorded command lost on busy radio")
	}

	// Device retransmits; this time the radio is free
	tr.SetState(radio.StateRX)
	h.HandleChallenge(challengeFrame())
	if len(tr.Sent()) != 1 {
		t.Errorf("sent %d frames after retry, want 1", len(tr.Sent()))
	}
	if d.PendingChallenge {
		t.Error("pending challenge not cleared after successful answer")
	}
}

func TestHandleConfirmationTouchesDevice(t *testing.T) {
	h, reg, _ := newHandlerFixture(t)
	d := pairedDevice(reg)
	before := d.LastSeen

	h.HandleConfirmation(iohc.NewFrame(devAddr, ctrlAddr, iohc.CmdStatusAnswer, []byte{0x01}))

	if !d.LastSeen.After(before) {
		t.Error("confirmation did not update last seen")
	}
}
