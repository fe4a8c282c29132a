package radio

import (
	"errors"
	"testing"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

func TestMemoryTransportBusyRefusal(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	f := iohc.NewFrame(iohc.Address{1, 2, 3}, iohc.Address{4, 5, 6}, iohc.CmdAliveCheck, nil)

	tr.SetState(StateTX)
	if err := tr.Send(f); !errors.Is(err, ErrBusy) {
		t.Errorf("Send while TX = %v, want ErrBusy", err)
	}
	if len(tr.Sent()) != 0 {
		t.Error("refused frame recorded as sent")
	}

	tr.SetState(StateRX)
	if err := tr.Send(f); err != nil {
		t.Errorf("Send while RX = %v", err)
	}
	if len(tr.Sent()) != 1 {
		t.Errorf("sent count = %d, want 1", len(tr.Sent()))
	}
}

func TestMemoryTransportScriptedPeer(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	tr.Handler = func(f *iohc.Frame) []*iohc.Frame {
		if f.Cmd == iohc.CmdAliveCheck {
			return []*iohc.Frame{iohc.NewFrame(f.Target, f.Source, iohc.CmdAliveOK, nil)}
		}
		return nil
	}

	if err := tr.Send(iohc.NewFrame(iohc.Address{1, 2, 3}, iohc.Address{4, 5, 6}, iohc.CmdAliveCheck, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case reply := <-tr.Frames():
		if reply.Cmd != iohc.CmdAliveOK {
			t.Errorf("reply = %s, want alive-ok", reply.Cmd)
		}
	default:
		t.Fatal("no scripted reply queued")
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateRX, StatePreamble, StateTX, StatePayload} {
		if ParseState(s.String()) != s {
			t.Errorf("ParseState(%q) != %v", s.String(), s)
		}
	}
	if ParseState("garbage") != StateRX {
		t.Error("unknown state should default to rx")
	}
}
