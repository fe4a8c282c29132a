package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.json")
	return New(path, zerolog.Nop())
}

func TestGetOrCreate(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{0x4c, 0x79, 0xdc}

	d := r.GetOrCreate(addr)
	if d.State != models.StateUnpaired {
		t.Errorf("new device state = %s, want unpaired", d.State)
	}
	if again := r.GetOrCreate(addr); again != d {
		t.Error("GetOrCreate created a duplicate")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{1, 2, 3}
	r.GetOrCreate(addr)

	if !r.Remove(addr) {
		t.Error("Remove returned false for known device")
	}
	if r.Remove(addr) {
		t.Error("Remove returned true for unknown device")
	}
}

func TestUpdateHelpersRefuseUnknownAddress(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{1, 2, 3}

	if err := r.UpdateName(addr, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateName = %v, want ErrNotFound", err)
	}
	if err := r.StoreSystemKey(addr, iohc.Key{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("StoreSystemKey = %v, want ErrNotFound", err)
	}
}

func TestUpdateFromDiscoveryCreates(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{0xfe, 0x90, 0xee}

	payload := iohc.EncodeDiscoveryAnswer(iohc.Capabilities{
		NodeType:     0x40,
		NodeSubtype:  2,
		Manufacturer: 1,
		MultiInfo:    0x03,
		Timestamp:    100,
	})
	if err := r.UpdateFromDiscovery(addr, payload, time.Now()); err != nil {
		t.Fatalf("UpdateFromDiscovery: %v", err)
	}

	d, ok := r.Get(addr)
	if !ok {
		t.Fatal("device not created")
	}
	if d.Capabilities.NodeType != 0x40 || d.Capabilities.Manufacturer != 1 {
		t.Errorf("capabilities = %+v", d.Capabilities)
	}
}

func TestShortDiscoveryAnswerDoesNotMutate(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{1, 2, 3}

	if err := r.UpdateFromDiscovery(addr, []byte{1, 2, 3}, time.Now()); err == nil {
		t.Fatal("short discovery answer accepted")
	}
	if _, ok := r.Get(addr); ok {
		t.Error("device created from invalid discovery answer")
	}
}

func TestGeneralInfoClamping(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{1, 2, 3}
	r.GetOrCreate(addr)

	if err := r.UpdateGeneralInfo1(addr, make([]byte, 13)); err == nil {
		t.Error("short general-info-1 accepted")
	}

	long := make([]byte, 20)
	long[0] = 0xaa
	if err := r.UpdateGeneralInfo1(addr, long); err != nil {
		t.Fatalf("UpdateGeneralInfo1: %v", err)
	}
	d, _ := r.Get(addr)
	if !d.Capabilities.HasGeneralInfo1 || d.Capabilities.GeneralInfo1[0] != 0xaa {
		t.Error("general-info-1 not clamped and stored")
	}
}

func TestChallengeInvariant(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{1, 2, 3}
	d := r.GetOrCreate(addr)
	d.RecordCommand(iohc.CmdActuate, []byte{0x01, 0xe7, 0x00, 0x00, 0x00, 0x00})

	if err := r.StoreChallenge(addr, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("StoreChallenge: %v", err)
	}
	if !d.PendingChallenge || len(d.LastCommand) == 0 {
		t.Error("pending challenge requires stored challenge and command")
	}

	d.ClearChallenge()
	if d.PendingChallenge || d.LastCommand != nil {
		t.Error("ClearChallenge left partial state behind")
	}
}

func TestAnyInPairingAtMostOne(t *testing.T) {
	r := newTestRegistry(t)
	a := r.GetOrCreate(iohc.Address{1, 1, 1})
	b := r.GetOrCreate(iohc.Address{2, 2, 2})
	a.State = models.StatePaired
	b.State = models.StateFailed

	if _, ok := r.AnyInPairing(); ok {
		t.Error("terminal states reported as pairing")
	}

	b.State = models.StateDiscovering
	got, ok := r.AnyInPairing()
	if !ok || got.Address != b.Address {
		t.Errorf("AnyInPairing = %v, %v", got, ok)
	}

	if paired := r.ByState(models.StatePaired); len(paired) != 1 || paired[0].Address != a.Address {
		t.Errorf("ByState(paired) = %v", paired)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	addr := iohc.Address{0x4c, 0x79, 0xdc}

	d := r.GetOrCreate(addr)
	d.State = models.StatePaired
	d.SequenceNumber = 0x1234
	d.Description = "hallway shutter"
	d.AuthFullCommand = true
	d.LastSeen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := iohc.Key{0xab, 0xcd}
	d.SystemKey = &key
	stack := iohc.Key{0x01}
	d.StackKey = &stack
	d.Capabilities.NodeType = 0x141
	d.Capabilities.Name = "Velux shutter"
	d.Capabilities.GeneralInfo1[0] = 0x42
	d.Capabilities.HasGeneralInfo1 = true

	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	other := New(r.path, zerolog.Nop())
	if err := other.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, ok := other.Get(addr)
	if !ok {
		t.Fatal("device lost in round trip")
	}
	if got.State != models.StatePaired {
		t.Errorf("state = %s", got.State)
	}
	if got.SequenceNumber != 0x1234 {
		t.Errorf("sequence = %04x, want 1234", got.SequenceNumber)
	}
	if got.SystemKey == nil || *got.SystemKey != key {
		t.Error("system key lost")
	}
	if got.StackKey == nil || *got.StackKey != stack {
		t.Error("stack key lost")
	}
	if got.Description != "hallway shutter" || !got.AuthFullCommand {
		t.Error("description or auth flag lost")
	}
	if !got.Capabilities.HasGeneralInfo1 || got.Capabilities.GeneralInfo1[0] != 0x42 {
		t.Error("general info lost")
	}
	if !got.LastSeen.Equal(d.LastSeen) {
		t.Errorf("last seen = %v, want %v", got.LastSeen, d.LastSeen)
	}
}

func TestLoadCollapsesInFlightPairing(t *testing.T) {
	r := newTestRegistry(t)
	d := r.GetOrCreate(iohc.Address{1, 2, 3})
	d.State = models.StateChallengeSent

	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	other := New(r.path, zerolog.Nop())
	if err := other.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := other.Get(iohc.Address{1, 2, 3})
	if got.State != models.StateUnpaired {
		t.Errorf("state after reload = %s, want unpaired", got.State)
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Load(); err != nil {
		t.Errorf("Load of missing file = %v, want nil", err)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	r.GetOrCreate(iohc.Address{9, 9, 9})

	if err := r.Save(); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := r.Save(); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	other := New(r.path, zerolog.Nop())
	if err := other.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if other.Len() != 1 {
		t.Errorf("device count = %d, want 1", other.Len())
	}
}
