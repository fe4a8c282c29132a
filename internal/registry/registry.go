package registry

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Common errors
var (
	ErrNotFound = errors.New("device not found")
)

// Registry holds every known two-way device together with its durable
// mirror on disk. The controller loop performs all protocol-driven
// mutation, and the admin API reaches the registry through that loop as
// well; the lock guards the device map itself.
type Registry struct {
	mu      sync.RWMutex
	devices map[iohc.Address]*models.Device
	path    string
	log     zerolog.Logger
}

// New creates a registry backed by the given durable file
func New(path string, log zerolog.Logger) *Registry {
	return &Registry{
		devices: make(map[iohc.Address]*models.Device),
		path:    path,
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Get returns the live device for an address
func (r *Registry) Get(addr iohc.Address) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	return d, ok
}

// GetOrCreate returns the device for an address, creating it unpaired
func (r *Registry) GetOrCreate(addr iohc.Address) *models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[addr]; ok {
		return d
	}
	d := models.NewDevice(addr)
	r.devices[addr] = d
	return d
}

// Remove deletes a device
func (r *Registry) Remove(addr iohc.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[addr]; !ok {
		return false
	}
	delete(r.devices, addr)
	return true
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// All returns deep copies of every device
func (r *Registry) All() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, copyDevice(d))
	}
	return out
}

// ByState returns deep copies of the devices in a given state
func (r *Registry) ByState(s models.PairingState) []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Device
	for _, d := range r.devices {
		if d.State == s {
			out = append(out, copyDevice(d))
		}
	}
	return out
}

// AnyInPairing returns the single device in a non-terminal state, if any.
// Pairing is strictly serial, so at most one exists.
func (r *Registry) AnyInPairing() (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.InPairing() {
			return d, true
		}
	}
	return nil, false
}

// Snapshot returns a deep copy of one device
func (r *Registry) Snapshot(addr iohc.Address) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	if !ok {
		return nil, false
	}
	return copyDevice(d), true
}

// Update runs a mutation against a known device under the lock
func (r *Registry) Update(addr iohc.Address, fn func(*models.Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	if !ok {
		return ErrNotFound
	}
	fn(d)
	return nil
}

// UpdateFromDiscovery records the capability tuple of a discovery answer.
// Unlike the other helpers it may create the device, since discovery is
// how devices are first observed.
func (r *Registry) UpdateFromDiscovery(addr iohc.Address, payload []byte, now time.Time) error {
	caps, err := iohc.ParseDiscoveryAnswer(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	if !ok {
		d = models.NewDevice(addr)
		r.devices[addr] = d
	}
	d.Capabilities.Capabilities = caps
	d.Touch(now)
	return nil
}

// UpdateName records the device name from a name answer
func (r *Registry) UpdateName(addr iohc.Address, payload []byte) error {
	return r.Update(addr, func(d *models.Device) {
		d.Capabilities.Name = iohc.DeviceName(payload)
	})
}

// UpdateGeneralInfo1 records the 14-byte general-info-1 block
func (r *Registry) UpdateGeneralInfo1(addr iohc.Address, payload []byte) error {
	if len(payload) < 14 {
		return fmt.Errorf("general-info-1 too short: %d bytes", len(payload))
	}
	return r.Update(addr, func(d *models.Device) {
		copy(d.Capabilities.GeneralInfo1[:], payload)
		d.Capabilities.HasGeneralInfo1 = true
	})
}

// UpdateGeneralInfo2 records the 16-byte general-info-2 block
func (r *Registry) UpdateGeneralInfo2(addr iohc.Address, payload []byte) error {
	if len(payload) < 16 {
		return fmt.Errorf("general-info-2 too short: %d bytes", len(payload))
	}
	return r.Update(addr, func(d *models.Device) {
		copy(d.Capabilities.GeneralInfo2[:], payload)
		d.Capabilities.HasGeneralInfo2 = true
	})
}

// StoreChallenge records a challenge received from the device
func (r *Registry) StoreChallenge(addr iohc.Address, payload []byte) error {
	if len(payload) < 6 {
		return fmt.Errorf("challenge too short: %d bytes", len(payload))
	}
	return r.Update(addr, func(d *models.Device) {
		copy(d.LastChallenge[:], payload)
		d.PendingChallenge = true
	})
}

// StoreResponse records the last challenge answer we sent
func (r *Registry) StoreResponse(addr iohc.Address, mac [6]byte) error {
	return r.Update(addr, func(d *models.Device) {
		d.LastResponse = mac
	})
}

// StoreSystemKey installs the long-lived shared secret
func (r *Registry) StoreSystemKey(addr iohc.Address, key iohc.Key) error {
	return r.Update(addr, func(d *models.Device) {
		k := key
		d.SystemKey = &k
	})
}

// StoreStackKey records secondary key material from key transfer
func (r *Registry) StoreStackKey(addr iohc.Address, key iohc.Key) error {
	return r.Update(addr, func(d *models.Device) {
		k := key
		d.StackKey = &k
	})
}

// StoreSessionKey records per-session key material
func (r *Registry) StoreSessionKey(addr iohc.Address, key iohc.Key) error {
	return r.Update(addr, func(d *models.Device) {
		k := key
		d.SessionKey = &k
	})
}

// SetDescription stores the operator-assigned description
func (r *Registry) SetDescription(addr iohc.Address, desc string) error {
	return r.Update(addr, func(d *models.Device) {
		d.Description = desc
	})
}

// deviceRecord is the durable form of one device: hex-encoded keys and
// blobs, state as string, keyed externally by the hex address.
type deviceRecord struct {
	Description  string `json:"description,omitempty"`
	PairingState string `json:"pairing_state"`
	LastSeen     string `json:"last_seen,omitempty"`

	NodeType     uint16 `json:"node_type"`
	NodeSubtype  uint8  `json:"node_subtype"`
	Manufacturer uint8  `json:"manufacturer"`
	MultiInfo    uint8  `json:"multi_info"`
	Timestamp    uint16 `json:"timestamp"`
	Name         string `json:"name,omitempty"`

	SystemKey  string `json:"system_key,omitempty"`
	StackKey   string `json:"stack_key,omitempty"`
	SessionKey string `json:"session_key,omitempty"`

	Sequence        uint16 `json:"sequence"`
	AuthFullCommand bool   `json:"auth_full_command,omitempty"`

	GeneralInfo1 string `json:"general_info1,omitempty"`
	GeneralInfo2 string `json:"general_info2,omitempty"`
}

// Save writes the durable mirror atomically
func (r *Registry) Save() error {
	r.mu.RLock()
	records := make(map[string]deviceRecord, len(r.devices))
	for addr, d := range r.devices {
		records[addr.String()] = toRecord(d)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}

	r.log.Debug().Int("devices", len(records)).Str("path", r.path).Msg("registry saved")
	return nil
}

// Load replaces the in-memory set with the durable mirror. A missing file
// is an empty registry. In-flight pairing states do not survive a restart
// and collapse to unpaired.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}

	var records map[string]deviceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}

	devices := make(map[iohc.Address]*models.Device, len(records))
	for key, rec := range records {
		addr, err := iohc.ParseAddress(key)
		if err != nil {
			r.log.Warn().Str("address", key).Msg("skipping device with invalid address")
			continue
		}
		devices[addr] = fromRecord(addr, rec)
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()

	r.log.Info().Int("devices", len(devices)).Str("path", r.path).Msg("registry loaded")
	return nil
}

func toRecord(d *models.Device) deviceRecord {
	rec := deviceRecord{
		Description:     d.Description,
		PairingState:    string(d.State),
		NodeType:        d.Capabilities.NodeType,
		NodeSubtype:     d.Capabilities.NodeSubtype,
		Manufacturer:    d.Capabilities.Manufacturer,
		MultiInfo:       d.Capabilities.MultiInfo,
		Timestamp:       d.Capabilities.Timestamp,
		Name:            d.Capabilities.Name,
		Sequence:        d.SequenceNumber,
		AuthFullCommand: d.AuthFullCommand,
	}
	if !d.LastSeen.IsZero() {
		rec.LastSeen = d.LastSeen.UTC().Format(time.RFC3339)
	}
	if d.SystemKey != nil {
		rec.SystemKey = d.SystemKey.String()
	}
	if d.StackKey != nil {
		rec.StackKey = d.StackKey.String()
	}
	if d.SessionKey != nil {
		rec.SessionKey = d.SessionKey.String()
	}
	if d.Capabilities.HasGeneralInfo1 {
		rec.GeneralInfo1 = hex.EncodeToString(d.Capabilities.GeneralInfo1[:])
	}
	if d.Capabilities.HasGeneralInfo2 {
		rec.GeneralInfo2 = hex.EncodeToString(d.Capabilities.GeneralInfo2[:])
	}
	return rec
}

func fromRecord(addr iohc.Address, rec deviceRecord) *models.Device {
	d := models.NewDevice(addr)
	d.Description = rec.Description
	d.SequenceNumber = rec.Sequence
	d.AuthFullCommand = rec.AuthFullCommand

	state := models.PairingState(rec.PairingState)
	if !state.Terminal() {
		state = models.StateUnpaired
	}
	d.State = state

	if rec.LastSeen != "" {
		if ts, err := time.Parse(time.RFC3339, rec.LastSeen); err == nil {
			d.LastSeen = ts
		}
	}
	if k, err := iohc.ParseKey(rec.SystemKey); err == nil && rec.SystemKey != "" {
		d.SystemKey = &k
	}
	if k, err := iohc.ParseKey(rec.StackKey); err == nil && rec.StackKey != "" {
		d.StackKey = &k
	}
	if k, err := iohc.ParseKey(rec.SessionKey); err == nil && rec.SessionKey != "" {
		d.SessionKey = &k
	}

	d.Capabilities.NodeType = rec.NodeType
	d.Capabilities.NodeSubtype = rec.NodeSubtype
	d.Capabilities.Manufacturer = rec.Manufacturer
	d.Capabilities.MultiInfo = rec.MultiInfo
	d.Capabilities.Timestamp = rec.Timestamp
	d.Capabilities.Name = rec.Name

	if b, err := hex.DecodeString(rec.GeneralInfo1); err == nil && len(b) == 14 {
		copy(d.Capabilities.GeneralInfo1[:], b)
		d.Capabilities.HasGeneralInfo1 = true
	}
	if b, err := hex.DecodeString(rec.GeneralInfo2); err == nil && len(b) == 16 {
		copy(d.Capabilities.GeneralInfo2[:], b)
		d.Capabilities.HasGeneralInfo2 = true
	}

	return d
}

func copyDevice(d *models.Device) *models.Device {
	cp := *d
	if d.SystemKey != nil {
		k := *d.SystemKey
		cp.SystemKey = &k
	}
	if d.StackKey != nil {
		k := *d.StackKey
		cp.StackKey = &k
	}
	if d.SessionKey != nil {
		k := *d.SessionKey
		cp.SessionKey = &k
	}
	if d.LastCommand != nil {
		cp.LastCommand = append([]byte(nil), d.LastCommand...)
	}
	if d.PriorityAddress != nil {
		cp.PriorityAddress = append([]byte(nil), d.PriorityAddress...)
	}
	return &cp
}
