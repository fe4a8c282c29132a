package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/network"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/pairing"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// deviceView is the API projection of a registry device
type deviceView struct {
	Address         string              `json:"address"`
	State           models.PairingState `json:"pairing_state"`
	Description     string              `json:"description,omitempty"`
	Name            string              `json:"name,omitempty"`
	NodeType        uint16              `json:"node_type"`
	NodeSubtype     uint8               `json:"node_subtype"`
	Manufacturer    uint8               `json:"manufacturer"`
	HasSystemKey    bool                `json:"has_system_key"`
	SequenceNumber  uint16              `json:"sequence_number"`
	AuthFullCommand bool                `json:"auth_full_command"`
	LastSeen        string              `json:"last_seen,omitempty"`
	GeneralInfo1    string              `json:"general_info1,omitempty"`
	GeneralInfo2    string              `json:"general_info2,omitempty"`
}

func toView(d *models.Device) deviceView {
	v := deviceView{
		Address:         d.Address.String(),
		State:           d.State,
		Description:     d.Description,
		Name:            d.Capabilities.Name,
		NodeType:        d.Capabilities.NodeType,
		NodeSubtype:     d.Capabilities.NodeSubtype,
		Manufacturer:    d.Capabilities.Manufacturer,
		HasSystemKey:    d.HasSystemKey(),
		SequenceNumber:  d.SequenceNumber,
		AuthFullCommand: d.AuthFullCommand,
	}
	if !d.LastSeen.IsZero() {
		v.LastSeen = d.LastSeen.UTC().Format("2006-01-02T15:04:05Z")
	}
	if d.Capabilities.HasGeneralInfo1 {
		v.GeneralInfo1 = hex.EncodeToString(d.Capabilities.GeneralInfo1[:])
	}
	if d.Capabilities.HasGeneralInfo2 {
		v.GeneralInfo2 = hex.EncodeToString(d.Capabilities.GeneralInfo2[:])
	}
	return v
}

// parseAddress resolves the {address} URL parameter
func (s *RESTServer) parseAddress(w http.ResponseWriter, r *http.Request) (iohc.Address, bool) {
	addr, err := iohc.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return iohc.Address{}, false
	}
	return addr, true
}

// HandleListDevices lists every known device
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.proc.ListDevices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, toView(d))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Address < views[j].Address })
	s.writeJSON(w, http.StatusOK, views)
}

// HandleGetDevice returns one device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.parseAddress(w, r)
	if !ok {
		return
	}
	d, err := s.proc.GetDevice(addr)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toView(d))
}

// HandleUpdateDevice updates operator-editable fields
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.parseAddress(w, r)
	if !ok {
		return
	}

	var req struct {
		Description     *string `json:"description"`
		AuthFullCommand *bool   `json:"auth_full_command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.proc.UpdateDevice(addr, req.Description, req.AuthFullCommand)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toView(d))
}

// HandleDeleteDevice removes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.parseAddress(w, r)
	if !ok {
		return
	}
	if err := s.proc.RemoveDevice(addr); err != nil {
		if errors.Is(err, network.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// HandleSaveRegistry persists the registry
func (s *RESTServer) HandleSaveRegistry(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.SaveRegistry(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// HandleReloadRegistry reloads the registry from disk
func (s *RESTServer) HandleReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.ReloadRegistry(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// HandlePairingStatus reports the active session
func (s *RESTServer) HandlePairingStatus(w http.ResponseWriter, r *http.Request) {
	st := s.proc.PairingStatus()

	resp := map[string]interface{}{
		"active":    st.Active,
		"auto_pair": st.AutoPair,
	}
	if st.Active {
		resp["device"] = st.Device.String()
		resp["pending_op"] = st.Op.String()
		resp["attempts"] = st.Attempts
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HandleStartPairing begins a pairing session
func (s *RESTServer) HandleStartPairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := iohc.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	if err := s.proc.StartPairing(addr); err != nil {
		switch {
		case errors.Is(err, pairing.ErrPairingActive):
			s.writeError(w, http.StatusConflict, "pairing already in progress")
		case errors.Is(err, pairing.ErrNoSystemKey):
			s.writeError(w, http.StatusPreconditionFailed, "no system key configured")
		default:
			s.writeError(w, http.StatusInternalServerError, "start pairing failed")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "pairing",
		"device": addr.String(),
	})
}

// HandleCancelPairing aborts the active session
func (s *RESTServer) HandleCancelPairing(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.CancelPairing(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HandleAutoPair toggles auto-pair mode
func (s *RESTServer) HandleAutoPair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.proc.SetAutoPair(req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, "auto-pair toggle failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"auto_pair": req.Enabled})
}

// deviceCommand runs one outbound command and maps the error surface
func (s *RESTServer) deviceCommand(w http.ResponseWriter, r *http.Request, send func(iohc.Address) error) {
	addr, ok := s.parseAddress(w, r)
	if !ok {
		return
	}
	if err := send(addr); err != nil {
		switch {
		case errors.Is(err, network.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, network.ErrNotPaired):
			s.writeError(w, http.StatusConflict, "device is not paired")
		case errors.Is(err, radio.ErrBusy):
			s.writeError(w, http.StatusServiceUnavailable, "radio busy, retry")
		default:
			s.writeError(w, http.StatusInternalServerError, "command failed")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// HandleDeviceOn sends the actuator-on command
func (s *RESTServer) HandleDeviceOn(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, s.proc.TurnOn)
}

// HandleDeviceOff sends the actuator-off command
func (s *RESTServer) HandleDeviceOff(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, s.proc.TurnOff)
}

// HandleDeviceStatus queries the device state
func (s *RESTServer) HandleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, s.proc.QueryStatus)
}

// HandleDeviceCommand sends an arbitrary command byte with payload
func (s *RESTServer) HandleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cmd     string `json:"cmd"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmdBytes, err := hex.DecodeString(req.Cmd)
	if err != nil || len(cmdBytes) != 1 {
		s.writeError(w, http.StatusBadRequest, "cmd must be one hex byte")
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil || len(payload) > iohc.MaxPayloadLen {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	s.deviceCommand(w, r, func(addr iohc.Address) error {
		return s.proc.SendCommand(addr, iohc.Command(cmdBytes[0]), payload)
	})
}

// HandleDeviceEvents lists the event history of a device
func (s *RESTServer) HandleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}
	addr, ok := s.parseAddress(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, err := s.store.ListEvents(r.Context(), &addr, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// HandleDeviceFrames lists the captured frames of a device
func (s *RESTServer) HandleDeviceFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}
	addr, ok := s.parseAddress(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	frames, err := s.store.ListFrames(r.Context(), &addr, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list frames failed")
		return
	}
	s.writeJSON(w, http.StatusOK, frames)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
