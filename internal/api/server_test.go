package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/network"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

var testKey = iohc.Key{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}

type apiFixture struct {
	server *RESTServer
	proc   *network.Processor
	tr     *radio.MemoryTransport
}

func newAPIFixture(t *testing.T, seed func(*registry.Registry)) *apiFixture {
	t.Helper()

	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	cfg.Controller.SystemKey = testKey.String()
	cfg.Controller.RegistryFile = filepath.Join(t.TempDir(), "devices.json")
	cfg.Controller.TickInterval = 5 * time.Millisecond

	reg := registry.New(cfg.Controller.RegistryFile, zerolog.Nop())
	tr := radio.NewMemoryTransport()
	proc := network.NewProcessor(cfg, reg, tr, nil, zerolog.Nop())

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

	return &apiFixture{
		server: NewRESTServer(cfg, proc, nil, zerolog.Nop()),
		proc:   proc,
		tr:     tr,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "GET", "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %q", resp["status"])
	}
}

func TestDeviceLifecycle(t *testing.T) {
	f := newAPIFixture(t, func(reg *registry.Registry) {
		d := reg.GetOrCreate(iohc.Address{0x4c, 0x79, 0xdc})
		d.State = models.StatePaired
		key := testKey
		d.SystemKey = &key
		d.Capabilities.Name = "Plug"
	})

	rec := f.do(t, "GET", "/api/v1/devices/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	// Unknown device
	rec = f.do(t, "GET", "/api/v1/devices/aabbcc/", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown = %d, want 404", rec.Code)
	}

	rec = f.do(t, "GET", "/api/v1/devices/4c79dc/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var view deviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if view.Name != "Plug" || !view.HasSystemKey || view.State != models.StatePaired {
		t.Errorf("view = %+v", view)
	}

	// Update description and auth flag
	rec = f.do(t, "PUT", "/api/v1/devices/4c79dc/", `{"description":"kitchen","auth_full_command":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d", rec.Code)
	}
	snap, err := f.proc.GetDevice(iohc.Address{0x4c, 0x79, 0xdc})
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if snap.Description != "kitchen" || !snap.AuthFullCommand {
		t.Errorf("update not applied: %+v", snap)
	}

	// Command path
	rec = f.do(t, "POST", "/api/v1/devices/4c79dc/on", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("on = %d: %s", rec.Code, rec.Body.String())
	}

	// Delete
	rec = f.do(t, "DELETE", "/api/v1/devices/4c79dc/", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if _, err := f.proc.GetDevice(iohc.Address{0x4c, 0x79, 0xdc}); err == nil {
		t.Error("device survived delete")
	}
}

func TestCommandErrorMapping(t *testing.T) {
	f := newAPIFixture(t, func(reg *registry.Registry) {
		reg.GetOrCreate(iohc.Address{0xaa, 0xbb, 0xcc})
	})

	rec := f.do(t, "POST", "/api/v1/devices/ddeeff/on", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("on unknown = %d, want 404", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/devices/aabbcc/off", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("off unpaired = %d, want 409", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/devices/nothex/on", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad address = %d, want 400", rec.Code)
	}
}

func TestPairingEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "GET", "/api/v1/pairing/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/pairing/start", `{"address":"4c79dc"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}

	// Serial policy surfaces as conflict
	rec = f.do(t, "POST", "/api/v1/pairing/start", `{"address":"aabbcc"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/pairing/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/pairing/auto", `{"enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto = %d", rec.Code)
	}
}

func TestLoginUnavailableWithoutStore(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "POST", "/api/v1/auth/login", `{"email":"a@b.c","password":"x"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("login = %d, want 503", rec.Code)
	}
}
