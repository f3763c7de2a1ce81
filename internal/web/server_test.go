package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"homeguard/internal/config"
	"homeguard/internal/panel"
	"homeguard/internal/registry"
)

type fakeStatus struct{ state panel.State }

func (f *fakeStatus) Snapshot() panel.State { return f.state }

type fakeSession struct{ up bool }

func (f *fakeSession) Connected() bool { return f.up }

type fakeDevices struct {
	devices []*registry.Device
	err     error
}

func (f *fakeDevices) List() ([]*registry.Device, error) { return f.devices, f.err }
func (f *fakeDevices) Count() (int, error)               { return len(f.devices), f.err }

type fakeConfigStore struct {
	staged   []byte
	promoted *config.Config
	stageErr error
	promErr  error
}

func (f *fakeConfigStore) StageUpload(data []byte) error {
	f.staged = data
	return f.stageErr
}

func (f *fakeConfigStore) PromoteUpload() (*config.Config, error) {
	if f.promErr != nil {
		return nil, f.promErr
	}
	return f.promoted, nil
}

type webFixture struct {
	server  *Server
	status  *fakeStatus
	session *fakeSession
	devices *fakeDevices
	cfg     *fakeConfigStore
}

func newTestServer(t *testing.T) *webFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	f := &webFixture{
		status:  &fakeStatus{state: panel.Initial()},
		session: &fakeSession{up: true},
		devices: &fakeDevices{},
		cfg:     &fakeConfigStore{promoted: config.Default()},
	}
	f.server = NewServer(f.status, f.session, f.devices, f.cfg, NewHub(logger), logger)
	return f
}

func TestStatusEndpoint(t *testing.T) {
	f := newTestServer(t)
	f.status.state.Events = 3
	f.status.state.Fire = true
	f.devices.devices = []*registry.Device{{IEEE: "00:00:00:00:00:00:00:01"}}

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got statusView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Mode != "init" || got.Events != 3 || !got.Fire || !got.MQTT || got.DeviceCount != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	f := newTestServer(t)
	f.devices.devices = []*registry.Device{
		{IEEE: "00:00:00:00:00:00:00:01", Name: "door"},
		{IEEE: "00:00:00:00:00:00:00:02", Name: "motion"},
	}

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/api/devices", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got []*registry.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "door" {
		t.Errorf("devices = %+v", got)
	}
}

func TestDevicesEndpointError(t *testing.T) {
	f := newTestServer(t)
	f.devices.err = errors.New("db closed")

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/api/devices", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestConfigUploadPromotes(t *testing.T) {
	f := newTestServer(t)

	var applied *config.Config
	f.server.OnConfig = func(c *config.Config) { applied = c }

	body := strings.NewReader(`{"mqtt_prefix":"home/alarm"}`)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/api/config", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	if string(f.cfg.staged) != `{"mqtt_prefix":"home/alarm"}` {
		t.Errorf("staged = %q", f.cfg.staged)
	}
	if applied == nil {
		t.Error("OnConfig not called with the promoted configuration")
	}
}

func TestConfigUploadRejected(t *testing.T) {
	f := newTestServer(t)
	f.cfg.promErr = errors.New("warning_threshold must be positive")

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/api/config", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHubBroadcastAndEviction(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hub := NewHub(logger)
	defer hub.Close()

	fast := &hubClient{send: make(chan []byte, 16)}
	slow := &hubClient{send: make(chan []byte, 1)}
	hub.add(fast)
	hub.add(slow)

	hub.Broadcast(map[string]string{"kind": "auth-check-ok"})
	hub.Broadcast(map[string]string{"kind": "auth-check-err"})

	if got := len(fast.send); got != 2 {
		t.Errorf("fast client got %d messages, want 2", got)
	}
	// The slow client's buffer filled on the second broadcast.
	if hub.count() != 1 {
		t.Errorf("clients = %d, want slow client evicted", hub.count())
	}

	var msg map[string]string
	if err := json.Unmarshal(<-fast.send, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["kind"] != "auth-check-ok" {
		t.Errorf("first message = %v", msg)
	}
}

func TestHubCloseRejectsNewClients(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hub := NewHub(logger)
	hub.Close()
	if hub.add(&hubClient{send: make(chan []byte, 1)}) {
		t.Error("add succeeded after Close")
	}
}
