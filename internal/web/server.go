// Package web serves the provisioning and status API: configuration
// upload, device listing, panel status and a live event feed.
package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"homeguard/internal/config"
	"homeguard/internal/panel"
	"homeguard/internal/registry"
)

// StatusProvider exposes the panel state for the status endpoint.
type StatusProvider interface {
	Snapshot() panel.State
}

// SessionGauge reports broker session health.
type SessionGauge interface {
	Connected() bool
}

// DeviceStore lists the joined Zigbee devices.
type DeviceStore interface {
	List() ([]*registry.Device, error)
	Count() (int, error)
}

// ConfigStore stages and promotes uploaded configuration.
type ConfigStore interface {
	StageUpload(data []byte) error
	PromoteUpload() (*config.Config, error)
}

// Server is the HTTP surface of the panel.
type Server struct {
	status  StatusProvider
	session SessionGauge
	devices DeviceStore
	cfg     ConfigStore
	hub     *Hub
	logger  *slog.Logger
	mux     *http.ServeMux
	httpSrv *http.Server

	// OnConfig is called after a successful upload promotion, with the
	// new configuration.
	OnConfig func(*config.Config)
}

func NewServer(status StatusProvider, session SessionGauge, devices DeviceStore, cfg ConfigStore, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		status:  status,
		session: session,
		devices: devices,
		cfg:     cfg,
		hub:     hub,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("POST /api/config", s.handleConfigUpload)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("web server listening", "addr", ln.Addr())
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close stops the listener and evicts event clients.
func (s *Server) Close() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.hub.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

// statusView is the GET /api/status body.
type statusView struct {
	Mode        string `json:"mode"`
	Testing     bool   `json:"testing"`
	Events      int    `json:"events"`
	Fire        bool   `json:"fire"`
	Water       bool   `json:"water"`
	Attempts    int    `json:"attempts"`
	MQTT        bool   `json:"mqtt_connected"`
	DeviceCount int    `json:"device_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Snapshot()
	count, err := s.devices.Count()
	if err != nil {
		s.logger.Error("device count failed", "err", err)
	}
	s.writeJSON(w, http.StatusOK, statusView{
		Mode:        st.Mode.String(),
		Testing:     st.Testing,
		Events:      st.Events,
		Fire:        st.Fire,
		Water:       st.Water,
		Attempts:    st.Attempts,
		MQTT:        s.session.Connected(),
		DeviceCount: count,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List()
	if err != nil {
		s.logger.Error("device list failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// handleConfigUpload stages the posted JSON, validates it and promotes
// it to the live configuration file.
func (s *Server) handleConfigUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.cfg.StageUpload(data); err != nil {
		s.logger.Error("config stage failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	cfg, err := s.cfg.PromoteUpload()
	if err != nil {
		s.logger.Warn("config upload rejected", "err", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.logger.Info("configuration replaced")
	if s.OnConfig != nil {
		s.OnConfig(cfg)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
