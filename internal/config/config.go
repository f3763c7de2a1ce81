// Package config manages the panel configuration record persisted as
// config.json. Validation is strict: a missing or wrong-typed field
// invalidates the whole record and the file is reset to defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// File names inside the config directory.
const (
	FileName   = "config.json"
	UploadName = "upload_config.json"
)

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// Config is the panel configuration record. A single process-wide instance
// is loaded at boot; only the provisioning path mutates it.
type Config struct {
	WifiSSID     string `json:"wifi_ssid"`
	WifiPassword string `json:"wifi_password"`

	// Optional static addressing; empty means DHCP.
	StaticIP      string `json:"static_ip"`
	StaticGateway string `json:"static_gateway"`
	StaticSubnet  string `json:"static_subnet"`

	MQTTServer   string `json:"mqtt_server"`
	MQTTPort     int    `json:"mqtt_port"`
	MQTTTLS      bool   `json:"mqtt_tls"`
	MQTTClientID string `json:"mqtt_client_id"`
	MQTTPrefix   string `json:"mqtt_prefix"`
	MQTTUser     string `json:"mqtt_user"`
	MQTTPassword string `json:"mqtt_password"`
	MQTTCACert   string `json:"mqtt_ca_cert"`

	AlarmCountdownS  int `json:"alarm_countdown_s"`
	AlarmECountdownS int `json:"alarm_e_countdown_s"`
	WarnThreshold    int `json:"warning_threshold"`
	EmergThreshold   int `json:"emergency_threshold"`

	PhoneNumber string `json:"phone_number"`
}

// Default returns the documented first-boot configuration.
func Default() *Config {
	return &Config{
		MQTTPort:         1883,
		MQTTClientID:     "homeguard",
		MQTTPrefix:       "homeguard",
		AlarmCountdownS:  120,
		AlarmECountdownS: 60,
		WarnThreshold:    5,
		EmergThreshold:   7,
	}
}

// Validate checks the record invariants.
func (c *Config) Validate() error {
	if c.AlarmCountdownS <= 0 {
		return fmt.Errorf("alarm_countdown_s must be positive, got %d", c.AlarmCountdownS)
	}
	if c.AlarmECountdownS <= 0 {
		return fmt.Errorf("alarm_e_countdown_s must be positive, got %d", c.AlarmECountdownS)
	}
	if c.WarnThreshold <= 0 || c.WarnThreshold > c.EmergThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < warning <= emergency, got %d/%d",
			c.WarnThreshold, c.EmergThreshold)
	}
	if !prefixRe.MatchString(c.MQTTPrefix) {
		return fmt.Errorf("mqtt_prefix %q is empty or has invalid characters", c.MQTTPrefix)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port out of range: %d", c.MQTTPort)
	}
	return nil
}

// Provisioned reports whether WiFi credentials have been set. An empty SSID
// sends the panel into AP provisioning mode at boot.
func (c *Config) Provisioned() bool {
	return c.WifiSSID != ""
}

// rawConfig mirrors Config with pointer fields so that absent keys are
// distinguishable from zero values.
type rawConfig struct {
	WifiSSID     *string `json:"wifi_ssid"`
	WifiPassword *string `json:"wifi_password"`

	StaticIP      *string `json:"static_ip"`
	StaticGateway *string `json:"static_gateway"`
	StaticSubnet  *string `json:"static_subnet"`

	MQTTServer   *string `json:"mqtt_server"`
	MQTTPort     *int    `json:"mqtt_port"`
	MQTTTLS      *bool   `json:"mqtt_tls"`
	MQTTClientID *string `json:"mqtt_client_id"`
	MQTTPrefix   *string `json:"mqtt_prefix"`
	MQTTUser     *string `json:"mqtt_user"`
	MQTTPassword *string `json:"mqtt_password"`
	MQTTCACert   *string `json:"mqtt_ca_cert"`

	AlarmCountdownS  *int `json:"alarm_countdown_s"`
	AlarmECountdownS *int `json:"alarm_e_countdown_s"`
	WarnThreshold    *int `json:"warning_threshold"`
	EmergThreshold   *int `json:"emergency_threshold"`

	PhoneNumber *string `json:"phone_number"`
}

func (r *rawConfig) toConfig() (*Config, error) {
	strs := []struct {
		name string
		p    *string
	}{
		{"wifi_ssid", r.WifiSSID}, {"wifi_password", r.WifiPassword},
		{"static_ip", r.StaticIP}, {"static_gateway", r.StaticGateway}, {"static_subnet", r.StaticSubnet},
		{"mqtt_server", r.MQTTServer}, {"mqtt_client_id", r.MQTTClientID},
		{"mqtt_prefix", r.MQTTPrefix}, {"mqtt_user", r.MQTTUser}, {"mqtt_password", r.MQTTPassword},
		{"mqtt_ca_cert", r.MQTTCACert}, {"phone_number", r.PhoneNumber},
	}
	for _, s := range strs {
		if s.p == nil {
			return nil, fmt.Errorf("missing field %q", s.name)
		}
	}
	ints := []struct {
		name string
		p    *int
	}{
		{"mqtt_port", r.MQTTPort},
		{"alarm_countdown_s", r.AlarmCountdownS}, {"alarm_e_countdown_s", r.AlarmECountdownS},
		{"warning_threshold", r.WarnThreshold}, {"emergency_threshold", r.EmergThreshold},
	}
	for _, i := range ints {
		if i.p == nil {
			return nil, fmt.Errorf("missing field %q", i.name)
		}
	}
	if r.MQTTTLS == nil {
		return nil, fmt.Errorf("missing field %q", "mqtt_tls")
	}

	c := &Config{
		WifiSSID:      *r.WifiSSID,
		WifiPassword:  *r.WifiPassword,
		StaticIP:      *r.StaticIP,
		StaticGateway: *r.StaticGateway,
		StaticSubnet:  *r.StaticSubnet,
		MQTTServer:    *r.MQTTServer,
		MQTTPort:      *r.MQTTPort,
		MQTTTLS:       *r.MQTTTLS,
		MQTTClientID:  *r.MQTTClientID,
		MQTTPrefix:    *r.MQTTPrefix,
		MQTTUser:      *r.MQTTUser,
		MQTTPassword:  *r.MQTTPassword,
		MQTTCACert:    *r.MQTTCACert,

		AlarmCountdownS:  *r.AlarmCountdownS,
		AlarmECountdownS: *r.AlarmECountdownS,
		WarnThreshold:    *r.WarnThreshold,
		EmergThreshold:   *r.EmergThreshold,

		PhoneNumber: *r.PhoneNumber,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Store loads and saves the configuration under a fixed directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a config store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "config")}, nil
}

// Path returns the absolute path of the active config file.
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// UploadPath returns the path the provisioning upload is staged at.
func (s *Store) UploadPath() string { return filepath.Join(s.dir, UploadName) }

// Load returns the persisted configuration. On any read, parse or
// structural failure the file is reset to defaults and the defaults are
// returned; Load itself only fails if the defaults cannot be written.
func (s *Store) Load() (*Config, error) {
	cfg, err := parseFile(s.Path())
	if err == nil {
		return cfg, nil
	}
	s.logger.Warn("config invalid, resetting to defaults", "err", err)
	def := Default()
	if err := s.Save(def); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return def, nil
}

// Save replaces config.json. The prior file is removed first so that a
// crash mid-write leaves either the old file or none, never a torn one.
func (s *Store) Save(c *Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return replaceFile(s.Path(), append(data, '\n'))
}

// PromoteUpload validates the staged upload and promotes it to config.json.
// The upload file is removed in every outcome.
func (s *Store) PromoteUpload() (*Config, error) {
	defer os.Remove(s.UploadPath())
	cfg, err := parseFile(s.UploadPath())
	if err != nil {
		return nil, fmt.Errorf("uploaded config rejected: %w", err)
	}
	if err := s.Save(cfg); err != nil {
		return nil, err
	}
	s.logger.Info("uploaded config promoted")
	return cfg, nil
}

// StageUpload writes raw provisioning bytes to the upload path.
func (s *Store) StageUpload(data []byte) error {
	return replaceFile(s.UploadPath(), data)
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg, err := raw.toConfig()
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// replaceFile removes the destination, writes the new content and fsyncs it.
func replaceFile(path string, data []byte) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}
