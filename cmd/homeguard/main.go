package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"homeguard/internal/alert"
	"homeguard/internal/archive"
	"homeguard/internal/auth"
	"homeguard/internal/automation"
	"homeguard/internal/config"
	"homeguard/internal/correlate"
	"homeguard/internal/input"
	"homeguard/internal/mqtt"
	"homeguard/internal/ncp"
	"homeguard/internal/notify"
	"homeguard/internal/panel"
	"homeguard/internal/registry"
	"homeguard/internal/rollog"
	"homeguard/internal/tasks"
	"homeguard/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var (
		root       = flag.String("root", "/data", "data root directory")
		serialPort = flag.String("serial", "/dev/ttyUSB0", "Zigbee co-processor serial port")
		listen     = flag.String("listen", ":8080", "web server listen address")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if err := run(*root, *serialPort, *listen, *logLevel); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(root, serialPort, listen, logLevel string) error {
	for _, sub := range []string{"config", "auth", "log", "mqtt", "scripts"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	logger, err := newLogger(root, logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("homeguard starting", "version", version, "root", root)

	// Configuration: any parse or structural failure resets to defaults.
	cfgStore, err := config.NewStore(filepath.Join(root, "config"), logger)
	if err != nil {
		return err
	}
	cfg, err := cfgStore.Load()
	if err != nil {
		return err
	}

	bus := notify.NewBus(logger)

	creds := auth.NewCredentialStore(filepath.Join(root, "auth", "passwords.txt"))
	tokens := auth.NewTokenStore(filepath.Join(root, "auth", "rfids.txt"))
	authenticator := auth.New(creds, tokens, bus, logger)

	arch, err := archive.New(filepath.Join(root, "mqtt"), logger)
	if err != nil {
		return err
	}
	if err := arch.CleanOld(); err != nil {
		logger.Warn("archive cleanup failed", "err", err)
	}

	devices, err := registry.Open(filepath.Join(root, "devices.db"))
	if err != nil {
		return err
	}
	defer devices.Close()

	// The co-processor is optional: local arming still works without it.
	var radio panel.Radio
	link, err := ncp.Open(serialPort, logger)
	if err != nil {
		logger.Warn("zigbee link unavailable, continuing without it", "port", serialPort, "err", err)
		radio = unavailableRadio{}
	} else {
		defer link.Close()
		radio = link
		handshakeCtx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		if err := link.Handshake(handshakeCtx); err != nil {
			logger.Warn("co-processor handshake failed", "err", err)
		}
		cancel()
	}

	correlator := correlate.New(logger)
	if err := correlator.LoadProfiles(filepath.Join(root, "config", "profiles")); err != nil {
		logger.Warn("sensor profiles not loaded", "err", err)
	}

	hub := web.NewHub(logger)

	engine := automation.NewEngine(logger)
	engine.Actions = automation.Actions{
		Notify: func(message string) {
			logger.Info("script notification", "msg", message)
			hub.Broadcast(map[string]any{"kind": "script", "message": message})
		},
		PermitJoin: func(seconds int) {
			if seconds < 1 || seconds > 254 {
				logger.Warn("script permit_join out of range", "seconds", seconds)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			if err := radio.OpenNetwork(ctx, uint8(seconds)); err != nil {
				logger.Warn("script permit_join failed", "err", err)
			}
		},
	}
	if err := engine.LoadDir(filepath.Join(root, "scripts")); err != nil {
		logger.Warn("automation scripts not loaded", "err", err)
	}
	defer engine.Close()

	alerter := alert.New(engine, cfg.PhoneNumber, logSMS(logger), logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := tasks.NewSupervisor(rootCtx, logger)
	defer supervisor.StopAll()

	machine := panel.NewMachine(panel.Timings{
		CountdownMs:          int64(cfg.AlarmCountdownS) * 1000,
		EmergencyCountdownMs: int64(cfg.AlarmECountdownS) * 1000,
		WarningThreshold:     cfg.WarnThreshold,
		EmergencyThreshold:   cfg.EmergThreshold,
	})
	runner := panel.NewRunner(machine, authenticator, radio, alerter, supervisor, bus, logger)

	var bridge *mqtt.Bridge
	if cfg.Provisioned() && link != nil {
		if err := bus.Enqueue(notify.WifiConnected, 0, 2*time.Second); err != nil {
			logger.Warn("notification dropped", "kind", notify.WifiConnected)
		}
		bridge, err = mqtt.NewBridge(cfg, link, arch, bus, logger)
		if err != nil {
			logger.Error("mqtt bridge unavailable", "err", err)
		} else if err := bridge.Connect(); err != nil {
			logger.Warn("broker connect pending", "err", err)
		}
		if bridge != nil {
			defer bridge.Close()
		}
	} else {
		logger.Info("no network configured, provisioning mode: upload config via the web API")
	}

	if link != nil {
		wireZigbee(link, correlator, bridge, devices, runner, bus, logger)
	}

	webSrv := web.NewServer(runner, sessionGauge{bridge}, devices, cfgStore, hub, logger)
	webSrv.OnConfig = func(*config.Config) {
		// The new configuration takes effect on the next boot.
		logger.Info("configuration updated, restart to apply")
	}
	defer webSrv.Close()
	go func() {
		if err := webSrv.ListenAndServe(listen); err != nil {
			logger.Error("web server failed", "err", err)
		}
	}()

	runner.Provision = func() {
		// Hand the broker-facing tasks over to the provisioning flow.
		for _, name := range []string{"mqtt", "janitor"} {
			supervisor.Stop(name)
		}
		if err := bus.Enqueue(notify.WifiDisconnected, 0, 2*time.Second); err != nil {
			logger.Warn("notification dropped", "kind", notify.WifiDisconnected)
		}
		logger.Info("provisioning mode entered")
	}
	runner.Factory = func() {
		logger.Warn("factory reset requested")
		if err := authenticator.HardReset(); err != nil {
			logger.Error("credential wipe failed", "err", err)
		}
		if link != nil {
			ctx, cancel := context.WithTimeout(rootCtx, 6*time.Second)
			if err := link.FactoryReset(ctx); err != nil {
				logger.Error("co-processor factory reset failed", "err", err)
			}
			cancel()
		}
		if err := cfgStore.Save(config.Default()); err != nil {
			logger.Error("config reset failed", "err", err)
		}
		stop()
	}

	startTasks(supervisor, runner, bridge, devices, arch, bus, hub, logger)

	go runner.Run(rootCtx)

	<-rootCtx.Done()
	logger.Info("shutting down")
	return nil
}

// wireZigbee connects the link callbacks: records flow through the
// correlator, out to the broker and into the alarm counters; membership
// changes maintain the device registry.
func wireZigbee(link *ncp.Link, correlator *correlate.Correlator, bridge *mqtt.Bridge,
	devices *registry.Registry, runner *panel.Runner, bus *notify.Bus, logger *slog.Logger) {

	link.OnAttrRecord(func(op ncp.MsgType, rec *ncp.AttrRecord) {
		res := correlator.Evaluate(rec)
		if !res.Publish {
			return
		}
		if err := devices.Touch(rec.IEEEString(), rec.ShortAddr, time.Now()); err != nil {
			logger.Warn("device touch failed", "err", err)
		}
		if bridge != nil {
			if err := bridge.PublishRecord(op, rec); err != nil {
				logger.Warn("record publish failed", "err", err)
			}
		}
		if err := bus.Enqueue(notify.ZbAttrReport, int(rec.Value), 2*time.Second); err != nil {
			logger.Warn("notification dropped", "kind", notify.ZbAttrReport)
		}
		if res.Alarm {
			runner.Inject(panel.EventSensor{Fire: res.Fire, Water: res.Water})
		}
	})

	link.OnDeviceJoined(func(rec *ncp.AttrRecord) {
		dev := &registry.Device{
			IEEE:         rec.IEEEString(),
			ShortAddr:    rec.ShortAddr,
			DeviceID:     rec.DeviceID,
			Endpoint:     rec.Endpoint,
			Manufacturer: rec.Manufacturer,
			Name:         rec.Name,
			Type:         rec.Type,
			TypeID:       rec.TypeID,
			JoinedAt:     time.Now(),
			LastSeen:     time.Now(),
		}
		if err := devices.Save(dev); err != nil {
			logger.Error("device save failed", "ieee", dev.IEEE, "err", err)
		}
		if err := bus.Enqueue(notify.ZbDevJoined, int(rec.ShortAddr), 3*time.Second); err != nil {
			logger.Warn("notification dropped", "kind", notify.ZbDevJoined)
		}
	})

	link.OnDeviceLeft(func(rec *ncp.AttrRecord) {
		if err := devices.Delete(rec.IEEEString()); err != nil {
			logger.Warn("device delete failed", "ieee", rec.IEEEString(), "err", err)
		}
		if err := bus.Enqueue(notify.ZbDevLeft, int(rec.ShortAddr), 3*time.Second); err != nil {
			logger.Warn("notification dropped", "kind", notify.ZbDevLeft)
		}
	})
}

// startTasks brings up the periodic fabric: input polling, display
// drain, session and gauge refresh, archive janitor.
func startTasks(supervisor *tasks.Supervisor, runner *panel.Runner, bridge *mqtt.Bridge,
	devices *registry.Registry, arch *archive.Archive, bus *notify.Bus, hub *web.Hub, logger *slog.Logger) {

	console := newConsole(os.Stdin, logger)
	keypad := input.NewKeypad(console, func(key byte) {
		runner.Inject(panel.EventKey{Key: key})
	}, logger)
	rfid := input.NewRFID(console, func(uid string) {
		runner.Inject(panel.EventToken{UID: uid})
	}, logger)

	supervisor.Periodic("keypad", 50*time.Millisecond, keypad.Poll)
	supervisor.Periodic("rfid", 250*time.Millisecond, rfid.Poll)

	supervisor.Loop("display", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-bus.Items():
				logger.Info("display", "kind", item.Kind, "param", item.Param, "duration", item.Duration)
				hub.Broadcast(map[string]any{
					"kind":     item.Kind.String(),
					"param":    item.Param,
					"duration": item.Duration.Milliseconds(),
				})
			}
		}
	})

	supervisor.Periodic("mqtt", 5*time.Second, func(ctx context.Context) error {
		count, err := devices.Count()
		if err != nil {
			return err
		}
		connected := 0
		if bridge != nil && bridge.Connected() {
			connected = 1
		}
		runner.Inject(panel.EventGauges{Link: connected, DeviceCount: count})
		return nil
	})

	supervisor.Periodic("janitor", 24*time.Hour, func(ctx context.Context) error {
		return arch.CleanOld()
	})
}

// console adapts line input into the keypad and tag reader interfaces:
// bare symbols act as key presses, "tag <hex>" presents a token. Real
// hardware drivers satisfy the same two interfaces.
type console struct {
	keys chan byte
	tags chan []byte
}

func newConsole(r io.Reader, logger *slog.Logger) *console {
	c := &console{
		keys: make(chan byte, 64),
		tags: make(chan []byte, 8),
	}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if uid, ok := strings.CutPrefix(line, "tag "); ok {
				raw, err := parseHexBytes(uid)
				if err != nil {
					logger.Warn("bad tag uid", "uid", uid, "err", err)
					continue
				}
				select {
				case c.tags <- raw:
				default:
				}
				continue
			}
			for i := 0; i < len(line); i++ {
				select {
				case c.keys <- line[i]:
				default:
				}
			}
		}
	}()
	return c
}

// Scan returns at most one pending key per poll; the keypad edge
// detector sees a press followed by a release.
func (c *console) Scan() ([]byte, error) {
	select {
	case k := <-c.keys:
		return []byte{k}, nil
	default:
		return nil, nil
	}
}

func (c *console) ReadUID() ([]byte, error) {
	select {
	case t := <-c.tags:
		return t, nil
	default:
		return nil, nil
	}
}

func parseHexBytes(s string) ([]byte, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' || r == ' ' })
	raw := make([]byte, 0, len(parts))
	for _, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return nil, fmt.Errorf("uid byte %q", p)
		}
		raw = append(raw, b)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty uid")
	}
	return raw, nil
}

// unavailableRadio satisfies the radio surface when the serial port
// could not be opened.
type unavailableRadio struct{}

var errNoRadio = fmt.Errorf("zigbee co-processor not connected")

func (unavailableRadio) Reset(context.Context) error              { return errNoRadio }
func (unavailableRadio) FactoryReset(context.Context) error       { return errNoRadio }
func (unavailableRadio) OpenNetwork(context.Context, uint8) error { return errNoRadio }
func (unavailableRadio) CloseNetwork(context.Context) error       { return errNoRadio }
func (unavailableRadio) ClearNetwork(context.Context) error       { return errNoRadio }
func (unavailableRadio) DeviceCount(context.Context) (int, error) { return 0, errNoRadio }

// sessionGauge adapts an optional bridge to the web status surface.
type sessionGauge struct{ bridge *mqtt.Bridge }

func (g sessionGauge) Connected() bool {
	return g.bridge != nil && g.bridge.Connected()
}

// logSMS stands in for the GSM modem: the notification is recorded in
// the log with the target number.
func logSMS(logger *slog.Logger) alert.SendSMS {
	return func(number, text string) {
		logger.Warn("sms notification", "to", number, "text", text)
	}
}

func newLogger(root, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logFile, err := rollog.New(
		filepath.Join(root, "log", "logfile.txt"),
		filepath.Join(root, "log", "logfile_old.txt"),
	)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), nil
}
