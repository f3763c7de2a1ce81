// Package alert turns warning and emergency transitions into external
// side effects: log records, automation hook events and an optional SMS
// notification through the modem layer.
package alert

import (
	"log/slog"
	"sync"

	"homeguard/internal/automation"
	"homeguard/internal/panel"
)

// SendSMS delivers one text to one number. The modem layer supplies the
// implementation; a nil func disables SMS.
type SendSMS func(number, text string)

// Alerter fans an alert out to the log, the hook engine and the modem.
type Alerter struct {
	logger *slog.Logger
	engine *automation.Engine
	phone  string
	sms    SendSMS

	mu     sync.Mutex
	active bool
}

func New(engine *automation.Engine, phone string, sms SendSMS, logger *slog.Logger) *Alerter {
	return &Alerter{
		logger: logger.With("component", "alert"),
		engine: engine,
		phone:  phone,
		sms:    sms,
	}
}

// Alert raises the alarm at the given level. Repeated emergency alerts
// while one is active are collapsed so the siren and SMS fire once.
func (a *Alerter) Alert(level panel.AlertLevel, fire, water bool) {
	a.mu.Lock()
	already := a.active && level == panel.AlertEmergency
	if level == panel.AlertEmergency {
		a.active = true
	}
	a.mu.Unlock()
	if already {
		return
	}

	name := "warning"
	if level == panel.AlertEmergency {
		name = "emergency"
	}
	a.logger.Warn("alarm raised", "level", name, "fire", fire, "water", water)

	if a.engine != nil {
		a.engine.Dispatch(automation.Event{
			Name:   name,
			Fields: map[string]any{"fire": fire, "water": water},
		})
	}

	if level == panel.AlertEmergency && a.sms != nil && a.phone != "" {
		text := "ALARM: intrusion detected"
		switch {
		case fire:
			text = "ALARM: fire detected"
		case water:
			text = "ALARM: water leak detected"
		}
		a.sms(a.phone, text)
	}
}

// Quiet clears the active alert after a disarm.
func (a *Alerter) Quiet() {
	a.mu.Lock()
	wasActive := a.active
	a.active = false
	a.mu.Unlock()

	if wasActive {
		a.logger.Info("alarm cleared")
	}
	if a.engine != nil {
		a.engine.Dispatch(automation.Event{Name: "disarmed"})
	}
}
