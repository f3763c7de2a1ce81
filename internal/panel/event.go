package panel

import "homeguard/internal/notify"

// Intent names the gated action an authentication result applies to.
type Intent uint8

const (
	IntentSetupAuth Intent = iota
	IntentArm
	IntentDisarm
	IntentSetPIN
	IntentChangeAuth
	IntentChangePIN
)

var intentNames = map[Intent]string{
	IntentSetupAuth:  "setup_auth",
	IntentArm:        "arm",
	IntentDisarm:     "disarm",
	IntentSetPIN:     "set_pin",
	IntentChangeAuth: "change_auth",
	IntentChangePIN:  "change_pin",
}

func (i Intent) String() string {
	if s, ok := intentNames[i]; ok {
		return s
	}
	return "unknown"
}

// Event is an input to the state machine.
type Event interface{ isEvent() }

// EventKey is one debounced keypad symbol ('0'–'9', '*', '#').
type EventKey struct{ Key byte }

// EventToken is a presented tag UID, colon-separated uppercase hex.
type EventToken struct{ UID string }

// EventTick is the periodic alarm-engine heartbeat.
type EventTick struct{}

// EventSensor is an alarm-worthy record surfaced by the correlator.
type EventSensor struct {
	Fire  bool
	Water bool
}

// EventAuth carries the outcome of a VerifyPIN/VerifyToken/SetPIN/
// ChangePIN effect back into the machine.
type EventAuth struct {
	Intent Intent
	OK     bool
}

// EventAbort requests a return to the previous stable screen.
type EventAbort struct{}

// EventGauges refreshes the status display values.
type EventGauges struct {
	Link        int
	Battery     int
	DeviceCount int
}

func (EventKey) isEvent()    {}
func (EventToken) isEvent()  {}
func (EventTick) isEvent()   {}
func (EventSensor) isEvent() {}
func (EventAuth) isEvent()   {}
func (EventAbort) isEvent()  {}
func (EventGauges) isEvent() {}

// ZigbeeOp is a radio network command requested from a menu.
type ZigbeeOp uint8

const (
	ZigbeeOpen ZigbeeOp = iota
	ZigbeeClose
	ZigbeeClear
	ZigbeeReset
	ZigbeeDeviceCount
)

// AlertLevel grades emergency side effects.
type AlertLevel uint8

const (
	AlertWarning AlertLevel = iota
	AlertEmergency
)

// Effect is a side effect requested by the machine. The Runner executes
// effects in order and feeds results back as events.
type Effect interface{ isEffect() }

// EffectVerifyPIN asks the authenticator to check a PIN.
type EffectVerifyPIN struct {
	PIN    string
	Intent Intent
}

// EffectVerifyToken asks the authenticator to check a tag UID.
type EffectVerifyToken struct {
	UID    string
	Intent Intent
}

// EffectSetPIN creates the credential from a double entry ("p#p#").
type EffectSetPIN struct{ Entry string }

// EffectChangePIN replaces the credential from a double entry.
type EffectChangePIN struct{ Entry string }

// EffectEnrollToken adds a tag to the authorized set.
type EffectEnrollToken struct{ UID string }

// EffectRevokeToken removes a tag from the authorized set.
type EffectRevokeToken struct{ UID string }

// EffectNotify enqueues a user-visible notification.
type EffectNotify struct {
	Kind     notify.Kind
	Param    int
	Duration int
}

// EffectZigbee issues a radio network command.
type EffectZigbee struct {
	Op    ZigbeeOp
	Param uint8
}

// EffectStartAlarmTick starts the 1 s alarm heartbeat task.
type EffectStartAlarmTick struct{}

// EffectStopAlarmTick stops the alarm heartbeat task.
type EffectStopAlarmTick struct{}

// EffectAlert fires the external siren/GSM path.
type EffectAlert struct {
	Level AlertLevel
	Fire  bool
	Water bool
}

// EffectEnterProvisioning hands control to the WiFi setup server.
type EffectEnterProvisioning struct{}

// EffectFactoryReset wipes stores and reboots.
type EffectFactoryReset struct{}

func (EffectVerifyPIN) isEffect()         {}
func (EffectVerifyToken) isEffect()       {}
func (EffectSetPIN) isEffect()            {}
func (EffectChangePIN) isEffect()         {}
func (EffectEnrollToken) isEffect()       {}
func (EffectRevokeToken) isEffect()       {}
func (EffectNotify) isEffect()            {}
func (EffectZigbee) isEffect()            {}
func (EffectStartAlarmTick) isEffect()    {}
func (EffectStopAlarmTick) isEffect()     {}
func (EffectAlert) isEffect()             {}
func (EffectEnterProvisioning) isEffect() {}
func (EffectFactoryReset) isEffect()      {}
