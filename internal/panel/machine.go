package panel

import "homeguard/internal/notify"

// Timings are the arming parameters, taken from configuration.
type Timings struct {
	CountdownMs          int64
	EmergencyCountdownMs int64
	WarningThreshold     int
	EmergencyThreshold   int
}

// Selection is the menu cursor of the active mode.
type Selection struct {
	Index int
	Prev  int
	Count int
}

// Gauges are the status-screen values.
type Gauges struct {
	Link        int
	Battery     int
	DeviceCount int
}

// State is the complete panel state. It is a value: Step returns a new
// State and never mutates its input.
type State struct {
	Mode    Mode
	Prev    Mode
	Testing bool

	Sel      Selection
	PIN      string
	Attempts int

	Events int
	Fire   bool
	Water  bool

	AnchorMs int64
	Gauges   Gauges
}

// Env is the read-only environment snapshot the machine consults.
type Env struct {
	HasCredential bool
}

// Initial returns the boot state.
func Initial() State {
	return State{
		Mode: ModeInit,
		Prev: ModeInit,
		Sel:  Selection{Count: selectionCount(ModeInit)},
	}
}

// Machine is the pure transition function parameterised by timings.
type Machine struct {
	t Timings
}

func NewMachine(t Timings) *Machine {
	return &Machine{t: t}
}

// openNetworkSeconds is the permit-join window requested from the menu.
const openNetworkSeconds = 180

// pinEntryMode reports whether a mode collects digits into the PIN
// buffer instead of navigating a menu. Armed modes collect the disarm
// PIN inline so escalation ticks keep running during entry.
func pinEntryMode(m Mode) bool {
	switch m {
	case ModeSetupEnterPIN, ModeSetupSetPIN, ModeSetupChangePIN,
		ModeArmEnterPIN, ModeChangeEnterPIN, ModeChangeEnterPIN2:
		return true
	}
	return m.Armed()
}

// doubleEntryMode reports whether a mode collects two PIN entries
// separated by the submit sentinel.
func doubleEntryMode(m Mode) bool {
	switch m {
	case ModeSetupSetPIN, ModeSetupChangePIN, ModeChangeEnterPIN2:
		return true
	}
	return false
}

// enter moves to a new mode, recording the old one and resetting the
// per-mode transients.
func enter(s State, m Mode) State {
	s.Prev = s.Mode
	s.Mode = m
	s.Sel = Selection{Count: selectionCount(m)}
	s.PIN = ""
	return s
}

// cropSelection clamps the cursor when the item count changed underfoot.
func cropSelection(sel Selection, count int) Selection {
	sel.Count = count
	if count < 1 {
		sel.Count = 1
	}
	if sel.Index >= sel.Count {
		sel.Index = sel.Count - 1
	}
	if sel.Prev >= sel.Count {
		sel.Prev = sel.Count - 1
	}
	return sel
}

// moveSelection shifts the cursor by delta, wrapping modulo the count.
func moveSelection(sel Selection, delta int) Selection {
	sel.Prev = sel.Index
	sel.Index = ((sel.Index+delta)%sel.Count + sel.Count) % sel.Count
	return sel
}

// Step applies one event. nowMs is a monotonic millisecond clock stamped
// by the caller.
func (m *Machine) Step(s State, ev Event, nowMs int64, env Env) (State, []Effect) {
	switch ev := ev.(type) {
	case EventKey:
		return m.stepKey(s, ev.Key, nowMs, env)
	case EventToken:
		return m.stepToken(s, ev.UID)
	case EventTick:
		return m.stepTick(s, nowMs)
	case EventSensor:
		s.Events++
		s.Fire = s.Fire || ev.Fire
		s.Water = s.Water || ev.Water
		return s, nil
	case EventAuth:
		return m.stepAuth(s, ev, nowMs)
	case EventAbort:
		return m.abort(s), nil
	case EventGauges:
		s.Gauges = Gauges{Link: ev.Link, Battery: ev.Battery, DeviceCount: ev.DeviceCount}
		return s, nil
	}
	return s, nil
}

// abort returns to the previous mode when that mode is a stable parent;
// otherwise it is a no-op.
func (s State) abortTarget() (Mode, bool) {
	if stableParents[s.Prev] {
		return s.Prev, true
	}
	return s.Mode, false
}

func (m *Machine) abort(s State) State {
	if target, ok := s.abortTarget(); ok {
		return enter(s, target)
	}
	return s
}

func (m *Machine) stepKey(s State, key byte, nowMs int64, env Env) (State, []Effect) {
	if pinEntryMode(s.Mode) {
		return m.stepPINKey(s, key, nowMs)
	}

	// Re-clamp in case the item count changed underfoot.
	s.Sel = cropSelection(s.Sel, selectionCount(s.Mode))

	switch key {
	case '2':
		s.Sel = moveSelection(s.Sel, -1)
		return s, nil
	case '8':
		s.Sel = moveSelection(s.Sel, +1)
		return s, nil
	case '5':
		return m.confirm(s, nowMs, env)
	case '#', '*':
		return m.abort(s), nil
	}
	return s, nil
}

// stepPINKey handles digit collection and submission.
func (m *Machine) stepPINKey(s State, key byte, nowMs int64) (State, []Effect) {
	if key >= '0' && key <= '9' {
		s.PIN += string(key)
		return s, nil
	}
	if key != '#' && key != '*' {
		return s, nil
	}

	// Submit with an empty buffer aborts the entry.
	if s.PIN == "" {
		return m.abort(s), nil
	}

	s.PIN += "#"
	if doubleEntryMode(s.Mode) && countSentinels(s.PIN) < 2 {
		// First of the double entry; keep collecting.
		return s, nil
	}
	return m.submitPIN(s)
}

func countSentinels(pin string) int {
	n := 0
	for i := 0; i < len(pin); i++ {
		if pin[i] == '#' {
			n++
		}
	}
	return n
}

// submitPIN turns the completed buffer into the verification effect for
// the current gate.
func (m *Machine) submitPIN(s State) (State, []Effect) {
	entry := s.PIN
	s.PIN = ""
	switch s.Mode {
	case ModeSetupEnterPIN:
		return s, []Effect{EffectVerifyPIN{PIN: entry, Intent: IntentSetupAuth}}
	case ModeArmEnterPIN:
		return s, []Effect{EffectVerifyPIN{PIN: entry, Intent: IntentArm}}
	case ModeChangeEnterPIN:
		return s, []Effect{EffectVerifyPIN{PIN: entry, Intent: IntentChangeAuth}}
	case ModeSetupSetPIN:
		return s, []Effect{EffectSetPIN{Entry: entry}}
	case ModeSetupChangePIN, ModeChangeEnterPIN2:
		return s, []Effect{EffectChangePIN{Entry: entry}}
	}
	if s.Mode.Armed() {
		return s, []Effect{EffectVerifyPIN{PIN: entry, Intent: IntentDisarm}}
	}
	return s, nil
}

// stepToken routes a tag submission. In an authentication gate it is
// equivalent to a PIN submission; in the enrollment screens it is the
// operand; elsewhere it is ignored.
func (m *Machine) stepToken(s State, uid string) (State, []Effect) {
	switch s.Mode {
	case ModeSetupEnterPIN:
		return s, []Effect{EffectVerifyToken{UID: uid, Intent: IntentSetupAuth}}
	case ModeArmEnterPIN:
		return s, []Effect{EffectVerifyToken{UID: uid, Intent: IntentArm}}
	case ModeChangeEnterPIN:
		return s, []Effect{EffectVerifyToken{UID: uid, Intent: IntentChangeAuth}}
	case ModeSetupRFIDAdd:
		return s, []Effect{EffectEnrollToken{UID: uid}}
	case ModeSetupRFIDDel:
		return s, []Effect{EffectRevokeToken{UID: uid}}
	}
	if s.Mode.Armed() {
		return s, []Effect{EffectVerifyToken{UID: uid, Intent: IntentDisarm}}
	}
	return s, nil
}

// confirm acts on the selected menu item.
func (m *Machine) confirm(s State, nowMs int64, env Env) (State, []Effect) {
	switch s.Mode {
	case ModeInit:
		switch s.Sel.Index {
		case initItemAlarm:
			s.Testing = false
			return enter(s, ModeIdle), nil
		case initItemTest:
			s.Testing = true
			return enter(s, ModeIdle), nil
		case initItemSettings:
			return enter(s, ModeSetup), nil
		case initItemInfo:
			return enter(s, ModeInfo), nil
		}

	case ModeInfo:
		return enter(s, ModeInit), nil

	case ModeSetup:
		switch s.Sel.Index {
		case setupItemUnlock:
			if !env.HasCredential {
				// First boot: no credential to gate with yet.
				return enter(s, ModeSetupSetPIN), nil
			}
			return enter(s, ModeSetupEnterPIN), nil
		case setupItemSetPIN:
			if env.HasCredential {
				// Replacing an existing credential goes through the
				// authenticated change path instead.
				return s, []Effect{EffectNotify{Kind: notify.AuthSetErr, Duration: 2000}}
			}
			return enter(s, ModeSetupSetPIN), nil
		case setupItemBack:
			return enter(s, ModeInit), nil
		}

	case ModeSetupPIN2:
		switch s.Sel.Index {
		case pin2ItemChangePIN:
			return enter(s, ModeSetupChangePIN), nil
		case pin2ItemAddTag:
			return enter(s, ModeSetupRFIDAdd), nil
		case pin2ItemRemoveTag:
			return enter(s, ModeSetupRFIDDel), nil
		case pin2ItemZigbee:
			return enter(s, ModeSetupZigbee), nil
		case pin2ItemWiFi:
			return s, []Effect{EffectEnterProvisioning{}}
		case pin2ItemFactory:
			return s, []Effect{EffectFactoryReset{}}
		case pin2ItemBack:
			return enter(s, ModeInit), nil
		}

	case ModeSetupZigbee:
		switch s.Sel.Index {
		case zbItemOpen:
			return s, []Effect{EffectZigbee{Op: ZigbeeOpen, Param: openNetworkSeconds}}
		case zbItemClose:
			return s, []Effect{EffectZigbee{Op: ZigbeeClose}}
		case zbItemClear:
			return s, []Effect{EffectZigbee{Op: ZigbeeClear}}
		case zbItemReset:
			return s, []Effect{EffectZigbee{Op: ZigbeeReset}}
		case zbItemDevCount:
			return s, []Effect{EffectZigbee{Op: ZigbeeDeviceCount}}
		case zbItemBack:
			return enter(s, ModeSetupPIN2), nil
		}

	case ModeIdle:
		switch s.Sel.Index {
		case idleItemLock:
			return enter(s, ModeArmEnterPIN), nil
		case idleItemChangePIN:
			return enter(s, ModeChangeEnterPIN), nil
		case idleItemBack:
			return enter(s, ModeInit), nil
		}

	case ModeSetupRFIDAdd, ModeSetupRFIDDel:
		return enter(s, ModeSetupPIN2), nil
	}
	return s, nil
}

// stepAuth folds an authentication outcome back into the machine.
func (m *Machine) stepAuth(s State, ev EventAuth, nowMs int64) (State, []Effect) {
	if !ev.OK {
		s.Attempts++
		switch ev.Intent {
		case IntentSetupAuth:
			return enter(s, ModeSetup), nil
		case IntentArm, IntentChangeAuth:
			return enter(s, ModeIdle), nil
		case IntentDisarm:
			// Stay armed; escalation keeps running.
			s.PIN = ""
			return s, nil
		case IntentSetPIN, IntentChangePIN:
			// Stay in the entry screen for another try.
			s.PIN = ""
			return s, nil
		}
		return s, nil
	}

	s.Attempts = 0
	switch ev.Intent {
	case IntentSetupAuth:
		return enter(s, ModeSetupPIN2), nil
	case IntentArm:
		return m.arm(s, nowMs)
	case IntentChangeAuth:
		// The gate itself is transient: abort and completion from the
		// entry screen both return to the idle menu.
		s = enter(s, ModeChangeEnterPIN2)
		s.Prev = ModeIdle
		return s, nil
	case IntentDisarm:
		return m.disarm(s)
	case IntentSetPIN, IntentChangePIN:
		return m.abortOrInit(s), nil
	}
	return s, nil
}

// abortOrInit returns to the previous stable screen, falling back to the
// top menu.
func (m *Machine) abortOrInit(s State) State {
	if target, ok := s.abortTarget(); ok {
		return enter(s, target)
	}
	return enter(s, ModeInit)
}

// arm enters the exit countdown.
func (m *Machine) arm(s State, nowMs int64) (State, []Effect) {
	s = enter(s, ModeCountdown)
	s.AnchorMs = nowMs
	return s, []Effect{EffectStartAlarmTick{}}
}

// disarm returns to the idle screen and clears the event counters.
func (m *Machine) disarm(s State) (State, []Effect) {
	s = enter(s, ModeIdle)
	s.Events = 0
	s.Fire = false
	s.Water = false
	return s, []Effect{EffectStopAlarmTick{}}
}

// stepTick advances the armed lifecycle. Escalation checks the emergency
// threshold before the warning threshold so a burst of events can jump
// straight to emergency.
func (m *Machine) stepTick(s State, nowMs int64) (State, []Effect) {
	switch s.Mode {
	case ModeCountdown:
		if nowMs-s.AnchorMs >= m.t.CountdownMs {
			s.Prev = s.Mode
			s.Mode = ModeArmedOK
			s.Events = 0
			s.Fire = false
			s.Water = false
		}
		return s, nil

	case ModeArmedOK:
		if s.Events >= m.t.EmergencyThreshold {
			return m.escalate(s)
		}
		if s.Events >= m.t.WarningThreshold {
			s.Prev = s.Mode
			s.Mode = ModeWarning
			s.AnchorMs = nowMs
			return s, []Effect{EffectAlert{Level: AlertWarning, Fire: s.Fire, Water: s.Water}}
		}
		return s, nil

	case ModeWarning:
		if s.Events >= m.t.EmergencyThreshold {
			return m.escalate(s)
		}
		if nowMs-s.AnchorMs >= m.t.EmergencyCountdownMs {
			return m.escalate(s)
		}
		return s, nil
	}
	return s, nil
}

func (m *Machine) escalate(s State) (State, []Effect) {
	s.Prev = s.Mode
	s.Mode = ModeEmergency
	return s, []Effect{EffectAlert{Level: AlertEmergency, Fire: s.Fire, Water: s.Water}}
}
