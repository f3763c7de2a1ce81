// Package panel implements the control-panel state machine: the menu
// tree, the authentication gates, and the armed lifecycle with countdown,
// warning and emergency escalation. The machine itself is a pure function
// over an explicit State value; all side effects are returned as Effect
// values and executed by the Runner.
package panel

// Mode is the panel's current screen. The alarm and test arming trees
// share one mode family; State.Testing selects the display labels.
type Mode uint8

const (
	// ModeInit is the top-level menu shown after boot.
	ModeInit Mode = iota
	// ModeInfo shows link, battery and device-count gauges.
	ModeInfo

	// ModeSetup is the settings entry menu, before authentication.
	ModeSetup
	// ModeSetupEnterPIN gates the settings tree.
	ModeSetupEnterPIN
	// ModeSetupPIN2 is the authenticated settings menu.
	ModeSetupPIN2
	// ModeSetupSetPIN collects the initial PIN as a double entry.
	ModeSetupSetPIN
	// ModeSetupChangePIN collects a replacement PIN as a double entry.
	ModeSetupChangePIN
	// ModeSetupRFIDAdd waits for a tag to enroll.
	ModeSetupRFIDAdd
	// ModeSetupRFIDDel waits for a tag to revoke.
	ModeSetupRFIDDel
	// ModeSetupZigbee is the radio network submenu.
	ModeSetupZigbee

	// ModeIdle is the disarmed main screen of the alarm or test tree.
	ModeIdle
	// ModeArmEnterPIN gates arming.
	ModeArmEnterPIN
	// ModeChangeEnterPIN gates the idle-screen PIN change.
	ModeChangeEnterPIN
	// ModeChangeEnterPIN2 collects the replacement PIN once the gate passed.
	ModeChangeEnterPIN2

	// Armed lifecycle. ModeCountdown runs the exit delay, ModeArmedOK is
	// the quiet armed state, ModeWarning runs the entry delay, and
	// ModeEmergency is terminal until disarmed.
	ModeCountdown
	ModeArmedOK
	ModeWarning
	ModeEmergency
)

var modeNames = map[Mode]string{
	ModeInit:            "init",
	ModeInfo:            "info",
	ModeSetup:           "setup",
	ModeSetupEnterPIN:   "setup_enter_pin",
	ModeSetupPIN2:       "setup_pin2",
	ModeSetupSetPIN:     "setup_set_pin",
	ModeSetupChangePIN:  "setup_change_pin",
	ModeSetupRFIDAdd:    "setup_rfid_add",
	ModeSetupRFIDDel:    "setup_rfid_del",
	ModeSetupZigbee:     "setup_zigbee",
	ModeIdle:            "idle",
	ModeArmEnterPIN:     "arm_enter_pin",
	ModeChangeEnterPIN:  "change_enter_pin",
	ModeChangeEnterPIN2: "change_enter_pin2",
	ModeCountdown:       "countdown",
	ModeArmedOK:         "armed_ok",
	ModeWarning:         "warning",
	ModeEmergency:       "emergency",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// Armed reports whether the mode belongs to the armed lifecycle.
func (m Mode) Armed() bool {
	switch m {
	case ModeCountdown, ModeArmedOK, ModeWarning, ModeEmergency:
		return true
	}
	return false
}

// stableParents are the modes abort may return to. An abort whose
// previous mode is anything else is ignored.
var stableParents = map[Mode]bool{
	ModeInit:            true,
	ModeSetup:           true,
	ModeSetupPIN2:       true,
	ModeIdle:            true,
	ModeChangeEnterPIN2: true,
}

// Top-level menu items.
const (
	initItemAlarm = iota
	initItemTest
	initItemSettings
	initItemInfo
	initItemCount
)

// Settings entry menu.
const (
	setupItemUnlock = iota
	setupItemSetPIN
	setupItemBack
	setupItemCount
)

// Authenticated settings menu.
const (
	pin2ItemChangePIN = iota
	pin2ItemAddTag
	pin2ItemRemoveTag
	pin2ItemZigbee
	pin2ItemWiFi
	pin2ItemFactory
	pin2ItemBack
	pin2ItemCount
)

// Radio network submenu.
const (
	zbItemOpen = iota
	zbItemClose
	zbItemClear
	zbItemReset
	zbItemDevCount
	zbItemBack
	zbItemCount
)

// Idle screen items.
const (
	idleItemLock = iota
	idleItemChangePIN
	idleItemBack
	idleItemCount
)

// selectionCount is the number of valid menu items in a mode. Modes
// without a selection model report 1 so cursor arithmetic stays defined.
func selectionCount(m Mode) int {
	switch m {
	case ModeInit:
		return initItemCount
	case ModeSetup:
		return setupItemCount
	case ModeSetupPIN2:
		return pin2ItemCount
	case ModeSetupZigbee:
		return zbItemCount
	case ModeIdle:
		return idleItemCount
	default:
		return 1
	}
}
