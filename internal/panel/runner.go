package panel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"homeguard/internal/notify"
	"homeguard/internal/tasks"
)

// Verifier is the authentication surface the runner needs.
type Verifier interface {
	VerifyPIN(pin string) bool
	VerifyToken(token string) bool
	SetPIN(entry string) error
	ChangePIN(entry string) error
	EnrollToken(token string) error
	RevokeToken(token string) error
	HasCredential() bool
}

// Radio is the Zigbee command surface the runner needs.
type Radio interface {
	Reset(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	OpenNetwork(ctx context.Context, duration uint8) error
	CloseNetwork(ctx context.Context) error
	ClearNetwork(ctx context.Context) error
	DeviceCount(ctx context.Context) (int, error)
}

// Alerter drives the siren, strip and GSM side effects of warnings and
// emergencies.
type Alerter interface {
	Alert(level AlertLevel, fire, water bool)
	Quiet()
}

// Scheduler starts and stops the alarm heartbeat task.
type Scheduler interface {
	Periodic(name string, pace time.Duration, fn tasks.Func) error
	Stop(name string)
}

const alarmTaskName = "alarm"

// Runner owns the panel state, feeds events through the machine and
// executes the resulting effects. It is the single writer of the state.
type Runner struct {
	machine *Machine
	auth    Verifier
	radio   Radio
	alerter Alerter
	sched   Scheduler
	bus     *notify.Bus
	logger  *slog.Logger

	// Provision is called when the operator requests WiFi setup.
	Provision func()
	// Factory is called on a factory-reset request.
	Factory func()

	events chan Event
	start  time.Time

	mu    sync.Mutex
	state State
}

func NewRunner(m *Machine, auth Verifier, radio Radio, alerter Alerter, sched Scheduler, bus *notify.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		machine: m,
		auth:    auth,
		radio:   radio,
		alerter: alerter,
		sched:   sched,
		bus:     bus,
		logger:  logger.With("component", "panel"),
		events:  make(chan Event, 32),
		start:   time.Now(),
		state:   Initial(),
	}
}

// Inject queues an event for the machine. A full queue drops the event
// with a warning rather than blocking the producer.
func (r *Runner) Inject(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event queue full, dropping", "event", ev)
	}
}

// Snapshot returns a copy of the current state for display and status
// consumers.
func (r *Runner) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// now is the monotonic millisecond clock the machine ticks against.
func (r *Runner) now() int64 {
	return time.Since(r.start).Milliseconds()
}

// Run processes events until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.step(ctx, ev)
		}
	}
}

func (r *Runner) step(ctx context.Context, ev Event) {
	r.mu.Lock()
	prev := r.state.Mode
	env := Env{HasCredential: r.auth.HasCredential()}
	next, effects := r.machine.Step(r.state, ev, r.now(), env)
	r.state = next
	r.mu.Unlock()

	if next.Mode != prev {
		r.logger.Info("mode transition", "from", prev, "to", next.Mode, "testing", next.Testing)
	}
	for _, eff := range effects {
		r.execute(ctx, eff)
	}
}

// execute performs one effect. Authentication outcomes are fed straight
// back through Inject so the machine sees them as events.
func (r *Runner) execute(ctx context.Context, eff Effect) {
	switch eff := eff.(type) {
	case EffectVerifyPIN:
		r.Inject(EventAuth{Intent: eff.Intent, OK: r.auth.VerifyPIN(eff.PIN)})

	case EffectVerifyToken:
		r.Inject(EventAuth{Intent: eff.Intent, OK: r.auth.VerifyToken(eff.UID)})

	case EffectSetPIN:
		err := r.auth.SetPIN(eff.Entry)
		r.Inject(EventAuth{Intent: IntentSetPIN, OK: err == nil})

	case EffectChangePIN:
		err := r.auth.ChangePIN(eff.Entry)
		r.Inject(EventAuth{Intent: IntentChangePIN, OK: err == nil})

	case EffectEnrollToken:
		if err := r.auth.EnrollToken(eff.UID); err != nil {
			r.logger.Warn("token enrollment failed", "err", err)
		}

	case EffectRevokeToken:
		if err := r.auth.RevokeToken(eff.UID); err != nil {
			r.logger.Warn("token revocation failed", "err", err)
		}

	case EffectNotify:
		if err := r.bus.Enqueue(eff.Kind, eff.Param, time.Duration(eff.Duration)*time.Millisecond); err != nil {
			r.logger.Warn("notification dropped", "kind", eff.Kind, "err", err)
		}

	case EffectZigbee:
		r.zigbee(ctx, eff)

	case EffectStartAlarmTick:
		err := r.sched.Periodic(alarmTaskName, time.Second, func(context.Context) error {
			r.Inject(EventTick{})
			return nil
		})
		if err != nil {
			r.logger.Error("alarm task start failed", "err", err)
		}

	case EffectStopAlarmTick:
		r.sched.Stop(alarmTaskName)
		r.alerter.Quiet()

	case EffectAlert:
		r.alerter.Alert(eff.Level, eff.Fire, eff.Water)

	case EffectEnterProvisioning:
		if r.Provision != nil {
			r.Provision()
		}

	case EffectFactoryReset:
		if r.Factory != nil {
			r.Factory()
		}
	}
}

// zigbee runs one radio command with a bounded deadline and reports the
// outcome on the notification bus.
func (r *Runner) zigbee(ctx context.Context, eff EffectZigbee) {
	opCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	var (
		err   error
		kind  notify.Kind
		param int
	)
	switch eff.Op {
	case ZigbeeOpen:
		err = r.radio.OpenNetwork(opCtx, eff.Param)
		kind, param = notify.ZbNetOpen, int(eff.Param)
	case ZigbeeClose:
		err = r.radio.CloseNetwork(opCtx)
		kind = notify.ZbNetClose
	case ZigbeeClear:
		err = r.radio.ClearNetwork(opCtx)
		kind = notify.ZbNetClear
	case ZigbeeReset:
		err = r.radio.Reset(opCtx)
		kind = notify.ZbNetReset
	case ZigbeeDeviceCount:
		param, err = r.radio.DeviceCount(opCtx)
		kind = notify.ZbDevCount
	default:
		return
	}
	if err != nil {
		r.logger.Warn("radio command failed", "op", eff.Op, "err", err)
		return
	}
	if err := r.bus.Enqueue(kind, param, 3*time.Second); err != nil {
		r.logger.Warn("notification dropped", "kind", kind, "err", err)
	}
}
