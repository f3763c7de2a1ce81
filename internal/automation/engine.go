// Package automation runs operator-supplied Lua hooks. Scripts register
// handlers for panel events (arming, alarms, sensor reports) and run in
// sandboxed VMs, one per script, with all Lua access serialized through
// a command channel.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Event is a panel occurrence dispatched to the hooks.
type Event struct {
	Name   string
	Fields map[string]any
}

// handler is one registered Lua callback.
type handler struct {
	event string // empty matches every event
	fn    *lua.LFunction
}

// scriptVM owns one Lua state. Only the VM goroutine touches the state;
// everything else queues closures on the commands channel.
type scriptVM struct {
	name     string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []handler
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// Actions are the callbacks scripts may invoke back into the panel.
// A nil action turns the corresponding Lua function into a no-op.
type Actions struct {
	// Notify surfaces a script message to the operator.
	Notify func(message string)
	// PermitJoin opens the Zigbee network for the given number of seconds.
	PermitJoin func(seconds int)
}

// Engine loads and supervises the script VMs.
type Engine struct {
	logger *slog.Logger

	// Actions must be set before any script is started.
	Actions Actions

	mu  sync.Mutex
	vms map[string]*scriptVM
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger.With("component", "automation"),
		vms:    make(map[string]*scriptVM),
	}
}

// LoadDir starts a VM for every *.lua file in dir. A missing directory
// is not an error; a failing script is logged and skipped.
func (e *Engine) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return fmt.Errorf("glob scripts dir: %w", err)
	}
	for _, path := range matches {
		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		name := filepath.Base(path)
		if err := e.StartScript(name, string(code)); err != nil {
			e.logger.Error("script failed to start", "script", name, "err", err)
		}
	}
	return nil
}

// StartScript compiles and runs a script's top level, which registers
// its handlers. An already-running script of the same name is replaced.
func (e *Engine) StartScript(name, code string) error {
	e.stop(name)

	ctx, cancel := context.WithCancel(context.Background())
	L := lua.NewState()
	L.SetContext(ctx)
	sandbox(L)

	vm := &scriptVM{
		name:     name,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		cancel:   cancel,
	}
	e.registerPanelModule(L, vm)

	if err := L.DoString(code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("script %s: %w", name, err)
	}

	go vm.loop(ctx)

	e.mu.Lock()
	e.vms[name] = vm
	e.mu.Unlock()
	e.logger.Info("script started", "script", name, "handlers", vm.handlerCount())
	return nil
}

func (vm *scriptVM) loop(ctx context.Context) {
	defer vm.state.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-vm.commands:
			cmd(vm.state)
		}
	}
}

func (vm *scriptVM) handlerCount() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.handlers)
}

// sandbox strips the filesystem and loader surface from a VM.
func sandbox(L *lua.LState) {
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// registerPanelModule exposes the hook API:
//
//	panel.on(event, fn)     -- register fn for an event name ("" = all)
//	panel.log(msg)          -- write to the application log
//	panel.notify(msg)       -- surface a message to the operator
//	panel.permit_join(secs) -- open the Zigbee network for joining
func (e *Engine) registerPanelModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, handler{event: event, fn: fn})
		vm.mu.Unlock()
		return 0
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "script", vm.name, "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("notify", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if e.Actions.Notify != nil {
			e.Actions.Notify(msg)
		}
		return 0
	}))
	mod.RawSetString("permit_join", L.NewFunction(func(L *lua.LState) int {
		secs := L.CheckInt(1)
		if e.Actions.PermitJoin != nil {
			e.Actions.PermitJoin(secs)
		}
		return 0
	}))
	L.SetGlobal("panel", mod)
}

// Dispatch queues ev to every VM with a matching handler. A VM whose
// command queue is full drops the event.
func (e *Engine) Dispatch(ev Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		matched := make([]handler, 0, len(vm.handlers))
		for _, h := range vm.handlers {
			if h.event == "" || h.event == ev.Name {
				matched = append(matched, h)
			}
		}
		vm.mu.Unlock()
		if len(matched) == 0 {
			continue
		}

		cmd := func(L *lua.LState) {
			tbl := L.NewTable()
			tbl.RawSetString("name", lua.LString(ev.Name))
			for k, v := range ev.Fields {
				tbl.RawSetString(k, toLua(v))
			}
			for _, h := range matched {
				err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, tbl)
				if err != nil {
					e.logger.Warn("script handler failed", "script", vm.name, "event", ev.Name, "err", err)
				}
			}
		}
		select {
		case vm.commands <- cmd:
		default:
			e.logger.Warn("script queue full, dropping event", "script", vm.name, "event", ev.Name)
		}
	}
}

func toLua(v any) lua.LValue {
	switch v := v.(type) {
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

func (e *Engine) stop(name string) {
	e.mu.Lock()
	vm, ok := e.vms[name]
	if ok {
		delete(e.vms, name)
	}
	e.mu.Unlock()
	if ok {
		vm.cancel()
	}
}

// Close stops every VM.
func (e *Engine) Close() {
	e.mu.Lock()
	vms := e.vms
	e.vms = make(map[string]*scriptVM)
	e.mu.Unlock()
	for _, vm := range vms {
		vm.cancel()
	}
}
