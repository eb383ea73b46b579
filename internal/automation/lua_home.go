//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerHomeModule registers the `home` global table in a Lua state.
// Scripts react to events with home.on and act on switches with
// home.turn_on / home.turn_off / home.toggle / home.set_intensity.
func registerHomeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return homeOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return homeControl(L, e, true)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return homeControl(L, e, false)
	}))

	mod.RawSetString("toggle", L.NewFunction(func(L *lua.LState) int {
		return homeToggle(L, e)
	}))

	mod.RawSetString("set_intensity", L.NewFunction(func(L *lua.LState) int {
		return homeSetIntensity(L, e)
	}))

	mod.RawSetString("device", L.NewFunction(func(L *lua.LState) int {
		return homeDevice(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return homeDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return homeAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return homeLog(L, e)
	}))

	L.SetGlobal("home", mod)
}

const maxHandlersPerScript = 100

// home.on(type, filter, callback)
// filter keys: id (switch number), state ("ON"/"OFF"); both optional.
func homeOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}
	if v := filterTable.RawGetString("id"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.deviceID = int(n)
		}
	}
	if v := filterTable.RawGetString("state"); v != lua.LNil {
		h.state = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// home.turn_on(id [, pwm]) / home.turn_off(id)
func homeControl(L *lua.LState, e *Engine, on bool) int {
	id := L.CheckInt(1)

	pwm := 0
	if on {
		pwm = 100
		if L.GetTop() >= 2 {
			pwm = clampPWM(L.CheckInt(2))
		}
	}

	e.applyState(id, on, pwm)
	return 0
}

// home.toggle(id)
func homeToggle(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)

	current, err := e.registry.State(id)
	if err != nil {
		e.logger.Warn("toggle: unknown switch", "id", id)
		return 0
	}

	if current.On {
		e.applyState(id, false, 0)
	} else {
		pwm := current.Intensity
		if pwm == 0 {
			pwm = 100
		}
		e.applyState(id, true, pwm)
	}
	return 0
}

// home.set_intensity(id, pwm) keeps the current on/off state.
func homeSetIntensity(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	pwm := clampPWM(L.CheckInt(2))

	current, err := e.registry.State(id)
	if err != nil {
		e.logger.Warn("set_intensity: unknown switch", "id", id)
		return 0
	}
	e.applyState(id, current.On, pwm)
	return 0
}

// applyState sends the command and mirrors the result into the registry,
// the same path the scheduler takes. A disconnected transport drops the
// action.
func (e *Engine) applyState(id int, on bool, pwm int) {
	if err := e.controller.ControlDevice(id, on, pwm); err != nil {
		e.logger.Warn("script command dropped", "id", id, "err", err)
		return
	}
	if err := e.registry.SetState(id, on, pwm); err != nil {
		e.logger.Warn("script state update", "id", id, "err", err)
	}
}

// home.device(id) returns {id, name, state, pwm} or nil.
func homeDevice(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)

	dev, err := e.registry.Get(id)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	state, err := e.registry.State(id)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(deviceTable(L, dev.ID, dev.Name, state.On, state.Intensity))
	return 1
}

// home.devices() returns an array of device tables.
func homeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.registry.Devices() {
		state, err := e.registry.State(dev.ID)
		if err != nil {
			continue
		}
		tbl.RawSetInt(i+1, deviceTable(L, dev.ID, dev.Name, state.On, state.Intensity))
	}
	L.Push(tbl)
	return 1
}

func deviceTable(L *lua.LState, id int, name string, on bool, pwm int) *lua.LTable {
	d := L.NewTable()
	d.RawSetString("id", lua.LNumber(id))
	d.RawSetString("name", lua.LString(name))
	if on {
		d.RawSetString("state", lua.LString("ON"))
	} else {
		d.RawSetString("state", lua.LString("OFF"))
	}
	d.RawSetString("pwm", lua.LNumber(pwm))
	return d
}

// home.after(seconds, callback) runs the callback later on the VM goroutine.
func homeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// home.log(msg)
func homeLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

func clampPWM(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
