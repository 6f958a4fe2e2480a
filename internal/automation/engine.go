//go:build !no_automation

// Package automation runs Lua hook scripts against adapter events.
package automation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/zcl"
)

const (
	defaultCommandTimeout = 10 * time.Second
	runTimeout            = 5 * time.Second
)

// Config holds engine settings.
type Config struct {
	ExecAllowlist []string      // absolute paths system.exec may run
	ExecTimeout   time.Duration // per system.exec call
	// CommandTimeout bounds each zigbee.* call that talks to the network.
	CommandTimeout time.Duration
}

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type luaEventHandler struct {
	eventType string
	ieee      string // empty matches any device
	cluster   int    // -1 matches any cluster
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one script. All access goes through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers and logs
	logs     *[]string  // set for one-shot runs
}

func (vm *scriptVM) capture(line string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.logs != nil {
		*vm.logs = append(*vm.logs, line)
	}
}

// Engine loads enabled scripts and feeds them adapter events.
type Engine struct {
	adapter *adapter.Adapter
	manager *Manager
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine. Start loads the scripts.
func NewEngine(a *adapter.Adapter, mgr *Manager, cfg Config, logger *slog.Logger) *Engine {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &Engine{
		adapter: a,
		manager: mgr,
		cfg:     cfg,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.adapter.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop unsubscribes and cancels every script.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the number of loaded scripts.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script from disk. A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript runs a saved script once. See RunCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunCode(s.Code)
}

// RunCode executes code in a throwaway VM, then calls each handler it
// registered once with an event built from the handler's filter. Log output
// is captured in the result.
func (e *Engine) RunCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var logs []string
	vm := e.newVM(ctx, cancel)
	vm.logs = &logs
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		vm.mu.Lock()
		defer vm.mu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.ieee != "" {
			ev.RawSetString("ieee", lua.LString(h.ieee))
		}
		if h.cluster >= 0 {
			ev.RawSetString("cluster", lua.LNumber(h.cluster))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newVM builds a sandboxed state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerZigbeeModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Name)
	return nil
}

// dispatchEvent queues matching handlers on their script's VM.
func (e *Engine) dispatchEvent(event adapter.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := e.eventFields(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, fields) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.ieee != "" {
		if ieee, _ := fields["ieee"].(string); !strings.EqualFold(ieee, h.ieee) {
			return false
		}
	}
	if h.cluster >= 0 {
		if cluster, ok := fields["cluster"].(int); !ok || cluster != h.cluster {
			return false
		}
	}
	return true
}

// eventFields flattens an event payload into the table handed to Lua.
func (e *Engine) eventFields(event adapter.Event) map[string]any {
	switch p := event.Data.(type) {
	case adapter.DeviceJoinedPayload:
		return map[string]any{"ieee": p.IEEEAddress.String(), "nwk": int(p.NetworkAddress)}
	case adapter.DeviceLeavePayload:
		return map[string]any{"ieee": p.IEEEAddress.String(), "nwk": int(p.NetworkAddress)}
	case adapter.DeviceAnnouncePayload:
		return map[string]any{"ieee": p.IEEEAddress.String(), "nwk": int(p.NetworkAddress), "capabilities": int(p.Capabilities)}
	case adapter.NetworkAddressPayload:
		return map[string]any{"ieee": p.IEEEAddress.String(), "nwk": int(p.NetworkAddress)}
	case adapter.ZCLPayload:
		fields := map[string]any{
			"nwk":       int(p.Address),
			"endpoint":  int(p.Endpoint),
			"cluster":   int(p.ClusterID),
			"command":   int(p.Header.CommandID),
			"global":    p.Header.FrameType == zcl.FrameTypeGlobal,
			"group":     int(p.GroupID),
			"broadcast": p.WasBroadcast,
			"lqi":       int(p.LinkQuality),
			"rssi":      int(p.RSSI),
			"data":      hex.EncodeToString(p.Data),
		}
		if dev, err := e.adapter.Store().FindByNetworkAddress(uint16(p.Address)); err == nil {
			fields["ieee"] = dev.IEEEAddress
		}
		return fields
	case adapter.NetworkStatePayload:
		return map[string]any{"state": p.State}
	case adapter.PermitJoinPayload:
		return map[string]any{"seconds": int(p.Seconds)}
	case adapter.BackupPayload:
		return map[string]any{"id": p.ID, "device_count": p.DeviceCount}
	case adapter.DisconnectedPayload:
		return map[string]any{"reason": p.Reason}
	}
	return map[string]any{}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(eventType))
	for k, v := range fields {
		ev.RawSetString(k, goToLua(L, v))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", eventType, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(hex.EncodeToString(val))
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
