//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zcl"
)

const maxHandlersPerScript = 100

// Cluster and command ids used by the convenience functions.
const (
	clusterOnOff        uint16 = 0x0006
	clusterLevelControl uint16 = 0x0008

	cmdOff                  uint8 = 0x00
	cmdOn                   uint8 = 0x01
	cmdToggle               uint8 = 0x02
	cmdMoveToLevelWithOnOff uint8 = 0x04
)

// registerZigbeeModule installs the `zigbee` table.
func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return zigbeeOn(L, vm) },
		"turn_on":        func(L *lua.LState) int { return zigbeeOnOff(L, vm, e, cmdOn) },
		"turn_off":       func(L *lua.LState) int { return zigbeeOnOff(L, vm, e, cmdOff) },
		"toggle":         func(L *lua.LState) int { return zigbeeOnOff(L, vm, e, cmdToggle) },
		"set_level":      func(L *lua.LState) int { return zigbeeSetLevel(L, vm, e) },
		"send_command":   func(L *lua.LState) int { return zigbeeSendCommand(L, vm, e) },
		"send_group":     func(L *lua.LState) int { return zigbeeSendGroup(L, vm, e) },
		"read_attribute": func(L *lua.LState) int { return zigbeeReadAttribute(L, vm, e) },
		"permit_join":    func(L *lua.LState) int { return zigbeePermitJoin(L, vm, e) },
		"devices":        func(L *lua.LState) int { return zigbeeDevices(L, e) },
		"after":          func(L *lua.LState) int { return zigbeeAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			msg := L.CheckString(1)
			vm.capture(msg)
			e.logger.Info("script log", "msg", msg)
			return 0
		},
	}
	L.SetGlobal("zigbee", L.SetFuncs(L.NewTable(), fns))
}

// zigbee.on(type, [filter], callback). filter may hold ieee and cluster.
func zigbeeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1), cluster: -1}
	fnArg := 2
	if filter, ok := L.Get(2).(*lua.LTable); ok {
		fnArg = 3
		if v := filter.RawGetString("ieee"); v != lua.LNil {
			eui, err := ncp.ParseEUI64(v.String())
			if err != nil {
				L.ArgError(2, "bad ieee filter: "+err.Error())
				return 0
			}
			h.ieee = eui.String()
		}
		if v, ok := filter.RawGetString("cluster").(lua.LNumber); ok {
			h.cluster = int(v)
		}
	}
	h.fn = L.CheckFunction(fnArg)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// commandContext bounds one network call made from a script.
func (e *Engine) commandContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, e.cfg.CommandTimeout)
}

// resolveTarget reads a device argument: a short address number or an IEEE
// address string of a known device.
func resolveTarget(L *lua.LState, n int, e *Engine) (ncp.NodeID, *store.Device, error) {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		if v < 0 || v > 0xFFFF {
			return 0, nil, fmt.Errorf("short address %v out of range", v)
		}
		dev, _ := e.adapter.Store().FindByNetworkAddress(uint16(v))
		return ncp.NodeID(v), dev, nil
	case lua.LString:
		eui, err := ncp.ParseEUI64(string(v))
		if err != nil {
			return 0, nil, err
		}
		dev, err := e.adapter.Store().GetDevice(eui.String())
		if err != nil {
			return 0, nil, fmt.Errorf("device %s: %w", eui, err)
		}
		return ncp.NodeID(dev.NetworkAddress), dev, nil
	default:
		return 0, nil, errors.New("target must be an ieee address or short address")
	}
}

// pushResult returns true, or false and the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func checkByte(L *lua.LState, n int, what string) uint8 {
	v := L.CheckInt(n)
	if v < 0 || v > 0xFF {
		L.ArgError(n, what+" must be 0-255")
	}
	return uint8(v)
}

func checkUint16(L *lua.LState, n int, what string) uint16 {
	v := L.CheckInt(n)
	if v < 0 || v > 0xFFFF {
		L.ArgError(n, what+" must be 0-65535")
	}
	return uint16(v)
}

// optPayload reads an optional array of byte values.
func optPayload(L *lua.LState, n int) []byte {
	tbl, ok := L.Get(n).(*lua.LTable)
	if !ok {
		return nil
	}
	var payload []byte
	tbl.ForEach(func(_, v lua.LValue) {
		if b, ok := v.(lua.LNumber); ok {
			payload = append(payload, byte(b))
		}
	})
	return payload
}

func (e *Engine) sendCluster(vm *scriptVM, dest ncp.NodeID, endpoint uint8, cluster uint16, cmd uint8, payload []byte) error {
	ctx, cancel := e.commandContext(vm)
	defer cancel()
	_, err := e.adapter.SendZCLToEndpoint(ctx, adapter.ZCLRequest{
		Destination: dest,
		Endpoint:    endpoint,
		ClusterID:   cluster,
		Frame:       zcl.NewCluster(e.adapter.NextTransactionSequence(), cmd, payload),
	})
	return err
}

// zigbee.turn_on/turn_off/toggle(target, [endpoint])
func zigbeeOnOff(L *lua.LState, vm *scriptVM, e *Engine, cmd uint8) int {
	dest, dev, err := resolveTarget(L, 1, e)
	if err != nil {
		return pushResult(L, err)
	}
	ep := findEndpointWithCluster(dev, clusterOnOff)
	if L.GetTop() >= 2 {
		ep = checkByte(L, 2, "endpoint")
	}
	err = e.sendCluster(vm, dest, ep, clusterOnOff, cmd, nil)
	if err != nil {
		e.logger.Warn("on/off command failed", "target", dest, "cmd", cmd, "err", err)
	}
	return pushResult(L, err)
}

// zigbee.set_level(target, level, [transition tenths])
func zigbeeSetLevel(L *lua.LState, vm *scriptVM, e *Engine) int {
	dest, dev, err := resolveTarget(L, 1, e)
	if err != nil {
		return pushResult(L, err)
	}
	level := min(max(L.CheckInt(2), 0), 254)
	transition := uint16(L.OptInt(3, 10))

	payload := []byte{byte(level), byte(transition), byte(transition >> 8)}
	err = e.sendCluster(vm, dest, findEndpointWithCluster(dev, clusterLevelControl), clusterLevelControl, cmdMoveToLevelWithOnOff, payload)
	if err != nil {
		e.logger.Warn("set level failed", "target", dest, "level", level, "err", err)
	}
	return pushResult(L, err)
}

// zigbee.send_command(target, endpoint, cluster, command, [payload])
func zigbeeSendCommand(L *lua.LState, vm *scriptVM, e *Engine) int {
	ep := checkByte(L, 2, "endpoint")
	cluster := checkUint16(L, 3, "cluster")
	cmd := checkByte(L, 4, "command")
	payload := optPayload(L, 5)

	dest, _, err := resolveTarget(L, 1, e)
	if err != nil {
		return pushResult(L, err)
	}
	return pushResult(L, e.sendCluster(vm, dest, ep, cluster, cmd, payload))
}

// zigbee.send_group(group, cluster, command, [payload])
func zigbeeSendGroup(L *lua.LState, vm *scriptVM, e *Engine) int {
	group := checkUint16(L, 1, "group")
	cluster := checkUint16(L, 2, "cluster")
	cmd := checkByte(L, 3, "command")
	payload := optPayload(L, 4)

	ctx, cancel := e.commandContext(vm)
	defer cancel()
	frame := zcl.NewCluster(e.adapter.NextTransactionSequence(), cmd, payload)
	frame.Header.DisableDefaultResponse = true
	return pushResult(L, e.adapter.SendZCLToGroup(ctx, group, cluster, frame, 0))
}

// zigbee.read_attribute(target, endpoint, cluster, attribute) returns the
// value, or nil and an error message.
func zigbeeReadAttribute(L *lua.LState, vm *scriptVM, e *Engine) int {
	ep := checkByte(L, 2, "endpoint")
	cluster := checkUint16(L, 3, "cluster")
	attr := checkUint16(L, 4, "attribute")

	fail := func(err error) int {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	dest, _, err := resolveTarget(L, 1, e)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := e.commandContext(vm)
	defer cancel()
	rsp, err := e.adapter.SendZCLToEndpoint(ctx, adapter.ZCLRequest{
		Destination: dest,
		Endpoint:    ep,
		ClusterID:   cluster,
		Frame:       zcl.NewGlobal(e.adapter.NextTransactionSequence(), zcl.FoundationReadAttributes, zcl.ReadAttributesPayload(attr)),
	})
	if err != nil {
		return fail(err)
	}
	records, err := zcl.ParseReadAttributesResponse(rsp.Payload)
	if err != nil {
		return fail(err)
	}
	for _, rec := range records {
		if rec.AttrID != attr {
			continue
		}
		if rec.Status != zcl.StatusSuccess {
			return fail(fmt.Errorf("attribute 0x%04X: status 0x%02X", attr, rec.Status))
		}
		L.Push(goToLua(L, rec.Value))
		return 1
	}
	return fail(fmt.Errorf("attribute 0x%04X missing from response", attr))
}

// zigbee.permit_join(seconds)
func zigbeePermitJoin(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := checkByte(L, 1, "seconds")
	ctx, cancel := e.commandContext(vm)
	defer cancel()
	return pushResult(L, e.adapter.PermitJoin(ctx, seconds, nil))
}

// zigbee.devices() returns the device table.
func zigbeeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.adapter.Store().ListDevices()
	if err != nil {
		e.logger.Warn("list devices", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("nwk", lua.LNumber(dev.NetworkAddress))
		d.RawSetString("type", lua.LString(dev.LogicalType))
		d.RawSetString("lqi", lua.LNumber(dev.LinkQuality))
		d.RawSetString("rssi", lua.LNumber(dev.RSSI))
		d.RawSetString("last_seen", lua.LNumber(dev.LastSeen.Unix()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// zigbee.after(seconds, callback)
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
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
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// findEndpointWithCluster returns the first endpoint serving clusterID,
// falling back to the first endpoint and then to 1.
func findEndpointWithCluster(dev *store.Device, clusterID uint16) uint8 {
	if dev == nil {
		return 1
	}
	for _, ep := range dev.Endpoints {
		for _, cid := range ep.InClusters {
			if cid == clusterID {
				return ep.ID
			}
		}
	}
	if len(dev.Endpoints) > 0 {
		return dev.Endpoints[0].ID
	}
	return 1
}
