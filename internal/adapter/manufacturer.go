package adapter

import (
	"context"
	"fmt"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/queue"
)

// Manufacturer codes.
const (
	ManufacturerSiliconLabs uint16 = 0x1049
	ManufacturerLumi        uint16 = 0x115F
)

// joinManufacturerByPrefix maps the first three bytes of an IEEE address to
// the manufacturer code the coordinator must report while that device
// interviews. Lumi devices lose features otherwise.
var joinManufacturerByPrefix = map[[3]byte]uint16{
	{0x54, 0xEF, 0x44}: ManufacturerLumi,
}

// JoinManufacturerCode returns the code to report while eui64 joins.
func (a *Adapter) JoinManufacturerCode(eui64 ncp.EUI64) uint16 {
	if code, ok := joinManufacturerByPrefix[[3]byte(eui64[:3])]; ok {
		return code
	}
	return a.cfg.DefaultManufacturerCode
}

// ManufacturerCodeSwitchable reports whether the NCP accepted a manufacturer
// code at start. When it did not, joins never switch codes.
func (a *Adapter) ManufacturerCodeSwitchable() bool {
	return !a.manufCodeFixed.Load()
}

// ManufacturerCode returns the code the coordinator currently reports.
func (a *Adapter) ManufacturerCode() uint16 {
	return uint16(a.manufCode.Load())
}

// joinWithManufacturerCode switches the reported code ahead of any other
// queued request, then announces the join. It is called from the dispatch
// goroutine and does not block.
func (a *Adapter) joinWithManufacturerCode(payload DeviceJoinedPayload, code uint16) {
	if !a.ManufacturerCodeSwitchable() {
		a.deviceJoined(payload)
		return
	}
	a.queue.Enqueue(&queue.Task{
		Priority: true,
		Execute: func(ctx context.Context) (ncp.Status, error) {
			a.logger.Debug("setting coordinator manufacturer code", "code", fmt.Sprintf("0x%04X", code), "ieee", payload.IEEEAddress.String())
			st, err := a.transport.SetManufacturerCode(ctx, code)
			if err != nil || st != ncp.StatusOK {
				return st, err
			}
			a.manufCode.Store(uint32(code))
			a.deviceJoined(payload)
			return ncp.StatusOK, nil
		},
		Reject: func(err error) {
			a.logger.Error("set manufacturer code for joining device", "err", err, "ieee", payload.IEEEAddress.String())
			a.deviceJoined(payload)
		},
	})
}

// revertManufacturerCode restores the default code. It runs inside a task.
func (a *Adapter) revertManufacturerCode(ctx context.Context) (ncp.Status, error) {
	def := a.cfg.DefaultManufacturerCode
	if a.ManufacturerCode() == def || !a.ManufacturerCodeSwitchable() {
		return ncp.StatusOK, nil
	}
	a.logger.Debug("reverting coordinator manufacturer code to default")
	st, err := a.transport.SetManufacturerCode(ctx, def)
	if err != nil || st != ncp.StatusOK {
		return st, err
	}
	a.manufCode.Store(uint32(def))
	return ncp.StatusOK, nil
}
