package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/queue"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zcl"
	"zigbee-ncp-host/internal/zdo"
)

// multicastEndpoint is the APS destination endpoint of group messages.
const multicastEndpoint uint8 = 0xFF

func (a *Adapter) startDispatch() {
	a.stopDispatch = make(chan struct{})
	a.dispatchDone = make(chan struct{})
	go a.runDispatch(a.transport.Events(), a.stopDispatch, a.dispatchDone)
}

func (a *Adapter) haltDispatch() {
	if a.stopDispatch == nil {
		return
	}
	close(a.stopDispatch)
	<-a.dispatchDone
	a.stopDispatch, a.dispatchDone = nil, nil
}

func (a *Adapter) runDispatch(events <-chan ncp.Event, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				a.logger.Warn("ncp event stream closed")
				return
			}
			a.dispatch(ev)
		}
	}
}

// dispatch routes one NCP event. It never calls the transport.
func (a *Adapter) dispatch(ev ncp.Event) {
	switch ev := ev.(type) {
	case ncp.StackStatusEvent:
		a.onStackStatus(ev)
	case ncp.MessageSentEvent:
		a.onMessageSent(ev)
	case ncp.IncomingMessageEvent:
		a.onIncomingMessage(ev)
	case ncp.ZDOResponseEvent:
		a.onZDOMessage(ev)
	case ncp.TrustCenterJoinEvent:
		a.onTrustCenterJoin(ev)
	case ncp.DeviceLeftEvent:
		a.deviceLeave(ev.NodeID, ev.EUI64)
	case ncp.FatalErrorEvent:
		a.onFatalError(ev)
	default:
		a.logger.Warn("unhandled ncp event", "type", fmt.Sprintf("%T", ev))
	}
}

func (a *Adapter) onStackStatus(ev ncp.StackStatusEvent) {
	a.cache.InvalidateAll()
	name, ok := waitress.EventForStatus(ev.Status)
	if !ok {
		a.logger.Debug("stack status", "status", ev.Status)
		return
	}
	n := a.waitress.ResolveEvent(name)
	a.logger.Debug("stack status", "status", ev.Status, "waiters", n)
	if a.running.Load() {
		a.bus.Emit(Event{Type: EventNetworkState, Data: NetworkStatePayload{State: string(name)}})
	}
}

func (a *Adapter) onMessageSent(ev ncp.MessageSentEvent) {
	switch ev.Status {
	case ncp.StatusOK:
		if ev.Type == ncp.OutgoingMulticast && ev.Frame.DestinationEndpoint == multicastEndpoint &&
			!ncp.NodeID(ev.Frame.GroupID).IsBroadcast() {
			a.registerGroup(ev.Frame.GroupID)
		}
	case ncp.StatusDeliveryFailed:
		if ev.Type != ncp.OutgoingDirect {
			a.logger.Error("delivery failed", "type", ev.Type, "destination", ev.Destination.String(),
				"cluster", fmt.Sprintf("0x%04X", ev.Frame.ClusterID), "tag", ev.Tag)
			return
		}
		if a.waitress.DeliveryFailedFor(ev.Destination, ev.Frame) {
			a.logger.Debug("delivery failed, waiter rejected", "destination", ev.Destination.String(), "sequence", ev.Frame.Sequence)
		}
	default:
		a.logger.Debug("message sent", "status", ev.Status, "destination", ev.Destination.String())
	}
}

// registerGroup adds a group the coordinator sent a multicast to, so the
// coordinator also hears devices reporting state to that group.
func (a *Adapter) registerGroup(group uint16) {
	idx := a.reserveMulticast(group)
	if idx < 0 {
		return
	}
	entry := ncp.MulticastTableEntry{GroupID: group, Endpoint: a.cfg.Endpoint}
	a.queue.Enqueue(&queue.Task{
		Priority: true,
		Execute: func(ctx context.Context) (ncp.Status, error) {
			st, err := a.transport.SetMulticastTableEntry(ctx, idx, entry)
			if err == nil && st == ncp.StatusOK {
				a.logger.Debug("registered multicast table entry", "index", idx, "group", fmt.Sprintf("0x%04X", group))
			}
			return st, err
		},
		Reject: func(err error) {
			a.logger.Error("register group in multicast table", "group", fmt.Sprintf("0x%04X", group), "err", err)
			a.releaseMulticast(group)
		},
	})
}

// reserveMulticast claims the next multicast table index for group, or
// returns -1 when the group is already registered.
func (a *Adapter) reserveMulticast(group uint16) int {
	a.multicastMu.Lock()
	defer a.multicastMu.Unlock()
	for _, g := range a.multicast {
		if g == group {
			return -1
		}
	}
	a.multicast = append(a.multicast, group)
	return len(a.multicast) - 1
}

func (a *Adapter) releaseMulticast(group uint16) {
	a.multicastMu.Lock()
	defer a.multicastMu.Unlock()
	for i, g := range a.multicast {
		if g == group {
			a.multicast = append(a.multicast[:i], a.multicast[i+1:]...)
			return
		}
	}
}

// MulticastGroups returns the groups registered on the coordinator endpoint.
func (a *Adapter) MulticastGroups() []uint16 {
	a.multicastMu.Lock()
	defer a.multicastMu.Unlock()
	return append([]uint16(nil), a.multicast...)
}

func (a *Adapter) onIncomingMessage(ev ncp.IncomingMessageEvent) {
	hdr, err := zcl.DecodeHeader(ev.Payload)
	if err != nil {
		a.logger.Debug("dropping malformed zcl frame", "sender", ev.Sender.String(),
			"cluster", fmt.Sprintf("0x%04X", ev.Frame.ClusterID), "err", err)
		return
	}

	a.waitress.ResolveZCL(&waitress.ZCLPayload{
		Sender:      ev.Sender,
		Frame:       ev.Frame,
		Header:      hdr,
		Payload:     ev.Payload[hdr.HeaderLen():],
		LinkQuality: ev.LinkQuality,
		RSSI:        ev.RSSI,
	})

	a.bus.Emit(Event{Type: EventZCLPayload, Data: ZCLPayload{
		Address:             ev.Sender,
		Endpoint:            ev.Frame.SourceEndpoint,
		DestinationEndpoint: ev.Frame.DestinationEndpoint,
		ClusterID:           ev.Frame.ClusterID,
		GroupID:             ev.Frame.GroupID,
		WasBroadcast:        ev.Type == ncp.IncomingBroadcast,
		Header:              hdr,
		Data:                ev.Payload,
		LinkQuality:         ev.LinkQuality,
		RSSI:                ev.RSSI,
	}})

	a.touchDevice(ev.Sender, ev.LinkQuality, ev.RSSI)
}

func (a *Adapter) onZDOMessage(ev ncp.ZDOResponseEvent) {
	cluster := ev.Frame.ClusterID
	seq, status, body, err := zdo.SplitResponse(cluster, ev.Payload)
	if err != nil {
		a.logger.Debug("dropping malformed zdo frame", "sender", ev.Sender.String(), "cluster", fmt.Sprintf("0x%04X", cluster), "err", err)
		return
	}

	switch {
	case cluster == zdo.DeviceAnnounce:
		ann, err := zdo.ParseAnnounce(body)
		if err != nil {
			a.logger.Debug("bad device announce", "sender", ev.Sender.String(), "err", err)
			return
		}
		a.deviceAnnounce(ann)
	case zdo.IsResponse(cluster):
		a.waitress.ResolveZDO(&waitress.ZDOResponse{
			Status:   status,
			Sender:   ev.Sender,
			Frame:    ev.Frame,
			Sequence: seq,
			Payload:  body,
		})
		if status == zdo.StatusSuccess && (cluster == zdo.NetworkAddressResponse || cluster == zdo.IEEEAddressResponse) {
			if rsp, err := zdo.ParseAddressResponse(body); err == nil {
				a.updateNetworkAddress(rsp.NodeID, rsp.EUI64)
				a.bus.Emit(Event{Type: EventNetworkAddress, Data: NetworkAddressPayload{NetworkAddress: rsp.NodeID, IEEEAddress: rsp.EUI64}})
			}
		}
	default:
		a.logger.Debug("ignoring zdo request", "sender", ev.Sender.String(), "cluster", fmt.Sprintf("0x%04X", cluster))
	}
}

func (a *Adapter) onTrustCenterJoin(ev ncp.TrustCenterJoinEvent) {
	if ev.Status == ncp.DeviceLeft {
		a.deviceLeave(ev.NodeID, ev.EUI64)
		return
	}
	if ev.Decision == ncp.JoinDenied {
		a.logger.Warn("device was denied joining", "ieee", ev.EUI64.String(),
			"short", ev.NodeID.String(), "parent", ev.Parent.String())
		return
	}

	payload := DeviceJoinedPayload{NetworkAddress: ev.NodeID, IEEEAddress: ev.EUI64}
	if code := a.JoinManufacturerCode(ev.EUI64); code != a.ManufacturerCode() && a.ManufacturerCodeSwitchable() {
		a.joinWithManufacturerCode(payload, code)
		return
	}
	a.deviceJoined(payload)
}

func (a *Adapter) onFatalError(ev ncp.FatalErrorEvent) {
	a.logger.Error("ncp fatal error, resetting", "reason", ev.Reason)
	if !a.restarting.CompareAndSwap(false, true) {
		return
	}
	// Start needs this goroutine running to see the network come up.
	go a.restart(ev.Reason)
}

func (a *Adapter) restart(reason string) {
	defer a.restarting.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.NetworkTimeout+a.cfg.FatalRestartDelay+time.Minute)
	defer cancel()

	if err := a.stop(ctx, false); err != nil {
		a.logger.Error("stop after fatal error", "err", err)
	}
	time.Sleep(a.cfg.FatalRestartDelay)
	if _, err := a.Start(ctx); err != nil {
		a.logger.Error("failed to reset and restart the ncp", "err", err)
		a.bus.Emit(Event{Type: EventDisconnected, Data: DisconnectedPayload{Reason: fmt.Sprintf("%s: %v", reason, err)}})
	}
}

func (a *Adapter) deviceJoined(p DeviceJoinedPayload) {
	ieee := p.IEEEAddress.String()
	a.logger.Info("device joined", "ieee", ieee, "short", p.NetworkAddress.String())
	if a.store != nil {
		now := time.Now()
		dev, err := a.store.GetDevice(ieee)
		if err != nil {
			dev = &store.Device{IEEEAddress: ieee, JoinedAt: now}
		}
		dev.NetworkAddress = uint16(p.NetworkAddress)
		dev.LastSeen = now
		if err := a.store.SaveDevice(dev); err != nil {
			a.logger.Error("save device", "err", err, "ieee", ieee)
		}
	}
	a.bus.Emit(Event{Type: EventDeviceJoined, Data: p})
}

func (a *Adapter) deviceLeave(nodeID ncp.NodeID, eui64 ncp.EUI64) {
	ieee := eui64.String()
	a.logger.Info("device left", "ieee", ieee, "short", nodeID.String())
	if a.store != nil {
		if err := a.store.DeleteDevice(ieee); err != nil && !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("delete device on leave", "err", err, "ieee", ieee)
		}
	}
	a.bus.Emit(Event{Type: EventDeviceLeave, Data: DeviceLeavePayload{NetworkAddress: nodeID, IEEEAddress: eui64}})
}

func (a *Adapter) deviceAnnounce(ann zdo.Announce) {
	a.logger.Debug("device announce", "ieee", ann.EUI64.String(), "short", ann.NodeID.String())
	a.updateNetworkAddress(ann.NodeID, ann.EUI64)
	a.bus.Emit(Event{Type: EventDeviceAnnounce, Data: DeviceAnnouncePayload{
		NetworkAddress: ann.NodeID,
		IEEEAddress:    ann.EUI64,
		Capabilities:   ann.Capabilities,
	}})
}

// updateNetworkAddress records a known device's current short address.
func (a *Adapter) updateNetworkAddress(nodeID ncp.NodeID, eui64 ncp.EUI64) {
	if a.store == nil {
		return
	}
	err := a.store.UpdateDevice(eui64.String(), func(dev *store.Device) error {
		dev.NetworkAddress = uint16(nodeID)
		dev.LastSeen = time.Now()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.logger.Error("update device address", "err", err, "ieee", eui64.String())
	}
}

// touchDevice refreshes link statistics of the device using sender.
func (a *Adapter) touchDevice(sender ncp.NodeID, lqi uint8, rssi int8) {
	if a.store == nil {
		return
	}
	dev, err := a.store.FindByNetworkAddress(uint16(sender))
	if err != nil {
		return
	}
	err = a.store.UpdateDevice(dev.IEEEAddress, func(d *store.Device) error {
		d.LastSeen = time.Now()
		d.LinkQuality = lqi
		d.RSSI = rssi
		return nil
	})
	if err != nil {
		a.logger.Debug("update device link stats", "err", err, "ieee", dev.IEEEAddress)
	}
}
