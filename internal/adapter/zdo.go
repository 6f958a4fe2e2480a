package adapter

import (
	"context"
	"fmt"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zdo"
)

// zigbeeRevision is the current Zigbee core stack revision.
const zigbeeRevision = 23

// zdoRequest sends a ZDO request to dest and waits for the matching
// response. It runs inside a queued task; a non-OK send status is returned
// to the queue for retry handling.
func (a *Adapter) zdoRequest(ctx context.Context, dest ncp.NodeID, cluster uint16, payload []byte) (*waitress.ZDOResponse, ncp.Status, error) {
	seq := a.zdoSeq.Next()
	frame := zdo.Frame(cluster)
	w := a.waitress.WaitFor(waitress.ForZDO(dest, zdo.ResponseCluster(cluster), seq), a.cfg.ZDOTimeout)

	st, err := a.transport.SendUnicast(ctx, dest, &frame, seq, zdo.WithSequence(seq, payload))
	if err != nil || st != ncp.StatusOK {
		a.waitress.Remove(w.ID())
		return nil, st, err
	}
	w.Sent(frame)

	rsp, err := w.WaitZDO(ctx)
	if err != nil {
		a.waitress.Remove(w.ID())
		return nil, ncp.StatusOK, fmt.Errorf("zdo 0x%04X to %s: %w", cluster, dest, err)
	}
	return rsp, ncp.StatusOK, nil
}

// zdoBroadcast sends a ZDO request to a broadcast address without waiting.
func (a *Adapter) zdoBroadcast(ctx context.Context, dest ncp.NodeID, cluster uint16, payload []byte) (ncp.Status, error) {
	seq := a.zdoSeq.Next()
	frame := zdo.Frame(cluster)
	frame.Options = ncp.APSOptionNone
	return a.transport.SendBroadcast(ctx, dest, &frame, 0, seq, zdo.WithSequence(seq, payload))
}

// PermitJoin opens the network for joining for seconds (0 closes it).
// A nil target opens the whole network, CoordinatorAddress only the
// coordinator, any other address only that router.
func (a *Adapter) PermitJoin(ctx context.Context, seconds uint8, target *ncp.NodeID) error {
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		if st, err := a.preJoining(ctx, seconds); err != nil || st != ncp.StatusOK {
			return st, err
		}

		if target != nil && *target != ncp.CoordinatorAddress {
			_, st, err := a.zdoRequest(ctx, *target, zdo.PermitJoiningRequest, zdo.PermitJoiningPayload(seconds))
			return st, err
		}

		st, err := a.transport.PermitJoining(ctx, seconds)
		if err != nil || st != ncp.StatusOK || target != nil {
			return st, err
		}
		return a.zdoBroadcast(ctx, ncp.BroadcastRouters, zdo.PermitJoiningRequest, zdo.PermitJoiningPayload(seconds))
	})
	if err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	a.logger.Info("permit join", "seconds", seconds)
	a.bus.Emit(Event{Type: EventPermitJoin, Data: PermitJoinPayload{Seconds: seconds, Target: target}})
	return nil
}

// preJoining installs the well-known key for new joiners, or reverts the
// manufacturer code workaround once joining closes.
func (a *Adapter) preJoining(ctx context.Context, seconds uint8) (ncp.Status, error) {
	if seconds > 0 {
		st, err := a.transport.ImportTransientKey(ctx, ncp.BlankEUI64, ncp.WellKnownLinkKey)
		if err == nil && st != ncp.StatusOK && !st.Retryable() {
			a.logger.Error("import transient key", "status", st)
		}
		return st, err
	}
	return a.revertManufacturerCode(ctx)
}

// Bind creates a binding on the device at dest.
func (a *Adapter) Bind(ctx context.Context, dest ncp.NodeID, source ncp.EUI64, sourceEndpoint uint8, cluster uint16, target zdo.BindDestination) error {
	return a.bindRequest(ctx, zdo.BindRequest, dest, source, sourceEndpoint, cluster, target)
}

// Unbind removes a binding from the device at dest.
func (a *Adapter) Unbind(ctx context.Context, dest ncp.NodeID, source ncp.EUI64, sourceEndpoint uint8, cluster uint16, target zdo.BindDestination) error {
	return a.bindRequest(ctx, zdo.UnbindRequest, dest, source, sourceEndpoint, cluster, target)
}

func (a *Adapter) bindRequest(ctx context.Context, cluster uint16, dest ncp.NodeID, source ncp.EUI64, sourceEndpoint uint8, clusterID uint16, target zdo.BindDestination) error {
	payload := zdo.BindPayload(source, sourceEndpoint, clusterID, target)
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		_, st, err := a.zdoRequest(ctx, dest, cluster, payload)
		return st, err
	})
	if err != nil {
		op := "bind"
		if cluster == zdo.UnbindRequest {
			op = "unbind"
		}
		return fmt.Errorf("%s %s/%d cluster 0x%04X to %s: %w", op, source, sourceEndpoint, clusterID, target, err)
	}
	return nil
}

// LQI reads the full neighbor table of dest.
func (a *Adapter) LQI(ctx context.Context, dest ncp.NodeID) ([]zdo.Neighbor, error) {
	return fetchTable(ctx, a, dest, zdo.LQITableRequest, zdo.ParseLQITable)
}

// RoutingTable reads the full routing table of dest.
func (a *Adapter) RoutingTable(ctx context.Context, dest ncp.NodeID) ([]zdo.Route, error) {
	return fetchTable(ctx, a, dest, zdo.RoutingTableRequest, zdo.ParseRoutingTable)
}

// fetchTable pages through a management table inside a single task.
func fetchTable[T any](ctx context.Context, a *Adapter, dest ncp.NodeID, cluster uint16, parse func([]byte) (zdo.TablePage[T], error)) ([]T, error) {
	entries, err := call(ctx, a, func(ctx context.Context) ([]T, ncp.Status, error) {
		var all []T
		start := 0
		for {
			rsp, st, err := a.zdoRequest(ctx, dest, cluster, zdo.TablePayload(uint8(start)))
			if err != nil || st != ncp.StatusOK {
				return nil, st, err
			}
			page, err := parse(rsp.Payload)
			if err != nil {
				return nil, ncp.StatusOK, err
			}
			all = append(all, page.Entries...)
			start += len(page.Entries)
			if len(page.Entries) == 0 || start >= int(page.Total) || start > 0xFF {
				return all, ncp.StatusOK, nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("table 0x%04X of %s: %w", cluster, dest, err)
	}
	return entries, nil
}

// NodeDescriptor reads the node descriptor of dest.
func (a *Adapter) NodeDescriptor(ctx context.Context, dest ncp.NodeID) (zdo.NodeDescriptor, error) {
	desc, err := call(ctx, a, func(ctx context.Context) (zdo.NodeDescriptor, ncp.Status, error) {
		rsp, st, err := a.zdoRequest(ctx, dest, zdo.NodeDescriptorRequest, zdo.NodeDescriptorPayload(dest))
		if err != nil || st != ncp.StatusOK {
			return zdo.NodeDescriptor{}, st, err
		}
		d, err := zdo.ParseNodeDescriptor(rsp.Payload)
		return d, ncp.StatusOK, err
	})
	if err != nil {
		return zdo.NodeDescriptor{}, fmt.Errorf("node descriptor of %s: %w", dest, err)
	}
	if desc.StackRevision < zigbeeRevision {
		a.logger.Warn("device runs an older zigbee stack revision, some features may not work",
			"short", dest.String(), "revision", desc.StackRevision, "current", zigbeeRevision)
	}
	a.updateDevice(dest, func(dev *store.Device) {
		dev.ManufacturerCode = desc.ManufacturerCode
		dev.LogicalType = desc.LogicalType.String()
	})
	return desc, nil
}

// ActiveEndpoints lists the endpoints of dest.
func (a *Adapter) ActiveEndpoints(ctx context.Context, dest ncp.NodeID) (zdo.ActiveEndpoints, error) {
	eps, err := call(ctx, a, func(ctx context.Context) (zdo.ActiveEndpoints, ncp.Status, error) {
		rsp, st, err := a.zdoRequest(ctx, dest, zdo.ActiveEndpointsRequest, zdo.ActiveEndpointsPayload(dest))
		if err != nil || st != ncp.StatusOK {
			return zdo.ActiveEndpoints{}, st, err
		}
		e, err := zdo.ParseActiveEndpoints(rsp.Payload)
		return e, ncp.StatusOK, err
	})
	if err != nil {
		return zdo.ActiveEndpoints{}, fmt.Errorf("active endpoints of %s: %w", dest, err)
	}
	return eps, nil
}

// SimpleDescriptor reads the descriptor of one endpoint of dest.
func (a *Adapter) SimpleDescriptor(ctx context.Context, dest ncp.NodeID, endpoint uint8) (zdo.SimpleDescriptor, error) {
	sd, err := call(ctx, a, func(ctx context.Context) (zdo.SimpleDescriptor, ncp.Status, error) {
		rsp, st, err := a.zdoRequest(ctx, dest, zdo.SimpleDescriptorRequest, zdo.SimpleDescriptorPayload(dest, endpoint))
		if err != nil || st != ncp.StatusOK {
			return zdo.SimpleDescriptor{}, st, err
		}
		d, err := zdo.ParseSimpleDescriptor(rsp.Payload)
		return d, ncp.StatusOK, err
	})
	if err != nil {
		return zdo.SimpleDescriptor{}, fmt.Errorf("simple descriptor of %s/%d: %w", dest, endpoint, err)
	}
	a.updateDevice(dest, func(dev *store.Device) {
		dev.SetEndpoint(store.Endpoint{
			ID:          sd.Endpoint,
			ProfileID:   sd.ProfileID,
			DeviceID:    sd.DeviceID,
			InClusters:  sd.InClusters,
			OutClusters: sd.OutClusters,
		})
	})
	return sd, nil
}

// RemoveDevice asks the device to leave the network without rejoining.
func (a *Adapter) RemoveDevice(ctx context.Context, dest ncp.NodeID, eui64 ncp.EUI64) error {
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		_, st, err := a.zdoRequest(ctx, dest, zdo.LeaveRequest, zdo.LeavePayload(eui64, false, false))
		return st, err
	})
	if err != nil {
		return fmt.Errorf("remove device %s: %w", eui64, err)
	}
	return nil
}

// updateDevice applies fn to the stored device using dest, if known.
func (a *Adapter) updateDevice(dest ncp.NodeID, fn func(dev *store.Device)) {
	if a.store == nil {
		return
	}
	dev, err := a.store.FindByNetworkAddress(uint16(dest))
	if err != nil {
		return
	}
	err = a.store.UpdateDevice(dev.IEEEAddress, func(d *store.Device) error {
		fn(d)
		return nil
	})
	if err != nil {
		a.logger.Error("update device", "err", err, "ieee", dev.IEEEAddress)
	}
}
