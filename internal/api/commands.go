package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/backup"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zcl"
	"zigbee-ncp-host/internal/zdo"
)

type deviceParams struct {
	ID string `json:"id"`
}

func (s *Service) lookup(id string) (*store.Device, ncp.NodeID, ncp.EUI64, error) {
	if id == "" {
		return nil, 0, ncp.EUI64{}, badRequest("id is required")
	}
	dev, err := s.adapter.LookupDevice(id)
	if err != nil {
		return nil, 0, ncp.EUI64{}, err
	}
	nwk, eui, err := adapter.DeviceAddress(dev)
	if err != nil {
		return nil, 0, ncp.EUI64{}, err
	}
	return dev, nwk, eui, nil
}

func (s *Service) lookupParams(params json.RawMessage) (*store.Device, ncp.NodeID, ncp.EUI64, error) {
	var p deviceParams
	if err := decode(params, &p); err != nil {
		return nil, 0, ncp.EUI64{}, err
	}
	return s.lookup(p.ID)
}

func (s *Service) coordinator(ctx context.Context, _ json.RawMessage) (any, error) {
	eui, err := s.adapter.GetCoordinatorIEEE(ctx)
	if err != nil {
		return nil, err
	}
	params, err := s.adapter.GetNetworkParameters(ctx)
	if err != nil {
		return nil, err
	}
	status, err := s.adapter.NetworkStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &CoordinatorInfo{
		Version:          s.version,
		IEEEAddress:      eui,
		Stack:            s.adapter.Info(),
		State:            status.String(),
		Network:          params,
		ManufacturerCode: s.adapter.ManufacturerCode(),
		Groups:           s.adapter.MulticastGroups(),
	}, nil
}

func (s *Service) deviceTable() (store.Store, error) {
	if st := s.adapter.Store(); st != nil {
		return st, nil
	}
	return nil, adapter.ErrNoDeviceTable
}

func (s *Service) devices(context.Context, json.RawMessage) (any, error) {
	st, err := s.deviceTable()
	if err != nil {
		return nil, err
	}
	devs, err := st.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if devs == nil {
		devs = []*store.Device{}
	}
	return devs, nil
}

func (s *Service) device(_ context.Context, params json.RawMessage) (any, error) {
	dev, _, _, err := s.lookupParams(params)
	return dev, err
}

func (s *Service) permitJoin(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Time   Num    `json:"time"`
		Target string `json:"target"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	seconds, err := p.Time.uint8("time", 254)
	if err != nil {
		return nil, err
	}
	var target *ncp.NodeID
	switch p.Target {
	case "":
	case "coordinator":
		coord := ncp.CoordinatorAddress
		target = &coord
	default:
		_, nwk, _, err := s.lookup(p.Target)
		if err != nil {
			return nil, err
		}
		target = &nwk
	}
	if err := s.adapter.PermitJoin(ctx, seconds, target); err != nil {
		return nil, err
	}
	return map[string]any{"time": seconds, "target": p.Target}, nil
}

func (s *Service) backup(ctx context.Context, _ json.RawMessage) (any, error) {
	bk, err := s.adapter.Backup(ctx)
	if err != nil {
		return nil, err
	}
	return &BackupSummary{
		ID:          bk.ID.String(),
		CreatedAt:   bk.CreatedAt,
		PanID:       bk.PanID,
		Channel:     bk.Channel,
		DeviceCount: len(bk.Devices),
	}, nil
}

func (s *Service) backups(context.Context, json.RawMessage) (any, error) {
	st, err := s.deviceTable()
	if err != nil {
		return nil, err
	}
	recs, err := st.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]BackupSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, BackupSummary{
			ID:          r.ID,
			CreatedAt:   r.CreatedAt,
			PanID:       r.PanID,
			Channel:     r.Channel,
			DeviceCount: r.DeviceCount,
		})
	}
	return out, nil
}

func (s *Service) channel(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Channel Num `json:"channel"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.Channel.required("channel"); err != nil {
		return nil, err
	}
	ch, err := p.Channel.uint8("channel", 0)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.ChangeChannel(ctx, ch); err != nil {
		return nil, err
	}
	return map[string]any{"channel": ch}, nil
}

func (s *Service) txPower(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Power Num `json:"power"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.Power.required("power"); err != nil {
		return nil, err
	}
	dbm, err := p.Power.int8("power", 0)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.SetTransmitPower(ctx, dbm); err != nil {
		return nil, err
	}
	return map[string]any{"power": dbm}, nil
}

func (s *Service) installCode(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		IEEE string `json:"ieee"`
		Code string `json:"code"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	eui, err := ncp.ParseEUI64(p.IEEE)
	if err != nil {
		return nil, badRequest("ieee: %v", err)
	}
	code, err := parseHex(p.Code)
	if err != nil {
		return nil, badRequest("code: %v", err)
	}
	if err := s.adapter.AddInstallCode(ctx, eui, code); err != nil {
		return nil, err
	}
	return map[string]any{"ieee": eui}, nil
}

func (s *Service) linkKeys(ctx context.Context, _ json.RawMessage) (any, error) {
	keys, err := s.adapter.ExportLinkKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]LinkKeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, LinkKeyInfo{
			IEEEAddress:          k.EUI64,
			OutgoingFrameCounter: k.OutgoingFrameCounter,
			IncomingFrameCounter: k.IncomingFrameCounter,
		})
	}
	return out, nil
}

// restoreLinkKeys imports the device keys of a backup from history.
func (s *Service) restoreLinkKeys(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, badRequest("id is required")
	}
	st, err := s.deviceTable()
	if err != nil {
		return nil, err
	}
	rec, err := st.GetBackup(p.ID)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", p.ID, err)
	}
	bk, err := backup.Unmarshal(rec.Document)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", p.ID, err)
	}
	keys := bk.LinkKeys()
	if err := s.adapter.ImportLinkKeys(ctx, keys); err != nil {
		return nil, err
	}
	return map[string]any{"id": p.ID, "keys": len(keys)}, nil
}

func (s *Service) removeDevice(ctx context.Context, params json.RawMessage) (any, error) {
	dev, nwk, eui, err := s.lookupParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.RemoveDevice(ctx, nwk, eui); err != nil {
		return nil, err
	}
	return map[string]any{"id": dev.IEEEAddress}, nil
}

func (s *Service) interview(ctx context.Context, params json.RawMessage) (any, error) {
	_, nwk, _, err := s.lookupParams(params)
	if err != nil {
		return nil, err
	}
	return s.adapter.Interview(ctx, nwk)
}

type bindParams struct {
	ID             string `json:"id"`
	Endpoint       Num    `json:"endpoint"`
	Cluster        Num    `json:"cluster"`
	Target         string `json:"target"`
	TargetEndpoint Num    `json:"target_endpoint"`
	Group          Num    `json:"group"`
}

func (s *Service) bind(ctx context.Context, params json.RawMessage) (any, error) {
	return s.binding(ctx, params, s.adapter.Bind)
}

func (s *Service) unbind(ctx context.Context, params json.RawMessage) (any, error) {
	return s.binding(ctx, params, s.adapter.Unbind)
}

type bindFunc func(ctx context.Context, dest ncp.NodeID, source ncp.EUI64, sourceEndpoint uint8, cluster uint16, target zdo.BindDestination) error

func (s *Service) binding(ctx context.Context, params json.RawMessage, fn bindFunc) (any, error) {
	var p bindParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	_, nwk, eui, err := s.lookup(p.ID)
	if err != nil {
		return nil, err
	}
	if err := p.Cluster.required("cluster"); err != nil {
		return nil, err
	}
	cluster, err := p.Cluster.uint16("cluster", 0)
	if err != nil {
		return nil, err
	}
	ep, err := p.Endpoint.uint8("endpoint", 1)
	if err != nil {
		return nil, err
	}

	var dest zdo.BindDestination
	switch {
	case p.Group.Set:
		group, err := p.Group.uint16("group", 0)
		if err != nil {
			return nil, err
		}
		dest = zdo.GroupDestination(group)
	case p.Target == "" || p.Target == "coordinator":
		coord, err := s.adapter.GetCoordinatorIEEE(ctx)
		if err != nil {
			return nil, err
		}
		targetEp, err := p.TargetEndpoint.uint8("target_endpoint", adapter.DefaultEndpoint)
		if err != nil {
			return nil, err
		}
		dest = zdo.EndpointDestination(coord, targetEp)
	default:
		_, _, targetEUI, err := s.lookup(p.Target)
		if err != nil {
			return nil, err
		}
		targetEp, err := p.TargetEndpoint.uint8("target_endpoint", 1)
		if err != nil {
			return nil, err
		}
		dest = zdo.EndpointDestination(targetEUI, targetEp)
	}

	if err := fn(ctx, nwk, eui, ep, cluster, dest); err != nil {
		return nil, err
	}
	return map[string]any{"id": eui, "endpoint": ep, "cluster": cluster, "target": dest.String()}, nil
}

func (s *Service) lqi(ctx context.Context, params json.RawMessage) (any, error) {
	_, nwk, _, err := s.lookupParams(params)
	if err != nil {
		return nil, err
	}
	table, err := s.adapter.LQI(ctx, nwk)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(table))
	for _, n := range table {
		out = append(out, Neighbor{
			IEEEAddress:    n.EUI64,
			NetworkAddress: n.NodeID.String(),
			DeviceType:     n.DeviceType,
			Relationship:   n.Relationship,
			Depth:          n.Depth,
			LinkQuality:    n.LinkQuality,
		})
	}
	return out, nil
}

func (s *Service) routes(ctx context.Context, params json.RawMessage) (any, error) {
	_, nwk, _, err := s.lookupParams(params)
	if err != nil {
		return nil, err
	}
	table, err := s.adapter.RoutingTable(ctx, nwk)
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(table))
	for _, r := range table {
		out = append(out, Route{
			Destination: r.Destination.String(),
			NextHop:     r.NextHop.String(),
			Status:      r.Status,
			ManyToOne:   r.ManyToOne,
		})
	}
	return out, nil
}

type zclParams struct {
	ID                     string `json:"id"`
	Group                  Num    `json:"group"`
	Destination            Num    `json:"destination"`
	Endpoint               Num    `json:"endpoint"`
	SourceEndpoint         Num    `json:"source_endpoint"`
	Cluster                Num    `json:"cluster"`
	Command                Num    `json:"command"`
	Global                 bool   `json:"global"`
	Payload                string `json:"payload"`
	ManufacturerCode       Num    `json:"manufacturer_code"`
	DisableDefaultResponse bool   `json:"disable_default_response"`
	Response               Num    `json:"response"`
	NoResponse             bool   `json:"no_response"`
	TimeoutMS              Num    `json:"timeout_ms"`
}

func (s *Service) frame(p *zclParams) (*zcl.Frame, uint16, uint8, error) {
	if err := p.Cluster.required("cluster"); err != nil {
		return nil, 0, 0, err
	}
	if err := p.Command.required("command"); err != nil {
		return nil, 0, 0, err
	}
	cluster, err := p.Cluster.uint16("cluster", 0)
	if err != nil {
		return nil, 0, 0, err
	}
	cmd, err := p.Command.uint8("command", 0)
	if err != nil {
		return nil, 0, 0, err
	}
	srcEp, err := p.SourceEndpoint.uint8("source_endpoint", 0)
	if err != nil {
		return nil, 0, 0, err
	}
	payload, err := parseHex(p.Payload)
	if err != nil {
		return nil, 0, 0, badRequest("payload: %v", err)
	}

	tsn := s.adapter.NextTransactionSequence()
	f := zcl.NewCluster(tsn, cmd, payload)
	if p.Global {
		f = zcl.NewGlobal(tsn, cmd, payload)
	}
	f.Header.DisableDefaultResponse = p.DisableDefaultResponse
	if p.ManufacturerCode.Set {
		code, err := p.ManufacturerCode.uint16("manufacturer_code", 0)
		if err != nil {
			return nil, 0, 0, err
		}
		f.Header.ManufacturerSpecific = true
		f.Header.ManufacturerCode = code
	}
	return f, cluster, srcEp, nil
}

func (s *Service) deviceZCL(ctx context.Context, params json.RawMessage) (any, error) {
	var p zclParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	_, nwk, _, err := s.lookup(p.ID)
	if err != nil {
		return nil, err
	}
	f, cluster, srcEp, err := s.frame(&p)
	if err != nil {
		return nil, err
	}
	ep, err := p.Endpoint.uint8("endpoint", 1)
	if err != nil {
		return nil, err
	}
	req := adapter.ZCLRequest{
		Destination:     nwk,
		Endpoint:        ep,
		ClusterID:       cluster,
		Frame:           f,
		SourceEndpoint:  srcEp,
		DisableResponse: p.NoResponse,
	}
	if p.Response.Set {
		rspCmd, err := p.Response.uint8("response", 0)
		if err != nil {
			return nil, err
		}
		req.Response = &rspCmd
	}
	if p.TimeoutMS.Set {
		req.Timeout = time.Duration(p.TimeoutMS.Value) * time.Millisecond
	}

	rsp, err := s.adapter.SendZCLToEndpoint(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &ZCLResult{TSN: f.Header.TransactionSequence}
	if rsp != nil {
		result.Response = DecodeZCL(rsp.Sender, rsp.Frame.SourceEndpoint, rsp.Frame.ClusterID, rsp.Header, rsp.Payload, rsp.LinkQuality, rsp.RSSI)
	}
	return result, nil
}

func (s *Service) groupZCL(ctx context.Context, params json.RawMessage) (any, error) {
	var p zclParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.Group.required("group"); err != nil {
		return nil, err
	}
	group, err := p.Group.uint16("group", 0)
	if err != nil {
		return nil, err
	}
	f, cluster, srcEp, err := s.frame(&p)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.SendZCLToGroup(ctx, group, cluster, f, srcEp); err != nil {
		return nil, err
	}
	return &ZCLResult{TSN: f.Header.TransactionSequence}, nil
}

func (s *Service) broadcastZCL(ctx context.Context, params json.RawMessage) (any, error) {
	var p zclParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	dest, err := p.Destination.uint16("destination", uint16(ncp.BroadcastRxOnWhenIdle))
	if err != nil {
		return nil, err
	}
	if !ncp.NodeID(dest).IsBroadcast() {
		return nil, badRequest("destination 0x%04X is not a broadcast address", dest)
	}
	ep, err := p.Endpoint.uint8("endpoint", 0xFF)
	if err != nil {
		return nil, err
	}
	f, cluster, srcEp, err := s.frame(&p)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.SendZCLToAll(ctx, ncp.NodeID(dest), ep, cluster, f, srcEp); err != nil {
		return nil, err
	}
	return &ZCLResult{TSN: f.Header.TransactionSequence}, nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
