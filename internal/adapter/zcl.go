package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zcl"
)

// ZCLRequest is a unicast ZCL command.
type ZCLRequest struct {
	Destination ncp.NodeID
	Endpoint    uint8
	ClusterID   uint16
	Frame       *zcl.Frame

	// SourceEndpoint defaults to the coordinator endpoint, ProfileID to Home Automation.
	SourceEndpoint uint8
	ProfileID      uint16
	// Response is the command id answering a cluster-specific command.
	// Foundation commands use their standard response.
	Response *uint8
	// DisableResponse does not wait for the command's own response; the
	// default response is still awaited unless the frame disables it.
	DisableResponse bool
	// DisableRecovery sends once, without a second attempt on a fresh
	// transaction sequence after a timeout or delivery failure.
	DisableRecovery bool
	// Timeout overrides the ZCL timeout.
	Timeout time.Duration
}

// expectedResponse returns the command id the request waits for.
func (r *ZCLRequest) expectedResponse() (uint8, bool) {
	if !r.DisableResponse {
		if r.Response != nil {
			return *r.Response, true
		}
		if cmd, ok := r.Frame.ExpectedResponse(); ok {
			return cmd, true
		}
	}
	if !r.Frame.Header.DisableDefaultResponse {
		return zcl.FoundationDefaultResponse, true
	}
	return 0, false
}

func (a *Adapter) apsFrame(cluster uint16, sourceEndpoint, destEndpoint uint8, profile uint16) ncp.APSFrame {
	if sourceEndpoint == 0 {
		sourceEndpoint = a.cfg.Endpoint
	}
	if profile == 0 {
		profile = ncp.ProfileHA
	}
	return ncp.APSFrame{
		ProfileID:           profile,
		ClusterID:           cluster,
		SourceEndpoint:      sourceEndpoint,
		DestinationEndpoint: destEndpoint,
		Options:             ncp.DefaultAPSOptions,
	}
}

// SendZCLToEndpoint sends a ZCL command to one endpoint of a device and
// returns the response, or nil when none is expected. After a timeout or a
// delivery failure the command is sent once more with a new transaction
// sequence, unless DisableRecovery is set.
func (a *Adapter) SendZCLToEndpoint(ctx context.Context, req ZCLRequest) (*waitress.ZCLPayload, error) {
	if req.Frame == nil {
		return nil, errors.New("send zcl: nil frame")
	}
	attempts := 2
	if req.DisableRecovery {
		attempts = 1
	}

	frame := *req.Frame
	var err error
	for attempt := 1; ; attempt++ {
		var rsp *waitress.ZCLPayload
		rsp, err = a.sendZCLOnce(ctx, req, &frame)
		if err == nil {
			return rsp, nil
		}
		if attempt >= attempts || !(errors.Is(err, waitress.ErrTimeout) || errors.Is(err, waitress.ErrDeliveryFailed)) {
			break
		}
		frame.Header.TransactionSequence = a.zclSeq.Next()
		a.logger.Debug("zcl request failed, retrying with new transaction sequence",
			"destination", req.Destination.String(), "cluster", fmt.Sprintf("0x%04X", req.ClusterID),
			"tsn", frame.Header.TransactionSequence, "err", err)
	}
	return nil, fmt.Errorf("send zcl to %s/%d cluster 0x%04X: %w", req.Destination, req.Endpoint, req.ClusterID, err)
}

func (a *Adapter) sendZCLOnce(ctx context.Context, req ZCLRequest, frame *zcl.Frame) (*waitress.ZCLPayload, error) {
	aps := a.apsFrame(req.ClusterID, req.SourceEndpoint, req.Endpoint, req.ProfileID)
	respCmd, expect := req.expectedResponse()
	if !expect {
		aps.Options &^= ncp.APSOptionRetry
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.cfg.ZCLTimeout
	}
	data := frame.Encode()
	tsn := frame.Header.TransactionSequence

	return call(ctx, a, func(ctx context.Context) (*waitress.ZCLPayload, ncp.Status, error) {
		var w *waitress.Waiter
		if expect {
			w = a.waitress.WaitFor(waitress.ForZCL(req.Destination, req.ClusterID, tsn, respCmd), timeout)
		}
		sent := aps
		st, err := a.transport.SendUnicast(ctx, req.Destination, &sent, tsn, data)
		if err != nil || st != ncp.StatusOK {
			if w != nil {
				a.waitress.Remove(w.ID())
			}
			return nil, st, err
		}
		if w == nil {
			return nil, ncp.StatusOK, nil
		}
		w.Sent(sent)
		rsp, err := w.WaitZCL(ctx)
		if err != nil {
			a.waitress.Remove(w.ID())
			return nil, ncp.StatusOK, err
		}
		return rsp, ncp.StatusOK, nil
	})
}

// SendZCLToGroup multicasts a ZCL command to a group.
func (a *Adapter) SendZCLToGroup(ctx context.Context, group uint16, cluster uint16, frame *zcl.Frame, sourceEndpoint uint8) error {
	aps := a.apsFrame(cluster, sourceEndpoint, multicastEndpoint, 0)
	aps.Options = ncp.APSOptionNone
	aps.GroupID = group
	data := frame.Encode()
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		sent := aps
		return a.transport.SendMulticast(ctx, &sent, 0, frame.Header.TransactionSequence, data)
	})
	if err != nil {
		return fmt.Errorf("send zcl to group 0x%04X: %w", group, err)
	}
	return nil
}

// SendZCLToAll broadcasts a ZCL command to endpoint on every device behind
// the broadcast address dest.
func (a *Adapter) SendZCLToAll(ctx context.Context, dest ncp.NodeID, endpoint uint8, cluster uint16, frame *zcl.Frame, sourceEndpoint uint8) error {
	if !dest.IsBroadcast() {
		return fmt.Errorf("send zcl to all: %s is not a broadcast address", dest)
	}
	aps := a.apsFrame(cluster, sourceEndpoint, endpoint, 0)
	aps.Options = ncp.APSOptionNone
	data := frame.Encode()
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		sent := aps
		return a.transport.SendBroadcast(ctx, dest, &sent, 0, frame.Header.TransactionSequence, data)
	})
	if err != nil {
		return fmt.Errorf("send zcl broadcast to %s: %w", dest, err)
	}
	return nil
}
