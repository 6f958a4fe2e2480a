package waitress

import (
	"fmt"
	"strings"

	"zigbee-ncp-host/internal/ncp"
)

// EventName is a stack event a waiter can wait for.
type EventName string

const (
	NetworkUp      EventName = "network_up"
	NetworkDown    EventName = "network_down"
	NetworkOpened  EventName = "network_opened"
	NetworkClosed  EventName = "network_closed"
	ChannelChanged EventName = "channel_changed"
)

// EventForStatus maps a stack status onto its event name.
func EventForStatus(s ncp.Status) (EventName, bool) {
	switch s {
	case ncp.StatusNetworkUp:
		return NetworkUp, true
	case ncp.StatusNetworkDown:
		return NetworkDown, true
	case ncp.StatusNetworkOpened:
		return NetworkOpened, true
	case ncp.StatusNetworkClosed:
		return NetworkClosed, true
	case ncp.StatusChannelChanged:
		return ChannelChanged, true
	}
	return "", false
}

// Matcher describes the event that completes a waiter: either a named stack
// event, or a message from Target (any sender with AnyTarget) on ClusterID,
// optionally narrowed by ZDO sequence or ZCL transaction sequence and command.
type Matcher struct {
	Event EventName

	Target    ncp.NodeID
	AnyTarget bool
	ClusterID uint16

	ZDOSequence *uint8
	ZCLSequence *uint8
	CommandID   *uint8
}

// ForEvent matches a named stack event.
func ForEvent(name EventName) Matcher {
	return Matcher{Event: name}
}

// ForZDO matches a ZDO response from target on the response cluster.
func ForZDO(target ncp.NodeID, responseCluster uint16, seq uint8) Matcher {
	return Matcher{Target: target, ClusterID: responseCluster, ZDOSequence: &seq}
}

// ForZCL matches a ZCL frame from target with the given transaction sequence
// and command id.
func ForZCL(target ncp.NodeID, cluster uint16, tsn, command uint8) Matcher {
	return Matcher{Target: target, ClusterID: cluster, ZCLSequence: &tsn, CommandID: &command}
}

// FromAny returns a copy matching any sender.
func (m Matcher) FromAny() Matcher {
	m.AnyTarget = true
	return m
}

func (m Matcher) targetMatches(sender ncp.NodeID) bool {
	return m.AnyTarget || m.Target == sender
}

func (m Matcher) matchZDO(rsp *ZDOResponse) bool {
	if !m.targetMatches(rsp.Sender) || m.ClusterID != rsp.Frame.ClusterID {
		return false
	}
	return m.ZDOSequence == nil || *m.ZDOSequence == rsp.Sequence
}

func (m Matcher) matchZCL(p *ZCLPayload) bool {
	if !m.targetMatches(p.Sender) || m.ClusterID != p.Frame.ClusterID {
		return false
	}
	if m.ZCLSequence != nil && *m.ZCLSequence != p.Header.TransactionSequence {
		return false
	}
	return m.CommandID == nil || *m.CommandID == p.Header.CommandID
}

func (m Matcher) String() string {
	if m.Event != "" {
		return "event " + string(m.Event)
	}
	var b strings.Builder
	if m.AnyTarget {
		b.WriteString("any")
	} else {
		b.WriteString(m.Target.String())
	}
	fmt.Fprintf(&b, " cluster=0x%04X", m.ClusterID)
	if m.ZDOSequence != nil {
		fmt.Fprintf(&b, " zdoSeq=%d", *m.ZDOSequence)
	}
	if m.ZCLSequence != nil {
		fmt.Fprintf(&b, " tsn=%d", *m.ZCLSequence)
	}
	if m.CommandID != nil {
		fmt.Fprintf(&b, " cmd=0x%02X", *m.CommandID)
	}
	return b.String()
}
