// Package bootstrap decides, on start, whether the NCP keeps its current
// network, leaves it, or forms a new one from the stored backup or from
// configuration, and drives the NCP through that decision.
package bootstrap

import (
	"fmt"
	"slices"

	"zigbee-ncp-host/internal/backup"
	"zigbee-ncp-host/internal/ncp"
)

// State is a step of the bootstrap machine.
type State int

const (
	// Done: the NCP is on the intended network.
	Done State = iota
	// Leave: the NCP is on a network that does not match configuration.
	Leave
	// Left: the NCP has left; choose how to form.
	Left
	// FormConfig: form a fresh network from configuration.
	FormConfig
	// FormBackup: re-form the backed-up network.
	FormBackup
)

func (s State) String() string {
	switch s {
	case Done:
		return "DONE"
	case Leave:
		return "LEAVE"
	case Left:
		return "LEFT"
	case FormConfig:
		return "FORM_CONFIG"
	case FormBackup:
		return "FORM_BACKUP"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StartResult tells the caller what happened to the network.
type StartResult string

const (
	Resumed  StartResult = "resumed"
	Reset    StartResult = "reset"
	Restored StartResult = "restored"
)

// Network is the desired network from configuration.
type Network struct {
	PanID         uint16
	ExtendedPanID ncp.ExtendedPanID
	ChannelList   []uint8
	NetworkKey    ncp.Key
}

// Live is what the NCP reports about the network it is on.
type Live struct {
	NodeType      ncp.NodeType
	PanID         uint16
	ExtendedPanID ncp.ExtendedPanID
	// NetworkKey is nil when it was not read.
	NetworkKey *ncp.Key
}

// Inputs are everything Decide looks at.
type Inputs struct {
	// Live is nil when the NCP is not joined.
	Live *Live
	// Backup is nil when no usable backup exists.
	Backup  *backup.Backup
	Network Network
}

// LiveMatches reports whether the live network is the configured one.
func LiveMatches(live *Live, n Network) bool {
	if live == nil || live.NodeType != ncp.NodeTypeCoordinator {
		return false
	}
	if live.PanID != n.PanID || live.ExtendedPanID != n.ExtendedPanID {
		return false
	}
	return live.NetworkKey != nil && *live.NetworkKey == n.NetworkKey
}

// BackupMatches reports whether the backup can restore the configured network.
func BackupMatches(b *backup.Backup, n Network) bool {
	return b != nil &&
		b.PanID == n.PanID &&
		b.ExtendedPanID == n.ExtendedPanID &&
		slices.Contains(n.ChannelList, b.Channel) &&
		b.NetworkKey == n.NetworkKey
}

// Decide returns the first state for the given inputs.
func Decide(in Inputs) State {
	if in.Live != nil {
		if LiveMatches(in.Live, in.Network) {
			return Done
		}
		return Leave
	}
	if BackupMatches(in.Backup, in.Network) {
		return FormBackup
	}
	return FormConfig
}

// Next is the transition table.
func Next(s State, in Inputs) State {
	switch s {
	case Leave:
		return Left
	case Left:
		in.Live = nil
		return Decide(in)
	default:
		return Done
	}
}
