package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"zigbee-ncp-host/internal/backup"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/queue"
	"zigbee-ncp-host/internal/security"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zdo"
)

// GetCoordinatorIEEE returns the coordinator's IEEE address.
func (a *Adapter) GetCoordinatorIEEE(ctx context.Context) (ncp.EUI64, error) {
	return call(ctx, a, func(ctx context.Context) (ncp.EUI64, ncp.Status, error) {
		eui, err := a.cache.EUI64(ctx)
		return eui, ncp.StatusOK, err
	})
}

// GetNetworkParameters returns the parameters of the current network.
func (a *Adapter) GetNetworkParameters(ctx context.Context) (ncp.NetworkParameters, error) {
	return call(ctx, a, func(ctx context.Context) (ncp.NetworkParameters, ncp.Status, error) {
		p, err := a.cache.NetworkParameters(ctx)
		return p, ncp.StatusOK, err
	})
}

// NetworkStatus returns the NCP's joined state.
func (a *Adapter) NetworkStatus(ctx context.Context) (ncp.NetworkStatus, error) {
	return call(ctx, a, func(ctx context.Context) (ncp.NetworkStatus, ncp.Status, error) {
		s, err := a.cache.NetworkStatus(ctx)
		return s, ncp.StatusOK, err
	})
}

// SetTransmitPower changes the radio output power.
func (a *Adapter) SetTransmitPower(ctx context.Context, dbm int8) error {
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		st, err := a.transport.SetRadioPower(ctx, dbm)
		if err == nil && st == ncp.StatusOK {
			a.cache.InvalidateAll()
		}
		return st, err
	})
	if err != nil {
		return fmt.Errorf("set transmit power %d dBm: %w", dbm, err)
	}
	return nil
}

// ChangeChannel moves the whole network to channel and waits for the NCP to
// report the change.
func (a *Adapter) ChangeChannel(ctx context.Context, channel uint8) error {
	if channel < 11 || channel > 26 {
		return ErrInvalidChannel
	}
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		params, err := a.cache.NetworkParameters(ctx)
		if err != nil {
			return ncp.StatusOK, err
		}
		w := a.waitress.WaitFor(waitress.ForEvent(waitress.ChannelChanged), a.cfg.ChannelChangeTimeout)
		st, err := a.zdoBroadcast(ctx, ncp.BroadcastAll, zdo.NetworkUpdateRequest, zdo.ChannelChangePayload(channel, params.NwkUpdateID+1))
		if err != nil || st != ncp.StatusOK {
			a.waitress.Remove(w.ID())
			return st, err
		}
		if _, err := w.Wait(ctx); err != nil {
			a.waitress.Remove(w.ID())
			return ncp.StatusOK, err
		}
		return ncp.StatusOK, nil
	})
	if err != nil {
		return fmt.Errorf("change channel to %d: %w", channel, err)
	}
	a.logger.Info("channel changed", "channel", channel)
	return nil
}

// AddInstallCode derives the link key from an install code and lets eui64
// join with it.
func (a *Adapter) AddInstallCode(ctx context.Context, eui64 ncp.EUI64, code []byte) error {
	key, err := security.InstallCodeKey(code)
	if err != nil {
		return fmt.Errorf("install code for %s: %w", eui64, err)
	}
	err = a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		return a.transport.ImportTransientKey(ctx, eui64, key)
	})
	if err != nil {
		return fmt.Errorf("install code for %s: %w", eui64, err)
	}
	return nil
}

// ImportLinkKeys restores device link keys into the NCP key table.
func (a *Adapter) ImportLinkKeys(ctx context.Context, keys []ncp.LinkKey) error {
	err := a.do(ctx, func(ctx context.Context) (ncp.Status, error) {
		return ncp.StatusOK, security.ImportLinkKeys(ctx, a.transport, keys)
	})
	if err != nil {
		return fmt.Errorf("import link keys: %w", err)
	}
	return nil
}

// ExportLinkKeys returns the hashed device link keys held by the NCP.
func (a *Adapter) ExportLinkKeys(ctx context.Context) ([]ncp.LinkKey, error) {
	keys, err := call(ctx, a, func(ctx context.Context) ([]ncp.LinkKey, ncp.Status, error) {
		keys, err := security.ExportLinkKeys(ctx, a.transport)
		return keys, ncp.StatusOK, err
	})
	if err != nil {
		return nil, fmt.Errorf("export link keys: %w", err)
	}
	return keys, nil
}

// Backup reads the network state from the NCP ahead of queued requests,
// writes it to the backup file and appends it to the store history.
func (a *Adapter) Backup(ctx context.Context) (*backup.Backup, error) {
	bk, err := call(ctx, a, a.readBackup, queue.WithPriority())
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	if err := a.persistBackup(bk); err != nil {
		return nil, err
	}
	return bk, nil
}

// backupIfJoined backs up only when the NCP is on a network.
func (a *Adapter) backupIfJoined(ctx context.Context) (*backup.Backup, error) {
	status, err := a.NetworkStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status != ncp.NetworkStatusJoined {
		a.logger.Debug("skipping backup, not on a network", "status", status)
		return nil, nil
	}
	return a.Backup(ctx)
}

// readBackup collects a backup from the NCP. It runs inside a task.
func (a *Adapter) readBackup(ctx context.Context) (*backup.Backup, ncp.Status, error) {
	st, _, params, err := a.transport.GetNetworkParameters(ctx)
	if err := checkCall("get network parameters", st, err); err != nil {
		return nil, ncp.StatusOK, err
	}
	eui, err := a.transport.GetEUI64(ctx)
	if err != nil {
		return nil, ncp.StatusOK, fmt.Errorf("get eui64: %w", err)
	}
	st, keyInfo, err := a.transport.GetNetworkKeyInfo(ctx)
	if err := checkCall("get network key info", st, err); err != nil {
		return nil, ncp.StatusOK, err
	}
	if !keyInfo.NetworkKeySet {
		return nil, ncp.StatusOK, ErrNoNetworkKey
	}

	var keys []ncp.LinkKey
	size, st, err := a.transport.KeyTableSize(ctx)
	if err != nil {
		return nil, ncp.StatusOK, fmt.Errorf("key table size: %w", err)
	}
	if st == ncp.StatusOK && size > 0 {
		if keys, err = security.ExportLinkKeys(ctx, a.transport); err != nil {
			return nil, ncp.StatusOK, err
		}
	}

	tclk, st, err := a.transport.ExportKey(ctx, ncp.KeyTypeTrustCenterLinkKey)
	if err := checkCall("export trust center link key", st, err); err != nil {
		return nil, ncp.StatusOK, err
	}
	nwk, st, err := a.transport.ExportKey(ctx, ncp.KeyTypeNetwork)
	if err := checkCall("export network key", st, err); err != nil {
		return nil, ncp.StatusOK, err
	}

	channels := backup.ChannelsFromMask(params.Channels)
	if len(channels) == 0 {
		channels = []uint8{params.RadioChannel}
	}
	var stackVersion string
	if info := a.Info(); info != nil {
		stackVersion = info.StackVersion
	}
	return &backup.Backup{
		ID:                     uuid.New(),
		CreatedAt:              time.Now().UTC(),
		Source:                 a.cfg.Source,
		StackVersion:           stackVersion,
		CoordinatorEUI64:       eui,
		PanID:                  params.PanID,
		ExtendedPanID:          params.ExtendedPanID,
		Channel:                params.RadioChannel,
		ChannelList:            channels,
		NetworkUpdateID:        params.NwkUpdateID,
		SecurityLevel:          backup.SecurityLevelZ3,
		NetworkKey:             nwk,
		NetworkKeySequence:     keyInfo.SequenceNumber,
		NetworkKeyFrameCounter: keyInfo.FrameCounter,
		HashedTCLK:             tclk,
		Devices:                backup.DevicesFromLinkKeys(keys),
	}, ncp.StatusOK, nil
}

func (a *Adapter) persistBackup(bk *backup.Backup) error {
	if a.cfg.BackupPath != "" {
		if err := backup.Save(a.cfg.BackupPath, bk); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
	}
	if a.store != nil {
		doc, err := backup.Marshal(bk)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		rec := &store.BackupRecord{
			ID:          bk.ID.String(),
			CreatedAt:   bk.CreatedAt,
			PanID:       bk.PanID,
			Channel:     bk.Channel,
			DeviceCount: len(bk.Devices),
			Document:    doc,
		}
		if err := a.store.AppendBackup(rec); err != nil {
			return fmt.Errorf("backup history: %w", err)
		}
	}
	a.logger.Info("network backup written", "id", bk.ID.String(), "devices", len(bk.Devices))
	a.bus.Emit(Event{Type: EventBackup, Data: BackupPayload{ID: bk.ID.String(), DeviceCount: len(bk.Devices)}})
	return nil
}
