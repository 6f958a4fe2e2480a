package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/store"
)

var (
	// ErrUnknownDevice is returned when an address is not in the device table.
	ErrUnknownDevice = errors.New("adapter: unknown device")
	// ErrInvalidAddress is returned for strings that are neither form of address.
	ErrInvalidAddress = errors.New("adapter: not an ieee or short address")
	// ErrNoDeviceTable is returned by device lookups on an adapter built without a store.
	ErrNoDeviceTable = errors.New("adapter: no device table")
)

// LookupDevice resolves an IEEE address ("0x00158d...") or a short address
// ("0x4411", "17425") to a stored device.
func (a *Adapter) LookupDevice(addr string) (*store.Device, error) {
	if a.store == nil {
		return nil, ErrNoDeviceTable
	}
	addr = strings.TrimSpace(addr)
	var (
		dev *store.Device
		err error
	)
	if eui, perr := ncp.ParseEUI64(addr); perr == nil {
		dev, err = a.store.GetDevice(eui.String())
	} else {
		nwk, perr := strconv.ParseUint(addr, 0, 16)
		if perr != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		dev, err = a.store.FindByNetworkAddress(uint16(nwk))
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", addr, err)
	}
	return dev, nil
}

// DeviceAddress returns the short and IEEE address of a stored device.
func DeviceAddress(dev *store.Device) (ncp.NodeID, ncp.EUI64, error) {
	eui, err := ncp.ParseEUI64(dev.IEEEAddress)
	if err != nil {
		return 0, ncp.EUI64{}, fmt.Errorf("stored device %q: %w", dev.IEEEAddress, err)
	}
	return ncp.NodeID(dev.NetworkAddress), eui, nil
}

// Interview reads the node descriptor, the active endpoints and every
// simple descriptor of dest, then returns the updated stored device.
func (a *Adapter) Interview(ctx context.Context, dest ncp.NodeID) (*store.Device, error) {
	if a.store == nil {
		return nil, ErrNoDeviceTable
	}
	if _, err := a.NodeDescriptor(ctx, dest); err != nil {
		return nil, err
	}
	eps, err := a.ActiveEndpoints(ctx, dest)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps.Endpoints {
		if _, err := a.SimpleDescriptor(ctx, dest, ep); err != nil {
			return nil, err
		}
	}
	a.logger.Info("device interviewed", "short", dest.String(), "endpoints", len(eps.Endpoints))
	dev, err := a.store.FindByNetworkAddress(uint16(dest))
	if err != nil {
		return nil, fmt.Errorf("interview %s: %w", dest, err)
	}
	return dev, nil
}
