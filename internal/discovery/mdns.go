// Package discovery advertises the HTTP API over mDNS so dashboards on the
// LAN can find the coordinator.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/ncp"
)

const (
	// ServiceType is the DNS-SD service the HTTP API is announced as.
	ServiceType = "_zigbee-ncp._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	maxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyVersion       = "version"
	TXTKeyIEEE          = "ieee"
	TXTKeyPanID         = "pan_id"
	TXTKeyExtendedPanID = "ext_pan_id"
	TXTKeyChannel       = "channel"
	TXTKeyStack         = "stack"
	TXTKeyAuth          = "auth"
	TXTKeyPath          = "path"
)

// Config holds advertiser settings.
type Config struct {
	Instance  string        // defaults to "zigbee-ncp-<last 4 hex digits of the ieee>"
	Interface string        // empty means all interfaces
	TTL       time.Duration // zero keeps the zeroconf default
}

// Info describes what is announced.
type Info struct {
	Port          int
	Version       string
	IEEE          ncp.EUI64
	PanID         uint16
	ExtendedPanID ncp.ExtendedPanID
	Channel       uint8
	Stack         string
	APIKey        bool
}

// TXTRecords encodes info as sorted key=value strings.
func TXTRecords(info Info) []string {
	txt := map[string]string{
		TXTKeyVersion:       info.Version,
		TXTKeyIEEE:          info.IEEE.String(),
		TXTKeyPanID:         fmt.Sprintf("0x%04X", info.PanID),
		TXTKeyExtendedPanID: info.ExtendedPanID.String(),
		TXTKeyChannel:       strconv.Itoa(int(info.Channel)),
		TXTKeyAuth:          strconv.FormatBool(info.APIKey),
		TXTKeyPath:          "/api",
	}
	if info.Stack != "" {
		txt[TXTKeyStack] = info.Stack
	}
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// InstanceName returns the configured instance or one derived from ieee.
func InstanceName(cfg Config, ieee ncp.EUI64) string {
	name := cfg.Instance
	if name == "" {
		h := strings.TrimPrefix(ieee.String(), "0x")
		name = "zigbee-ncp-" + h[len(h)-4:]
	}
	if len(name) > maxInstanceNameLen {
		name = name[:maxInstanceNameLen]
	}
	return name
}

type server interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces, opts...)
}

// Advertiser keeps one mDNS registration alive and replaces it when the
// announced info changes.
type Advertiser struct {
	cfg      Config
	logger   *slog.Logger
	register registerFunc

	mu      sync.Mutex
	server  server
	current []string
}

// NewAdvertiser creates an advertiser. Nothing is announced until Advertise.
func NewAdvertiser(cfg Config, logger *slog.Logger) *Advertiser {
	return &Advertiser{
		cfg:      cfg,
		logger:   logger.With("component", "mdns"),
		register: zeroconfRegister,
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		a.logger.Warn("mdns interface not found, using all", "interface", a.cfg.Interface, "err", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers the service, replacing a registration with different
// TXT records. Unchanged info is a no-op.
func (a *Advertiser) Advertise(info Info) error {
	text := TXTRecords(info)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil && slices.Equal(a.current, text) {
		return nil
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}
	instance := InstanceName(a.cfg, info.IEEE)
	srv, err := a.register(instance, ServiceType, Domain, info.Port, text, a.interfaces(), opts...)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	a.server = srv
	a.current = text
	a.logger.Info("mdns service registered", "instance", instance, "port", info.Port, "channel", info.Channel)
	return nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.current = nil
	}
}

// Run advertises the adapter's network and re-advertises whenever the
// network state changes. It blocks until ctx is done, then withdraws.
func (a *Advertiser) Run(ctx context.Context, ad *adapter.Adapter, base Info) error {
	defer a.Stop()

	events, unsub := ad.Events().Subscribe(8, adapter.EventNetworkState)
	defer unsub()

	refresh := func() {
		info, err := networkInfo(ctx, ad, base)
		if err != nil {
			a.logger.Warn("mdns network info", "err", err)
			return
		}
		if err := a.Advertise(info); err != nil {
			a.logger.Error("mdns advertise", "err", err)
		}
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			refresh()
		}
	}
}

func networkInfo(ctx context.Context, ad *adapter.Adapter, base Info) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	eui, err := ad.GetCoordinatorIEEE(ctx)
	if err != nil {
		return base, err
	}
	params, err := ad.GetNetworkParameters(ctx)
	if err != nil {
		return base, err
	}
	info := base
	info.IEEE = eui
	info.PanID = params.PanID
	info.ExtendedPanID = params.ExtendedPanID
	info.Channel = params.RadioChannel
	if ni := ad.Info(); ni != nil {
		info.Stack = ni.StackVersion
	}
	return info, nil
}
