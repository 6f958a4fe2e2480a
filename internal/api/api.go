// Package api exposes the adapter operations as named commands with JSON
// parameters, shared by the MQTT request topics, the HTTP API and the
// console.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"zigbee-ncp-host/internal/adapter"
)

var (
	ErrUnknownCommand = errors.New("api: unknown command")
	ErrBadRequest     = errors.New("api: bad request")
)

type handler func(ctx context.Context, params json.RawMessage) (any, error)

// Service runs commands against one adapter.
type Service struct {
	adapter  *adapter.Adapter
	logger   *slog.Logger
	version  string
	handlers map[string]handler
}

// New creates a Service. version is reported by the "coordinator" command.
func New(a *adapter.Adapter, version string, logger *slog.Logger) *Service {
	s := &Service{
		adapter: a,
		logger:  logger.With("component", "api"),
		version: version,
	}
	s.handlers = map[string]handler{
		"coordinator":       s.coordinator,
		"devices":           s.devices,
		"device":            s.device,
		"permit_join":       s.permitJoin,
		"backup":            s.backup,
		"backups":           s.backups,
		"channel":           s.channel,
		"tx_power":          s.txPower,
		"install_code":      s.installCode,
		"link_keys":         s.linkKeys,
		"link_keys/restore": s.restoreLinkKeys,
		"device/remove":     s.removeDevice,
		"device/interview":  s.interview,
		"device/bind":       s.bind,
		"device/unbind":     s.unbind,
		"device/lqi":        s.lqi,
		"device/routes":     s.routes,
		"device/zcl":        s.deviceZCL,
		"group/zcl":         s.groupZCL,
		"broadcast/zcl":     s.broadcastZCL,
	}
	return s
}

// Adapter returns the adapter commands run against.
func (s *Service) Adapter() *adapter.Adapter {
	return s.adapter
}

// Commands returns the command names in sorted order.
func (s *Service) Commands() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named command. params may be empty.
func (s *Service) Execute(ctx context.Context, name string, params []byte) (any, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	params = bytes.TrimSpace(params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	result, err := h(ctx, params)
	if err != nil {
		s.logger.Debug("command failed", "command", name, "err", err)
		return nil, err
	}
	return result, nil
}

func decode(params json.RawMessage, v any) error {
	if string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Num is a numeric parameter given either as a JSON number or as a string
// such as "0x0006".
type Num struct {
	Value int64
	Set   bool
}

// N returns a set Num.
func N(v int64) Num { return Num{Value: v, Set: true} }

func (n *Num) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*n = Num{}
		return nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", b)
	}
	*n = Num{Value: v, Set: true}
	return nil
}

func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, n.Value, 10), nil
}

func (n Num) bounded(field string, min, max, def int64) (int64, error) {
	if !n.Set {
		return def, nil
	}
	if n.Value < min || n.Value > max {
		return 0, badRequest("%s must be %d-%d", field, min, max)
	}
	return n.Value, nil
}

func (n Num) uint8(field string, def uint8) (uint8, error) {
	v, err := n.bounded(field, 0, 0xFF, int64(def))
	return uint8(v), err
}

func (n Num) uint16(field string, def uint16) (uint16, error) {
	v, err := n.bounded(field, 0, 0xFFFF, int64(def))
	return uint16(v), err
}

func (n Num) int8(field string, def int8) (int8, error) {
	v, err := n.bounded(field, -128, 127, int64(def))
	return int8(v), err
}

func (n Num) required(field string) error {
	if !n.Set {
		return badRequest("%s is required", field)
	}
	return nil
}
