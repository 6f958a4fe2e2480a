//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-ncp-host/internal/api"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *api.Service, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
