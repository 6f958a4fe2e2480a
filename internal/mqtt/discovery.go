//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zigbee-ncp-host/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zigbee_00158d.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	EntityCategory      string   `json:"entity_category,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// sensorDef is one measurement sensor published for devices serving cluster.
type sensorDef struct {
	cluster     uint16
	objectID    string
	suffix      string
	deviceClass string
	unit        string
}

var sensorDefs = []sensorDef{
	{0x0402, "temperature", "Temperature", "temperature", "°C"},
	{0x0405, "humidity", "Humidity", "humidity", "%"},
	{0x0403, "pressure", "Pressure", "pressure", "hPa"},
	{0x0400, "illuminance", "Illuminance", "illuminance", "lx"},
	{0x0001, "battery", "Battery", "battery", "%"},
	{0x000C, "analog", "Analog Input", "", ""},
}

// bridgeID identifies the coordinator in the HA device registry.
func bridgeID(prefix string) string {
	return "zigbee_ncp_host_" + strings.ReplaceAll(prefix, "/", "_")
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ieee string) string {
	return "zigbee_" + strings.TrimPrefix(ieee, "0x")
}

// buildBridgeDiscovery announces the coordinator connection state.
func buildBridgeDiscovery(prefix, discoveryPrefix string) []discoveryMsg {
	id := bridgeID(prefix)
	payload := haDiscovery{
		Name:              "Zigbee coordinator connection state",
		UniqueID:          id + "_connection_state",
		StateTopic:        prefix + "/bridge/state",
		AvailabilityTopic: prefix + "/bridge/state",
		DeviceClass:       "connectivity",
		EntityCategory:    "diagnostic",
		PayloadOn:         "online",
		PayloadOff:        "offline",
		Device:            haDevice{Identifiers: []string{id}, Name: "Zigbee coordinator", Model: "NCP host"},
	}
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("%s/binary_sensor/%s/connection_state/config", discoveryPrefix, id),
		Payload: mustJSON(payload),
	}}
}

// buildDiscovery generates HA discovery messages for a device based on its clusters.
func buildDiscovery(dev *store.Device, prefix, discoveryPrefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + dev.IEEEAddress
	nodeID := deviceIdentifier(dev.IEEEAddress)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       dev.LogicalType,
		Name:        dev.IEEEAddress,
		ViaDevice:   bridgeID(prefix),
	}
	if dev.ManufacturerCode != 0 {
		haDev.Manufacturer = fmt.Sprintf("0x%04X", dev.ManufacturerCode)
	}

	hasCluster := make(map[uint16]bool)
	for _, ep := range dev.Endpoints {
		for _, cid := range ep.InClusters {
			hasCluster[cid] = true
		}
	}

	var msgs []discoveryMsg

	// Level Control makes an On/Off device a light, otherwise it is a switch.
	if hasCluster[0x0006] {
		cmdTopic := stateTopic + "/set"
		if hasCluster[0x0008] {
			msgs = append(msgs, discoveryMsg{
				Topic: fmt.Sprintf("%s/light/%s/light/config", discoveryPrefix, nodeID),
				Payload: mustJSON(haDiscovery{
					Name:                dev.IEEEAddress,
					UniqueID:            nodeID + "_light",
					StateTopic:          stateTopic,
					CommandTopic:        cmdTopic,
					AvailabilityTopic:   avail,
					SupportedColorModes: []string{"brightness"},
					BrightnessScale:     254,
					Schema:              "json",
					Device:              haDev,
				}),
			})
		} else {
			msgs = append(msgs, discoveryMsg{
				Topic: fmt.Sprintf("%s/switch/%s/switch/config", discoveryPrefix, nodeID),
				Payload: mustJSON(haDiscovery{
					Name:              dev.IEEEAddress,
					UniqueID:          nodeID + "_switch",
					StateTopic:        stateTopic,
					CommandTopic:      cmdTopic,
					AvailabilityTopic: avail,
					ValueTemplate:     "{{ value_json.state }}",
					PayloadOn:         "ON",
					PayloadOff:        "OFF",
					Device:            haDev,
				}),
			})
		}
	}

	for _, def := range sensorDefs {
		if hasCluster[def.cluster] {
			msgs = append(msgs, buildSensor(discoveryPrefix, nodeID, stateTopic, avail, haDev,
				def.objectID, def.suffix, def.deviceClass, def.unit, ""))
		}
	}

	if hasCluster[0x0406] {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/binary_sensor/%s/occupancy/config", discoveryPrefix, nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              dev.IEEEAddress + " Occupancy",
				UniqueID:          nodeID + "_occupancy",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ 'ON' if value_json.occupancy else 'OFF' }}",
				DeviceClass:       "occupancy",
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
				Device:            haDev,
			}),
		})
	}

	// No device_class on linkquality: "signal_strength" requires dB/dBm units, but LQI is unitless.
	msgs = append(msgs,
		buildSensor(discoveryPrefix, nodeID, stateTopic, avail, haDev,
			"linkquality", "Link Quality", "", "lqi", "diagnostic"),
		buildSensor(discoveryPrefix, nodeID, stateTopic, avail, haDev,
			"rssi", "RSSI", "signal_strength", "dBm", "diagnostic"),
	)
	return msgs
}

func buildSensor(discoveryPrefix, nodeID, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, category string) discoveryMsg {

	topic := fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, nodeID, objectID)
	payload := haDiscovery{
		Name:              haDev.Name + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json." + objectID + " }}",
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
		EntityCategory:    category,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(ieee, discoveryPrefix string) []discoveryMsg {
	nodeID := deviceIdentifier(ieee)

	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"switch", "switch"},
		{"binary_sensor", "occupancy"},
		{"sensor", "linkquality"},
		{"sensor", "rssi"},
	}
	for _, def := range sensorDefs {
		components = append(components, struct{ comp, obj string }{"sensor", def.objectID})
	}

	msgs := make([]discoveryMsg, 0, len(components))
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, c.comp, nodeID, c.obj),
		})
	}
	return msgs
}
