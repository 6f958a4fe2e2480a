//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/api"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zcl"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	Discovery       bool
	DiscoveryPrefix string
	RequestTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "zigbee-ncp-host"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "zigbee"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Bridge publishes adapter events to MQTT and runs commands received on
// <prefix>/bridge/request/<command>.
type Bridge struct {
	client  pahomqtt.Client
	api     *api.Service
	adapter *adapter.Adapter
	cfg     Config
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	publishFn func(topic string, payload []byte, retained bool)

	// Per-device state accumulator.
	mu         sync.Mutex
	states     map[string]map[string]any // IEEE -> property map
	discovered map[string]int            // IEEE -> endpoint count announced to HA
}

func newBridge(svc *api.Service, cfg Config, logger *slog.Logger) *Bridge {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		api:        svc,
		adapter:    svc.Adapter(),
		cfg:        cfg,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		states:     make(map[string]map[string]any),
		discovered: make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	b.publishFn = b.mqttPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(svc *api.Service, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(svc, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", b.cfg.Broker)
			b.publishBridgeState("online")
			b.publishInfo()
			b.publishDevices()
			b.publishAllDiscovery()
			b.subscribeRequests(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to adapter events and begins MQTT publishing.
func (b *Bridge) Start() {
	events, unsub := b.adapter.Events().Subscribe(eventBuffer)
	b.unsub = unsub
	go b.run(events)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
		<-b.done
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

const eventBuffer = 256

func (b *Bridge) run(events <-chan adapter.Event) {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-events:
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

func (b *Bridge) handleEvent(event adapter.Event) {
	if event.Type == adapter.EventZCLPayload {
		if p, ok := event.Data.(adapter.ZCLPayload); ok {
			b.handleZCL(p)
		}
		return
	}

	b.publish(b.topic("bridge/event"), mustJSON(event), false)

	switch event.Type {
	case adapter.EventDeviceJoined, adapter.EventDeviceAnnounce, adapter.EventNetworkAddress:
		b.publishDevices()
	case adapter.EventDeviceLeave:
		if p, ok := event.Data.(adapter.DeviceLeavePayload); ok {
			b.handleDeviceLeave(p.IEEEAddress.String())
		}
		b.publishDevices()
	case adapter.EventNetworkState:
		b.publishInfo()
	case adapter.EventDisconnected:
		b.publishBridgeState("offline")
	}
}

// ZCLMessage is published to <prefix>/<ieee>/zcl for every frame a known
// device sends.
type ZCLMessage struct {
	*api.ZCLResponse
	DestinationEndpoint uint8  `json:"destination_endpoint"`
	GroupID             uint16 `json:"group_id,omitempty"`
	TSN                 uint8  `json:"tsn"`
}

func (b *Bridge) handleZCL(p adapter.ZCLPayload) {
	dev, err := b.adapter.Store().FindByNetworkAddress(uint16(p.Address))
	if err != nil {
		b.logger.Debug("zcl payload from unknown device", "short", p.Address.String())
		return
	}

	rsp := api.DecodeZCL(p.Address, p.Endpoint, p.ClusterID, p.Header, p.Data, p.LinkQuality, p.RSSI)
	msg := ZCLMessage{
		ZCLResponse:         rsp,
		DestinationEndpoint: p.DestinationEndpoint,
		GroupID:             p.GroupID,
		TSN:                 p.Header.TransactionSequence,
	}
	b.publish(b.topic(dev.IEEEAddress+"/zcl"), mustJSON(msg), false)

	props := map[string]any{
		"linkquality": p.LinkQuality,
		"rssi":        p.RSSI,
		"last_seen":   time.Now().UTC().Format(time.RFC3339),
	}
	if rsp.Global && (rsp.CommandID == zcl.FoundationReportAttributes || rsp.CommandID == zcl.FoundationReadAttributesResponse) {
		for _, rec := range rsp.Attributes {
			if rec.Status != zcl.StatusSuccess {
				continue
			}
			if name, value, ok := mapAttribute(p.ClusterID, rec.AttrID, rec.Value); ok {
				props[name] = value
			}
		}
	}
	b.updateAndPublishState(dev.IEEEAddress, props)

	if b.cfg.Discovery {
		b.mu.Lock()
		stale := b.discovered[dev.IEEEAddress] != len(dev.Endpoints)
		b.mu.Unlock()
		if stale {
			b.publishDeviceDiscovery(dev)
		}
	}
}

func (b *Bridge) updateAndPublishState(ieee string, props map[string]any) {
	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	for k, v := range props {
		state[k] = v
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.topic(ieee), payload, true)
}

func (b *Bridge) handleDeviceLeave(ieee string) {
	if b.cfg.Discovery {
		for _, msg := range buildRemoveDiscovery(ieee, b.cfg.DiscoveryPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publish(b.topic(ieee), nil, true)

	b.mu.Lock()
	delete(b.states, ieee)
	delete(b.discovered, ieee)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("bridge/state"), []byte(state), true)
}

func (b *Bridge) publishInfo() {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.RequestTimeout)
	defer cancel()
	info, err := b.api.Execute(ctx, "coordinator", nil)
	if err != nil {
		b.logger.Warn("read coordinator info", "err", err)
		return
	}
	b.publish(b.topic("bridge/info"), mustJSON(info), true)
}

func (b *Bridge) publishDevices() {
	devices, err := b.adapter.Store().ListDevices()
	if err != nil {
		b.logger.Error("list devices", "err", err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	b.publish(b.topic("bridge/devices"), mustJSON(devices), true)
}

func (b *Bridge) publishAllDiscovery() {
	if !b.cfg.Discovery {
		return
	}
	for _, msg := range buildBridgeDiscovery(b.prefix, b.cfg.DiscoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	devices, err := b.adapter.Store().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix, b.cfg.DiscoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	b.discovered[dev.IEEEAddress] = len(dev.Endpoints)
	b.mu.Unlock()
	b.logger.Debug("published HA discovery", "ieee", dev.IEEEAddress, "endpoints", len(dev.Endpoints))
}

func (b *Bridge) subscribeRequests(c pahomqtt.Client) {
	prefix := b.topic("bridge/request/")
	c.Subscribe(prefix+"#", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name := strings.TrimPrefix(msg.Topic(), prefix)
		payload := msg.Payload()
		// Requests can take seconds; keep the paho router free.
		go b.handleRequest(name, payload)
	})
	c.Subscribe(b.topic("+/set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		ieee := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), b.prefix+"/"), "/set")
		payload := msg.Payload()
		go b.handleSet(ieee, payload)
	})
}

// handleSet turns a Home Assistant light/switch command into On/Off and
// Level Control commands.
func (b *Bridge) handleSet(ieee string, payload []byte) {
	dev, err := b.adapter.LookupDevice(ieee)
	if err != nil {
		b.logger.Warn("command for unknown device", "ieee", ieee)
		return
	}

	var cmd struct {
		State      string   `json:"state"`
		Brightness *float64 `json:"brightness"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "ieee", ieee, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.RequestTimeout)
	defer cancel()

	send := func(cluster uint16, command uint8, data []byte) error {
		params := map[string]any{
			"id":       dev.IEEEAddress,
			"endpoint": endpointFor(dev, cluster),
			"cluster":  cluster,
			"command":  command,
			"payload":  hex.EncodeToString(data),
		}
		_, err := b.api.Execute(ctx, "device/zcl", mustJSON(params))
		return err
	}

	if cmd.Brightness != nil {
		level := uint8(min(max(*cmd.Brightness, 0), 254))
		// Move to Level with On/Off, transition time 5 (0.5s).
		if err := send(0x0008, 0x04, []byte{level, 0x05, 0x00}); err != nil {
			b.logger.Warn("brightness command failed", "ieee", ieee, "err", err)
		} else {
			b.updateAndPublishState(dev.IEEEAddress, map[string]any{"brightness": level, "state": onOff(level > 0)})
		}
		return
	}

	var command uint8
	switch strings.ToUpper(cmd.State) {
	case "OFF":
		command = 0x00
	case "ON":
		command = 0x01
	case "TOGGLE":
		command = 0x02
	default:
		b.logger.Warn("unsupported state", "ieee", ieee, "state", cmd.State)
		return
	}
	if err := send(0x0006, command, nil); err != nil {
		b.logger.Warn("on/off command failed", "ieee", ieee, "err", err)
		return
	}
	if command != 0x02 {
		b.updateAndPublishState(dev.IEEEAddress, map[string]any{"state": onOff(command == 0x01)})
	}
}

// endpointFor returns the first endpoint serving cluster, or 1.
func endpointFor(dev *store.Device, cluster uint16) uint8 {
	for _, ep := range dev.Endpoints {
		if slices.Contains(ep.InClusters, cluster) {
			return ep.ID
		}
	}
	return 1
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// Response is published to <prefix>/bridge/response/<command>.
type Response struct {
	Status      string `json:"status"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	Transaction any    `json:"transaction,omitempty"`
}

func (b *Bridge) handleRequest(name string, payload []byte) {
	var meta struct {
		Transaction any `json:"transaction"`
	}
	_ = json.Unmarshal(payload, &meta)

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.RequestTimeout)
	defer cancel()

	rsp := Response{Status: "ok", Transaction: meta.Transaction}
	data, err := b.api.Execute(ctx, name, payload)
	if err != nil {
		b.logger.Warn("request failed", "command", name, "err", err)
		rsp.Status = "error"
		rsp.Error = err.Error()
	} else {
		rsp.Data = data
		b.logger.Info("request handled", "command", name)
	}
	b.publish(b.topic("bridge/response/"+name), mustJSON(rsp), false)

	if err == nil && name == "device/interview" && b.cfg.Discovery {
		if dev, ok := data.(*store.Device); ok {
			b.publishDeviceDiscovery(dev)
		}
	}
	if errors.Is(err, api.ErrUnknownCommand) {
		b.logger.Debug("available commands", "commands", b.api.Commands())
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	b.publishFn(topic, payload, retained)
}

func (b *Bridge) mqttPublish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// mapAttribute maps well-known cluster attributes to state properties in
// the units Home Assistant expects.
func mapAttribute(cluster, attr uint16, value any) (string, any, bool) {
	n, isNum := toFloat64(value)
	switch {
	case cluster == 0x0006 && attr == 0x0000:
		if on, ok := value.(bool); ok {
			return "state", onOff(on), true
		}
	case cluster == 0x0008 && attr == 0x0000 && isNum:
		return "brightness", n, true
	case cluster == 0x0402 && attr == 0x0000 && isNum:
		return "temperature", n / 100, true
	case cluster == 0x0405 && attr == 0x0000 && isNum:
		return "humidity", n / 100, true
	case cluster == 0x0403 && attr == 0x0000 && isNum:
		return "pressure", n, true
	case cluster == 0x0400 && attr == 0x0000 && isNum:
		return "illuminance", illuminanceLux(n), true
	case cluster == 0x0406 && attr == 0x0000 && isNum:
		return "occupancy", uint8(n)&0x01 != 0, true
	case cluster == 0x0001 && attr == 0x0021 && isNum:
		return "battery", n / 2, true
	case cluster == 0x000C && attr == 0x0055 && isNum:
		return "analog", n, true
	}
	return "", nil, false
}

// illuminanceLux converts a MeasuredValue of 10000*log10(lux)+1 to lux.
func illuminanceLux(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Round(math.Pow(10, (v-1)/10000))
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
