package adapter

import (
	"log/slog"
	"sync"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/zcl"
)

// Event types
const (
	EventDeviceJoined   = "device_joined"
	EventDeviceLeave    = "device_leave"
	EventDeviceAnnounce = "device_announce"
	EventNetworkAddress = "network_address"
	EventZCLPayload     = "zcl_payload"
	EventNetworkState   = "network_state"
	EventPermitJoin     = "permit_join"
	EventBackup         = "backup"
	EventDisconnected   = "disconnected"
)

// Event is one notification published by the adapter.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceJoinedPayload is the data of EventDeviceJoined.
type DeviceJoinedPayload struct {
	NetworkAddress ncp.NodeID `json:"network_address"`
	IEEEAddress    ncp.EUI64  `json:"ieee_address"`
}

// DeviceLeavePayload is the data of EventDeviceLeave.
type DeviceLeavePayload struct {
	NetworkAddress ncp.NodeID `json:"network_address"`
	IEEEAddress    ncp.EUI64  `json:"ieee_address"`
}

// DeviceAnnouncePayload is the data of EventDeviceAnnounce.
type DeviceAnnouncePayload struct {
	NetworkAddress ncp.NodeID `json:"network_address"`
	IEEEAddress    ncp.EUI64  `json:"ieee_address"`
	Capabilities   uint8      `json:"capabilities"`
}

// NetworkAddressPayload is the data of EventNetworkAddress.
type NetworkAddressPayload struct {
	NetworkAddress ncp.NodeID `json:"network_address"`
	IEEEAddress    ncp.EUI64  `json:"ieee_address"`
}

// ZCLPayload is the data of EventZCLPayload.
type ZCLPayload struct {
	Address             ncp.NodeID `json:"address"`
	Endpoint            uint8      `json:"endpoint"`
	DestinationEndpoint uint8      `json:"destination_endpoint"`
	ClusterID           uint16     `json:"cluster_id"`
	GroupID             uint16     `json:"group_id,omitempty"`
	WasBroadcast        bool       `json:"was_broadcast"`
	Header              zcl.Header `json:"header"`
	Data                []byte     `json:"data"`
	LinkQuality         uint8      `json:"link_quality"`
	RSSI                int8       `json:"rssi"`
}

// NetworkStatePayload is the data of EventNetworkState.
type NetworkStatePayload struct {
	State string `json:"state"`
}

// PermitJoinPayload is the data of EventPermitJoin.
type PermitJoinPayload struct {
	Seconds uint8       `json:"seconds"`
	Target  *ncp.NodeID `json:"target,omitempty"`
}

// BackupPayload is the data of EventBackup.
type BackupPayload struct {
	ID          string `json:"id"`
	DeviceCount int    `json:"device_count"`
}

// DisconnectedPayload is the data of EventDisconnected.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for adapter events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers run synchronously on the caller's goroutine and must not block;
// a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Subscribe delivers events of the given types (all types when none are
// given) to a buffered channel. Events that do not fit are dropped so a
// slow consumer never stalls dispatch. The returned function unsubscribes;
// the channel is not closed.
func (eb *EventBus) Subscribe(size int, types ...string) (<-chan Event, func()) {
	ch := make(chan Event, size)
	deliver := func(e Event) {
		select {
		case ch <- e:
		default:
			eb.logger.Warn("event subscriber full, dropping event", "type", e.Type)
		}
	}
	if len(types) == 0 {
		return ch, eb.OnAll(deliver)
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, eb.On(t, deliver))
	}
	return ch, func() {
		for _, u := range unsubs {
			u()
		}
	}
}
