// Package ncptest provides a programmable in-memory ncp.Transport.
package ncptest

import (
	"context"
	"sync"

	"zigbee-ncp-host/internal/ncp"
)

// Call is one recorded transport invocation.
type Call struct {
	Method string
	Args   []any
}

// Sent is a message handed to one of the Send* methods.
type Sent struct {
	Type        ncp.OutgoingMessageType
	Destination ncp.NodeID
	Frame       ncp.APSFrame
	Tag         uint8
	Payload     []byte
}

// Fake simulates an NCP. Exported fields describe the simulated stack and
// may be set before use or changed later through Update. Stack status events
// are raised synchronously from the command that causes them, like a real
// NCP raising its callback before the next command completes.
type Fake struct {
	mu      sync.Mutex
	scripts map[string][]ncp.Status
	calls   []Call
	events  chan ncp.Event
	closed  bool
	apsSeq  uint8

	Info          ncp.Info
	Joined        bool
	NodeType      ncp.NodeType
	Params        ncp.NetworkParameters
	EUI64         ncp.EUI64
	NodeID        ncp.NodeID
	NetworkKey    ncp.Key
	TCLinkKey     ncp.Key
	KeyInfo       ncp.NetworkKeyInfo
	KeyTable      []ncp.LinkKey
	Security      ncp.SecurityState
	ExtSecurity   ncp.ExtendedSecurityBitmask
	TxPower       int8
	ManufCode     uint16
	Multicast     map[int]ncp.MulticastTableEntry
	TransientKeys map[ncp.EUI64]ncp.Key

	// ConfirmSends emits a MessageSentEvent(OK) after every successful send.
	ConfirmSends bool
	// Responder, when set, returns events to raise after a successful send.
	Responder func(Sent) []ncp.Event
}

// New returns a fake coordinator that is not on a network.
func New() *Fake {
	return &Fake{
		scripts:       make(map[string][]ncp.Status),
		events:        make(chan ncp.Event, 256),
		Info:          ncp.Info{StackVersion: "fake", KeyTableSize: 8},
		NodeType:      ncp.NodeTypeCoordinator,
		EUI64:         ncp.EUI64{0x00, 0x12, 0x4B, 0x00, 0x01, 0x02, 0x03, 0x04},
		KeyTable:      make([]ncp.LinkKey, 8),
		Multicast:     make(map[int]ncp.MulticastTableEntry),
		TransientKeys: make(map[ncp.EUI64]ncp.Key),
		ConfirmSends:  true,
	}
}

// Script queues statuses returned by the next calls of method, in order.
// Once the script is used up the method behaves normally.
func (f *Fake) Script(method string, statuses ...ncp.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[method] = append(f.scripts[method], statuses...)
}

// Update runs fn with the fake locked.
func (f *Fake) Update(fn func(*Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Calls returns a copy of the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the method names of the call log, in order.
func (f *Fake) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.Method
	}
	return names
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Inject raises an event as if it came from the NCP.
func (f *Fake) Inject(ev ncp.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(ev)
}

func (f *Fake) emitLocked(ev ncp.Event) {
	if f.closed {
		return
	}
	f.events <- ev
}

// begin records the call and pops the next scripted status.
func (f *Fake) begin(method string, args ...any) (ncp.Status, bool) {
	f.calls = append(f.calls, Call{Method: method, Args: args})
	script := f.scripts[method]
	if len(script) == 0 {
		return ncp.StatusOK, false
	}
	f.scripts[method] = script[1:]
	return script[0], true
}

func (f *Fake) Open(ctx context.Context) (*ncp.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begin("Open")
	info := f.Info
	return &info, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begin("Close")
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *Fake) Events() <-chan ncp.Event { return f.events }

func (f *Fake) NetworkInit(ctx context.Context) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("NetworkInit"); ok {
		return st, nil
	}
	if !f.Joined {
		return ncp.StatusNotJoined, nil
	}
	f.emitLocked(ncp.StackStatusEvent{Status: ncp.StatusNetworkUp})
	return ncp.StatusOK, nil
}

func (f *Fake) NetworkState(ctx context.Context) (ncp.NetworkStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begin("NetworkState")
	if f.Joined {
		return ncp.NetworkStatusJoined, nil
	}
	return ncp.NetworkStatusNoNetwork, nil
}

func (f *Fake) GetNetworkParameters(ctx context.Context) (ncp.Status, ncp.NodeType, ncp.NetworkParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("GetNetworkParameters"); ok {
		return st, ncp.NodeTypeUnknown, ncp.NetworkParameters{}, nil
	}
	return ncp.StatusOK, f.NodeType, f.Params, nil
}

func (f *Fake) GetEUI64(ctx context.Context) (ncp.EUI64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begin("GetEUI64")
	return f.EUI64, nil
}

func (f *Fake) GetNodeID(ctx context.Context) (ncp.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begin("GetNodeID")
	return f.NodeID, nil
}

func (f *Fake) FormNetwork(ctx context.Context, params ncp.NetworkParameters) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("FormNetwork", params); ok {
		return st, nil
	}
	f.Joined = true
	f.NodeType = ncp.NodeTypeCoordinator
	f.NodeID = 0x0000
	f.Params = params
	f.NetworkKey = f.Security.NetworkKey
	counter := f.KeyInfo.FrameCounter
	if f.Security.Bitmask&ncp.SecurityNoFrameCounterReset == 0 {
		counter = 0
	}
	f.KeyInfo = ncp.NetworkKeyInfo{NetworkKeySet: true, SequenceNumber: f.Security.NetworkKeySequenceNumber, FrameCounter: counter}
	f.TCLinkKey = f.Security.PreconfiguredKey
	f.emitLocked(ncp.StackStatusEvent{Status: ncp.StatusNetworkUp})
	return ncp.StatusOK, nil
}

func (f *Fake) LeaveNetwork(ctx context.Context) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("LeaveNetwork"); ok {
		return st, nil
	}
	f.Joined = false
	f.emitLocked(ncp.StackStatusEvent{Status: ncp.StatusNetworkDown})
	return ncp.StatusOK, nil
}

func (f *Fake) PermitJoining(ctx context.Context, seconds uint8) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("PermitJoining", seconds); ok {
		return st, nil
	}
	if seconds > 0 {
		f.emitLocked(ncp.StackStatusEvent{Status: ncp.StatusNetworkOpened})
	} else {
		f.emitLocked(ncp.StackStatusEvent{Status: ncp.StatusNetworkClosed})
	}
	return ncp.StatusOK, nil
}

func (f *Fake) SetRadioPower(ctx context.Context, dbm int8) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("SetRadioPower", dbm); ok {
		return st, nil
	}
	f.TxPower = dbm
	f.Params.RadioTxPower = dbm
	return ncp.StatusOK, nil
}

func (f *Fake) SetManufacturerCode(ctx context.Context, code uint16) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("SetManufacturerCode", code); ok {
		return st, nil
	}
	f.ManufCode = code
	return ncp.StatusOK, nil
}

func (f *Fake) SetMulticastTableEntry(ctx context.Context, index int, entry ncp.MulticastTableEntry) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("SetMulticastTableEntry", index, entry); ok {
		return st, nil
	}
	f.Multicast[index] = entry
	return ncp.StatusOK, nil
}

func (f *Fake) StartWritingStackTokens(ctx context.Context) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, _ := f.begin("StartWritingStackTokens")
	return st, nil
}

func (f *Fake) SetInitialSecurityState(ctx context.Context, state ncp.SecurityState) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("SetInitialSecurityState", state); ok {
		return st, nil
	}
	f.Security = state
	return ncp.StatusOK, nil
}

func (f *Fake) SetExtendedSecurityBitmask(ctx context.Context, mask ncp.ExtendedSecurityBitmask) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("SetExtendedSecurityBitmask", mask); ok {
		return st, nil
	}
	f.ExtSecurity = mask
	return ncp.StatusOK, nil
}

func (f *Fake) ExportKey(ctx context.Context, kind ncp.KeyType) (ncp.Key, ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("ExportKey", kind); ok {
		return ncp.Key{}, st, nil
	}
	switch kind {
	case ncp.KeyTypeNetwork:
		return f.NetworkKey, ncp.StatusOK, nil
	case ncp.KeyTypeTrustCenterLinkKey:
		return f.TCLinkKey, ncp.StatusOK, nil
	}
	return ncp.Key{}, ncp.StatusInvalidParameter, nil
}

func (f *Fake) GetNetworkKeyInfo(ctx context.Context) (ncp.Status, ncp.NetworkKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("GetNetworkKeyInfo"); ok {
		return st, ncp.NetworkKeyInfo{}, nil
	}
	return ncp.StatusOK, f.KeyInfo, nil
}

func (f *Fake) KeyTableSize(ctx context.Context) (int, ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("KeyTableSize"); ok {
		return 0, st, nil
	}
	return len(f.KeyTable), ncp.StatusOK, nil
}

func (f *Fake) ClearKeyTable(ctx context.Context) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("ClearKeyTable"); ok {
		return st, nil
	}
	clear(f.KeyTable)
	return ncp.StatusOK, nil
}

func (f *Fake) ImportLinkKey(ctx context.Context, index int, eui64 ncp.EUI64, key ncp.Key) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("ImportLinkKey", index, eui64, key); ok {
		return st, nil
	}
	if index < 0 || index >= len(f.KeyTable) {
		return ncp.StatusInvalidParameter, nil
	}
	f.KeyTable[index] = ncp.LinkKey{EUI64: eui64, Key: key}
	return ncp.StatusOK, nil
}

func (f *Fake) EraseKeyTableEntry(ctx context.Context, index int) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("EraseKeyTableEntry", index); ok {
		return st, nil
	}
	if index < 0 || index >= len(f.KeyTable) {
		return ncp.StatusInvalidParameter, nil
	}
	f.KeyTable[index] = ncp.LinkKey{}
	return ncp.StatusOK, nil
}

func (f *Fake) ExportLinkKeyByIndex(ctx context.Context, index int) (ncp.LinkKey, ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("ExportLinkKeyByIndex", index); ok {
		return ncp.LinkKey{}, st, nil
	}
	if index < 0 || index >= len(f.KeyTable) {
		return ncp.LinkKey{}, ncp.StatusInvalidParameter, nil
	}
	if f.KeyTable[index].EUI64 == (ncp.EUI64{}) {
		return ncp.LinkKey{}, ncp.StatusNotFound, nil
	}
	return f.KeyTable[index], ncp.StatusOK, nil
}

func (f *Fake) ImportTransientKey(ctx context.Context, eui64 ncp.EUI64, key ncp.Key) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.begin("ImportTransientKey", eui64, key); ok {
		return st, nil
	}
	f.TransientKeys[eui64] = key
	return ncp.StatusOK, nil
}

func (f *Fake) SendUnicast(ctx context.Context, dest ncp.NodeID, frame *ncp.APSFrame, tag uint8, payload []byte) (ncp.Status, error) {
	return f.send("SendUnicast", Sent{Type: ncp.OutgoingDirect, Destination: dest, Tag: tag}, frame, payload)
}

func (f *Fake) SendMulticast(ctx context.Context, frame *ncp.APSFrame, radius uint8, tag uint8, payload []byte) (ncp.Status, error) {
	return f.send("SendMulticast", Sent{Type: ncp.OutgoingMulticast, Destination: ncp.NodeID(frame.GroupID), Tag: tag}, frame, payload)
}

func (f *Fake) SendBroadcast(ctx context.Context, dest ncp.NodeID, frame *ncp.APSFrame, radius uint8, tag uint8, payload []byte) (ncp.Status, error) {
	return f.send("SendBroadcast", Sent{Type: ncp.OutgoingBroadcast, Destination: dest, Tag: tag}, frame, payload)
}

func (f *Fake) send(method string, msg Sent, frame *ncp.APSFrame, payload []byte) (ncp.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Payload = append([]byte(nil), payload...)
	if st, ok := f.begin(method, msg.Destination, *frame, msg.Payload); ok {
		return st, nil
	}
	f.apsSeq++
	frame.Sequence = f.apsSeq
	msg.Frame = *frame
	f.calls[len(f.calls)-1].Args[1] = *frame

	if f.ConfirmSends {
		f.emitLocked(ncp.MessageSentEvent{Status: ncp.StatusOK, Type: msg.Type, Destination: msg.Destination, Frame: msg.Frame, Tag: msg.Tag})
	}
	if f.Responder != nil {
		for _, ev := range f.Responder(msg) {
			f.emitLocked(ev)
		}
	}
	return ncp.StatusOK, nil
}

var _ ncp.Transport = (*Fake)(nil)
