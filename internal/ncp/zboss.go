package ncp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is returned by commands issued after Close or during a reset.
var ErrClosed = errors.New("ncp closed")

// WellKnownLinkKey is the global trust center link key "ZigBeeAlliance09".
var WellKnownLinkKey = Key{
	0x5A, 0x69, 0x67, 0x42, 0x65, 0x65, 0x41, 0x6C,
	0x6C, 0x69, 0x61, 0x6E, 0x63, 0x65, 0x30, 0x39,
}

// ZBOSSConfig configures the serial link to a ZBOSS NCP (nRF52840 over USB CDC ACM).
type ZBOSSConfig struct {
	Port     string
	BaudRate int
	// Resetter, when set, pulses the hardware reset line before Open.
	Resetter Resetter
	// Endpoint is the local HA endpoint registered after the network starts.
	Endpoint uint8
}

// ZBOSSTransport implements Transport for the ZBOSS NCP serial protocol.
//
// The ZBOSS firmware keeps its own key storage, so key table commands report
// StatusNotSupported and KeyTableSize reports 0.
type ZBOSSTransport struct {
	cfg    ZBOSSConfig
	logger *slog.Logger
	dial   func() (io.ReadWriteCloser, error)

	conn   io.ReadWriteCloser
	reader *bufio.Reader

	// HL-level request/response tracking (keyed by TSN).
	hlTSN     atomic.Uint32
	hlPending map[uint8]chan *zbossFrame
	hlMu      sync.Mutex

	// LL-level packet sequencing and ACK.
	llPktSeq uint8
	llSeqMu  sync.Mutex
	llAckCh  chan uint8
	writeMu  sync.Mutex

	// APS counter handed out to outgoing frames.
	apsSeq atomic.Uint32

	events       chan Event
	evMu         sync.RWMutex
	eventsClosed bool
	resetIndCh   chan struct{}
	resetting    atomic.Bool

	secMu    sync.Mutex
	security SecurityState

	info Info

	// lifecycleMu protects conn, reader, done, llAckCh and closeOnce across
	// resets and Close.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
	watchers    sync.WaitGroup
}

var _ Transport = (*ZBOSSTransport)(nil)

// NewZBOSSTransport creates a transport; the port is opened by Open.
func NewZBOSSTransport(cfg ZBOSSConfig, logger *slog.Logger) *ZBOSSTransport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Endpoint == 0 {
		cfg.Endpoint = 1
	}
	t := newZBOSSTransport(cfg, logger)
	t.dial = func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		// USB CDC ACM: assert DTR/RTS for NCP firmware.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
	return t
}

func newZBOSSTransport(cfg ZBOSSConfig, logger *slog.Logger) *ZBOSSTransport {
	done := make(chan struct{})
	close(done)
	return &ZBOSSTransport{
		cfg:        cfg,
		logger:     logger,
		hlPending:  make(map[uint8]chan *zbossFrame),
		llAckCh:    make(chan uint8, 4),
		events:     make(chan Event, 256),
		resetIndCh: make(chan struct{}, 1),
		done:       done,
	}
}

// Events returns the stream of asynchronous notifications. It is closed by Close.
func (t *ZBOSSTransport) Events() <-chan Event {
	return t.events
}

// Open connects to the NCP, reads its version and applies trust center policies.
// Calling Open again re-establishes the link; after Close it fails.
func (t *ZBOSSTransport) Open(ctx context.Context) (*Info, error) {
	t.lifecycleMu.Lock()
	closed, reopen := t.closed, t.conn != nil
	t.lifecycleMu.Unlock()
	if closed {
		return nil, fmt.Errorf("zboss open: %w", ErrClosed)
	}
	if reopen {
		// Re-open after a fatal error: drop the old link first.
		_ = t.stop()
	}
	if t.cfg.Resetter != nil {
		if err := t.cfg.Resetter.Reset(ctx); err != nil {
			return nil, fmt.Errorf("zboss open: %w", err)
		}
	}
	conn, err := t.dial()
	if err != nil {
		return nil, fmt.Errorf("zboss open: %w", err)
	}
	t.start(conn)

	resp, err := t.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("zboss open: module version: %w", err)
	}
	if len(resp.Payload) >= 12 {
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		t.info = Info{
			FWVersion:       binary.LittleEndian.Uint32(resp.Payload[0:4]),
			StackVersion:    fmt.Sprintf("%d.%d.%d.%d", (stack>>24)&0xFF, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF),
			ProtocolVersion: binary.LittleEndian.Uint32(resp.Payload[8:12]),
		}
		t.logger.Info("NCP module version", "fw", t.info.FWVersion, "stack", t.info.StackVersion, "protocol", t.info.ProtocolVersion)
	}

	// Legacy security: well-known link key, no install codes required.
	tcPolicies := []struct {
		typ  uint16
		val  uint8
		name string
	}{
		{zbossTCPolicyLinkKeysRequired, 0, "TC link keys required=false"},
		{zbossTCPolicyICRequired, 0, "IC required=false"},
		{zbossTCPolicyTCRejoinEnabled, 1, "TC rejoin enabled=true"},
		{zbossTCPolicyIgnoreTCRejoin, 0, "ignore TC rejoin=false"},
		{zbossTCPolicyAPSInsecureJoin, 0, "APS insecure join=false"},
		{zbossTCPolicyDisableNwkMgmtChanUpd, 0, "disable mgmt chan update=false"},
	}
	for _, p := range tcPolicies {
		if err := t.setTCPolicy(ctx, p.typ, p.val); err != nil {
			return nil, fmt.Errorf("set TC policy %s: %w", p.name, err)
		}
	}

	info := t.info
	return &info, nil
}

// start installs a fresh connection and launches the read loop.
// Any previous read loop must have exited.
func (t *ZBOSSTransport) start(conn io.ReadWriteCloser) {
	t.lifecycleMu.Lock()
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.done = make(chan struct{})
	t.llAckCh = make(chan uint8, 4)
	t.closeOnce = sync.Once{}
	t.lifecycleMu.Unlock()

	t.failPending()

	t.llSeqMu.Lock()
	t.llPktSeq = 0
	t.llSeqMu.Unlock()
	t.hlTSN.Store(0)

	t.wg.Add(1)
	go t.readLoop(conn, t.doneCh())
}

func (t *ZBOSSTransport) doneCh() chan struct{} {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	return t.done
}

// stop closes the connection and waits for the read loop to exit.
func (t *ZBOSSTransport) stop() error {
	t.lifecycleMu.Lock()
	t.closeOnce.Do(func() { close(t.done) })
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.lifecycleMu.Unlock()
	t.wg.Wait()
	return err
}

// failPending unblocks every waiting request with a nil frame.
func (t *ZBOSSTransport) failPending() {
	t.hlMu.Lock()
	for tsn, ch := range t.hlPending {
		close(ch)
		delete(t.hlPending, tsn)
	}
	t.hlMu.Unlock()
}

// Close stops the transport and closes the event stream.
func (t *ZBOSSTransport) Close() error {
	t.lifecycleMu.Lock()
	if t.closed {
		t.lifecycleMu.Unlock()
		return nil
	}
	t.closed = true
	t.lifecycleMu.Unlock()

	err := t.stop()
	t.failPending()
	t.watchers.Wait()

	t.evMu.Lock()
	t.eventsClosed = true
	close(t.events)
	t.evMu.Unlock()
	return err
}

func (t *ZBOSSTransport) emit(ev Event) {
	t.evMu.RLock()
	defer t.evMu.RUnlock()
	if t.eventsClosed {
		return
	}
	select {
	case t.events <- ev:
	case <-time.After(eventSendTimeout):
		t.logger.Error("zboss event dropped, consumer stalled", "event", fmt.Sprintf("%T", ev))
	}
}

// nextTSN allocates the next HL transaction sequence number.
func (t *ZBOSSTransport) nextTSN() uint8 {
	return uint8(t.hlTSN.Add(1))
}

// nextPktSeq advances the LL packet sequence (cycles 1→2→3→1).
func (t *ZBOSSTransport) nextPktSeq() uint8 {
	t.llSeqMu.Lock()
	t.llPktSeq = t.llPktSeq%3 + 1
	seq := t.llPktSeq
	t.llSeqMu.Unlock()
	return seq
}

// --- Request/response ---

const (
	llACKTimeout       = 500 * time.Millisecond
	llMaxRetries       = 3
	sendConfirmTimeout = 10 * time.Second
	eventSendTimeout   = 5 * time.Second
)

// request sends an HL request and waits for the HL response. A non-OK NCP
// status is not an error here; callers inspect resp.Status().
func (t *ZBOSSTransport) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	tsn, ch, err := t.begin(ctx, callID, payload)
	if err != nil {
		return nil, err
	}
	defer t.release(tsn)
	return t.await(ctx, callID, tsn, ch)
}

// call is request plus status extraction for the Transport methods.
func (t *ZBOSSTransport) call(ctx context.Context, callID uint16, payload []byte) (Status, *zbossFrame, error) {
	resp, err := t.request(ctx, callID, payload)
	if err != nil {
		return StatusFail, nil, err
	}
	return resp.Status(), resp, nil
}

// begin registers a pending response slot and writes the request.
func (t *ZBOSSTransport) begin(ctx context.Context, callID uint16, payload []byte) (uint8, chan *zbossFrame, error) {
	tsn := t.nextTSN()

	ch := make(chan *zbossFrame, 1)
	t.hlMu.Lock()
	t.hlPending[tsn] = ch
	t.hlMu.Unlock()

	pktSeq := t.nextPktSeq()
	raw := zbossEncodeRequest(callID, tsn, pktSeq, payload)
	if err := t.writeWithACK(ctx, raw, pktSeq); err != nil {
		t.release(tsn)
		return 0, nil, fmt.Errorf("zboss write %s: %w", zbossCmdName(callID), err)
	}
	t.logger.Debug("zboss TX", "cmd", zbossCmdName(callID), "tsn", tsn, "payload", fmt.Sprintf("%X", payload))
	return tsn, ch, nil
}

func (t *ZBOSSTransport) release(tsn uint8) {
	t.hlMu.Lock()
	delete(t.hlPending, tsn)
	t.hlMu.Unlock()
}

func (t *ZBOSSTransport) await(ctx context.Context, callID uint16, tsn uint8, ch chan *zbossFrame) (*zbossFrame, error) {
	cmdName := zbossCmdName(callID)
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("zboss %s: %w", cmdName, ErrClosed)
		}
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if resp.HL.StatusCat != 0 || resp.HL.StatusCode != 0 {
			t.logger.Warn("zboss RX", "cmd", cmdName, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
		} else {
			t.logger.Debug("zboss RX", "cmd", cmdName, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
		}
		return resp, nil
	case <-ctx.Done():
		t.logger.Warn("zboss timeout", "cmd", cmdName, "tsn", tsn, "err", ctx.Err())
		return nil, ctx.Err()
	}
}

// writeWithACK writes a raw ZBOSS frame and waits for LL ACK with retries.
func (t *ZBOSSTransport) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	t.lifecycleMu.Lock()
	conn, ackCh, done := t.conn, t.llAckCh, t.done
	t.lifecycleMu.Unlock()

	select {
	case <-done:
		return ErrClosed
	default:
	}

	for attempt := 0; attempt <= llMaxRetries; attempt++ {
		t.writeMu.Lock()
		_, err := conn.Write(frame)
		t.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}

		// Wait for the matching ACK, draining stale ACKs within the timeout window.
		deadline := time.NewTimer(llACKTimeout)
	waitACK:
		for {
			select {
			case ackSeq := <-ackCh:
				if ackSeq == pktSeq {
					deadline.Stop()
					return nil
				}
				t.logger.Debug("zboss LL stale ACK drained", "got", ackSeq, "want", pktSeq)
			case <-deadline.C:
				t.logger.Warn("zboss LL ACK timeout", "attempt", attempt+1, "pktSeq", pktSeq)
				break waitACK
			case <-ctx.Done():
				deadline.Stop()
				return ctx.Err()
			case <-done:
				deadline.Stop()
				return ErrClosed
			}
		}
	}
	return fmt.Errorf("zboss LL ACK timeout after %d retries", llMaxRetries+1)
}

// sendACK sends an LL ACK for the given packet sequence.
func (t *ZBOSSTransport) sendACK(conn io.Writer, pktSeq uint8) {
	raw := zbossEncodeACK(pktSeq)
	t.writeMu.Lock()
	_, err := conn.Write(raw)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Error("zboss send ACK failed", "err", err)
	}
}

// --- Read loop ---

func (t *ZBOSSTransport) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer t.wg.Done()

	t.lifecycleMu.Lock()
	reader, ackCh := t.reader, t.llAckCh
	t.lifecycleMu.Unlock()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-done:
			return
		default:
		}

		raw, err := readRawZBOSSFrame(reader)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				t.logger.Error("zboss read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			t.logger.Warn("zboss decode error", "err", err)
			continue
		}

		if zbossLLIsACK(frame.LL.Flags) {
			select {
			case ackCh <- zbossLLAckSeq(frame.LL.Flags):
			default:
			}
			continue
		}

		// Data frame: acknowledge before dispatching.
		t.sendACK(conn, zbossLLPktSeq(frame.LL.Flags))

		switch frame.HL.PacketType {
		case zbossHLResponse:
			t.hlMu.Lock()
			ch, ok := t.hlPending[frame.HL.TSN]
			t.hlMu.Unlock()
			if ok {
				select {
				case ch <- frame:
				default:
				}
			} else {
				t.logger.Warn("zboss orphaned response",
					"cmd", zbossCmdName(frame.HL.CallID),
					"tsn", frame.HL.TSN,
					"status", zbossStatusName(frame.HL.StatusCat, frame.HL.StatusCode))
			}
		case zbossHLIndication:
			t.handleIndication(frame)
		}
	}
}

// --- Indications ---

func (t *ZBOSSTransport) handleIndication(f *zbossFrame) {
	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// nwk_addr(2) + ieee(8) + capability(1), re-shaped as a ZDO Device_annce.
		if len(f.Payload) < 11 {
			return
		}
		nwk := NodeID(binary.LittleEndian.Uint16(f.Payload[0:2]))
		zdo := make([]byte, 0, 12)
		zdo = append(zdo, 0x00)
		zdo = append(zdo, f.Payload[0:11]...)
		t.emit(ZDOResponseEvent{
			Sender:  nwk,
			Frame:   APSFrame{ProfileID: ProfileZDO, ClusterID: 0x0013},
			Payload: zdo,
		})

	case zbossCmdZDODevUpdateInd:
		// ieee(8) + nwk_addr(2) + status(1)
		if len(f.Payload) < 11 {
			return
		}
		ev := TrustCenterJoinEvent{
			EUI64:    EUI64FromWire(f.Payload[0:8]),
			NodeID:   NodeID(binary.LittleEndian.Uint16(f.Payload[8:10])),
			Decision: JoinPreconfiguredKey,
		}
		switch f.Payload[10] {
		case zbossDevUpdateSecureRejoin:
			ev.Status = DeviceSecuredRejoin
		case zbossDevUpdateUnsecureJoin:
			ev.Status = DeviceUnsecuredJoin
		case zbossDevUpdateLeft:
			ev.Status = DeviceLeft
			ev.Decision = JoinNoAction
		case zbossDevUpdateTCRejoin:
			ev.Status = DeviceUnsecuredRejoin
		default:
			t.logger.Warn("DevUpdateInd unknown status", "status", f.Payload[10])
			return
		}
		t.logger.Info("DevUpdateInd", "ieee", ev.EUI64, "nwk", ev.NodeID, "status", ev.Status)
		t.emit(ev)

	case zbossCmdNwkLeaveInd:
		// ieee(8) + rejoin(1)
		if len(f.Payload) < 8 {
			return
		}
		rejoin := len(f.Payload) >= 9 && f.Payload[8] != 0
		eui := EUI64FromWire(f.Payload[0:8])
		t.logger.Info("NwkLeaveInd", "ieee", eui, "rejoin", rejoin)
		if !rejoin {
			t.emit(DeviceLeftEvent{EUI64: eui})
		}

	case zbossCmdAPSDEDataInd:
		ind, err := parseAPSDEDataInd(f.Payload)
		if err != nil {
			t.logger.Warn("APSDE_DATA_IND", "err", err)
			return
		}
		frame := APSFrame{
			ProfileID:           ind.ProfileID,
			ClusterID:           ind.ClusterID,
			SourceEndpoint:      ind.SrcEP,
			DestinationEndpoint: ind.DstEP,
			GroupID:             ind.GroupAddr,
			Sequence:            ind.APSCounter,
		}
		if ind.ProfileID == ProfileZDO {
			t.emit(ZDOResponseEvent{Sender: NodeID(ind.SrcAddr), Frame: frame, Payload: ind.Data})
			return
		}
		t.emit(IncomingMessageEvent{
			Type:        ind.messageType(),
			Frame:       frame,
			LinkQuality: ind.LQI,
			RSSI:        ind.RSSI,
			Sender:      NodeID(ind.SrcAddr),
			Payload:     ind.Data,
		})

	case zbossCmdNCPResetInd:
		select {
		case t.resetIndCh <- struct{}{}:
		default:
		}
		if !t.resetting.Load() {
			t.logger.Error("NCPResetInd received unexpectedly")
			t.emit(FatalErrorEvent{Reason: "ncp reset indication"})
		}

	case zbossCmdSecurTCLKInd:
		if len(f.Payload) >= 8 {
			t.logger.Info("TC link key exchanged", "ieee", EUI64FromWire(f.Payload[0:8]))
		}

	case zbossCmdSecurTCLKExchangeFailInd:
		if len(f.Payload) >= 2 {
			t.logger.Error("TC link key exchange failed", "status", zbossStatusName(f.Payload[0], f.Payload[1]))
		}

	case zbossCmdZDODevAuthorizedInd:
		if len(f.Payload) >= 8 {
			t.logger.Info("ZDO_DevAuthorized", "ieee", EUI64FromWire(f.Payload[0:8]))
		}

	case zbossCmdNwkAddrUpdateInd:
		if len(f.Payload) >= 2 {
			t.logger.Warn("device changed short address", "nwk", NodeID(binary.LittleEndian.Uint16(f.Payload[0:2])))
		}

	case zbossCmdNwkStartedInd:
		t.logger.Debug("NwkStartedInd")

	default:
		t.logger.Warn("zboss unhandled indication",
			"cmd", zbossCmdName(f.HL.CallID),
			"payload", fmt.Sprintf("%X", f.Payload))
	}
}

// --- Reset ---

// resetAndReconnect resets the NCP and waits for it to re-enumerate.
func (t *ZBOSSTransport) resetAndReconnect(ctx context.Context, option uint8) error {
	t.resetting.Store(true)
	defer t.resetting.Store(false)

	// Send reset with all 3 possible LL packet sequences: after a host restart
	// the NCP's expected sequence is unknown. The NCP reboots without ACK.
	tsn := t.nextTSN()
	t.lifecycleMu.Lock()
	conn := t.conn
	t.lifecycleMu.Unlock()
	for _, seq := range []uint8{1, 2, 3} {
		raw := zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option})
		t.writeMu.Lock()
		_, _ = conn.Write(raw)
		t.writeMu.Unlock()
	}
	if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	t.logger.Info("NCP reset sent, waiting for reconnect", "option", option)

	_ = t.stop()

	for attempt := 1; attempt <= 30; attempt++ {
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
		conn, err := t.dial()
		if err != nil {
			t.logger.Debug("waiting for NCP", "attempt", attempt, "err", err)
			continue
		}
		t.start(conn)

		versionCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		resp, err := t.request(versionCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err == nil && resp.Status() == StatusOK {
			t.logger.Info("NCP reconnected after reset", "attempts", attempt)
			select {
			case <-t.resetIndCh:
			case <-time.After(3 * time.Second):
				t.logger.Warn("NCPResetInd not received, proceeding anyway")
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		t.logger.Debug("NCP not ready yet", "attempt", attempt, "err", err)
		_ = t.stop()
	}
	return fmt.Errorf("NCP did not recover after reset")
}

// --- Transport: network ---

func (t *ZBOSSTransport) setTCPolicy(ctx context.Context, policyType uint16, value uint8) error {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], policyType)
	buf[2] = value
	status, _, err := t.call(ctx, zbossCmdSetTCPolicy, buf)
	if err != nil {
		return err
	}
	return CheckStatus("set tc policy", status)
}

func (t *ZBOSSTransport) NetworkInit(ctx context.Context) (Status, error) {
	status, resp, err := t.call(ctx, zbossCmdGetJoined, nil)
	if err != nil || status != StatusOK {
		return status, err
	}
	if len(resp.Payload) < 1 || resp.Payload[0]&0x01 == 0 {
		return StatusNotJoined, nil
	}
	if status, _, err = t.call(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil || status != StatusOK {
		return status, err
	}
	if status, err = t.registerEndpoint(ctx); err != nil || status != StatusOK {
		return status, err
	}
	t.emit(StackStatusEvent{Status: StatusNetworkUp})
	return StatusOK, nil
}

// registerEndpoint registers the local HA endpoint after the network starts.
func (t *ZBOSSTransport) registerEndpoint(ctx context.Context) (Status, error) {
	desc := buildSimpleDescPayload(t.cfg.Endpoint, ProfileHA, 0x0005, 0, nil, nil)
	status, _, err := t.call(ctx, zbossCmdAFSetSimpleDesc, desc)
	return status, err
}

func (t *ZBOSSTransport) NetworkState(ctx context.Context) (NetworkStatus, error) {
	status, resp, err := t.call(ctx, zbossCmdGetJoined, nil)
	if err != nil {
		return NetworkStatusNoNetwork, err
	}
	if err := CheckStatus("get joined", status); err != nil {
		return NetworkStatusNoNetwork, err
	}
	if len(resp.Payload) >= 1 && resp.Payload[0]&0x01 != 0 {
		return NetworkStatusJoined, nil
	}
	return NetworkStatusNoNetwork, nil
}

func (t *ZBOSSTransport) GetNetworkParameters(ctx context.Context) (Status, NodeType, NetworkParameters, error) {
	var params NetworkParameters

	status, resp, err := t.call(ctx, zbossCmdGetZigbeeRole, nil)
	if err != nil || status != StatusOK {
		return status, NodeTypeUnknown, params, err
	}
	nodeType := NodeTypeUnknown
	if len(resp.Payload) >= 1 {
		switch resp.Payload[0] {
		case zbossRoleCoordinator:
			nodeType = NodeTypeCoordinator
		case zbossRoleRouter:
			nodeType = NodeTypeRouter
		case zbossRoleEndDevice:
			nodeType = NodeTypeEndDevice
		}
	}

	// channel_page(1) + channel(1)
	if status, resp, err = t.call(ctx, zbossCmdGetChannel, nil); err != nil || status != StatusOK {
		return status, nodeType, params, err
	}
	if len(resp.Payload) >= 2 {
		params.RadioChannel = resp.Payload[1]
	}

	if status, resp, err = t.call(ctx, zbossCmdGetPanID, nil); err != nil || status != StatusOK {
		return status, nodeType, params, err
	}
	if len(resp.Payload) >= 2 {
		params.PanID = binary.LittleEndian.Uint16(resp.Payload)
	}

	if status, resp, err = t.call(ctx, zbossCmdGetExtPanID, nil); err != nil || status != StatusOK {
		return status, nodeType, params, err
	}
	if len(resp.Payload) >= 8 {
		params.ExtendedPanID = ExtendedPanID(EUI64FromWire(resp.Payload[:8]))
	}

	if status, resp, err = t.call(ctx, zbossCmdGetTxPower, nil); err == nil && status == StatusOK && len(resp.Payload) >= 1 {
		params.RadioTxPower = int8(resp.Payload[0])
	}
	params.Channels = uint32(1) << params.RadioChannel
	return StatusOK, nodeType, params, nil
}

func (t *ZBOSSTransport) GetEUI64(ctx context.Context) (EUI64, error) {
	// mac_interface_num(1) = 0; response: mac_interface_num(1) + ieee(8)
	status, resp, err := t.call(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return EUI64{}, fmt.Errorf("get local ieee: %w", err)
	}
	if err := CheckStatus("get local ieee", status); err != nil {
		return EUI64{}, err
	}
	if len(resp.Payload) < 9 {
		return EUI64{}, fmt.Errorf("get local ieee: short payload %d", len(resp.Payload))
	}
	return EUI64FromWire(resp.Payload[1:9]), nil
}

func (t *ZBOSSTransport) GetNodeID(ctx context.Context) (NodeID, error) {
	status, resp, err := t.call(ctx, zbossCmdGetShortAddr, nil)
	if err != nil {
		return 0, fmt.Errorf("get short addr: %w", err)
	}
	if err := CheckStatus("get short addr", status); err != nil {
		return 0, err
	}
	if len(resp.Payload) < 2 {
		return 0, fmt.Errorf("get short addr: short payload %d", len(resp.Payload))
	}
	return NodeID(binary.LittleEndian.Uint16(resp.Payload)), nil
}

func (t *ZBOSSTransport) FormNetwork(ctx context.Context, params NetworkParameters) (Status, error) {
	t.secMu.Lock()
	sec := t.security
	t.secMu.Unlock()

	ext := EUI64(params.ExtendedPanID).Wire()
	channelMask := uint32(1) << params.RadioChannel

	steps := []struct {
		name    string
		callID  uint16
		payload []byte
	}{
		{"set role", zbossCmdSetZigbeeRole, []byte{zbossRoleCoordinator}},
		{"set ext pan id", zbossCmdSetExtPanID, ext[:]},
		{"set channel mask", zbossCmdSetChannelMask, binary.LittleEndian.AppendUint32([]byte{0x00}, channelMask)},
		{"set nwk key", zbossCmdSetNwkKey, append(sec.NetworkKey[:], sec.NetworkKeySequenceNumber)},
	}
	for _, s := range steps {
		status, _, err := t.call(ctx, s.callID, s.payload)
		if err != nil {
			return StatusFail, fmt.Errorf("%s: %w", s.name, err)
		}
		if status != StatusOK {
			t.logger.Error("form network step failed", "step", s.name, "status", status)
			return status, nil
		}
	}

	// channelList(1+5) + scanDuration(1) + distNetFlag(1) + distNetAddr(2) + extPanId(8)
	formBuf := make([]byte, 18)
	formBuf[0] = 0x01
	formBuf[1] = 0x00
	binary.LittleEndian.PutUint32(formBuf[2:6], channelMask)
	formBuf[6] = 0x05
	copy(formBuf[10:18], ext[:])

	// NwkFormation may fail transiently after a factory reset while the MAC
	// layer finishes initialization.
	var status Status
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		status, _, err = t.call(ctx, zbossCmdNwkFormation, formBuf)
		if err != nil {
			return StatusFail, fmt.Errorf("form network: %w", err)
		}
		if status == StatusOK {
			break
		}
		t.logger.Warn("NwkFormation failed, retrying", "attempt", attempt, "status", status)
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return StatusFail, err
		}
	}
	if status != StatusOK {
		return status, nil
	}

	// PAN ID is applied after formation on ZBOSS.
	post := []struct {
		name    string
		callID  uint16
		payload []byte
	}{
		{"set pan id", zbossCmdSetPanID, binary.LittleEndian.AppendUint16(nil, params.PanID)},
		{"set rx on when idle", zbossCmdSetRxOnWhenIdle, []byte{0x01}},
		{"set tx power", zbossCmdSetTxPower, []byte{byte(params.RadioTxPower)}},
		{"set ED timeout", zbossCmdSetEDTimeout, []byte{0x08}},
		{"set max children", zbossCmdSetMaxChildren, []byte{100}},
	}
	for _, s := range post {
		st, _, err := t.call(ctx, s.callID, s.payload)
		if err != nil {
			return StatusFail, fmt.Errorf("%s: %w", s.name, err)
		}
		if st != StatusOK {
			t.logger.Warn("form network post step", "step", s.name, "status", st)
		}
	}

	if st, err := t.registerEndpoint(ctx); err != nil || st != StatusOK {
		return st, err
	}
	t.emit(StackStatusEvent{Status: StatusNetworkUp})
	return StatusOK, nil
}

func (t *ZBOSSTransport) LeaveNetwork(ctx context.Context) (Status, error) {
	if err := t.resetAndReconnect(ctx, zbossResetFactory); err != nil {
		return StatusFail, fmt.Errorf("leave network: %w", err)
	}
	t.emit(StackStatusEvent{Status: StatusNetworkDown})
	return StatusOK, nil
}

func (t *ZBOSSTransport) PermitJoining(ctx context.Context, seconds uint8) (Status, error) {
	// dest_short(2) + duration(1) + tc_significance(1)
	status, _, err := t.call(ctx, zbossCmdZDOPermitJoiningReq, []byte{0x00, 0x00, seconds, 0x01})
	if err != nil || status != StatusOK {
		return status, err
	}
	if seconds > 0 {
		t.emit(StackStatusEvent{Status: StatusNetworkOpened})
	} else {
		t.emit(StackStatusEvent{Status: StatusNetworkClosed})
	}
	return StatusOK, nil
}

func (t *ZBOSSTransport) SetRadioPower(ctx context.Context, dbm int8) (Status, error) {
	status, _, err := t.call(ctx, zbossCmdSetTxPower, []byte{byte(dbm)})
	return status, err
}

func (t *ZBOSSTransport) SetManufacturerCode(_ context.Context, code uint16) (Status, error) {
	t.logger.Debug("manufacturer code override not supported by ZBOSS", "code", fmt.Sprintf("0x%04X", code))
	return StatusNotSupported, nil
}

func (t *ZBOSSTransport) SetMulticastTableEntry(ctx context.Context, _ int, entry MulticastTableEntry) (Status, error) {
	buf := binary.LittleEndian.AppendUint16(nil, entry.GroupID)
	buf = append(buf, entry.Endpoint)
	status, _, err := t.call(ctx, zbossCmdAPSAddGroup, buf)
	return status, err
}

func (t *ZBOSSTransport) StartWritingStackTokens(context.Context) (Status, error) {
	// ZBOSS persists its datasets to NVRAM on its own.
	return StatusOK, nil
}

// --- Transport: security ---

func (t *ZBOSSTransport) SetInitialSecurityState(_ context.Context, state SecurityState) (Status, error) {
	if state.PreconfiguredKey != WellKnownLinkKey && state.Bitmask&SecurityHavePreconfiguredKey != 0 &&
		state.Bitmask&SecurityTrustCenterUsesHashedLinkKey == 0 {
		t.logger.Warn("ZBOSS ignores custom preconfigured link keys")
	}
	t.secMu.Lock()
	t.security = state
	t.secMu.Unlock()
	return StatusOK, nil
}

func (t *ZBOSSTransport) SetExtendedSecurityBitmask(ctx context.Context, mask ExtendedSecurityBitmask) (Status, error) {
	var required uint8
	if mask&ExtSecurityJoinerGlobalLinkKey == 0 {
		required = 1
	}
	if err := t.setTCPolicy(ctx, zbossTCPolicyLinkKeysRequired, required); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Status, nil
		}
		return StatusFail, err
	}
	return StatusOK, nil
}

func (t *ZBOSSTransport) ExportKey(ctx context.Context, kind KeyType) (Key, Status, error) {
	switch kind {
	case KeyTypeTrustCenterLinkKey:
		return WellKnownLinkKey, StatusOK, nil
	case KeyTypeNetwork:
		status, resp, err := t.call(ctx, zbossCmdGetNwkKeys, nil)
		if err != nil || status != StatusOK {
			return Key{}, status, err
		}
		// [key(16) + seq(1)] x 3, active key first
		if len(resp.Payload) < 17 {
			return Key{}, StatusFail, fmt.Errorf("get nwk keys: short payload %d", len(resp.Payload))
		}
		var k Key
		copy(k[:], resp.Payload[:16])
		return k, StatusOK, nil
	default:
		return Key{}, StatusInvalidParameter, nil
	}
}

func (t *ZBOSSTransport) GetNetworkKeyInfo(ctx context.Context) (Status, NetworkKeyInfo, error) {
	status, resp, err := t.call(ctx, zbossCmdGetNwkKeys, nil)
	if err != nil || status != StatusOK {
		return status, NetworkKeyInfo{}, err
	}
	if len(resp.Payload) < 17 {
		return StatusFail, NetworkKeyInfo{}, fmt.Errorf("get nwk keys: short payload %d", len(resp.Payload))
	}
	var zero Key
	var k Key
	copy(k[:], resp.Payload[:16])
	return StatusOK, NetworkKeyInfo{
		NetworkKeySet:  k != zero,
		SequenceNumber: resp.Payload[16],
	}, nil
}

func (t *ZBOSSTransport) KeyTableSize(context.Context) (int, Status, error) {
	return 0, StatusOK, nil
}

func (t *ZBOSSTransport) ClearKeyTable(context.Context) (Status, error) {
	// Cleared by the factory reset issued on leave.
	return StatusOK, nil
}

func (t *ZBOSSTransport) ImportLinkKey(context.Context, int, EUI64, Key) (Status, error) {
	return StatusNotSupported, nil
}

func (t *ZBOSSTransport) EraseKeyTableEntry(context.Context, int) (Status, error) {
	return StatusNotSupported, nil
}

func (t *ZBOSSTransport) ExportLinkKeyByIndex(context.Context, int) (LinkKey, Status, error) {
	return LinkKey{}, StatusNotSupported, nil
}

func (t *ZBOSSTransport) ImportTransientKey(_ context.Context, eui64 EUI64, key Key) (Status, error) {
	if key == WellKnownLinkKey {
		return StatusOK, nil
	}
	t.logger.Warn("transient link keys not supported by ZBOSS", "ieee", eui64)
	return StatusNotSupported, nil
}

// --- Transport: messaging ---

func (t *ZBOSSTransport) SendUnicast(ctx context.Context, dest NodeID, frame *APSFrame, tag uint8, payload []byte) (Status, error) {
	var opts uint8
	if frame.Options&APSOptionRetry != 0 {
		opts |= zbossTxOptionAPSACK
	}
	return t.sendAPS(ctx, OutgoingDirect, dest, apsdeDataReq{
		DstAddr:   uint16(dest),
		AddrMode:  zbossAddrModeShort,
		TxOptions: opts,
		Radius:    0,
	}, frame, tag, payload)
}

func (t *ZBOSSTransport) SendMulticast(ctx context.Context, frame *APSFrame, radius uint8, tag uint8, payload []byte) (Status, error) {
	return t.sendAPS(ctx, OutgoingMulticast, NodeID(frame.GroupID), apsdeDataReq{
		DstAddr:  frame.GroupID,
		AddrMode: zbossAddrModeGroup,
		Radius:   radius,
	}, frame, tag, payload)
}

func (t *ZBOSSTransport) SendBroadcast(ctx context.Context, dest NodeID, frame *APSFrame, radius uint8, tag uint8, payload []byte) (Status, error) {
	status, err := t.sendAPS(ctx, OutgoingBroadcast, dest, apsdeDataReq{
		DstAddr:  uint16(dest),
		AddrMode: zbossAddrModeShort,
		Radius:   radius,
	}, frame, tag, payload)
	if err != nil || status != StatusOK {
		return status, err
	}
	if channel, ok := channelChangeTarget(frame, payload); ok {
		t.watchChannelChange(channel)
	}
	return StatusOK, nil
}

const (
	zdoMgmtNwkUpdateReq        uint16 = 0x0038
	zdoScanDurationChannelMove uint8  = 0xFE

	channelChangePollInterval = 500 * time.Millisecond
	channelChangeWatchTimeout = 30 * time.Second
)

// channelChangeTarget reports the channel a broadcast Mgmt_NWK_Update_req
// moves the network to. payload starts with the ZDO sequence number.
func channelChangeTarget(frame *APSFrame, payload []byte) (uint8, bool) {
	if frame.ProfileID != ProfileZDO || frame.ClusterID != zdoMgmtNwkUpdateReq || len(payload) < 6 {
		return 0, false
	}
	if payload[5] != zdoScanDurationChannelMove {
		return 0, false
	}
	mask := binary.LittleEndian.Uint32(payload[1:5])
	if bits.OnesCount32(mask) != 1 {
		return 0, false
	}
	return uint8(bits.TrailingZeros32(mask)), true
}

// watchChannelChange polls the NCP channel until it reaches channel and then
// raises StatusChannelChanged. ZBOSS sends no indication for the move.
func (t *ZBOSSTransport) watchChannelChange(channel uint8) {
	done := t.doneCh()
	t.watchers.Add(1)
	go func() {
		defer t.watchers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), channelChangeWatchTimeout)
		defer cancel()
		tick := time.NewTicker(channelChangePollInterval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				t.logger.Warn("channel change not observed", "channel", channel)
				return
			case <-tick.C:
			}
			status, resp, err := t.call(ctx, zbossCmdGetChannel, nil)
			if err != nil || status != StatusOK || len(resp.Payload) < 2 {
				continue
			}
			if resp.Payload[1] == channel {
				t.logger.Info("ncp moved to new channel", "channel", channel)
				t.emit(StackStatusEvent{Status: StatusChannelChanged})
				return
			}
		}
	}()
}

// sendAPS writes APSDE_DATA_REQ and returns once the NCP has taken it. The
// delivery confirmation arrives later as a MessageSentEvent.
func (t *ZBOSSTransport) sendAPS(ctx context.Context, kind OutgoingMessageType, dest NodeID, req apsdeDataReq, frame *APSFrame, tag uint8, payload []byte) (Status, error) {
	req.DstEP = frame.DestinationEndpoint
	req.SrcEP = frame.SourceEndpoint
	req.ClusterID = frame.ClusterID
	req.ProfileID = frame.ProfileID

	tsn, ch, err := t.begin(ctx, zbossCmdAPSDEDataReq, buildAPSDEDataReq(req, payload))
	if err != nil {
		return StatusFail, err
	}
	frame.Sequence = uint8(t.apsSeq.Add(1))
	sent := *frame

	t.watchers.Add(1)
	go func() {
		defer t.watchers.Done()
		defer t.release(tsn)
		wctx, cancel := context.WithTimeout(context.Background(), sendConfirmTimeout)
		defer cancel()
		status := StatusDeliveryFailed
		if resp, err := t.await(wctx, zbossCmdAPSDEDataReq, tsn, ch); err == nil && resp.Status() == StatusOK {
			status = StatusOK
		}
		t.emit(MessageSentEvent{Status: status, Type: kind, Destination: dest, Frame: sent, Tag: tag})
	}()
	return StatusOK, nil
}
