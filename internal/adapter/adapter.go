// Package adapter is the host-side façade over a Zigbee NCP. Every operation
// runs as a task on the dispatch queue; asynchronous NCP events are routed
// by a single dispatch goroutine to the waitress, the network cache and the
// event bus.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zigbee-ncp-host/internal/backup"
	"zigbee-ncp-host/internal/bootstrap"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/netcache"
	"zigbee-ncp-host/internal/queue"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/waitress"
)

// Request timeouts.
const (
	DefaultZDOTimeout           = 15 * time.Second
	DefaultZCLTimeout           = 15 * time.Second
	DefaultNetworkTimeout       = 10 * time.Second
	DefaultChannelChangeTimeout = 2 * DefaultNetworkTimeout
	DefaultFatalRestartDelay    = 500 * time.Millisecond
)

// DefaultEndpoint is the coordinator's application endpoint.
const DefaultEndpoint uint8 = 1

// DefaultMulticastGroup is registered on the coordinator endpoint at start.
const DefaultMulticastGroup uint16 = 0x0385

var (
	ErrNotStarted     = errors.New("adapter: not started")
	ErrAlreadyStarted = errors.New("adapter: already started")
	ErrInvalidChannel = errors.New("adapter: channel must be 11-26")
	ErrNoNetworkKey   = errors.New("adapter: network key not set")
)

// Config holds adapter configuration.
type Config struct {
	Network bootstrap.Network

	DispatchDelay time.Duration
	MaxRetries    int
	// TransmitPower, when set, is applied after the network is up.
	TransmitPower *int8
	// BackupPath is the backup file read at start and written by Backup.
	// Empty disables file backups.
	BackupPath string
	// Source is recorded in backup metadata.
	Source string

	Endpoint        uint8
	MulticastGroups []uint16

	DefaultManufacturerCode uint16

	ZDOTimeout           time.Duration
	ZCLTimeout           time.Duration
	NetworkTimeout       time.Duration
	ChannelChangeTimeout time.Duration
	FatalRestartDelay    time.Duration
}

func (c *Config) setDefaults() {
	if c.Endpoint == 0 {
		c.Endpoint = DefaultEndpoint
	}
	if c.MulticastGroups == nil {
		c.MulticastGroups = []uint16{DefaultMulticastGroup}
	}
	if c.DefaultManufacturerCode == 0 {
		c.DefaultManufacturerCode = ManufacturerSiliconLabs
	}
	if c.ZDOTimeout <= 0 {
		c.ZDOTimeout = DefaultZDOTimeout
	}
	if c.ZCLTimeout <= 0 {
		c.ZCLTimeout = DefaultZCLTimeout
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.ChannelChangeTimeout <= 0 {
		c.ChannelChangeTimeout = DefaultChannelChangeTimeout
	}
	if c.FatalRestartDelay <= 0 {
		c.FatalRestartDelay = DefaultFatalRestartDelay
	}
}

// Sequence is a wrapping transaction counter. The zero value is ready; the
// first Next returns 1.
type Sequence struct {
	mu   sync.Mutex
	v    uint8
	mask uint8
}

// NewSequence returns a counter masked with mask.
func NewSequence(mask uint8) *Sequence {
	return &Sequence{mask: mask}
}

// Next advances the counter and returns the new value.
func (s *Sequence) Next() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = (s.v + 1) & s.mask
	return s.v
}

// Adapter drives one NCP.
type Adapter struct {
	transport ncp.Transport
	store     store.Store
	bus       *EventBus
	queue     *queue.Queue
	waitress  *waitress.Waitress
	cache     *netcache.Cache
	cfg       Config
	logger    *slog.Logger

	zdoSeq *Sequence
	zclSeq *Sequence

	// lifecycleMu serializes Start and Stop.
	lifecycleMu  sync.Mutex
	running      atomic.Bool
	restarting   atomic.Bool
	info         atomic.Pointer[ncp.Info]
	stopDispatch chan struct{}
	dispatchDone chan struct{}

	manufCode atomic.Uint32
	// manufCodeFixed is set when the NCP cannot change its manufacturer code.
	manufCodeFixed atomic.Bool

	multicastMu sync.Mutex
	multicast   []uint16
}

// New creates a stopped adapter. st may be nil when no device table is kept.
func New(t ncp.Transport, st store.Store, bus *EventBus, cfg Config, logger *slog.Logger) *Adapter {
	cfg.setDefaults()
	logger = logger.With("component", "adapter")
	a := &Adapter{
		transport: t,
		store:     st,
		bus:       bus,
		queue:     queue.New(queue.Config{Delay: cfg.DispatchDelay, MaxRetries: cfg.MaxRetries}, logger.With("component", "queue")),
		waitress:  waitress.New(logger.With("component", "waitress")),
		cache:     netcache.New(t),
		cfg:       cfg,
		logger:    logger,
		zdoSeq:    NewSequence(0x7F),
		zclSeq:    NewSequence(0xFF),
	}
	a.manufCode.Store(uint32(cfg.DefaultManufacturerCode))
	return a
}

// Events returns the event bus.
func (a *Adapter) Events() *EventBus {
	return a.bus
}

// Store returns the device store, nil if none.
func (a *Adapter) Store() store.Store {
	return a.store
}

// Running reports whether Start completed and Stop has not been called.
func (a *Adapter) Running() bool {
	return a.running.Load()
}

// Info returns the NCP version information read at start, nil before.
func (a *Adapter) Info() *ncp.Info {
	return a.info.Load()
}

// NextTransactionSequence allocates a ZCL transaction sequence number.
func (a *Adapter) NextTransactionSequence() uint8 {
	return a.zclSeq.Next()
}

// Start opens the transport, brings the network up and starts the queue.
func (a *Adapter) Start(ctx context.Context) (bootstrap.StartResult, error) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.running.Load() {
		return "", ErrAlreadyStarted
	}

	info, err := a.transport.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open transport: %w", err)
	}
	a.info.Store(info)
	a.logger.Info("ncp opened", "stack_version", info.StackVersion, "key_table_size", info.KeyTableSize)

	a.startDispatch()

	eng := bootstrap.New(a.transport, a.waitress, bootstrap.Config{
		Network:        a.cfg.Network,
		LoadBackup:     a.loadBackup,
		NetworkTimeout: a.cfg.NetworkTimeout,
	}, a.logger)
	res, err := eng.Run(ctx)
	if err != nil {
		a.haltDispatch()
		return "", fmt.Errorf("bootstrap: %w", err)
	}

	if err := a.initStack(ctx); err != nil {
		a.haltDispatch()
		return "", err
	}

	a.queue.Start()
	a.running.Store(true)
	a.logger.Info("adapter started", "result", res.Outcome, "trace", fmt.Sprint(res.Trace))
	a.bus.Emit(Event{Type: EventNetworkState, Data: NetworkStatePayload{State: "started"}})
	return res.Outcome, nil
}

// initStack configures the NCP after bootstrap. It runs before the queue
// starts, so it is the only transport caller.
func (a *Adapter) initStack(ctx context.Context) error {
	a.multicastMu.Lock()
	a.multicast = a.multicast[:0]
	a.multicastMu.Unlock()

	for _, group := range a.cfg.MulticastGroups {
		idx := a.reserveMulticast(group)
		if idx < 0 {
			continue
		}
		st, err := a.transport.SetMulticastTableEntry(ctx, idx, ncp.MulticastTableEntry{GroupID: group, Endpoint: a.cfg.Endpoint})
		if err := checkCall("register multicast group", st, err); err != nil {
			return err
		}
		a.logger.Debug("registered multicast table entry", "index", idx, "group", fmt.Sprintf("0x%04X", group))
	}

	code := a.cfg.DefaultManufacturerCode
	st, err := a.transport.SetManufacturerCode(ctx, code)
	a.manufCodeFixed.Store(err == nil && st == ncp.StatusNotSupported)
	if a.manufCodeFixed.Load() {
		a.logger.Debug("ncp keeps its own manufacturer code, join overrides disabled")
	} else if err := checkCall("set manufacturer code", st, err); err != nil {
		return err
	}
	a.manufCode.Store(uint32(code))

	if a.cfg.TransmitPower != nil {
		st, err := a.transport.SetRadioPower(ctx, *a.cfg.TransmitPower)
		if err := checkCall("set transmit power", st, err); err != nil {
			return err
		}
		a.cache.InvalidateAll()
	}
	return nil
}

// Stop writes a final backup when the network is up, then drains the queue
// and stops event dispatch. The transport stays open.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.stop(ctx, true)
}

func (a *Adapter) stop(ctx context.Context, finalBackup bool) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.running.Load() {
		return nil
	}

	if finalBackup && (a.cfg.BackupPath != "" || a.store != nil) {
		if _, err := a.backupIfJoined(ctx); err != nil {
			a.logger.Error("final backup", "err", err)
		}
	}

	a.running.Store(false)
	a.queue.Stop()
	if err := a.queue.Wait(ctx); err != nil {
		a.logger.Warn("queue did not drain", "err", err)
	}
	if n := a.queue.Clear(ErrNotStarted); n > 0 {
		a.logger.Debug("dropped queued tasks", "count", n)
	}
	if n := a.waitress.Clear(); n > 0 {
		a.logger.Debug("dropped waiters", "count", n)
	}
	a.haltDispatch()
	a.cache.InvalidateAll()
	a.manufCode.Store(uint32(a.cfg.DefaultManufacturerCode))

	a.logger.Info("adapter stopped")
	a.bus.Emit(Event{Type: EventNetworkState, Data: NetworkStatePayload{State: "stopped"}})
	return nil
}

func (a *Adapter) loadBackup() (*backup.Backup, error) {
	if a.cfg.BackupPath == "" {
		return nil, fs.ErrNotExist
	}
	return backup.Load(a.cfg.BackupPath)
}

// do runs fn as a queued task.
func (a *Adapter) do(ctx context.Context, fn func(ctx context.Context) (ncp.Status, error), opts ...queue.Option) error {
	if !a.running.Load() {
		return ErrNotStarted
	}
	return queue.Do(ctx, a.queue, fn, opts...)
}

// call runs fn as a queued task returning a value.
func call[T any](ctx context.Context, a *Adapter, fn func(ctx context.Context) (T, ncp.Status, error), opts ...queue.Option) (T, error) {
	if !a.running.Load() {
		var zero T
		return zero, ErrNotStarted
	}
	return queue.Call(ctx, a.queue, fn, opts...)
}

// Pending is a registered ZCL expectation returned by WaitFor.
type Pending struct {
	waiter   *waitress.Waiter
	waitress *waitress.Waitress
}

// Wait blocks until the frame arrives, the timeout fires or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*waitress.ZCLPayload, error) {
	return p.waiter.WaitZCL(ctx)
}

// Cancel drops the expectation. A later matching frame is not consumed.
func (p *Pending) Cancel() {
	p.waitress.Remove(p.waiter.ID())
}

// WaitFor registers an expectation and arms its timer immediately. A zero
// timeout waits three times the ZCL timeout.
func (a *Adapter) WaitFor(m waitress.Matcher, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = 3 * a.cfg.ZCLTimeout
	}
	return &Pending{waiter: a.waitress.WaitFor(m, timeout), waitress: a.waitress}
}

func checkCall(op string, st ncp.Status, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ncp.CheckStatus(op, st)
}
