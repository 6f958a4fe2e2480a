package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"zigbee-ncp-host/internal/backup"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/security"
	"zigbee-ncp-host/internal/waitress"
)

const (
	DefaultNetworkTimeout = 10 * time.Second
	DefaultLeaveSettle    = 200 * time.Millisecond

	// FrameCounterWarnThreshold is where the network key frame counter is
	// considered close to wrapping.
	FrameCounterWarnThreshold uint32 = 0xFEEEEEEE

	formTxPower int8 = 5
)

// Config parameterizes an Engine.
type Config struct {
	Network Network
	// LoadBackup returns the stored backup. An error matching fs.ErrNotExist
	// means there is none.
	LoadBackup     func() (*backup.Backup, error)
	NetworkTimeout time.Duration
	LeaveSettle    time.Duration
	// RandomKey generates the trust center link key of a fresh network.
	RandomKey func() (ncp.Key, error)
}

// Result is the outcome of Run.
type Result struct {
	Trace   []State
	Outcome StartResult
	// FrameCounterWarning is set when the backed-up network key frame
	// counter is close to wrapping.
	FrameCounterWarning bool
}

// Engine drives the bootstrap machine against a transport. Stack status
// events from the transport must reach the waitress while Run executes.
type Engine struct {
	transport ncp.Transport
	waitress  *waitress.Waitress
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine. Zero durations take their defaults.
func New(t ncp.Transport, w *waitress.Waitress, cfg Config, logger *slog.Logger) *Engine {
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.LeaveSettle <= 0 {
		cfg.LeaveSettle = DefaultLeaveSettle
	}
	if cfg.RandomKey == nil {
		cfg.RandomKey = security.RandomKey
	}
	return &Engine{transport: t, waitress: w, cfg: cfg, logger: logger.With("component", "bootstrap")}
}

// Run initializes the network and returns the visited states.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var res Result

	live, err := e.initNetwork(ctx)
	if err != nil {
		return res, err
	}

	bk, err := e.loadBackup()
	if err != nil {
		return res, err
	}

	in := Inputs{Live: live, Backup: bk, Network: e.cfg.Network}
	res.Outcome = Resumed
	for state := Decide(in); ; state = Next(state, in) {
		res.Trace = append(res.Trace, state)
		e.logger.Debug("bootstrap state", "state", state.String())

		switch state {
		case Leave:
			e.logger.Info("ncp network does not match config, leaving")
			if err := e.leave(ctx); err != nil {
				return res, err
			}
		case Left:
			if bk == nil {
				e.logger.Info("no valid backup found")
			} else if !BackupMatches(bk, e.cfg.Network) {
				e.logger.Info("config does not match backup")
			}
		case FormBackup:
			e.logger.Info("forming network from backup")
			if err := e.formFromBackup(ctx, bk); err != nil {
				return res, err
			}
			res.Outcome = Restored
		case FormConfig:
			e.logger.Info("forming network from config")
			if err := e.formFromConfig(ctx); err != nil {
				return res, err
			}
			res.Outcome = Reset
		case Done:
			if res.Outcome == Resumed {
				e.logger.Info("ncp network matches config")
			}
			if bk != nil && bk.NetworkKeyFrameCounter > FrameCounterWarnThreshold {
				res.FrameCounterWarning = true
				e.logger.Warn("network key frame counter is reaching its limit, a new network key will be needed soon",
					"frame_counter", bk.NetworkKeyFrameCounter)
			}
			return res, nil
		}
	}
}

// initNetwork resumes the stored network if any. It returns nil when the
// NCP is not joined.
func (e *Engine) initNetwork(ctx context.Context) (*Live, error) {
	up := e.waitress.WaitFor(waitress.ForEvent(waitress.NetworkUp), e.cfg.NetworkTimeout)
	st, err := e.transport.NetworkInit(ctx)
	if err != nil {
		e.waitress.Remove(up.ID())
		return nil, fmt.Errorf("network init: %w", err)
	}
	e.logger.Debug("network init", "status", st.String())

	switch st {
	case ncp.StatusOK:
	case ncp.StatusNotJoined:
		e.waitress.Remove(up.ID())
		return nil, nil
	default:
		e.waitress.Remove(up.ID())
		return nil, fmt.Errorf("network init: %w", &ncp.StatusError{Op: "network init", Status: st})
	}
	if err := e.await(ctx, up, "network init"); err != nil {
		return nil, err
	}

	st, nodeType, params, err := e.transport.GetNetworkParameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("get network parameters: %w", err)
	}
	if st != ncp.StatusOK {
		e.logger.Warn("could not read network parameters", "status", st.String())
		return &Live{NodeType: ncp.NodeTypeUnknown}, nil
	}
	live := &Live{NodeType: nodeType, PanID: params.PanID, ExtendedPanID: params.ExtendedPanID}
	e.logger.Debug("current ncp network",
		"node_type", nodeType.String(),
		"pan_id", fmt.Sprintf("0x%04X", params.PanID),
		"extended_pan_id", params.ExtendedPanID.String(),
		"channel", params.RadioChannel)

	if nodeType == ncp.NodeTypeCoordinator && params.PanID == e.cfg.Network.PanID && params.ExtendedPanID == e.cfg.Network.ExtendedPanID {
		key, st, err := e.transport.ExportKey(ctx, ncp.KeyTypeNetwork)
		if err != nil {
			return nil, fmt.Errorf("export network key: %w", err)
		}
		if err := ncp.CheckStatus("export network key", st); err != nil {
			return nil, err
		}
		live.NetworkKey = &key
	}
	return live, nil
}

func (e *Engine) loadBackup() (*backup.Backup, error) {
	if e.cfg.LoadBackup == nil {
		return nil, nil
	}
	bk, err := e.cfg.LoadBackup()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bk, nil
}

func (e *Engine) leave(ctx context.Context) error {
	down := e.waitress.WaitFor(waitress.ForEvent(waitress.NetworkDown), e.cfg.NetworkTimeout)
	st, err := e.transport.LeaveNetwork(ctx)
	if err := checkCall("leave network", st, err); err != nil {
		e.waitress.Remove(down.ID())
		return err
	}
	if err := e.await(ctx, down, "leave network"); err != nil {
		return err
	}

	t := time.NewTimer(e.cfg.LeaveSettle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) formFromBackup(ctx context.Context, bk *backup.Backup) error {
	err := security.ImportLinkKeys(ctx, e.transport, bk.LinkKeys())
	switch {
	case errors.Is(err, security.ErrNoKeyTable):
		e.logger.Warn("ncp has no key table, device link keys not restored", "devices", len(bk.Devices))
	case err != nil:
		return err
	default:
		e.logger.Info("imported link keys", "count", len(bk.LinkKeys()))
	}
	return e.form(ctx, formParams{
		fromBackup:  true,
		networkKey:  bk.NetworkKey,
		keySequence: bk.NetworkKeySequence,
		panID:       bk.PanID,
		extPanID:    bk.ExtendedPanID,
		channel:     bk.Channel,
		tcLinkKey:   bk.HashedTCLK,
	})
}

func (e *Engine) formFromConfig(ctx context.Context) error {
	n := e.cfg.Network
	if len(n.ChannelList) == 0 {
		return errors.New("form network: empty channel list")
	}
	tclk, err := e.cfg.RandomKey()
	if err != nil {
		return err
	}
	return e.form(ctx, formParams{
		networkKey: n.NetworkKey,
		panID:      n.PanID,
		extPanID:   n.ExtendedPanID,
		channel:    n.ChannelList[0],
		tcLinkKey:  tclk,
	})
}

type formParams struct {
	fromBackup  bool
	networkKey  ncp.Key
	keySequence uint8
	panID       uint16
	extPanID    ncp.ExtendedPanID
	channel     uint8
	tcLinkKey   ncp.Key
}

func (e *Engine) form(ctx context.Context, p formParams) error {
	state := ncp.SecurityState{
		Bitmask: ncp.SecurityTrustCenterGlobalLinkKey |
			ncp.SecurityHavePreconfiguredKey |
			ncp.SecurityHaveNetworkKey |
			ncp.SecurityTrustCenterUsesHashedLinkKey |
			ncp.SecurityRequireEncryptedKey,
		PreconfiguredKey:         p.tcLinkKey,
		NetworkKey:               p.networkKey,
		NetworkKeySequenceNumber: p.keySequence,
	}
	if p.fromBackup {
		state.Bitmask |= ncp.SecurityNoFrameCounterReset
	}
	st, err := e.transport.SetInitialSecurityState(ctx, state)
	if err := checkCall("set initial security state", st, err); err != nil {
		return err
	}

	ext := ncp.ExtSecurityJoinerGlobalLinkKey | ncp.ExtSecurityNwkLeaveRequestNotAllowed
	st, err = e.transport.SetExtendedSecurityBitmask(ctx, ext)
	if err := checkCall("set extended security bitmask", st, err); err != nil {
		return err
	}

	if !p.fromBackup {
		size, st, err := e.transport.KeyTableSize(ctx)
		if err != nil {
			return fmt.Errorf("key table size: %w", err)
		}
		if st == ncp.StatusOK && size > 0 {
			st, err := e.transport.ClearKeyTable(ctx)
			if err := checkCall("clear key table", st, err); err != nil {
				return err
			}
		}
	}

	params := ncp.NetworkParameters{
		PanID:         p.panID,
		ExtendedPanID: p.extPanID,
		RadioTxPower:  formTxPower,
		RadioChannel:  p.channel,
		NwkManagerID:  ncp.CoordinatorAddress,
		NwkUpdateID:   0,
		Channels:      ncp.AllChannelsMask,
	}
	e.logger.Info("forming network",
		"pan_id", fmt.Sprintf("0x%04X", params.PanID),
		"extended_pan_id", params.ExtendedPanID.String(),
		"channel", params.RadioChannel,
		"from_backup", p.fromBackup)

	up := e.waitress.WaitFor(waitress.ForEvent(waitress.NetworkUp), e.cfg.NetworkTimeout)
	st, err = e.transport.FormNetwork(ctx, params)
	if err := checkCall("form network", st, err); err != nil {
		e.waitress.Remove(up.ID())
		return err
	}
	if err := e.await(ctx, up, "form network"); err != nil {
		return err
	}

	st, err = e.transport.StartWritingStackTokens(ctx)
	if err != nil {
		return fmt.Errorf("start writing stack tokens: %w", err)
	}
	e.logger.Debug("start writing stack tokens", "status", st.String())
	e.logger.Info("new network formed")
	return nil
}

func checkCall(op string, st ncp.Status, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ncp.CheckStatus(op, st)
}

func (e *Engine) await(ctx context.Context, w *waitress.Waiter, op string) error {
	if _, err := w.Wait(ctx); err != nil {
		e.waitress.Remove(w.ID())
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
