// Package waitress correlates asynchronous NCP events with the requests
// waiting for them. A waiter is registered (and its timer armed) before the
// request is sent, so a fast response cannot be missed.
package waitress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/zcl"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("waitress: timeout")
	// ErrDeliveryFailed rejects a unicast waiter whose request was not acknowledged.
	ErrDeliveryFailed = errors.New("waitress: delivery failed")
	// ErrCleared rejects waiters dropped by Clear.
	ErrCleared = errors.New("waitress: cleared")
)

// TimeoutError reports a waiter whose event never arrived.
type TimeoutError struct {
	Matcher Matcher
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waitress: timeout after %s waiting for %s", e.Timeout, e.Matcher)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ZDOStatusError is returned when a matched ZDO response carries a failure status.
type ZDOStatusError struct {
	Status    uint8
	ClusterID uint16
	Sender    ncp.NodeID
}

func (e *ZDOStatusError) Error() string {
	return fmt.Sprintf("zdo response 0x%04X from %s: status 0x%02X", e.ClusterID, e.Sender, e.Status)
}

// ZDOResponse is a ZDO message after the sequence number and status are split off.
type ZDOResponse struct {
	Status   uint8
	Sender   ncp.NodeID
	Frame    ncp.APSFrame
	Sequence uint8
	Payload  []byte
}

// ZCLPayload is an incoming ZCL frame with its addressing.
type ZCLPayload struct {
	Sender      ncp.NodeID
	Frame       ncp.APSFrame
	Header      zcl.Header
	Payload     []byte
	LinkQuality uint8
	RSSI        int8
}

type outcome struct {
	value any
	err   error
}

// Waiter is one registered expectation.
type Waiter struct {
	id      uint64
	matcher Matcher
	timeout time.Duration
	owner   *Waitress
	result  chan outcome
	timer   *time.Timer
	sent    *ncp.APSFrame
}

// ID identifies the waiter for Remove.
func (w *Waiter) ID() uint64 { return w.id }

// Matcher returns the registered match criteria.
func (w *Waiter) Matcher() Matcher { return w.matcher }

// Sent records the frame the request went out with, enabling fail-fast on
// delivery failure.
func (w *Waiter) Sent(frame ncp.APSFrame) {
	w.owner.mu.Lock()
	w.sent = &frame
	w.owner.mu.Unlock()
}

// Wait blocks until the waiter settles or ctx is done. A removed waiter only
// returns through ctx.
func (w *Waiter) Wait(ctx context.Context) (any, error) {
	select {
	case o := <-w.result:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitZDO waits for a ZDO response.
func (w *Waiter) WaitZDO(ctx context.Context) (*ZDOResponse, error) {
	v, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	rsp, ok := v.(*ZDOResponse)
	if !ok {
		return nil, fmt.Errorf("waitress: waiter %d resolved with %T, want ZDO response", w.id, v)
	}
	return rsp, nil
}

// WaitZCL waits for a ZCL payload.
func (w *Waiter) WaitZCL(ctx context.Context) (*ZCLPayload, error) {
	v, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	rsp, ok := v.(*ZCLPayload)
	if !ok {
		return nil, fmt.Errorf("waitress: waiter %d resolved with %T, want ZCL payload", w.id, v)
	}
	return rsp, nil
}

// Waitress is the registry of outstanding waiters.
type Waitress struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	waiters []*Waiter
}

// New creates an empty registry.
func New(logger *slog.Logger) *Waitress {
	return &Waitress{logger: logger}
}

// WaitFor registers a waiter and arms its timeout.
func (ws *Waitress) WaitFor(m Matcher, timeout time.Duration) *Waiter {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.nextID++
	w := &Waiter{
		id:      ws.nextID,
		matcher: m,
		timeout: timeout,
		owner:   ws,
		result:  make(chan outcome, 1),
	}
	ws.waiters = append(ws.waiters, w)
	id := w.id
	w.timer = time.AfterFunc(timeout, func() {
		ws.settle(id, outcome{err: &TimeoutError{Matcher: m, Timeout: timeout}})
	})
	return w
}

// Remove drops a waiter without resolving or rejecting it.
func (ws *Waitress) Remove(id uint64) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := ws.takeLocked(id)
	if w == nil {
		return false
	}
	w.timer.Stop()
	return true
}

// Len returns the number of outstanding waiters.
func (ws *Waitress) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.waiters)
}

// ResolveEvent resolves every waiter for the named stack event.
func (ws *Waitress) ResolveEvent(name EventName) int {
	ws.mu.Lock()
	var matched []*Waiter
	kept := ws.waiters[:0]
	for _, w := range ws.waiters {
		if w.matcher.Event != "" && w.matcher.Event == name {
			matched = append(matched, w)
		} else {
			kept = append(kept, w)
		}
	}
	clear(ws.waiters[len(kept):])
	ws.waiters = kept
	ws.mu.Unlock()

	for _, w := range matched {
		w.timer.Stop()
		w.result <- outcome{value: name}
	}
	return len(matched)
}

// ResolveZDO resolves the first waiter matching the response. A failed ZDO
// status rejects that waiter.
func (ws *Waitress) ResolveZDO(rsp *ZDOResponse) bool {
	w := ws.takeFirst(func(m Matcher) bool { return m.matchZDO(rsp) })
	if w == nil {
		return false
	}
	if rsp.Status != 0 {
		w.result <- outcome{err: &ZDOStatusError{Status: rsp.Status, ClusterID: rsp.Frame.ClusterID, Sender: rsp.Sender}}
	} else {
		w.result <- outcome{value: rsp}
	}
	return true
}

// ResolveZCL resolves the first waiter matching the payload.
func (ws *Waitress) ResolveZCL(p *ZCLPayload) bool {
	w := ws.takeFirst(func(m Matcher) bool { return m.matchZCL(p) })
	if w == nil {
		return false
	}
	w.result <- outcome{value: p}
	return true
}

// DeliveryFailedFor rejects the first unicast waiter whose request to dest
// went out as frame (same cluster and APS sequence).
func (ws *Waitress) DeliveryFailedFor(dest ncp.NodeID, frame ncp.APSFrame) bool {
	ws.mu.Lock()
	var found *Waiter
	for _, w := range ws.waiters {
		if w.sent == nil || w.matcher.Event != "" || w.matcher.AnyTarget {
			continue
		}
		if w.matcher.Target == dest && w.sent.ClusterID == frame.ClusterID && w.sent.Sequence == frame.Sequence {
			found = w
			break
		}
	}
	if found != nil {
		ws.takeLocked(found.id)
	}
	ws.mu.Unlock()

	if found == nil {
		return false
	}
	found.timer.Stop()
	found.result <- outcome{err: fmt.Errorf("%w: %s cluster 0x%04X", ErrDeliveryFailed, dest, frame.ClusterID)}
	return true
}

// Clear rejects every outstanding waiter with ErrCleared.
func (ws *Waitress) Clear() int {
	ws.mu.Lock()
	all := ws.waiters
	ws.waiters = nil
	ws.mu.Unlock()

	for _, w := range all {
		w.timer.Stop()
		w.result <- outcome{err: ErrCleared}
	}
	return len(all)
}

// settle delivers o if the waiter is still registered.
func (ws *Waitress) settle(id uint64, o outcome) {
	ws.mu.Lock()
	w := ws.takeLocked(id)
	ws.mu.Unlock()
	if w == nil {
		return
	}
	w.timer.Stop()
	if o.err != nil && errors.Is(o.err, ErrTimeout) {
		ws.logger.Debug("waiter timed out", "id", id, "matcher", w.matcher.String())
	}
	w.result <- o
}

func (ws *Waitress) takeFirst(match func(Matcher) bool) *Waiter {
	ws.mu.Lock()
	var found *Waiter
	for _, w := range ws.waiters {
		if w.matcher.Event == "" && match(w.matcher) {
			found = w
			break
		}
	}
	if found != nil {
		ws.takeLocked(found.id)
	}
	ws.mu.Unlock()
	if found != nil {
		found.timer.Stop()
	}
	return found
}

func (ws *Waitress) takeLocked(id uint64) *Waiter {
	for i, w := range ws.waiters {
		if w.id == id {
			ws.waiters = append(ws.waiters[:i], ws.waiters[i+1:]...)
			return w
		}
	}
	return nil
}
