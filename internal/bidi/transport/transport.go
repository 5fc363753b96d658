// Package transport implements a framed JSON message transport with
// command/response correlation, event dispatch, and timeouts, sitting
// atop one of two Backend implementations. Each pending command gets a
// timer scoped to exactly that one operation, always cancelled, and a
// map of concurrently in-flight commands keyed by id lets replies arrive
// in any order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bidi/redact"
	"github.com/rik9564/browsecraft/internal/bidi/wire"
	"github.com/rik9564/browsecraft/internal/telemetry"
)

// errClosed is returned by a VirtualBackend.Send after Close.
var errClosed = errors.New("transport: channel closed")

// DefaultTimeout is the default per-command deadline.
const DefaultTimeout = 30 * time.Second

// Unsubscribe removes a previously registered event subscription.
type Unsubscribe func()

// Event is one BiDi event delivered to subscribers.
type Event struct {
	Method string
	Params map[string]any
}

// Direction discriminates the on_raw_message hook's payload direction.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound Direction = "inbound"
)

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithTimeout overrides the default per-command deadline.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.defaultTimeout = d }
}

// WithLogger attaches structured logging.
func WithLogger(l telemetry.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithTracer wraps each Send in a span from tr.
func WithTracer(tr telemetry.Tracer) Option {
	return func(t *Transport) { t.tracer = tr }
}

// WithRawMessageHook installs the optional on_raw_message tracing hook.
// The payload passed to fn has already been redacted.
func WithRawMessageHook(fn func(direction Direction, payload any)) Option {
	return func(t *Transport) { t.onRawMessage = fn }
}

// WithSendLimiter caps the outbound command rate on this channel. Nil
// (the default) means unlimited.
func WithSendLimiter(l *rate.Limiter) Option {
	return func(t *Transport) { t.limiter = l }
}

type pendingCmd struct {
	resultCh chan commandResult
	timer *time.Timer
}

type commandResult struct {
	result map[string]any
	err error
}

type eventSub struct {
	id uint64
	handler func(Event)
}

type eventWaiter struct {
	id uint64
	name string
	predicate func(Event) bool
	ch chan Event
}

// Transport correlates outgoing commands with incoming responses over one
// Backend and fans out incoming events to subscribers.
type Transport struct {
	backend Backend
	logger telemetry.Logger
	tracer telemetry.Tracer

	defaultTimeout time.Duration
	onRawMessage func(direction Direction, payload any)
	limiter *rate.Limiter

	nextID uint64

	mu sync.Mutex
	pending map[uint64]*pendingCmd

	nextSubID uint64
	named map[string][]eventSub
	any []eventSub
	waiters []*eventWaiter

	closed bool
	closeErr error
}

// New wires a Transport to backend and starts listening for inbound
// messages and channel closure.
func New(backend Backend, opts ...Option) *Transport {
	t := &Transport{
		backend: backend,
		defaultTimeout: DefaultTimeout,
		logger: telemetry.NoopLogger{},
		tracer: telemetry.NoopTracer{},
		pending: make(map[uint64]*pendingCmd),
		named: make(map[string][]eventSub),
	}
	for _, o := range opts {
		o(t)
	}
	backend.SetOnMessage(t.handleMessage)
	backend.SetOnClose(t.handleClose)
	return t
}

// Send issues one BiDi/CDP command and blocks until its matching response
// arrives, the per-command deadline expires, the channel closes, or ctx is
// cancelled — whichever comes first. Each call runs inside its own span.
func (t *Transport) Send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := t.tracer.Start(ctx, "transport.send")
	defer span.End()

	res, err := t.send(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, method)
	}
	return res, err
}

func (t *Transport) send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, bcerr.ErrConnectionClosed
	}
	// Command ids are assigned monotonically starting at 0.
	id := atomic.AddUint64(&t.nextID, 1) - 1
	resultCh := make(chan commandResult, 1)
	timeout := t.defaultTimeout
	pc := &pendingCmd{resultCh: resultCh}
	pc.timer = time.AfterFunc(timeout, func() { t.resolveTimeout(id, method, timeout) })
	t.pending[id] = pc
	t.mu.Unlock()

	cmd := wire.Command{ID: id, Method: method, Params: params}
	raw, err := cmd.Marshal()
	if err != nil {
		t.dropPending(id)
		return nil, fmt.Errorf("transport: marshal command: %w", err)
	}

	t.fireRawMessageHook(DirectionOutbound, map[string]any{"id": id, "method": method, "params": params})

	if err := t.backend.Send(ctx, raw); err != nil {
		t.resolveConnectionClosed(err)
		return nil, bcerr.ErrConnectionClosed
	}

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	}
}

func (t *Transport) dropPending(id uint64) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}

func (t *Transport) resolveTimeout(id uint64, method string, elapsed time.Duration) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pc.resultCh <- commandResult{err: bcerr.NewTimeout(method, elapsed)}
}

// Subscribe registers handler to run for every event named name until the
// returned Unsubscribe is called.
func (t *Transport) Subscribe(name string, handler func(Event)) Unsubscribe {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.named[name] = append(t.named[name], eventSub{id: id, handler: handler})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.named[name] = removeSub(t.named[name], id)
	}
}

// SubscribeAny registers handler to run for every event regardless of
// name.
func (t *Transport) SubscribeAny(handler func(Event)) Unsubscribe {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.any = append(t.any, eventSub{id: id, handler: handler})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.any = removeSub(t.any, id)
	}
}

func removeSub(subs []eventSub, id uint64) []eventSub {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// WaitForEvent blocks until an event named name (optionally matching
// predicate) arrives, ctx is cancelled, or the optional timeout elapses.
// A zero timeout means "no extra deadline beyond ctx".
func (t *Transport) WaitForEvent(ctx context.Context, name string, predicate func(Event) bool, timeout time.Duration) (Event, error) {
	w := &eventWaiter{name: name, predicate: predicate, ch: make(chan Event, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Event{}, bcerr.ErrConnectionClosed
	}
	w.id = t.nextSubID
	t.nextSubID++
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	removeWaiter := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		out := t.waiters[:0:0]
		for _, x := range t.waiters {
			if x.id != w.id {
				out = append(out, x)
			}
		}
		t.waiters = out
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case ev := <-w.ch:
		removeWaiter()
		return ev, nil
	case <-timeoutCh:
		removeWaiter()
		return Event{}, bcerr.NewTimeout("wait_for_event:"+name, timeout)
	case <-ctx.Done():
		removeWaiter()
		return Event{}, ctx.Err()
	}
}

// Close tears down the backend. Every outstanding pending command resolves
// with ConnectionClosed; no further commands are accepted.
func (t *Transport) Close() error {
	err := t.backend.Close()
	t.resolveConnectionClosed(nil)
	return err
}

func (t *Transport) resolveConnectionClosed(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = cause
	pending := t.pending
	t.pending = make(map[uint64]*pendingCmd)
	t.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.resultCh <- commandResult{err: bcerr.ErrConnectionClosed}
	}
}

func (t *Transport) handleClose(err error) {
	t.resolveConnectionClosed(err)
}

func (t *Transport) handleMessage(raw []byte) {
	t.fireRawMessageHookRaw(DirectionInbound, raw)

	decoded, err := wire.Decode(raw)
	if err != nil {
		t.logger.Debug(context.Background(), "transport: dropping malformed message", "error", err.Error())
		return
	}

	switch {
	case decoded.Success != nil:
		t.resolveCommand(decoded.Success.ID, commandResult{result: decoded.Success.Result})
	case decoded.Err != nil:
		t.resolveCommand(decoded.Err.ID, commandResult{err: decoded.Err.Error})
	case decoded.Event != nil:
		t.dispatchEvent(Event{Method: decoded.Event.Method, Params: decoded.Event.Params})
	}
}

func (t *Transport) resolveCommand(id uint64, res commandResult) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		// No pending entry: either already timed out or an orphaned
		// late response. Discarded.
		return
	}
	pc.timer.Stop()
	pc.resultCh <- res
}

func (t *Transport) dispatchEvent(ev Event) {
	t.mu.Lock()
	named := append([]eventSub(nil), t.named[ev.Method]...)
	anySubs := append([]eventSub(nil), t.any...)
	var matched []*eventWaiter
	var rest []*eventWaiter
	for _, w := range t.waiters {
		if w.name == ev.Method && (w.predicate == nil || w.predicate(ev)) {
			matched = append(matched, w)
		} else {
			rest = append(rest, w)
		}
	}
	t.waiters = rest
	t.mu.Unlock()

	for _, w := range matched {
		w.ch <- ev
	}
	for _, s := range named {
		invokeEvent(s.handler, ev)
	}
	for _, s := range anySubs {
		invokeEvent(s.handler, ev)
	}
}

func invokeEvent(h func(Event), ev Event) {
	defer func() { _ = recover() }()
	h(ev)
}

func (t *Transport) fireRawMessageHook(direction Direction, payload any) {
	if t.onRawMessage == nil {
		return
	}
	t.onRawMessage(direction, redact.Redact(payload))
}

func (t *Transport) fireRawMessageHookRaw(direction Direction, raw []byte) {
	if t.onRawMessage == nil {
		return
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	t.onRawMessage(direction, redact.Redact(v))
}
