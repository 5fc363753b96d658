package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint wires a VirtualBackend to a trivial in-process echo/queue so
// tests can script exact inbound messages without a real socket.
type fakeEndpoint struct {
	vb    *VirtualBackend
	mu    sync.Mutex
	sent  []map[string]any
	onCmd func(cmd map[string]any)
}

func newFakeEndpoint() *fakeEndpoint {
	f := &fakeEndpoint{}
	f.vb = NewVirtualBackend(f.handleSend)
	return f
}

func (f *fakeEndpoint) handleSend(raw []byte) error {
	var cmd map[string]any
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	cb := f.onCmd
	f.mu.Unlock()
	if cb != nil {
		cb(cmd)
	}
	return nil
}

func (f *fakeEndpoint) reply(id uint64, result map[string]any) {
	msg, _ := json.Marshal(map[string]any{"type": "success", "id": id, "result": result})
	f.vb.Feed(msg)
}

func (f *fakeEndpoint) replyError(id uint64, code string) {
	msg, _ := json.Marshal(map[string]any{"type": "error", "id": id, "error": code, "message": "boom"})
	f.vb.Feed(msg)
}

func (f *fakeEndpoint) event(method string, params map[string]any) {
	msg, _ := json.Marshal(map[string]any{"type": "event", "method": method, "params": params})
	f.vb.Feed(msg)
}

func TestSendResolvesOnMatchingSuccess(t *testing.T) {
	ep := newFakeEndpoint()
	ep.onCmd = func(cmd map[string]any) {
		id := uint64(cmd["id"].(float64))
		ep.reply(id, map[string]any{"ok": true})
	}
	tr := New(ep.vb)
	defer tr.Close()

	res, err := tr.Send(context.Background(), "browsingContext.create", nil)
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
}

func TestSendResolvesOnMatchingError(t *testing.T) {
	ep := newFakeEndpoint()
	ep.onCmd = func(cmd map[string]any) {
		id := uint64(cmd["id"].(float64))
		ep.replyError(id, "invalid argument")
	}
	tr := New(ep.vb)
	defer tr.Close()

	_, err := tr.Send(context.Background(), "script.evaluate", nil)
	require.Error(t, err)
	var perr *bcerr.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, bcerr.CodeInvalidArgument, perr.Code)
}

// TestCorrelationUnderInterleaving checks that N concurrent in-flight
// commands each resolve with the response whose id matches their own,
// regardless of reply order.
func TestCorrelationUnderInterleaving(t *testing.T) {
	ep := newFakeEndpoint()
	var mu sync.Mutex
	var ids []uint64
	ep.onCmd = func(cmd map[string]any) {
		mu.Lock()
		ids = append(ids, uint64(cmd["id"].(float64)))
		mu.Unlock()
	}
	tr := New(ep.vb)
	defer tr.Close()

	const n = 20
	var wg sync.WaitGroup
	results := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := tr.Send(context.Background(), fmt.Sprintf("op%d", i), nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Reply in reverse order once all commands have been observed.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == n
	}, time.Second, time.Millisecond)

	mu.Lock()
	reversed := append([]uint64(nil), ids...)
	mu.Unlock()
	for i := len(reversed) - 1; i >= 0; i-- {
		ep.reply(reversed[i], map[string]any{"id": reversed[i]})
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res, "command %d never resolved", i)
	}
}

func TestSendTimesOutAndCancelsTimer(t *testing.T) {
	ep := newFakeEndpoint() // never replies
	tr := New(ep.vb, WithTimeout(10*time.Millisecond))
	defer tr.Close()

	_, err := tr.Send(context.Background(), "script.evaluate", nil)
	require.Error(t, err)
	var te *bcerr.TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestOrphanedLateResponseDiscarded(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb, WithTimeout(5*time.Millisecond))
	defer tr.Close()

	_, err := tr.Send(context.Background(), "op", nil)
	require.Error(t, err)

	// A response for an id that has already timed out (and been
	// removed from the pending map) must not panic or be delivered
	// anywhere; this simply must not hang or crash.
	ep.reply(0, map[string]any{"late": true})
}

func TestCloseResolvesAllPendingWithConnectionClosed(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), "op", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pending) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, tr.Close())
	err := <-errCh
	assert.ErrorIs(t, err, bcerr.ErrConnectionClosed)
}

func TestSendAfterCloseRejected(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)
	require.NoError(t, tr.Close())

	_, err := tr.Send(context.Background(), "op", nil)
	assert.ErrorIs(t, err, bcerr.ErrConnectionClosed)
}

func TestSubscribeAndSubscribeAny(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)
	defer tr.Close()

	var named, anyCount int
	tr.Subscribe("log.entryAdded", func(Event) { named++ })
	tr.SubscribeAny(func(Event) { anyCount++ })

	ep.event("log.entryAdded", map[string]any{"level": "info"})
	ep.event("browsingContext.created", nil)

	require.Eventually(t, func() bool { return named == 1 && anyCount == 2 }, time.Second, time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)
	defer tr.Close()

	count := 0
	unsub := tr.Subscribe("x", func(Event) { count++ })
	ep.event("x", nil)
	require.Eventually(t, func() bool { return count == 1 }, time.Second, time.Millisecond)
	unsub()
	ep.event("x", nil)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, count)
}

func TestWaitForEventMatchesPredicate(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)
	defer tr.Close()

	done := make(chan Event, 1)
	go func() {
		ev, err := tr.WaitForEvent(context.Background(), "browsingContext.load", func(e Event) bool {
			return e.Params["url"] == "https://example.com"
		}, 0)
		require.NoError(t, err)
		done <- ev
	}()

	// Events are only seen by a waiter that is already registered.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.waiters) == 1
	}, time.Second, time.Millisecond)

	ep.event("browsingContext.load", map[string]any{"url": "https://other.example"})
	ep.event("browsingContext.load", map[string]any{"url": "https://example.com"})

	select {
	case ev := <-done:
		assert.Equal(t, "https://example.com", ev.Params["url"])
	case <-time.After(time.Second):
		t.Fatal("wait_for_event never resolved")
	}
}

func TestWaitForEventTimesOut(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)
	defer tr.Close()

	_, err := tr.WaitForEvent(context.Background(), "never", nil, 10*time.Millisecond)
	require.Error(t, err)
	var te *bcerr.TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestMalformedMessageDroppedSilently(t *testing.T) {
	ep := newFakeEndpoint()
	tr := New(ep.vb)
	defer tr.Close()

	// Feeding invalid JSON must not panic the read path.
	ep.vb.Feed([]byte("not json"))

	res, err := tr.Send(context.Background(), "op", nil)
	_ = res
	_ = err // irrelevant here; we only assert the process is still alive
}

func TestOnRawMessageHookSeesRedactedPayload(t *testing.T) {
	ep := newFakeEndpoint()
	var captured []any
	var mu sync.Mutex
	tr := New(ep.vb, WithRawMessageHook(func(dir Direction, payload any) {
		mu.Lock()
		captured = append(captured, payload)
		mu.Unlock()
	}))
	defer tr.Close()

	ep.onCmd = func(cmd map[string]any) {
		id := uint64(cmd["id"].(float64))
		ep.reply(id, map[string]any{"password": "hunter2"})
	}
	_, err := tr.Send(context.Background(), "op", map[string]any{"token": "abc"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 2) // outbound command + inbound success

	out := captured[0].(map[string]any)
	outParams := out["params"].(map[string]any)
	assert.Equal(t, "[REDACTED]", outParams["token"])

	in := captured[1].(map[string]any)
	inResult := in["result"].(map[string]any)
	assert.Equal(t, "[REDACTED]", inResult["password"])
}

func TestSendLimiterThrottlesOutbound(t *testing.T) {
	ep := newFakeEndpoint()
	ep.onCmd = func(cmd map[string]any) {
		id := uint64(cmd["id"].(float64))
		ep.reply(id, nil)
	}
	// Burst of one and a refill rate slow enough that the second Send
	// cannot obtain a token before its context is cancelled.
	tr := New(ep.vb, WithSendLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
	defer tr.Close()

	_, err := tr.Send(context.Background(), "session.status", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Send(ctx, "session.status", nil)
	require.Error(t, err)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	assert.Len(t, ep.sent, 1, "a throttled command must never reach the wire")
}

func TestCommandIDsStartAtZero(t *testing.T) {
	ep := newFakeEndpoint()
	ep.onCmd = func(cmd map[string]any) {
		id := uint64(cmd["id"].(float64))
		ep.reply(id, nil)
	}
	tr := New(ep.vb)
	defer tr.Close()

	_, err := tr.Send(context.Background(), "session.status", nil)
	require.NoError(t, err)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	require.Len(t, ep.sent, 1)
	assert.Equal(t, float64(0), ep.sent[0]["id"])
}

// captureTracer records the spans Transport starts so tests can assert
// each Send is wrapped and ended.
type captureTracer struct {
	mu    sync.Mutex
	spans []*captureSpan
}

func (t *captureTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	sp := &captureSpan{name: name}
	t.mu.Lock()
	t.spans = append(t.spans, sp)
	t.mu.Unlock()
	return ctx, sp
}

type captureSpan struct {
	name  string
	ended bool
	errs  []error
}

func (s *captureSpan) End(...trace.SpanEndOption)                    { s.ended = true }
func (s *captureSpan) AddEvent(string, ...any)                       {}
func (s *captureSpan) SetStatus(codes.Code, string)                  {}
func (s *captureSpan) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }

func TestSendWrapsEachCommandInASpan(t *testing.T) {
	tracer := &captureTracer{}
	ep := newFakeEndpoint()
	ep.onCmd = func(cmd map[string]any) {
		id := uint64(cmd["id"].(float64))
		if cmd["method"] == "script.evaluate" {
			ep.replyError(id, "invalid argument")
			return
		}
		ep.reply(id, nil)
	}
	tr := New(ep.vb, WithTracer(tracer))
	defer tr.Close()

	_, err := tr.Send(context.Background(), "session.status", nil)
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), "script.evaluate", nil)
	require.Error(t, err)

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	require.Len(t, tracer.spans, 2)
	for _, sp := range tracer.spans {
		assert.Equal(t, "transport.send", sp.name)
		assert.True(t, sp.ended, "every Send span must be ended")
	}
	assert.Empty(t, tracer.spans[0].errs)
	require.Len(t, tracer.spans[1].errs, 1)
}
