// Package cdpmapper implements a BiDi↔CDP translator that lets a
// Chromium-family browser, which speaks only CDP over its debugging
// WebSocket, be driven through the same Transport interface as a native
// BiDi browser. The mapper owns a real Transport wired to the browser's
// CDP endpoint and presents a BiDi-shaped virtual channel back to the
// caller's BiDi Transport.
//
// Only a named command subset is translated for real:
// browsingContext.create↔Target.createTarget,
// browsingContext.navigate↔Page.navigate, script.evaluate↔Runtime.evaluate.
// session.new and session.end are answered locally without a CDP round
// trip. Everything else resolves with an UnsupportedOperation protocol error
// rather than silently dropping, so a caller driving an unmapped command
// gets a clear signal instead of a hang.
package cdpmapper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bidi/transport"
	"github.com/rik9564/browsecraft/internal/bidi/wire"
)

// Mapper is started against an already-opened CDP duplex channel and
// presents {SendBiDi, OnBiDi, SendRawCDP, Close}.
type Mapper struct {
	cdp *transport.Transport

	mu sync.Mutex
	onBiDi func(raw []byte)
	contexts map[string]string // BiDi browsingContext id -> CDP targetId
	defaultFlat string // first-created context, used when a command omits a context

	unsubs []transport.Unsubscribe
}

// New starts a Mapper over cdpBackend, the already-dialed duplex channel
// to the browser's CDP debugging endpoint.
func New(cdpBackend transport.Backend) *Mapper {
	m := &Mapper{
		cdp: transport.New(cdpBackend),
		contexts: make(map[string]string),
	}
	m.unsubs = append(m.unsubs,
		m.cdp.Subscribe("Target.targetCreated", m.onTargetCreated),
		m.cdp.Subscribe("Page.frameNavigated", m.onFrameNavigated),
	)
	return m
}

// OnBiDi registers the handler invoked for every outgoing BiDi message
// (command responses and events) the mapper produces.
func (m *Mapper) OnBiDi(handler func(raw []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBiDi = handler
}

func (m *Mapper) emit(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.mu.Lock()
	cb := m.onBiDi
	m.mu.Unlock()
	if cb != nil {
		cb(raw)
	}
}

// SendBiDi accepts one BiDi command envelope (as produced by
// wire.Command.Marshal), translates it to its CDP equivalent, executes it
// against the underlying CDP transport, and emits the translated BiDi
// response via OnBiDi. It never returns the result directly: BiDi's own
// Transport, sitting on the other side of the virtual channel, correlates
// the response by id once it arrives through OnBiDi — exactly as it would
// for a native BiDi connection.
func (m *Mapper) SendBiDi(raw []byte) error {
	var cmd struct {
		ID uint64 `json:"id"`
		Method string `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("cdpmapper: malformed bidi command: %w", err)
	}

	go m.translateAndExecute(cmd.ID, cmd.Method, cmd.Params)
	return nil
}

func (m *Mapper) translateAndExecute(id uint64, method string, params map[string]any) {
	ctx := context.Background()
	result, err := m.dispatch(ctx, method, params)
	if err != nil {
		perr := toProtocolError(err)
		m.emit(struct {
			Type string `json:"type"`
			ID uint64 `json:"id"`
			Error string `json:"error"`
			Msg string `json:"message"`
		}{Type: string(wire.TypeError), ID: id, Error: string(perr.Code), Msg: perr.Message})
		return
	}
	m.emit(struct {
		Type string `json:"type"`
		ID uint64 `json:"id"`
		Result map[string]any `json:"result"`
	}{Type: string(wire.TypeSuccess), ID: id, Result: result})
}

func toProtocolError(err error) *bcerr.ProtocolError {
	if perr, ok := err.(*bcerr.ProtocolError); ok {
		return perr
	}
	return &bcerr.ProtocolError{Code: bcerr.CodeUnknownError, Message: err.Error()}
}

// dispatch translates one BiDi method/params pair into its CDP
// equivalent and executes it.
func (m *Mapper) dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	switch method {
	case "session.new":
		// The mapper itself stands in for session negotiation: there is
		// no CDP equivalent, and nothing needs to round-trip to the
		// browser beyond the connection already being open.
		return map[string]any{"sessionId": "cdp-mapped", "capabilities": params["capabilities"]}, nil
	case "session.end":
		return map[string]any{}, nil
	case "browsingContext.create":
		return m.browsingContextCreate(ctx, params)
	case "browsingContext.navigate":
		return m.browsingContextNavigate(ctx, params)
	case "script.evaluate":
		return m.scriptEvaluate(ctx, params)
	default:
		return nil, &bcerr.ProtocolError{
			Code: bcerr.CodeUnsupportedOperation,
			Message: fmt.Sprintf("cdpmapper: no CDP translation for %q", method),
		}
	}
}

func (m *Mapper) browsingContextCreate(ctx context.Context, params map[string]any) (map[string]any, error) {
	cdpParams := map[string]any{"url": "about:blank"}
	if bg, ok := params["background"].(bool); ok {
		cdpParams["background"] = bg
	}
	res, err := m.cdp.Send(ctx, "Target.createTarget", cdpParams)
	if err != nil {
		return nil, err
	}
	targetID, _ := res["targetId"].(string)
	contextID := uuid.NewString()

	m.mu.Lock()
	m.contexts[contextID] = targetID
	if m.defaultFlat == "" {
		m.defaultFlat = contextID
	}
	m.mu.Unlock()

	return map[string]any{"context": contextID}, nil
}

func (m *Mapper) browsingContextNavigate(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	targetID := m.resolveContext(params)
	if targetID == "" {
		return nil, &bcerr.ProtocolError{Code: bcerr.CodeNoSuchFrame, Message: "unknown browsing context"}
	}
	res, err := m.cdp.Send(ctx, "Page.navigate", map[string]any{"url": url, "_targetId": targetID})
	if err != nil {
		return nil, err
	}
	navID, _ := res["frameId"].(string)
	return map[string]any{"navigation": navID, "url": url}, nil
}

func (m *Mapper) scriptEvaluate(ctx context.Context, params map[string]any) (map[string]any, error) {
	expr, _ := params["expression"].(string)
	targetID := m.resolveContext(params)
	cdpParams := map[string]any{"expression": expr, "returnByValue": true}
	if targetID != "" {
		cdpParams["_targetId"] = targetID
	}
	res, err := m.cdp.Send(ctx, "Runtime.evaluate", cdpParams)
	if err != nil {
		return nil, err
	}
	resultObj, _ := res["result"].(map[string]any)
	return map[string]any{
		"type": "success",
		"result": translateRemoteObject(resultObj),
	}, nil
}

// translateRemoteObject maps CDP's Runtime.RemoteObject shape to BiDi's
// RemoteValue shape closely enough for scalar evaluate results (string,
// number, boolean, undefined, null).
func translateRemoteObject(obj map[string]any) map[string]any {
	if obj == nil {
		return map[string]any{"type": "undefined"}
	}
	t, _ := obj["type"].(string)
	out := map[string]any{"type": t}
	if v, ok := obj["value"]; ok {
		out["value"] = v
	}
	return out
}

func (m *Mapper) resolveContext(params map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	contextID, _ := params["context"].(string)
	if contextID == "" {
		contextID = m.defaultFlat
	}
	return m.contexts[contextID]
}

// SendRawCDP bypasses translation and issues a raw CDP command directly,
// for collaborators (e.g. a launcher health-check) that need CDP-specific
// behaviour the BiDi surface doesn't expose.
func (m *Mapper) SendRawCDP(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	return m.cdp.Send(ctx, method, params)
}

func (m *Mapper) onTargetCreated(ev transport.Event) {
	info, _ := ev.Params["targetInfo"].(map[string]any)
	targetID, _ := info["targetId"].(string)

	m.mu.Lock()
	contextID := ""
	for cid, tid := range m.contexts {
		if tid == targetID {
			contextID = cid
			break
		}
	}
	m.mu.Unlock()
	if contextID == "" {
		return // a target we did not create ourselves; not addressable yet
	}

	m.emit(struct {
		Type string `json:"type"`
		Method string `json:"method"`
		Params map[string]any `json:"params"`
	}{Type: string(wire.TypeEvent), Method: "browsingContext.contextCreated", Params: map[string]any{"context": contextID}})
}

func (m *Mapper) onFrameNavigated(ev transport.Event) {
	frame, _ := ev.Params["frame"].(map[string]any)
	url, _ := frame["url"].(string)

	m.mu.Lock()
	contextID := m.defaultFlat
	m.mu.Unlock()
	if contextID == "" {
		return
	}

	m.emit(struct {
		Type string `json:"type"`
		Method string `json:"method"`
		Params map[string]any `json:"params"`
	}{Type: string(wire.TypeEvent), Method: "browsingContext.navigated", Params: map[string]any{"context": contextID, "url": url}})
}

// Close tears down the underlying CDP transport. The mapper's lifetime is
// tied to its owning Session's.
func (m *Mapper) Close() error {
	for _, unsub := range m.unsubs {
		unsub()
	}
	return m.cdp.Close()
}
