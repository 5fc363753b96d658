// Package session implements a module-structured facade over Transport
// exposing the BiDi protocol surface (browsingContext, script, network,
// input, storage), plus the launch/connect factories that wire
// BrowserLauncher, Transport, and (for Chromium) CdpBidiMapper together
// behind one Session.
package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rik9564/browsecraft/internal/bidi/cdpmapper"
	"github.com/rik9564/browsecraft/internal/bidi/launcher"
	"github.com/rik9564/browsecraft/internal/bidi/transport"
	"github.com/rik9564/browsecraft/internal/telemetry"
)

// LaunchOptions configures Launch. Browser/Headless/ExecutablePath/
// ExtraArgs/Maximized map directly to launcher.Options and LaunchTimeout
// to launcher.Options.Timeout; CommandTimeout
// overrides the Transport's per-command deadline.
type LaunchOptions struct {
	Browser launcher.Browser
	Headless bool
	ExecutablePath string
	ExtraArgs []string
	Maximized bool
	LaunchTimeout time.Duration
	CommandTimeout time.Duration
	Tracer telemetry.Tracer // nil disables per-command spans
}

// Session is a protocol-agnostic BiDi connection: module facades forward
// to Transport.Send regardless of whether the browser speaks native BiDi
// or is reached through the CDP mapper.
type Session struct {
	transport *transport.Transport
	mapper *cdpmapper.Mapper
	handle *launcher.Handle

	BrowsingContext *BrowsingContextModule
	Script *ScriptModule
	Network *NetworkModule
	Input *InputModule
	Storage *StorageModule
}

func newSession(tr *transport.Transport, mapper *cdpmapper.Mapper, handle *launcher.Handle) *Session {
	s := &Session{transport: tr, mapper: mapper, handle: handle}
	s.BrowsingContext = &BrowsingContextModule{tr: tr}
	s.Script = &ScriptModule{tr: tr}
	s.Network = &NetworkModule{tr: tr}
	s.Input = &InputModule{tr: tr}
	s.Storage = &StorageModule{tr: tr}
	return s
}

// isChromium reports whether a browser family is CDP-native and therefore
// needs the mapper.
func isChromium(b launcher.Browser) bool {
	return b == launcher.Chrome || b == launcher.Edge
}

// Launch combines BrowserLauncher, Transport, and (for Chromium) the CDP
// mapper into one Session, then issues session.new.
func Launch(ctx context.Context, l *launcher.Launcher, opts LaunchOptions) (*Session, error) {
	handle, err := l.Launch(ctx, launcher.Options{
		Browser: opts.Browser,
		Headless: opts.Headless,
		ExecutablePath: opts.ExecutablePath,
		ExtraArgs: opts.ExtraArgs,
		Maximized: opts.Maximized,
		Timeout: opts.LaunchTimeout,
	})
	if err != nil {
		return nil, err
	}

	tr, mapper, err := connectEndpoint(ctx, handle.WSEndpoint, opts.Browser, opts.CommandTimeout, opts.Tracer)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}

	sess := newSession(tr, mapper, handle)
	if _, err := tr.Send(ctx, "session.new", map[string]any{"capabilities": map[string]any{}}); err != nil {
		_ = sess.Close(ctx)
		return nil, fmt.Errorf("session: session.new: %w", err)
	}
	return sess, nil
}

// Connect skips the launcher: it dials an already-running browser's BiDi
// (or, for Chromium, CDP) endpoint directly.
func Connect(ctx context.Context, endpoint string, browser launcher.Browser, commandTimeout time.Duration) (*Session, error) {
	tr, mapper, err := connectEndpoint(ctx, endpoint, browser, commandTimeout, nil)
	if err != nil {
		return nil, err
	}
	return newSession(tr, mapper, nil), nil
}

func connectEndpoint(ctx context.Context, endpoint string, browser launcher.Browser, commandTimeout time.Duration, tracer telemetry.Tracer) (*transport.Transport, *cdpmapper.Mapper, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, nil, fmt.Errorf("session: invalid endpoint %q: %w", endpoint, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("session: dial %q: %w", endpoint, err)
	}
	wsBackend := transport.NewWebSocketBackend(conn)

	var opts []transport.Option
	if commandTimeout > 0 {
		opts = append(opts, transport.WithTimeout(commandTimeout))
	}
	if tracer != nil {
		opts = append(opts, transport.WithTracer(tracer))
	}

	if !isChromium(browser) {
		return transport.New(wsBackend, opts...), nil, nil
	}

	mapper := cdpmapper.New(wsBackend)
	vb := transport.NewVirtualBackend(mapper.SendBiDi)
	mapper.OnBiDi(vb.Feed)
	return transport.New(vb, opts...), mapper, nil
}

// RawCDP issues a CDP command directly against the underlying mapper,
// bypassing BiDi translation. It errors when the session was not
// established against a Chromium-family browser, since only that path
// has a mapper to bypass into.
func (s *Session) RawCDP(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	if s.mapper == nil {
		return nil, fmt.Errorf("session: RawCDP requires a Chromium-family connection")
	}
	return s.mapper.SendRawCDP(ctx, method, params)
}

// Subscribe forwards to the underlying Transport.
func (s *Session) Subscribe(name string, handler func(transport.Event)) transport.Unsubscribe {
	return s.transport.Subscribe(name, handler)
}

// SubscribeAny forwards to the underlying Transport.
func (s *Session) SubscribeAny(handler func(transport.Event)) transport.Unsubscribe {
	return s.transport.SubscribeAny(handler)
}

// WaitForEvent forwards to the underlying Transport.
func (s *Session) WaitForEvent(ctx context.Context, name string, predicate func(transport.Event) bool, timeout time.Duration) (transport.Event, error) {
	return s.transport.WaitForEvent(ctx, name, predicate, timeout)
}

// Close sends session.end best-effort, closes Transport, tears down the
// mapper, and kills the browser process.
func (s *Session) Close(ctx context.Context) error {
	_, _ = s.transport.Send(ctx, "session.end", nil)
	_ = s.transport.Close()
	if s.mapper != nil {
		_ = s.mapper.Close()
	}
	if s.handle != nil {
		_ = s.handle.Close()
	}
	return nil
}
