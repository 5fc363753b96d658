package session

import (
	"context"

	"github.com/rik9564/browsecraft/internal/bidi/transport"
)

// BrowsingContextModule wraps the browsingContext.* command family.
type BrowsingContextModule struct{ tr *transport.Transport }

// Create opens a new browsing context.
func (m *BrowsingContextModule) Create(ctx context.Context, params map[string]any) (map[string]any, error) {
	return m.tr.Send(ctx, "browsingContext.create", params)
}

// Navigate navigates a browsing context to url.
func (m *BrowsingContextModule) Navigate(ctx context.Context, contextID, url string, wait string) (map[string]any, error) {
	params := map[string]any{"context": contextID, "url": url}
	if wait != "" {
		params["wait"] = wait
	}
	return m.tr.Send(ctx, "browsingContext.navigate", params)
}

// Close closes a browsing context.
func (m *BrowsingContextModule) Close(ctx context.Context, contextID string) (map[string]any, error) {
	return m.tr.Send(ctx, "browsingContext.close", map[string]any{"context": contextID})
}

// CaptureScreenshot captures a screenshot of a browsing context.
func (m *BrowsingContextModule) CaptureScreenshot(ctx context.Context, contextID string) (map[string]any, error) {
	return m.tr.Send(ctx, "browsingContext.captureScreenshot", map[string]any{"context": contextID})
}

// ScriptModule wraps the script.* command family.
type ScriptModule struct{ tr *transport.Transport }

// Evaluate runs an expression within a realm/context.
func (m *ScriptModule) Evaluate(ctx context.Context, expression, target string, awaitPromise bool) (map[string]any, error) {
	return m.tr.Send(ctx, "script.evaluate", map[string]any{
		"expression": expression,
		"target": map[string]any{"context": target},
		"awaitPromise": awaitPromise,
	})
}

// CallFunction invokes a named function within a realm/context.
func (m *ScriptModule) CallFunction(ctx context.Context, functionDeclaration, target string, args []any) (map[string]any, error) {
	return m.tr.Send(ctx, "script.callFunction", map[string]any{
		"functionDeclaration": functionDeclaration,
		"target": map[string]any{"context": target},
		"arguments": args,
	})
}

// NetworkModule wraps the network.* command family.
type NetworkModule struct{ tr *transport.Transport }

// AddIntercept registers a network intercept.
func (m *NetworkModule) AddIntercept(ctx context.Context, phases []string, urlPatterns []any) (map[string]any, error) {
	return m.tr.Send(ctx, "network.addIntercept", map[string]any{"phases": phases, "urlPatterns": urlPatterns})
}

// ContinueRequest resumes an intercepted request.
func (m *NetworkModule) ContinueRequest(ctx context.Context, requestID string) (map[string]any, error) {
	return m.tr.Send(ctx, "network.continueRequest", map[string]any{"request": requestID})
}

// InputModule wraps the input.* command family.
type InputModule struct{ tr *transport.Transport }

// PerformActions dispatches a sequence of input source actions.
func (m *InputModule) PerformActions(ctx context.Context, contextID string, actions []any) (map[string]any, error) {
	return m.tr.Send(ctx, "input.performActions", map[string]any{"context": contextID, "actions": actions})
}

// StorageModule wraps the storage.* command family.
type StorageModule struct{ tr *transport.Transport }

// GetCookies reads cookies for the given filter and partition.
func (m *StorageModule) GetCookies(ctx context.Context, filter map[string]any, partition map[string]any) (map[string]any, error) {
	params := map[string]any{}
	if filter != nil {
		params["filter"] = filter
	}
	if partition != nil {
		params["partition"] = partition
	}
	return m.tr.Send(ctx, "storage.getCookies", params)
}

// SetCookie sets a cookie within the given partition.
func (m *StorageModule) SetCookie(ctx context.Context, cookie map[string]any, partition map[string]any) (map[string]any, error) {
	params := map[string]any{"cookie": cookie}
	if partition != nil {
		params["partition"] = partition
	}
	return m.tr.Send(ctx, "storage.setCookie", params)
}
