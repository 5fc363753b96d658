package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rik9564/browsecraft/internal/bidi/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeBiDiServer spins up a real websocket server that answers every
// inbound command with {"type":"success","id":<id>,"result":{"echo":<method>}}.
func startFakeBiDiServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd struct {
				ID     uint64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			resp, _ := json.Marshal(map[string]any{
				"type":   "success",
				"id":     cmd.ID,
				"result": map[string]any{"echo": cmd.Method},
			})
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectNativeBiDiRoundTrip(t *testing.T) {
	endpoint := startFakeBiDiServer(t)

	sess, err := Connect(context.Background(), endpoint, launcher.Firefox, time.Second)
	require.NoError(t, err)
	defer sess.Close(context.Background())

	res, err := sess.BrowsingContext.Navigate(context.Background(), "ctx-1", "https://example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "browsingContext.navigate", res["echo"])
}

func TestConnectChromiumRoutesThroughMapper(t *testing.T) {
	endpoint := startFakeCDPServer(t)

	sess, err := Connect(context.Background(), endpoint, launcher.Chrome, time.Second)
	require.NoError(t, err)
	defer sess.Close(context.Background())

	res, err := sess.Script.Evaluate(context.Background(), "1+1", "", false)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

// startFakeCDPServer answers CDP-shaped commands so a Chromium Connect can
// exercise the real CdpBidiMapper translation path end to end.
func startFakeCDPServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd struct {
				ID     uint64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			var result map[string]any
			switch cmd.Method {
			case "Runtime.evaluate":
				result = map[string]any{"result": map[string]any{"type": "number", "value": 2}}
			default:
				result = map[string]any{}
			}
			resp, _ := json.Marshal(map[string]any{"type": "success", "id": cmd.ID, "result": result})
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}
