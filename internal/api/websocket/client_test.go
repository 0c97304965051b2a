package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/machine"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAcquirer struct{ running bool }

func (a *stubAcquirer) Start() error               { a.running = true; return nil }
func (a *stubAcquirer) Stop(context.Context) error { a.running = false; return nil }
func (a *stubAcquirer) Running() bool              { return a.running }

func dial(t *testing.T) *websocket.Conn {
	t.Helper()

	b := hardware.NewBuilder()
	b.Hardware("RPI5", "RPI5", hardware.Config{}, nil)
	g, err := b.Build()
	require.NoError(t, err)
	store, err := configstore.New(t.TempDir(), g, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := session.NewHub(zap.NewNop())
	go hub.Run(ctx)
	controller := machine.NewController(zap.NewNop(), &stubAcquirer{}, hub)
	mgr := session.NewManager(hub, session.NewDispatcher(g, store, controller, nil, zap.NewNop()), nil,
		session.Config{KeepAliveInterval: time.Hour}, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(ctx, mgr, zap.NewNop(), w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

type envelope struct {
	Type  string           `json:"type"`
	ID    string           `json:"id"`
	OK    bool             `json:"ok"`
	Error *types.ErrorBody `json:"error"`
}

func nextResponse(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == "response" {
			return env
		}
	}
}

func TestWebSocketRequestResponse(t *testing.T) {
	conn := dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","command":"start"}`)))
	resp := nextResponse(t, conn)
	assert.Equal(t, "1", resp.ID)
	assert.True(t, resp.OK)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"2","command":"GET_CONFIG","path":"RPI5"}`)))
	resp = nextResponse(t, conn)
	assert.Equal(t, "2", resp.ID)
	assert.True(t, resp.OK)
}

func TestWebSocketFramingErrors(t *testing.T) {
	conn := dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	resp := nextResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeProtocolFraming, resp.Error.Code)

	// Extra top-level fields never reach the dispatcher.
	payload := `{"command":"SET_CONFIG","path":"RPI5","enabled":false,"sample_rate":1}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	resp = nextResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeProtocolFraming, resp.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	resp = nextResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeProtocolFraming, resp.Error.Code)
}
