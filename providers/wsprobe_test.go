package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Grounded on agent/streaming/ws_adapter_test.go's wsTestServer/wsURL
// helpers.
func wsProbeTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsProbeURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProbeWebSocket_SuccessfulConnectReportsHealthy(t *testing.T) {
	srv := wsProbeTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := ProbeWebSocket(ctx, wsProbeURL(srv))
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.Healthy)
	assert.GreaterOrEqual(t, status.Latency, time.Duration(0))
}

func TestProbeWebSocket_UnreachableHostReportsUnhealthy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := ProbeWebSocket(ctx, "ws://localhost:1")
	require.Error(t, err)
	require.NotNil(t, status)
	assert.False(t, status.Healthy)
}
