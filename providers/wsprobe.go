package providers

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/BaSui01/llmcore/errs"
)

// ProbeWebSocket performs the connect/close dance health_check uses for
// WebSocket-based voice models: no payload is exchanged, a clean open
// followed by a clean close is the whole signal. Errors from Dial cover
// DNS, TCP connect, and handshake failures alike, wrapped as
// errs.Transport with the original error as cause so the caller's
// error-categorization layer (orchestrator.categorize) can tell a DNS
// failure apart from a plain connection refusal.
func ProbeWebSocket(ctx context.Context, url string) (*HealthStatus, error) {
	start := time.Now()
	conn, _, err := websocket.Dial(ctx, url, nil)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, errs.New(errs.Transport, err.Error()).WithCause(err)
	}
	conn.Close(websocket.StatusNormalClosure, "health check complete")
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}
