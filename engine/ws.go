package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// readLimit bounds a single inbound frame. History pages can be large;
// 16MB leaves generous headroom over the server's per-frame cap.
const readLimit = 16 * 1024 * 1024

// wsConn is the subset of *websocket.Conn the engine uses. Tests
// substitute a mock.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer establishes a fresh transport connection. The engine calls it
// on every connect and reconnect attempt.
type Dialer func(ctx context.Context) (wsConn, error)

// NewDialer returns a Dialer for the agent service stream endpoint.
func NewDialer(host, token, device string) Dialer {
	return func(ctx context.Context) (wsConn, error) {
		url := "wss://" + host + "/v1/stream"

		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + token},
				"X-Device-Name": []string{device},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		conn.SetReadLimit(readLimit)

		return conn, nil
	}
}
