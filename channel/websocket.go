package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

const wsReadLimit = 4 * 1024 * 1024

// WebSocketTransport is the persistent streaming transport.
type WebSocketTransport struct {
	URL        string
	HTTPClient *http.Client
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Dial(ctx context.Context) (jsonrpc2.ObjectStream, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return NewWebSocketStream(conn), nil
}

// WebSocketStream carries one JSON-RPC object per text frame. Reads stop
// when the stream is closed from either side.
type WebSocketStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketStream{conn: conn, ctx: ctx, cancel: cancel}
}

func (s *WebSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return io.EOF
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *WebSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *WebSocketStream) Close() error {
	defer s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*WebSocketStream)(nil)
