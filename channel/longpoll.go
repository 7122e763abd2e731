package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

const DefaultPollTimeout = 40 * time.Second

// LongPollTransport is the fallback for networks that block websockets.
//
// Wire contract, relative to URL:
//
//	POST   URL        open a poll session, responds {"sid": "..."}
//	GET    URL/{sid}  wait for pushed objects, responds a JSON array (may be empty)
//	POST   URL/{sid}  send one JSON-RPC object
//	DELETE URL/{sid}  end the session
//
// A 404 or 410 on a session path means the server dropped it.
type LongPollTransport struct {
	URL        string
	HTTPClient *http.Client
	// PollTimeout bounds one GET. The server should answer well before it.
	PollTimeout time.Duration
}

func (t *LongPollTransport) Name() string { return "longpoll" }

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func (t *LongPollTransport) Dial(ctx context.Context) (jsonrpc2.ObjectStream, error) {
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open poll session: status %d", resp.StatusCode)
	}
	var open pollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("decode poll session: %w", err)
	}
	if open.SID == "" {
		return nil, errors.New("open poll session: empty sid")
	}

	timeout := t.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &pollStream{
		client:  client,
		url:     t.URL + "/" + url.PathEscape(open.SID),
		timeout: timeout,
		ctx:     sctx,
		cancel:  cancel,
	}, nil
}

type pollStream struct {
	client  *http.Client
	url     string
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	// buf is only touched by the jsonrpc2 read loop.
	buf []json.RawMessage

	closeOnce sync.Once
}

func (s *pollStream) ReadObject(v interface{}) error {
	for len(s.buf) == 0 {
		batch, err := s.poll()
		if err != nil {
			return err
		}
		s.buf = batch
	}
	msg := s.buf[0]
	s.buf = s.buf[1:]
	return json.Unmarshal(msg, v)
}

func (s *pollStream) poll() ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, io.EOF
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var batch []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return nil, fmt.Errorf("decode poll batch: %w", err)
		}
		return batch, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("poll: status %d", resp.StatusCode)
	}
}

func (s *pollStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("poll send: status %d", resp.StatusCode)
	}
	return nil
}

func (s *pollStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
		if err != nil {
			return
		}
		if resp, err := s.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

var _ jsonrpc2.ObjectStream = (*pollStream)(nil)
