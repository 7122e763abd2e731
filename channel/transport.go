// Package channel maintains one authenticated realtime channel per session.
// It negotiates a transport, authenticates over JSON-RPC, feeds pushed
// events to a router in receipt order and reconnects with backoff.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Transport opens a JSON-RPC object stream to the server. Transports are
// tried in order; the first that dials wins.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (jsonrpc2.ObjectStream, error)
}

var (
	// ErrNoCredential means there is no token to open a channel with. It is
	// the normal logged-out state, not a failure.
	ErrNoCredential = errors.New("no credential")
	// ErrAuthRejected means the server refused the token. The channel is
	// torn down and not retried.
	ErrAuthRejected = errors.New("credential rejected")
	ErrClosed       = errors.New("channel closed")
	ErrNotConnected = errors.New("channel not connected")
)

// TransportError reports a failed dial or handshake on one transport.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
