package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/clinicdesk/realtime/channel"
	"github.com/clinicdesk/realtime/credential"
)

// Supervisor follows the credential file: a stored token starts a Client,
// removing the file or changing the token destroys it.
type Supervisor struct {
	creds *credential.Store
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	current *Client
}

func NewSupervisor(creds *credential.Store, opts Options, log *slog.Logger) *Supervisor {
	opts.Credentials = creds
	return &Supervisor{
		creds: creds,
		opts:  opts,
		log:   log.With("module", "supervisor"),
	}
}

// Run blocks until ctx is done, then closes the current session.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	w := credential.NewWatcher(s.creds, s.switchTo, s.log)
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	blob, err := s.creds.Load()
	if err != nil {
		s.log.Warn("failed to read credential", "error", err)
	}
	s.switchTo(blob)

	<-ctx.Done()
	s.stop()
	return nil
}

// Current returns the live session, if any.
func (s *Supervisor) Current() (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

func (s *Supervisor) switchTo(blob *credential.Blob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	sess, ok := FromBlob(blob)
	if !ok {
		s.log.Info("logged out, no session")
		return
	}

	opts := s.opts
	opts.OnAuthRejected = s.rejected
	c, err := Start(s.ctx, sess, opts)
	if err != nil {
		if !errors.Is(err, channel.ErrNoCredential) {
			s.log.Error("failed to start session", "error", err)
		}
		return
	}
	s.current = c
}

func (s *Supervisor) rejected(c *Client) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()
	c.Close()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
