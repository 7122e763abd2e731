// Package session owns everything that lives for one login: the channel,
// the event router, the state store and the snapshot loader. A Client is
// built at login and torn down at logout; nothing is shared across logins.
package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/clinicdesk/realtime/channel"
	"github.com/clinicdesk/realtime/config"
	"github.com/clinicdesk/realtime/credential"
	"github.com/clinicdesk/realtime/model"
	"github.com/clinicdesk/realtime/snapshot"
)

// Session is the identity token of one login.
type Session struct {
	UserID string
	Token  string
}

// Credentials derives the channel credentials from the session.
func (s Session) Credentials() channel.Credentials {
	return channel.Credentials{Token: s.Token}
}

// FromBlob returns the session stored in b. ok is false when b holds no token.
func FromBlob(b *credential.Blob) (Session, bool) {
	if b == nil || b.Token == "" {
		return Session{}, false
	}
	return Session{UserID: b.UserID, Token: b.Token}, true
}

// Presenter receives user-facing side effects. Rendering, sound and toasts
// are its business.
type Presenter interface {
	Alert(n model.Notification)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(model.Notification)

func (f PresenterFunc) Alert(n model.Notification) { f(n) }

// OptionsFromConfig builds client options from cfg. The REST source is
// created per session because it carries the session token.
func OptionsFromConfig(cfg *config.Config, creds *credential.Store, presenter Presenter) Options {
	httpClient := &http.Client{}
	transports := make([]channel.Transport, 0, len(cfg.Transports))
	for _, name := range cfg.Transports {
		switch name {
		case config.TransportWebSocket:
			transports = append(transports, &channel.WebSocketTransport{URL: cfg.ChannelURL, HTTPClient: httpClient})
		case config.TransportLongPoll:
			transports = append(transports, &channel.LongPollTransport{URL: cfg.PollURL, HTTPClient: httpClient})
		}
	}

	apiURL, timeout := cfg.APIURL, cfg.RequestTimeout
	return Options{
		Transports: transports,
		NewSource: func(token string) snapshot.Source {
			return snapshot.NewClient(apiURL, token, timeout)
		},
		Credentials:   creds,
		Presenter:     presenter,
		TypingTimeout: cfg.TypingTimeout,
		ReconnectMin:  cfg.ReconnectMin,
		ReconnectMax:  cfg.ReconnectMax,
		PageSize:      cfg.PageSize,
		FetchTimeout:  timeout,
	}
}

// Options configure every Client started with them.
type Options struct {
	Transports  []channel.Transport
	NewSource   func(token string) snapshot.Source
	Credentials *credential.Store // optional
	Presenter   Presenter         // optional

	TypingTimeout time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	PageSize      int
	FetchTimeout  time.Duration

	// OnAuthRejected runs when the server refuses the session token. The
	// default closes the client.
	OnAuthRejected func(*Client)

	// Log defaults to a fresh session logger.
	Log *slog.Logger
}
