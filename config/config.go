// Package config loads client settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/clinicdesk/realtime/credential"
	"github.com/clinicdesk/realtime/model"
)

const (
	TransportWebSocket = "websocket"
	TransportLongPoll  = "longpoll"
)

type Config struct {
	ChannelURL string `env:"CLINIC_CHANNEL_URL" validate:"required,url"`
	PollURL    string `env:"CLINIC_POLL_URL" validate:"omitempty,url"`
	APIURL     string `env:"CLINIC_API_URL" validate:"required,url"`

	DataDir        string `env:"CLINIC_DATA_DIR"`
	CredentialFile string `env:"CLINIC_CREDENTIAL_FILE"`

	// Transports in preference order.
	Transports []string `env:"CLINIC_TRANSPORTS" envSeparator:"," envDefault:"websocket,longpoll" validate:"min=1,dive,oneof=websocket longpoll"`

	TypingTimeout  time.Duration `env:"CLINIC_TYPING_TIMEOUT" envDefault:"4s" validate:"gt=0"`
	ReconnectMin   time.Duration `env:"CLINIC_RECONNECT_MIN" envDefault:"500ms" validate:"gt=0"`
	ReconnectMax   time.Duration `env:"CLINIC_RECONNECT_MAX" envDefault:"30s" validate:"gtefield=ReconnectMin"`
	RequestTimeout time.Duration `env:"CLINIC_REQUEST_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	PageSize       int           `env:"CLINIC_PAGE_SIZE" envDefault:"30" validate:"min=1,max=200"`

	DevMode bool `env:"CLINIC_DEV_MODE"`
}

// Load reads .env (if present) and then the process environment. Values
// already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		c.DataDir = filepath.Join(home, ".clinicdesk")
	}
	if c.CredentialFile == "" {
		c.CredentialFile = filepath.Join(c.DataDir, credential.DefaultFileName)
	}
	return nil
}

// Validate checks required endpoints and value ranges. Long-poll needs its
// own URL when it is enabled.
func (c *Config) Validate() error {
	if err := model.Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if slices.Contains(c.Transports, TransportLongPoll) && c.PollURL == "" {
		return errors.New("invalid config: CLINIC_POLL_URL is required for the longpoll transport")
	}
	return nil
}
