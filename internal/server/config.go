// Package server provides configuration helpers that define runtime defaults,
// validation, and keep-alive parameters for the chat service.
package server

import (
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var validate = validator.New()

// Config holds the server configuration settings including security controls.
// Every field can be set from the environment.
type Config struct {
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	Port        int    `envconfig:"PORT" default:"8000" validate:"min=1,max=65535"`
	TLSCertPath string `envconfig:"SSL_CERT_PATH" validate:"required_with=TLSKeyPath"`
	TLSKeyPath  string `envconfig:"SSL_KEY_PATH" validate:"required_with=TLSCertPath"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	MaxMessageSize int64    `envconfig:"MAX_MESSAGE_SIZE" default:"4096" validate:"gt=0"`

	RateLimitBurst          int           `envconfig:"RATE_LIMIT_BURST" default:"5" validate:"gt=0"`
	RateLimitRefillInterval time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1s" validate:"gt=0"`

	PingInterval    time.Duration `envconfig:"PING_INTERVAL" default:"30s" validate:"gt=0"`
	PingTimeout     time.Duration `envconfig:"PING_TIMEOUT" default:"10s" validate:"gt=0"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"gt=0"`
	SendBuffer      int           `envconfig:"SEND_BUFFER" default:"256" validate:"gt=0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`

	HistoryLimit int    `envconfig:"HISTORY_LIMIT" default:"100" validate:"gt=0"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
}

// LoadConfig reads the optional dotenv files, then the environment, and
// validates the result. Missing dotenv files are ignored.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "load %s", file)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and that TLS certificate and key come as a pair.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// ReadDeadline is how long a connection may stay silent, pongs included,
// before it is considered dead.
func (c *Config) ReadDeadline() time.Duration {
	return c.PingInterval + c.PingTimeout
}
