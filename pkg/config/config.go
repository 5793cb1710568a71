// Package config holds the settings of a CoAP endpoint and loads them from
// the environment.
//
// Every setting has an environment variable with the COAP_ prefix and a
// default matching RFC 7252 Section 4.8.
package config

import (
	"fmt"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/stack"
	"github.com/caarlos0/env/v11"
	"github.com/pion/logging"
)

// Prefix is prepended to every environment variable name.
const Prefix = "COAP_"

// Config holds the protocol settings of an endpoint.
type Config struct {
	// AckTimeout is the initial retransmission timeout.
	AckTimeout time.Duration `env:"ACK_TIMEOUT" envDefault:"2s"`

	// AckRandomFactor scales AckTimeout by a random value in [1, factor).
	AckRandomFactor float64 `env:"ACK_RANDOM_FACTOR" envDefault:"1.5"`

	// AckTimeoutScale multiplies the timeout on every retransmission.
	AckTimeoutScale float64 `env:"ACK_TIMEOUT_SCALE" envDefault:"2"`

	// MaxRetransmit bounds the retransmissions of one confirmable message.
	MaxRetransmit int `env:"MAX_RETRANSMIT" envDefault:"4"`

	// MaxMessageSize is the payload size above which bodies are sent
	// blockwise.
	MaxMessageSize int `env:"MAX_MESSAGE_SIZE" envDefault:"1024"`

	// DefaultBlockSize is the block size of transfers this endpoint starts.
	DefaultBlockSize int `env:"DEFAULT_BLOCK_SIZE" envDefault:"512"`

	// BlockwiseStatusLifetime bounds how long an unfinished transfer is kept.
	BlockwiseStatusLifetime time.Duration `env:"BLOCKWISE_STATUS_LIFETIME" envDefault:"10m"`

	// ExchangeLifetime is how long a message ID is remembered for
	// deduplication.
	ExchangeLifetime time.Duration `env:"EXCHANGE_LIFETIME" envDefault:"247s"`

	// MarkAndSweepInterval is the eviction period of the mark-and-sweep
	// deduplicator.
	MarkAndSweepInterval time.Duration `env:"MARK_AND_SWEEP_INTERVAL" envDefault:"10s"`

	// CropRotationPeriod is the generation length of the crop-rotation
	// deduplicator.
	CropRotationPeriod time.Duration `env:"CROP_ROTATION_PERIOD" envDefault:"247s"`

	// Deduplicator selects the deduplication strategy.
	Deduplicator exchange.DeduplicatorKind `env:"DEDUPLICATOR" envDefault:"mark-and-sweep"`

	// NotificationReregistrationBackoff is added to Max-Age before a client
	// refreshes an observe registration.
	NotificationReregistrationBackoff time.Duration `env:"NOTIFICATION_REREGISTRATION_BACKOFF" envDefault:"2s"`

	// NotificationCheckIntervalCount makes every Nth notification
	// confirmable.
	NotificationCheckIntervalCount int `env:"NOTIFICATION_CHECK_INTERVAL_COUNT" envDefault:"100"`

	// NotificationCheckIntervalTime makes a notification confirmable when
	// this much time passed since the last confirmable one.
	NotificationCheckIntervalTime time.Duration `env:"NOTIFICATION_CHECK_INTERVAL_TIME" envDefault:"24h"`

	// UseRandomIDStart starts message IDs at a random value.
	UseRandomIDStart bool `env:"USE_RANDOM_ID_START" envDefault:"true"`

	// UseRandomTokenStart draws tokens at random instead of counting.
	UseRandomTokenStart bool `env:"USE_RANDOM_TOKEN_START" envDefault:"true"`

	// TokenLength is the length of allocated tokens.
	TokenLength int `env:"TOKEN_LENGTH" envDefault:"4"`
}

// Default returns the default settings.
func Default() Config {
	cfg, err := Load(env.Options{Environment: map[string]string{}})
	if err != nil {
		// Only reachable if a default tag is malformed.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load parses the settings from the environment described by opts, or the
// process environment when opts.Environment is nil. The COAP_ prefix is
// applied unless opts.Prefix is set.
func Load(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = Prefix
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads the settings from the process environment.
func FromEnv() (Config, error) {
	return Load(env.Options{})
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalid)
	case c.AckRandomFactor < 1:
		return fmt.Errorf("%w: ack random factor must be at least 1", ErrInvalid)
	case c.AckTimeoutScale < 1:
		return fmt.Errorf("%w: ack timeout scale must be at least 1", ErrInvalid)
	case c.MaxRetransmit < 0:
		return fmt.Errorf("%w: max retransmit must not be negative", ErrInvalid)
	case c.MaxMessageSize < message.MinBlockSize:
		return fmt.Errorf("%w: max message size %d below %d", ErrInvalid, c.MaxMessageSize, message.MinBlockSize)
	case !validBlockSize(c.DefaultBlockSize):
		return fmt.Errorf("%w: block size %d is not a power of two between %d and %d",
			ErrInvalid, c.DefaultBlockSize, message.MinBlockSize, message.MaxBlockSize)
	case c.BlockwiseStatusLifetime <= 0:
		return fmt.Errorf("%w: blockwise status lifetime must be positive", ErrInvalid)
	case c.ExchangeLifetime <= 0:
		return fmt.Errorf("%w: exchange lifetime must be positive", ErrInvalid)
	case c.MarkAndSweepInterval <= 0:
		return fmt.Errorf("%w: mark-and-sweep interval must be positive", ErrInvalid)
	case c.CropRotationPeriod <= 0:
		return fmt.Errorf("%w: crop rotation period must be positive", ErrInvalid)
	case !c.Deduplicator.IsValid():
		return fmt.Errorf("%w: unknown deduplicator %q", ErrInvalid, c.Deduplicator)
	case c.NotificationReregistrationBackoff < 0:
		return fmt.Errorf("%w: reregistration backoff must not be negative", ErrInvalid)
	case c.NotificationCheckIntervalCount < 1:
		return fmt.Errorf("%w: notification check interval count must be at least 1", ErrInvalid)
	case c.TokenLength < 0 || c.TokenLength > message.MaxTokenLength:
		return fmt.Errorf("%w: token length %d out of range", ErrInvalid, c.TokenLength)
	}
	return nil
}

// BlockSZX returns the size exponent of DefaultBlockSize.
func (c Config) BlockSZX() uint8 {
	return message.SZXFromSize(c.DefaultBlockSize)
}

// DeduplicatorConfig returns the deduplicator settings.
func (c Config) DeduplicatorConfig(lf logging.LoggerFactory) exchange.DeduplicatorConfig {
	return exchange.DeduplicatorConfig{
		Kind:             c.Deduplicator,
		ExchangeLifetime: c.ExchangeLifetime,
		SweepInterval:    c.MarkAndSweepInterval,
		RotationPeriod:   c.CropRotationPeriod,
		LoggerFactory:    lf,
	}
}

// MatcherConfig returns the matcher settings using dedup.
func (c Config) MatcherConfig(dedup exchange.Deduplicator, lf logging.LoggerFactory) exchange.MatcherConfig {
	return exchange.MatcherConfig{
		Deduplicator:  dedup,
		TokenLength:   c.TokenLength,
		RandomIDStart: c.UseRandomIDStart,
		RandomTokens:  c.UseRandomTokenStart,
		LoggerFactory: lf,
	}
}

// StackConfig returns the layer settings. registry and m may be nil.
func (c Config) StackConfig(registry *exchange.ObserveRegistry, lf logging.LoggerFactory, m *metrics.Metrics) stack.Config {
	maxRetransmit := c.MaxRetransmit
	if maxRetransmit == 0 {
		// Zero means the stack default there.
		maxRetransmit = -1
	}
	return stack.Config{
		Observe: stack.ObserveConfig{
			CheckIntervalCount:    c.NotificationCheckIntervalCount,
			CheckIntervalTime:     c.NotificationCheckIntervalTime,
			ReregistrationBackoff: c.NotificationReregistrationBackoff,
			Registry:              registry,
			LoggerFactory:         lf,
			Metrics:               m,
		},
		Blockwise: stack.BlockwiseConfig{
			MaxMessageSize:   c.MaxMessageSize,
			DefaultBlockSize: c.DefaultBlockSize,
			StatusLifetime:   c.BlockwiseStatusLifetime,
			LoggerFactory:    lf,
			Metrics:          m,
		},
		Reliability: stack.ReliabilityConfig{
			AckTimeout:      c.AckTimeout,
			AckRandomFactor: c.AckRandomFactor,
			AckTimeoutScale: c.AckTimeoutScale,
			MaxRetransmit:   maxRetransmit,
			LoggerFactory:   lf,
			Metrics:         m,
		},
	}
}

func validBlockSize(n int) bool {
	if n < message.MinBlockSize || n > message.MaxBlockSize {
		return false
	}
	return n&(n-1) == 0
}

// NewLoggerFactory returns a pion logger factory writing at level, one of
// "trace", "debug", "info", "warn", "error" or "disabled".
func NewLoggerFactory(level string) (logging.LoggerFactory, error) {
	lvl, ok := logLevels[level]
	if !ok {
		return nil, fmt.Errorf("%w: unknown log level %q", ErrInvalid, level)
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = lvl
	return lf, nil
}

var logLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}
