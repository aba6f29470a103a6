package dispatcher

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/ratelimit"
)

// Default per-window limits.
const (
	DefaultSubscribeLimit = 10
	DefaultPublishLimit   = 5
)

var (
	// ErrInvalidSubscribeLimit is returned when the subscribe limit is not positive
	ErrInvalidSubscribeLimit = errors.New("subscribe limit must be positive")
	// ErrInvalidPublishLimit is returned when the publish limit is not positive
	ErrInvalidPublishLimit = errors.New("publish limit must be positive")
	// ErrInvalidWindow is returned when the rate limit window is negative
	ErrInvalidWindow = errors.New("rate limit window cannot be negative")
)

// Config represents configuration for a RoutingDispatcher
type Config struct {
	// SubscribeLimit is the number of subscribe requests a subject may make per
	// window. Admins are exempt.
	SubscribeLimit int

	// PublishLimit is the number of publishes a subject may make per window.
	// Admins and publishers are exempt.
	PublishLimit int

	// RateLimitWindow is the sliding window length used when the dispatcher
	// builds its own limiter.
	RateLimitWindow time.Duration

	// Limiter is an externally owned limiter. When nil the dispatcher creates
	// one and closes it on Close.
	Limiter *ratelimit.Limiter

	Logger *zap.Logger

	// Now overrides the ack timestamp clock. Tests only.
	Now func() time.Time
}

// NewConfig creates a dispatcher configuration with the default limits
func NewConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.SubscribeLimit == 0 {
		c.SubscribeLimit = DefaultSubscribeLimit
	}
	if c.PublishLimit == 0 {
		c.PublishLimit = DefaultPublishLimit
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = ratelimit.DefaultWindow
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.SubscribeLimit <= 0 {
		return ErrInvalidSubscribeLimit
	}
	if c.PublishLimit <= 0 {
		return ErrInvalidPublishLimit
	}
	if c.RateLimitWindow < 0 {
		return ErrInvalidWindow
	}
	return nil
}

// WithLimits sets the subscribe and publish limits
func (c *Config) WithLimits(subscribe, publish int) *Config {
	c.SubscribeLimit = subscribe
	c.PublishLimit = publish
	return c
}

// WithWindow sets the rate limit window
func (c *Config) WithWindow(window time.Duration) *Config {
	c.RateLimitWindow = window
	return c
}

// WithLimiter injects an externally owned limiter
func (c *Config) WithLimiter(l *ratelimit.Limiter) *Config {
	c.Limiter = l
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(l *zap.Logger) *Config {
	c.Logger = l
	return c
}
