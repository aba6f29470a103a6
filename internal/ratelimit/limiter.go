// Package ratelimit provides the per-subject sliding-window limiter used to
// throttle subscribe and publish requests.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWindow is the trailing window used when Config.Window is unset.
const DefaultWindow = time.Minute

// ErrClosed is returned when starting a limiter that has been closed.
var ErrClosed = errors.New("rate limiter is closed")

// Config holds limiter configuration.
type Config struct {
	// Window is the length of the sliding window. It is also the sweep period.
	Window time.Duration

	// Now overrides the clock. Tests only.
	Now func() time.Time

	Logger *zap.Logger
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// window is the request history of one key.
type window struct {
	mu   sync.Mutex
	hits []time.Time
	// dead is set by the sweep once the window has been removed from the map;
	// Allow must then retry with a fresh window.
	dead bool
}

// prune drops hits at or before cutoff. Caller holds w.mu.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// Limiter is a sliding-window request counter keyed by an opaque string,
// usually a subject id. Keys are locked independently so unrelated subjects
// never contend. It is safe for concurrent use.
//
// The limiter carries no policy: which callers are exempt and which limit
// applies to an operation class is decided by the caller.
type Limiter struct {
	cfg     Config
	windows sync.Map // string -> *window

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a limiter. Call Start to run the background sweep and Close to
// stop it.
func New(cfg Config) *Limiter {
	cfg.SetDefaults()
	return &Limiter{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

// Allow records a request for key and reports whether it fits under limit
// within the trailing window. A rejected request is not recorded.
func (l *Limiter) Allow(key string, limit int) bool {
	now := l.cfg.Now()
	cutoff := now.Add(-l.cfg.Window)

	for {
		v, _ := l.windows.LoadOrStore(key, &window{})
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}

		w.prune(cutoff)
		if len(w.hits) >= limit {
			w.mu.Unlock()
			l.cfg.Logger.Warn("rate limit exceeded", zap.String("key", key), zap.Int("limit", limit))
			return false
		}
		w.hits = append(w.hits, now)
		w.mu.Unlock()
		return true
	}
}

// Sweep prunes every window and removes keys whose history has fully expired.
// It runs periodically after Start but may be called directly.
func (l *Limiter) Sweep() int {
	cutoff := l.cfg.Now().Add(-l.cfg.Window)
	removed := 0

	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.hits) == 0 && !w.dead {
			w.dead = true
			l.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Start launches the periodic sweep. It returns immediately; the sweep stops
// when ctx is cancelled or Close is called. Start is idempotent.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.started {
		return nil
	}
	l.started = true

	go l.sweepLoop(ctx)
	return nil
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.cfg.Logger.Debug("rate limiter sweep", zap.Int("removed", n), zap.Int("tracked", l.Len()))
			}
		}
	}
}

// Close stops the sweep and waits for it to exit. Safe to call more than once.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	started := l.started
	close(l.stop)
	l.mu.Unlock()

	if started {
		<-l.done
	}
	return nil
}
