// Package ratelimit provides per-subject sliding-window rate limiting.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Tier describes one rate limit: at most MaxRequests per subject within the
// trailing Window.
type Tier struct {
	// Window is the trailing interval over which requests are counted.
	Window time.Duration `yaml:"window"`
	// MaxRequests is the number of requests allowed within the window.
	MaxRequests int `yaml:"max_requests"`
}

// Config configures rate limiting behavior.
type Config struct {
	// Tiers maps tier names to their limits.
	Tiers map[string]Tier `yaml:"tiers"`
	// DefaultTier is used when a check names an unknown tier.
	DefaultTier string `yaml:"default_tier"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Tiers: map[string]Tier{
			"standard": {Window: time.Minute, MaxRequests: 20},
			"burst":    {Window: 10 * time.Second, MaxRequests: 5},
		},
		DefaultTier: "standard",
		Enabled:     true,
	}
}

// window holds the request timestamps for one subject. Timestamps older than
// the tier window are pruned before every admission check, so the slice only
// ever holds the live window.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Limiter tracks request windows for multiple subjects (users, channels, etc).
// All read-prune-record steps for one subject run under that subject's lock,
// so concurrent callers cannot lose updates.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if len(config.Tiers) == 0 {
		config.Tiers = DefaultConfig().Tiers
	}
	if config.DefaultTier == "" {
		config.DefaultTier = "standard"
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Check reports whether the subject may make a request under the named tier.
// An allowed request is recorded immediately; a rejected one is not. When
// rejected, retryAfter is the time until the oldest retained request leaves
// the window and a slot frees.
func (l *Limiter) Check(subject, tier string) (allowed bool, retryAfter time.Duration) {
	if !l.config.Enabled {
		return true, 0
	}

	t, ok := l.config.Tiers[tier]
	if !ok {
		t = l.config.Tiers[l.config.DefaultTier]
	}
	if t.MaxRequests <= 0 || t.Window <= 0 {
		return true, 0
	}

	w := l.getWindow(subject + ":" + tier)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-t.Window)

	// Prune everything outside the trailing window.
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) < t.MaxRequests {
		w.stamps = append(w.stamps, now)
		return true, 0
	}

	retryAfter = t.Window - now.Sub(w.stamps[0])
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter
}

// getWindow returns or creates the window for the given key.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists = l.windows[key]; exists {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.prune()
	}

	w = &window{}
	l.windows[key] = w
	return w
}

// prune drops subjects whose windows are empty (inactive keys).
// Must be called with the write lock held.
func (l *Limiter) prune() {
	cutoff := l.now().Add(-l.longestWindow())
	for key, w := range l.windows {
		w.mu.Lock()
		idle := len(w.stamps) == 0 || !w.stamps[len(w.stamps)-1].After(cutoff)
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) longestWindow() time.Duration {
	var longest time.Duration
	for _, t := range l.config.Tiers {
		if t.Window > longest {
			longest = t.Window
		}
	}
	return longest
}

// Reset clears the recorded window for a subject and tier.
func (l *Limiter) Reset(subject, tier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, subject+":"+tier)
}

// Status reports the rate limit state for a subject without recording a request.
type Status struct {
	Subject    string        `json:"subject"`
	Tier       string        `json:"tier"`
	Used       int           `json:"used"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after"`
}

// GetStatus returns the rate limit status for a subject and tier.
func (l *Limiter) GetStatus(subject, tier string) Status {
	t, ok := l.config.Tiers[tier]
	if !ok {
		t = l.config.Tiers[l.config.DefaultTier]
	}
	status := Status{Subject: subject, Tier: tier, Limit: t.MaxRequests}
	if !l.config.Enabled {
		return status
	}

	w := l.getWindow(subject + ":" + tier)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-t.Window)

	// Prune first so RetryAfter is computed from a stamp that still
	// counts; a stale oldest stamp would drive it negative.
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	status.Used = len(w.stamps)
	if status.Used >= t.MaxRequests && len(w.stamps) > 0 {
		status.RetryAfter = t.Window - now.Sub(w.stamps[0])
		if status.RetryAfter < 0 {
			status.RetryAfter = 0
		}
	}
	return status
}

// CompositeKey creates a rate limit subject from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
