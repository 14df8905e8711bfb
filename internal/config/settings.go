package config

import (
	"fmt"
	"sync/atomic"
)

// Settings holds the live SecurityConfig. Readers take a snapshot with
// Current; writers build a new value and swap it in, so a request never
// observes a half-applied update.
type Settings struct {
	current atomic.Pointer[SecurityConfig]
}

// NewSettings creates a Settings holder seeded with cfg.
func NewSettings(cfg SecurityConfig) *Settings {
	s := &Settings{}
	c := cfg
	s.current.Store(&c)
	return s
}

// Current returns a copy of the active configuration.
func (s *Settings) Current() SecurityConfig {
	return *s.current.Load()
}

// Update applies fn to a copy of the active configuration, validates the
// result and publishes it. The new configuration is returned.
func (s *Settings) Update(fn func(*SecurityConfig)) (SecurityConfig, error) {
	for {
		old := s.current.Load()
		next := *old
		fn(&next)
		if err := next.Validate(); err != nil {
			return *old, fmt.Errorf("rejected security config update: %w", err)
		}
		if s.current.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}
