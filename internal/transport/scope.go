package transport

import (
	"sync"

	"go.uber.org/multierr"
)

// Scope ties listener registrations and other releases to one lifetime.
// Close runs every release exactly once, newest first.
type Scope struct {
	channel  Channel
	mu       sync.Mutex
	releases []func() error
	closed   bool
}

// NewScope starts a scope over channel.
func NewScope(channel Channel) *Scope {
	return &Scope{channel: channel}
}

// Channel returns the scoped channel.
func (s *Scope) Channel() Channel {
	return s.channel
}

// On registers handler on the scoped channel. It is a no-op once the scope is closed.
func (s *Scope) On(event string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.channel == nil {
		return
	}
	off := s.channel.On(event, handler)
	s.releases = append(s.releases, func() error {
		off()
		return nil
	})
}

// Defer adds release to the scope. If the scope is already closed release runs immediately.
func (s *Scope) Defer(release func() error) error {
	if release == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return release()
	}
	s.releases = append(s.releases, release)
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has run.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases everything registered through the scope.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var err error
	for index := len(releases) - 1; index >= 0; index-- {
		err = multierr.Append(err, releases[index]())
	}
	return err
}
