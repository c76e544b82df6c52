// Package auth exposes the read-only authentication flags consulted before
// every remote write.
package auth

import "sync/atomic"

// Context is the host's view of who is using the client.
type Context interface {
	IsAuthenticated() bool
	IsGuestMode() bool
}

// CanPersist reports whether remote writes are allowed for c.
func CanPersist(c Context) bool {
	if c == nil {
		return false
	}
	return c.IsAuthenticated() && !c.IsGuestMode()
}

// State is a Context whose flags can be flipped by the host, e.g. after login.
type State struct {
	authenticated atomic.Bool
	guest         atomic.Bool
}

// NewState returns a State with the given flags.
func NewState(authenticated, guest bool) *State {
	s := &State{}
	s.authenticated.Store(authenticated)
	s.guest.Store(guest)
	return s
}

// Guest returns a State for an anonymous user.
func Guest() *State {
	return NewState(false, true)
}

func (s *State) IsAuthenticated() bool { return s.authenticated.Load() }
func (s *State) IsGuestMode() bool     { return s.guest.Load() }

// SetAuthenticated flips the state into a logged-in, non-guest user.
func (s *State) SetAuthenticated(ok bool) {
	s.authenticated.Store(ok)
	s.guest.Store(!ok)
}
