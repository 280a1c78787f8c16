package client

import (
	"errors"
	"sync"

	"github.com/19G12/parallel-website-editor-webhook/pkg/event"
)

var (
	ErrEmptyUsername = errors.New("client: username must not be empty")
	ErrAlreadyJoined = errors.New("client: session already joined")
	ErrNotJoined     = errors.New("client: session not joined")
)

// Session is the join/leave controller: Anonymous until Join, Joined until
// Leave. The username is fixed for the lifetime of the session.
type Session struct {
	conn *Conn

	mu       sync.Mutex
	username string // empty while anonymous
}

// Join transitions Anonymous to Joined. The join event is published once
// the transport is open; if it is not open yet the publish is deferred and
// fires exactly once on open.
func (s *Session) Join(username string) error {
	if username == "" {
		return ErrEmptyUsername
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username != "" {
		return ErrAlreadyJoined
	}
	s.username = username
	s.conn.announce(username)
	return nil
}

// Leave transitions Joined back to Anonymous: it publishes the explicit
// close event and clears the local identity. When the transport happens to
// be down, the router's loss detection produces the departure instead.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username == "" {
		return ErrNotJoined
	}
	err := s.conn.Publish(event.Leave{})
	s.conn.clearIdentity()
	s.username = ""
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Username returns the joined name, or empty while anonymous.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Joined reports whether the session has a participant identity.
func (s *Session) Joined() bool {
	return s.Username() != ""
}
