package message

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State of an SSH connection as seen by the engine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one SSH connection. The engine owns it and is the only writer;
// everything else reads.
type Session struct {
	id     string
	remote net.Addr

	state atomic.Int32

	mu   sync.RWMutex
	user string
}

func NewSession(remote net.Addr) *Session {
	s := &Session{
		id:     uuid.NewString(),
		remote: remote,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.remote }

func (s *Session) State() State { return State(s.state.Load()) }

// SetState is called by the engine only.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// User is the name the peer authenticates as. Empty before the first
// authentication attempt.
func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) SetUser(u string) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s, %s)", s.id, s.remote, s.State())
}
