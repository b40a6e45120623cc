// Package messagetest provides an in-memory message.Request for tests.
package messagetest

import (
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/pkg/message"
)

// Request records the replies it receives instead of writing frames.
type Request struct {
	K       message.Kind
	Sub     string
	Sess    *message.Session
	Payload []byte
	Err     error // returned by both replies when set
	Chan    ssh.Channel

	mu       sync.Mutex
	defaults int
	accepts  int
}

// New returns a request on a fresh established session.
func New(kind message.Kind, subtype string) *Request {
	sess := message.NewSession(&net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 50022})
	sess.SetState(message.StateEstablished)
	sess.SetUser("guest")
	return &Request{K: kind, Sub: subtype, Sess: sess}
}

func (r *Request) Kind() message.Kind        { return r.K }
func (r *Request) Subtype() string           { return r.Sub }
func (r *Request) Session() *message.Session { return r.Sess }
func (r *Request) Channel() ssh.Channel      { return r.Chan }

func (r *Request) Info() message.Info {
	return message.Info{Kind: r.K, Subtype: r.Sub, User: r.Sess.User(), WantReply: true, Payload: r.Payload}
}

func (r *Request) ReplyDefault() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults++
	return r.Err
}

func (r *Request) Accept() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts++
	return r.Err
}

// Replies returns how many default and accept replies were sent.
func (r *Request) Replies() (defaults, accepts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults, r.accepts
}
