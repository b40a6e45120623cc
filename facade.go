package sshmsg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/internal/arena"
	"jonwillia.ms/sshmsg/pkg/handlers"
	"jonwillia.ms/sshmsg/pkg/message"
)

var ErrAlreadyInitialized = message.ErrAlreadyInitialized

// entry is what a handle resolves to. replied is shared with Dispatch so
// the window's reply state outlives the slot.
type entry struct {
	req     message.Request
	replied *atomic.Bool
}

// Facade validates message handles and forwards to the engine. A handle is
// only valid inside the handling window the engine opens with Dispatch.
type Facade struct {
	initOnce sync.Once

	mu    sync.RWMutex
	table *arena.Table[entry]
}

func New() *Facade {
	return &Facade{}
}

// Init must run once before any handle can be validated.
func (f *Facade) Init() error {
	var ok bool
	f.initOnce.Do(func() { ok = true })
	if !ok {
		return ErrAlreadyInitialized
	}
	f.mu.Lock()
	f.table = arena.New[entry]()
	f.mu.Unlock()
	return nil
}

// Shutdown invalidates every live handle. Handlers still running get
// ErrInvalidHandle from then on.
func (f *Facade) Shutdown() error {
	f.mu.Lock()
	t := f.table
	f.table = nil
	f.mu.Unlock()
	if t != nil {
		n := t.ReleaseFunc(func(entry) bool { return true })
		log.Debug().Int("released", n).Msg("façade shut down")
	}
	return nil
}

func (f *Facade) tbl() *arena.Table[entry] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.table
}

func (f *Facade) lookup(h message.Handle) (message.Request, error) {
	t := f.tbl()
	if t == nil {
		return nil, message.ErrInvalidHandle
	}
	e, ok := t.Get(arena.Ref(h))
	if !ok || e.req.Session().State() == message.StateDisconnected {
		return nil, message.ErrInvalidHandle
	}
	return e.req, nil
}

// Type returns the kind of the message.
func (f *Facade) Type(h message.Handle) (message.Kind, error) {
	req, err := f.lookup(h)
	if err != nil {
		return message.KindUnknown, err
	}
	return req.Kind(), nil
}

// Subtype is the auth method, channel type or request type of the message.
func (f *Facade) Subtype(h message.Handle) (string, error) {
	req, err := f.lookup(h)
	if err != nil {
		return "", err
	}
	return req.Subtype(), nil
}

// Session returns the session that produced the message. The façade does not
// own it.
func (f *Facade) Session(h message.Handle) (*message.Session, error) {
	req, err := f.lookup(h)
	if err != nil {
		return nil, err
	}
	return req.Session(), nil
}

func (f *Facade) Info(h message.Handle) (message.Info, error) {
	req, err := f.lookup(h)
	if err != nil {
		return message.Info{}, err
	}
	return req.Info(), nil
}

// Channel returns the channel a channel request arrived on, or the channel an
// accepted channel-open created.
func (f *Facade) Channel(h message.Handle) (ssh.Channel, error) {
	req, err := f.lookup(h)
	if err != nil {
		return nil, err
	}
	ch := req.Channel()
	if ch == nil {
		return nil, fmt.Errorf("%s has no channel", req.Kind())
	}
	return ch, nil
}

// ReplyDefault sends the engine's default response for the message kind. A
// message takes one reply; the second fails with ErrAlreadyReplied.
func (f *Facade) ReplyDefault(h message.Handle) error {
	return f.reply(h, "reply-default", message.Request.ReplyDefault)
}

// Accept sends the positive response for the message kind.
func (f *Facade) Accept(h message.Handle) error {
	return f.reply(h, "accept", message.Request.Accept)
}

func (f *Facade) reply(h message.Handle, op string, send func(message.Request) error) error {
	t := f.tbl()
	if t == nil {
		return message.ErrInvalidHandle
	}
	e, ok := t.Get(arena.Ref(h))
	if !ok || e.req.Session().State() == message.StateDisconnected {
		return message.ErrInvalidHandle
	}
	if !e.replied.CompareAndSwap(false, true) {
		return message.ErrAlreadyReplied
	}
	return sendReply(e.req, op, send)
}

func sendReply(req message.Request, op string, send func(message.Request) error) error {
	if err := send(req); err != nil {
		return &message.TransportError{Op: op, Kind: req.Kind(), Err: err}
	}
	return nil
}

// Dispatch opens the handling window for req, runs fn and closes the window.
// If fn did not reply, the default reply is sent so the peer never stalls.
func (f *Facade) Dispatch(ctx context.Context, req message.Request, fn handlers.Func) error {
	t := f.tbl()
	if t == nil {
		if err := req.ReplyDefault(); err != nil {
			return &message.TransportError{Op: "reply-default", Kind: req.Kind(), Err: err}
		}
		return message.ErrInvalidHandle
	}
	replied := new(atomic.Bool)
	ref := t.Insert(entry{req: req, replied: replied})
	h := message.Handle(ref)
	defer t.Release(ref)

	if fn != nil {
		fn(ctx, h)
	}

	if replied.Load() {
		return nil
	}
	log.Debug().Str("session", req.Session().ID()).Stringer("kind", req.Kind()).Str("subtype", req.Subtype()).Msg("unhandled, replying default")
	err := f.ReplyDefault(h)
	switch {
	case errors.Is(err, message.ErrAlreadyReplied):
		return nil
	case errors.Is(err, message.ErrInvalidHandle):
		// Shutdown took the handle away mid-window; the peer still gets its
		// reply unless the session is gone.
		if req.Session().State() == message.StateDisconnected || !replied.CompareAndSwap(false, true) {
			return err
		}
		return sendReply(req, "reply-default", message.Request.ReplyDefault)
	}
	return err
}

// ReleaseSession closes the handling window of every message of sess.
func (f *Facade) ReleaseSession(sess *message.Session) int {
	t := f.tbl()
	if t == nil {
		return 0
	}
	return t.ReleaseFunc(func(e entry) bool { return e.req.Session() == sess })
}

// Live is the number of open handling windows.
func (f *Facade) Live() int {
	t := f.tbl()
	if t == nil {
		return 0
	}
	return t.Len()
}
