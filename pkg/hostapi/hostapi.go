// Package hostapi exposes the message façade to an embedding host. Every
// exposed procedure unwraps host values, calls the façade and wraps the result
// or error in host conventions. No façade logic lives here.
package hostapi

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"jonwillia.ms/sshmsg/pkg/message"
)

// Value is any host value.
type Value interface{}

type (
	Symbol string
	Bool   bool
	List   []Value
)

// SessionRef is the host view of a session. It is a copy; the host never
// holds the session itself.
type SessionRef struct {
	ID     string
	State  Symbol
	User   string
	Remote string
}

// Facade is what the host procedures need from the façade.
type Facade interface {
	Init() error
	Type(h message.Handle) (message.Kind, error)
	Subtype(h message.Handle) (string, error)
	Session(h message.Handle) (*message.Session, error)
	ReplyDefault(h message.Handle) error
}

const (
	ProcReplyDefault = "message-reply-default"
	ProcGetType      = "message-get-type"
	ProcGetSession   = "message-get-session"
)

// MessageReplyDefault replies to the message with the engine default and
// returns Bool(true).
func MessageReplyDefault(f Facade, arg Value) (Value, error) {
	h, err := unwrapHandle(ProcReplyDefault, arg)
	if err != nil {
		return nil, err
	}
	if err := f.ReplyDefault(h); err != nil {
		return nil, hostError(ProcReplyDefault, arg, err)
	}
	return Bool(true), nil
}

// MessageGetType returns (type) or (type subtype) as symbols.
func MessageGetType(f Facade, arg Value) (Value, error) {
	h, err := unwrapHandle(ProcGetType, arg)
	if err != nil {
		return nil, err
	}
	kind, err := f.Type(h)
	if err != nil {
		return nil, hostError(ProcGetType, arg, err)
	}
	subtype, err := f.Subtype(h)
	if err != nil {
		return nil, hostError(ProcGetType, arg, err)
	}
	out := List{Symbol(kind.String())}
	if subtype != "" {
		out = append(out, Symbol(subtype))
	}
	return out, nil
}

// MessageGetSession returns a SessionRef for the owning session.
func MessageGetSession(f Facade, arg Value) (Value, error) {
	h, err := unwrapHandle(ProcGetSession, arg)
	if err != nil {
		return nil, err
	}
	sess, err := f.Session(h)
	if err != nil {
		return nil, hostError(ProcGetSession, arg, err)
	}
	ref := SessionRef{
		ID:    sess.ID(),
		State: Symbol(sess.State().String()),
		User:  sess.User(),
	}
	if addr := sess.RemoteAddr(); addr != nil {
		ref.Remote = addr.String()
	}
	return ref, nil
}

func unwrapHandle(proc string, arg Value) (message.Handle, error) {
	switch v := arg.(type) {
	case message.Handle:
		return v, nil
	case *message.Handle:
		if v != nil {
			return *v, nil
		}
	case string:
		var h message.Handle
		if _, err := fmt.Sscanf(v, "#<message %d.%d>", &h.Index, &h.Generation); err == nil {
			return h, nil
		}
	}
	return message.Handle{}, wrongTypeArg(proc, arg)
}

// Procedure is one host-callable entry point.
type Procedure func(f Facade, args ...Value) (Value, error)

func unary(name string, fn func(Facade, Value) (Value, error)) Procedure {
	return func(f Facade, args ...Value) (Value, error) {
		if len(args) != 1 {
			return nil, &Error{
				Key:     KeyWrongNumArgs,
				Proc:    name,
				Message: fmt.Sprintf("wrong number of arguments: %d", len(args)),
				Args:    args,
			}
		}
		return fn(f, args[0])
	}
}

// Module is the host-side registration of the message procedures.
type Module struct {
	facade Facade

	once sync.Once
	err  error

	mu    sync.RWMutex
	procs map[string]Procedure
}

func NewModule(f Facade) *Module {
	return &Module{facade: f}
}

// InitMessageFunc initializes the façade and defines the procedures. It is
// safe to call more than once; only the first call does anything.
func (m *Module) InitMessageFunc() error {
	m.once.Do(func() {
		// a façade its owner already initialized can still be registered
		if err := m.facade.Init(); err != nil && !errors.Is(err, message.ErrAlreadyInitialized) {
			m.err = err
			return
		}
		procs := map[string]Procedure{
			ProcReplyDefault: unary(ProcReplyDefault, MessageReplyDefault),
			ProcGetType:      unary(ProcGetType, MessageGetType),
			ProcGetSession:   unary(ProcGetSession, MessageGetSession),
		}
		m.mu.Lock()
		m.procs = procs
		m.mu.Unlock()
	})
	return m.err
}

// Call invokes a defined procedure by name.
func (m *Module) Call(name string, args ...Value) (Value, error) {
	m.mu.RLock()
	procs := m.procs
	m.mu.RUnlock()
	if procs == nil {
		return nil, &Error{Key: KeyUnbound, Proc: name, Message: "module not initialized"}
	}
	proc, ok := procs[name]
	if !ok {
		return nil, &Error{Key: KeyUnbound, Proc: name, Message: "unbound procedure"}
	}
	return proc(m.facade, args...)
}

// Procedures lists the defined procedure names.
func (m *Module) Procedures() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
