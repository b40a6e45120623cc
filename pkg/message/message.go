// Package message holds the data model shared by the façade, the engine and
// handlers: message kinds, sessions, handles and the engine-side request
// contract.
package message

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Handle refers to a message for the duration of its handling window. The
// zero Handle is never valid.
type Handle struct {
	Index      uint32
	Generation uint32
}

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string {
	return fmt.Sprintf("#<message %d.%d>", h.Index, h.Generation)
}

// Info is a read-only snapshot of a message payload.
type Info struct {
	Kind    Kind
	Subtype string // auth method, channel type or request type
	User    string

	PublicKey ssh.PublicKey // publickey auth
	Password  string        // password auth

	WantReply bool
	Payload   []byte
}

// Request is implemented by the engine for every inbound message. Exactly one
// of ReplyDefault or Accept is called per request.
type Request interface {
	Kind() Kind
	Subtype() string
	Session() *Session
	Info() Info

	// ReplyDefault sends the protocol default response for the kind.
	ReplyDefault() error
	// Accept sends the positive response for the kind.
	Accept() error
	// Channel is the channel the request belongs to, nil when there is none
	// (auth, global, a channel-open that was not accepted).
	Channel() ssh.Channel
}

// ChannelOpenDirectMsg is the direct-tcpip open payload, RFC 4254 7.2.
type ChannelOpenDirectMsg struct {
	Raddr string
	Rport uint32
	Laddr string
	Lport uint32
}

// DecodeDirectTCPIP parses a direct-tcpip channel-open payload.
func DecodeDirectTCPIP(payload []byte) (ChannelOpenDirectMsg, error) {
	msg := ChannelOpenDirectMsg{}
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("direct-tcpip payload: %w", err)
	}
	return msg, nil
}

// ExecMsg is the exec channel request payload, RFC 4254 6.5.
type ExecMsg struct {
	Command string
}

// EnvMsg is the env channel request payload, RFC 4254 6.4.
type EnvMsg struct {
	Name  string
	Value string
}

// PtyRequestMsg is the pty-req payload, RFC 4254 6.2.
type PtyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}
