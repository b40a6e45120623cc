package message

import "fmt"

// Kind is the request category of an inbound message. It is fixed when the
// engine creates the message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuth
	KindChannelOpen
	KindChannel // channel request without a dedicated kind
	KindChannelExec
	KindPty
	KindShell
	KindEnv
	KindSubsystem
	KindWindowChange
	KindGlobal
)

var kindNames = [...]string{
	KindUnknown:      "request-unknown",
	KindAuth:         "request-auth",
	KindChannelOpen:  "request-channel-open",
	KindChannel:      "request-channel",
	KindChannelExec:  "request-channel-exec",
	KindPty:          "request-pty",
	KindShell:        "request-shell",
	KindEnv:          "request-env",
	KindSubsystem:    "request-subsystem",
	KindWindowChange: "request-window-change",
	KindGlobal:       "request-global",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("request-kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown message kind %q", s)
}

// ChannelRequestKind maps an RFC 4254 channel request type to its kind.
func ChannelRequestKind(requestType string) Kind {
	switch requestType {
	case "exec":
		return KindChannelExec
	case "pty-req":
		return KindPty
	case "shell":
		return KindShell
	case "env":
		return KindEnv
	case "subsystem":
		return KindSubsystem
	case "window-change":
		return KindWindowChange
	}
	return KindChannel
}
