package client

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/pkg/message"
)

// Reply is what the peer observed in response to one request.
type Reply struct {
	Request  string // "open <type>", "global <type>" or "channel <type>"
	Accepted bool
	Reason   ssh.RejectionReason // channel-open rejections only
	Message  string
	Err      error // transport failure, not a rejection
}

func (r Reply) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("%s: error: %v", r.Request, r.Err)
	case r.Accepted:
		return fmt.Sprintf("%s: accepted", r.Request)
	case r.Reason != 0:
		return fmt.Sprintf("%s: rejected (%s) %s", r.Request, r.Reason, r.Message)
	}
	return fmt.Sprintf("%s: rejected", r.Request)
}

// OpenChannel opens a channel of channelType and closes it again if the
// server accepts.
func OpenChannel(c ssh.Conn, channelType string, extra []byte) Reply {
	reply := Reply{Request: "open " + channelType}
	channel, requests, err := c.OpenChannel(channelType, extra)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			reply.Reason = openErr.Reason
			reply.Message = openErr.Message
			return reply
		}
		reply.Err = err
		return reply
	}
	go ssh.DiscardRequests(requests)
	channel.Close()
	reply.Accepted = true
	return reply
}

// GlobalRequest sends a global request that wants a reply.
func GlobalRequest(c ssh.Conn, requestType string, payload []byte) Reply {
	reply := Reply{Request: "global " + requestType}
	ok, _, err := c.SendRequest(requestType, true, payload)
	reply.Accepted, reply.Err = ok, err
	return reply
}

// ChannelRequests opens a session channel and sends each request type with
// want-reply set.
func ChannelRequests(c ssh.Conn, requestTypes ...string) (Reply, []Reply) {
	open := Reply{Request: "open session"}
	channel, requests, err := c.OpenChannel("session", nil)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			open.Reason, open.Message = openErr.Reason, openErr.Message
		} else {
			open.Err = err
		}
		return open, nil
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)
	open.Accepted = true

	replies := make([]Reply, 0, len(requestTypes))
	for _, rt := range requestTypes {
		ok, err := channel.SendRequest(rt, true, payloadFor(rt))
		replies = append(replies, Reply{Request: "channel " + rt, Accepted: ok, Err: err})
	}
	return open, replies
}

func payloadFor(requestType string) []byte {
	switch requestType {
	case "exec":
		return ssh.Marshal(message.ExecMsg{Command: "true"})
	case "env":
		return ssh.Marshal(message.EnvMsg{Name: "LANG", Value: "C"})
	case "subsystem":
		return ssh.Marshal(struct{ Name string }{"sftp"})
	case "pty-req":
		return ssh.Marshal(message.PtyRequestMsg{Term: "xterm", Columns: 80, Rows: 24})
	}
	return nil
}

// Summary joins replies one per line.
func Summary(replies ...Reply) string {
	lines := make([]string, 0, len(replies))
	for _, r := range replies {
		lines = append(lines, r.String())
	}
	return strings.Join(lines, "\n")
}
