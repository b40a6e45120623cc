package server

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/pkg/message"
)

// authRequest is answered by returning from the x/crypto/ssh auth callback;
// x/crypto/ssh writes the USERAUTH frame afterwards.
type authRequest struct {
	sess     *message.Session
	method   string
	user     string
	key      ssh.PublicKey
	password string

	accepted bool
}

func (r *authRequest) Kind() message.Kind        { return message.KindAuth }
func (r *authRequest) Subtype() string           { return r.method }
func (r *authRequest) Session() *message.Session { return r.sess }
func (r *authRequest) Channel() ssh.Channel      { return nil }

func (r *authRequest) ReplyDefault() error {
	r.accepted = false
	return nil
}

func (r *authRequest) Accept() error {
	r.accepted = true
	return nil
}

func (r *authRequest) Info() message.Info {
	return message.Info{
		Kind:      message.KindAuth,
		Subtype:   r.method,
		User:      r.user,
		PublicKey: r.key,
		Password:  r.password,
		WantReply: true,
	}
}

func (r *authRequest) result() (*ssh.Permissions, error) {
	if !r.accepted {
		return nil, fmt.Errorf("%s authentication for %q denied", r.method, r.user)
	}
	perms := &ssh.Permissions{Extensions: map[string]string{"auth-method": r.method}}
	if r.key != nil {
		// Record the public key used for authentication.
		perms.Extensions["pubkey-fp"] = ssh.FingerprintSHA256(r.key)
		perms.Extensions["pubkey-type"] = r.key.Type()
	}
	return perms, nil
}

type channelOpenRequest struct {
	conn *conn
	nc   ssh.NewChannel

	mu      sync.Mutex
	channel ssh.Channel
}

func (r *channelOpenRequest) Kind() message.Kind        { return message.KindChannelOpen }
func (r *channelOpenRequest) Subtype() string           { return r.nc.ChannelType() }
func (r *channelOpenRequest) Session() *message.Session { return r.conn.sess }

func (r *channelOpenRequest) Info() message.Info {
	return message.Info{
		Kind:      message.KindChannelOpen,
		Subtype:   r.nc.ChannelType(),
		User:      r.conn.sess.User(),
		WantReply: true,
		Payload:   r.nc.ExtraData(),
	}
}

func (r *channelOpenRequest) ReplyDefault() error {
	return r.nc.Reject(ssh.Prohibited, fmt.Sprintf("channel type %v administratively prohibited", r.nc.ChannelType()))
}

func (r *channelOpenRequest) Accept() error {
	channel, reqs, err := r.nc.Accept()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.channel = channel
	r.mu.Unlock()
	r.conn.track(channel, reqs)
	return nil
}

func (r *channelOpenRequest) Channel() ssh.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// channelRequest and globalRequest share the *ssh.Request reply semantics:
// nothing is written when the peer did not ask for a reply.
type channelRequest struct {
	conn    *conn
	req     *ssh.Request
	channel ssh.Channel
}

func (r *channelRequest) Kind() message.Kind        { return message.ChannelRequestKind(r.req.Type) }
func (r *channelRequest) Subtype() string           { return r.req.Type }
func (r *channelRequest) Session() *message.Session { return r.conn.sess }
func (r *channelRequest) Channel() ssh.Channel      { return r.channel }
func (r *channelRequest) ReplyDefault() error       { return r.req.Reply(false, nil) }
func (r *channelRequest) Accept() error             { return r.req.Reply(true, nil) }

func (r *channelRequest) Info() message.Info {
	return requestInfo(r.Kind(), r.conn.sess, r.req)
}

type globalRequest struct {
	conn *conn
	req  *ssh.Request
}

func (r *globalRequest) Kind() message.Kind        { return message.KindGlobal }
func (r *globalRequest) Subtype() string           { return r.req.Type }
func (r *globalRequest) Session() *message.Session { return r.conn.sess }
func (r *globalRequest) Channel() ssh.Channel      { return nil }
func (r *globalRequest) ReplyDefault() error       { return r.req.Reply(false, nil) }
func (r *globalRequest) Accept() error             { return r.req.Reply(true, nil) }

func (r *globalRequest) Info() message.Info {
	return requestInfo(message.KindGlobal, r.conn.sess, r.req)
}

func requestInfo(kind message.Kind, sess *message.Session, req *ssh.Request) message.Info {
	return message.Info{
		Kind:      kind,
		Subtype:   req.Type,
		User:      sess.User(),
		WantReply: req.WantReply,
		Payload:   req.Payload,
	}
}
