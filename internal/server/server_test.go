package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/pkg/message"
)

const timeout = 5 * time.Second

type recorder struct {
	mu     sync.Mutex
	reqs   []message.Info
	states []message.State
	accept func(message.Info) bool
	slow   string

	inflight   atomic.Int32
	overlapped atomic.Bool

	closed   chan *message.Session
	closedIn message.State
}

func (r *recorder) Dispatch(ctx context.Context, req message.Request) {
	if r.inflight.Add(1) > 1 {
		r.overlapped.Store(true)
	}
	defer r.inflight.Add(-1)
	info := req.Info()
	if info.Subtype == r.slow {
		time.Sleep(50 * time.Millisecond)
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, info)
	r.states = append(r.states, req.Session().State())
	r.mu.Unlock()
	if r.accept != nil && r.accept(info) {
		req.Accept()
		return
	}
	req.ReplyDefault()
}

func (r *recorder) Closed(sess *message.Session) {
	r.mu.Lock()
	r.closedIn = sess.State()
	r.mu.Unlock()
	r.closed <- sess
}

func (r *recorder) snapshot() ([]message.Info, []message.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Info(nil), r.reqs...), append([]message.State(nil), r.states...)
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey %v", err)
	}
	return signer
}

func start(ctx context.Context, t *testing.T, rec *recorder, opts Options) (string, ssh.Signer) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen %v", err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	host := newSigner(t)
	config := &ssh.ServerConfig{}
	config.AddHostKey(host)
	s := New(listener.Accept, func() (*ssh.ServerConfig, error) { return config, nil }, rec, opts)
	go s.Start(ctx)
	return listener.Addr().String(), host
}

func TestPasswordAuthAndClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := &recorder{
		accept: func(info message.Info) bool {
			return info.Kind == message.KindAuth && info.Password == "hunter2"
		},
		closed: make(chan *message.Session, 1),
	}
	addr, host := start(ctx, t, rec, Options{PasswordAuth: true, HandshakeTimeout: timeout})

	c, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "guest",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.FixedHostKey(host.PublicKey()),
		Timeout:         timeout,
	})
	if err != nil {
		t.Fatalf("Dial %v", err)
	}
	if ok, _, err := c.SendRequest("keepalive@openssh.com", true, nil); err != nil || ok {
		t.Fatalf("keepalive = %v %v", ok, err)
	}
	c.Close()

	var sess *message.Session
	select {
	case sess = <-rec.closed:
	case <-ctx.Done():
		t.Fatalf("Closed not called")
	}
	if sess.User() != "guest" {
		t.Fatalf("session user %q", sess.User())
	}
	rec.mu.Lock()
	closedIn := rec.closedIn
	rec.mu.Unlock()
	if closedIn != message.StateClosing {
		t.Fatalf("Closed called while %v", closedIn)
	}

	infos, states := rec.snapshot()
	if len(infos) != 2 {
		t.Fatalf("requests %+v", infos)
	}
	if infos[0].Kind != message.KindAuth || infos[0].Subtype != "password" || states[0] != message.StateAuthenticating {
		t.Fatalf("auth request %+v in %v", infos[0], states[0])
	}
	if infos[1].Kind != message.KindGlobal || infos[1].Subtype != "keepalive@openssh.com" || !infos[1].WantReply || states[1] != message.StateEstablished {
		t.Fatalf("global request %+v in %v", infos[1], states[1])
	}

	deadline := time.Now().Add(time.Second)
	for sess.State() != message.StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("state %v after close", sess.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPasswordAuthDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := &recorder{
		accept: func(message.Info) bool { return true },
		closed: make(chan *message.Session, 1),
	}
	addr, host := start(ctx, t, rec, Options{})

	_, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "guest",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.FixedHostKey(host.PublicKey()),
		Timeout:         timeout,
	})
	if err == nil {
		t.Fatalf("password accepted while disabled")
	}
	select {
	case <-rec.closed:
	case <-ctx.Done():
		t.Fatalf("Closed not called after failed handshake")
	}
	if infos, _ := rec.snapshot(); len(infos) != 0 {
		t.Fatalf("requests dispatched without password auth: %+v", infos)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := &recorder{closed: make(chan *message.Session, 1)}
	addr, _ := start(ctx, t, rec, Options{HandshakeTimeout: 50 * time.Millisecond, MaxHandshakes: 1})

	// a peer that never speaks SSH
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial %v", err)
	}
	defer conn.Close()

	select {
	case sess := <-rec.closed:
		if sess.State() == message.StateEstablished {
			t.Fatalf("silent peer established")
		}
	case <-ctx.Done():
		t.Fatalf("silent peer never timed out")
	}
}

func TestStreamOrderWithinSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := &recorder{
		accept: func(info message.Info) bool {
			return info.Kind == message.KindAuth || info.Kind == message.KindChannelOpen
		},
		slow:   "g1@sshmsg",
		closed: make(chan *message.Session, 1),
	}
	addr, host := start(ctx, t, rec, Options{PasswordAuth: true, HandshakeTimeout: timeout})

	c, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "guest",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.FixedHostKey(host.PublicKey()),
		Timeout:         timeout,
	})
	if err != nil {
		t.Fatalf("Dial %v", err)
	}
	defer c.Close()

	// globals and channel traffic interleave on the wire
	for _, name := range []string{"g1@sshmsg", "g2@sshmsg", "g3@sshmsg"} {
		if _, _, err := c.SendRequest(name, false, nil); err != nil {
			t.Fatalf("SendRequest %v", err)
		}
	}
	channel, reqs, err := c.OpenChannel("session", nil)
	if err != nil {
		t.Fatalf("OpenChannel %v", err)
	}
	go ssh.DiscardRequests(reqs)
	defer channel.Close()
	for _, name := range []string{"r1@sshmsg", "r2@sshmsg", "r3@sshmsg"} {
		if _, err := channel.SendRequest(name, false, nil); err != nil {
			t.Fatalf("channel SendRequest %v", err)
		}
	}
	if _, err := channel.SendRequest("r4@sshmsg", true, nil); err != nil {
		t.Fatalf("channel SendRequest %v", err)
	}
	if _, _, err := c.SendRequest("g4@sshmsg", true, nil); err != nil {
		t.Fatalf("SendRequest %v", err)
	}

	infos, _ := rec.snapshot()
	pos := map[string]int{}
	for i, info := range infos {
		pos[info.Kind.String()+" "+info.Subtype] = i
	}
	streams := [][]string{
		{"request-global g1@sshmsg", "request-global g2@sshmsg", "request-global g3@sshmsg", "request-global g4@sshmsg"},
		{"request-channel-open session", "request-channel r1@sshmsg", "request-channel r2@sshmsg", "request-channel r3@sshmsg", "request-channel r4@sshmsg"},
	}
	for _, stream := range streams {
		last := -1
		for _, name := range stream {
			i, ok := pos[name]
			if !ok {
				t.Fatalf("%s not dispatched: %+v", name, infos)
			}
			if i <= last {
				t.Fatalf("%s out of order within its stream: %+v", name, infos)
			}
			last = i
		}
	}
	if rec.overlapped.Load() {
		t.Fatalf("two messages of one session dispatched at once")
	}
}
