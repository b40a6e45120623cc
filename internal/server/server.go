package server

import (
	"context"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"
	"jonwillia.ms/sshmsg/pkg/message"
)

// Dispatcher receives every inbound request of every session. Dispatch is
// called sequentially per session, never for two messages of one session at
// once, and must reply exactly once before returning.
//
// Order is kept per stream: global requests in arrival order, channel opens
// in arrival order, and the requests of one channel in arrival order after
// its open. x/crypto/ssh demultiplexes these streams onto separate Go
// channels before they reach the server, so the order between streams (a
// channel open against an earlier global request) is not recoverable and is
// not guaranteed.
type Dispatcher interface {
	Dispatch(ctx context.Context, req message.Request)
	Closed(sess *message.Session)
}

type Options struct {
	// MaxHandshakes bounds connections that have not finished the SSH
	// handshake. Zero means GOMAXPROCS*5.
	MaxHandshakes    int
	HandshakeTimeout time.Duration
	PasswordAuth     bool
}

func New(
	accept func() (net.Conn, error),
	config func() (*ssh.ServerConfig, error),
	dispatcher Dispatcher,
	opts Options,
) *Server {

	const (
		unauthMultiplier = 5
	)
	maxUnauthWorkers := opts.MaxHandshakes
	if maxUnauthWorkers <= 0 {
		maxUnauthWorkers = runtime.GOMAXPROCS(0) * unauthMultiplier
	}

	return &Server{
		accept:     accept,
		config:     config,
		dispatcher: dispatcher,
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(maxUnauthWorkers)),
	}
}

type Server struct {
	accept     func() (net.Conn, error)
	config     func() (*ssh.ServerConfig, error)
	dispatcher Dispatcher
	opts       Options

	sem *semaphore.Weighted
}

// Start runs the accept loop until accept fails or ctx ends.
func (s *Server) Start(ctx context.Context) {

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			log.Debug().Err(err).Msg("accept loop stopped")
			return
		}

		nConn, err := s.accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("listener closed")
			} else {
				log.Error().Err(err).Msg("failed to accept incoming connection")
			}
			return
		}

		go func() {
			sess := message.NewSession(nConn.RemoteAddr())
			conn, chans, reqs, err := s.handshake(ctx, nConn, sess)
			s.sem.Release(1)
			if err != nil {
				log.Info().Err(err).Str("session", sess.ID()).Stringer("remote", sess.RemoteAddr()).Msg("failed to handshake")
				nConn.Close()
				s.closed(sess)
				return
			}
			sess.SetState(message.StateEstablished)
			log.Info().Str("session", sess.ID()).Str("user", conn.User()).Str("key", conn.Permissions.Extensions["pubkey-fp"]).Msg("established")
			s.handleConn(ctx, sess, conn, chans, reqs)
		}()
	}
}

func (s *Server) handshake(ctx context.Context, nConn net.Conn, sess *message.Session,
) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	base, err := s.config()
	if err != nil {
		return nil, nil, nil, err
	}
	config := s.sessionConfig(ctx, base, sess)
	if s.opts.HandshakeTimeout > 0 {
		nConn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
		defer nConn.SetDeadline(time.Time{})
	}
	// Before use, a handshake must be performed on the incoming
	// net.Conn.
	return ssh.NewServerConn(nConn, config)
}

// sessionConfig copies base and routes its auth callbacks through the
// dispatcher as request-auth messages.
func (s *Server) sessionConfig(ctx context.Context, base *ssh.ServerConfig, sess *message.Session) *ssh.ServerConfig {
	config := *base
	authenticate := func(c ssh.ConnMetadata, req *authRequest) (*ssh.Permissions, error) {
		sess.SetState(message.StateAuthenticating)
		sess.SetUser(c.User())
		req.sess = sess
		req.user = c.User()
		s.dispatcher.Dispatch(ctx, req)
		return req.result()
	}
	config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		return authenticate(c, &authRequest{method: "publickey", key: key})
	}
	if s.opts.PasswordAuth {
		config.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return authenticate(c, &authRequest{method: "password", password: string(password)})
		}
	} else {
		config.PasswordCallback = nil
	}
	config.KeyboardInteractiveCallback = nil
	config.NoClientAuth = false
	return &config
}

func (s *Server) handleConn(ctx context.Context, sess *message.Session,
	sc *ssh.ServerConn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request,
) {
	c := &conn{
		sess:   sess,
		queue:  make(chan message.Request),
		closed: make(chan struct{}),
	}
	go func() {
		sc.Wait()
		close(c.closed)
	}()
	defer func() {
		sc.Close()
		s.closed(sess)
		log.Info().Str("session", sess.ID()).Msg("disconnected")
	}()

	go func() {
		for req := range reqs {
			c.enqueue(&globalRequest{conn: c, req: req})
		}
	}()
	go func() {
		for nc := range chans {
			c.enqueue(&channelOpenRequest{conn: c, nc: nc})
		}
	}()

	for {
		select {
		case req := <-c.queue:
			s.dispatcher.Dispatch(ctx, req)
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closed(sess *message.Session) {
	sess.SetState(message.StateClosing)
	s.dispatcher.Closed(sess)
	sess.SetState(message.StateDisconnected)
}

// conn funnels the global, channel-open and channel requests of one session
// into a single queue. Each producer preserves its own stream's order.
type conn struct {
	sess   *message.Session
	queue  chan message.Request
	closed chan struct{}
}

func (c *conn) enqueue(req message.Request) bool {
	select {
	case c.queue <- req:
		return true
	case <-c.closed:
		return false
	}
}

func (c *conn) track(channel ssh.Channel, reqs <-chan *ssh.Request) {
	go func() {
		for req := range reqs {
			c.enqueue(&channelRequest{conn: c, req: req, channel: channel})
		}
	}()
}
