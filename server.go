package sshmsg

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/internal/config"
	"jonwillia.ms/sshmsg/internal/hostkey"
	"jonwillia.ms/sshmsg/internal/server"
	"jonwillia.ms/sshmsg/pkg/handlers"
	"jonwillia.ms/sshmsg/pkg/message"
)

type ServerOption func(*Server)

// WithHostKeys serves signers instead of loading host keys from config.
func WithHostKeys(signers ...ssh.Signer) ServerOption {
	return func(s *Server) { s.hostKeys = signers }
}

// WithAuthorizedKeys replaces the authorized_keys file lookup.
func WithAuthorizedKeys(keys *hostkey.KeySet) ServerOption {
	return func(s *Server) { s.authorized = keys }
}

// Server accepts SSH connections and routes every inbound message through
// the façade to handlers. Unrouted messages get the default reply.
type Server struct {
	cfg      config.Config
	facade   *Facade
	handlers handlers.Handlers
	id, name string

	hostKeys   []ssh.Signer
	authorized *hostkey.KeySet

	mu   sync.Mutex
	addr net.Addr
}

func NewServer(cfg config.Config, facade *Facade, hs handlers.Handlers, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		facade:   facade,
		handlers: hs,
		id:       uuid.NewString(),
		name:     getName(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) GetID() string {
	return s.id
}

// Addr is the bound listener address, nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func getName() string {
	name := "sshmsg"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		name = fmt.Sprintf("%s@%s", name, hostname)
	}
	return name
}

// Run listens, optionally announces over mDNS and serves in the background
// until ctx ends.
func (s *Server) Run(ctx context.Context) (err error) {
	if s.hostKeys == nil {
		s.hostKeys, err = hostkey.HostSigners(s.cfg.HostKeyPath)
		if err != nil {
			return err
		}
	}
	// An SSH server is represented by a ServerConfig, which holds
	// certificate details and handles authentication of ServerConns.
	sshConfig := &ssh.ServerConfig{}
	hostPubKeys := make([]ssh.PublicKey, 0, len(s.hostKeys))
	for _, key := range s.hostKeys {
		sshConfig.AddHostKey(key)
		hostPubKeys = append(hostPubKeys, key.PublicKey())
	}

	hs := s.handlers
	if hs.Auth == nil {
		if s.authorized == nil {
			s.authorized, err = hostkey.AuthorizedKeys(s.cfg.AuthorizedKeysPath, s.cfg.AgentKeys)
			if err != nil {
				return fmt.Errorf("can't load authorized keys: %w", err)
			}
			if err := hostkey.WatchAuthorizedKeys(ctx, s.cfg.AuthorizedKeysPath, s.cfg.AgentKeys, s.authorized); err != nil {
				log.Warn().Err(err).Msg("authorized keys will not be reloaded")
			}
		}
		hs.Auth = handlers.PublicKeyAuth(s.facade, s.authorized.Contains)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for connection: %w", err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	if s.cfg.Announce {
		txtRecords := append(HostKeys2TXTRecords(hostPubKeys), textRecord(keyUniq, s.id))
		if err := Register(ctx, s.name, s.cfg.Service, listener.Addr().(*net.TCPAddr), txtRecords); err != nil {
			listener.Close()
			return fmt.Errorf("unable to register mDNS service: %w", err)
		}
	}

	sImpl := server.New(
		listener.Accept,
		func() (*ssh.ServerConfig, error) {
			return sshConfig, nil
		},
		&dispatcher{facade: s.facade, handlers: hs},
		server.Options{
			MaxHandshakes:    s.cfg.MaxHandshakes,
			HandshakeTimeout: s.cfg.HandshakeTimeout,
			PasswordAuth:     s.cfg.PasswordAuth,
		},
	)
	log.Info().Stringer("addr", listener.Addr()).Str("id", s.id).Stringer("handlers", hs).Msg("listening")
	go sImpl.Start(ctx)
	return nil
}

type dispatcher struct {
	facade   *Facade
	handlers handlers.Handlers
}

func (d *dispatcher) Dispatch(ctx context.Context, req message.Request) {
	if err := d.facade.Dispatch(ctx, req, d.handlers.Route(req)); err != nil {
		log.Debug().Err(err).Str("session", req.Session().ID()).Stringer("kind", req.Kind()).Msg("dispatch")
	}
}

func (d *dispatcher) Closed(sess *message.Session) {
	if n := d.facade.ReleaseSession(sess); n > 0 {
		log.Debug().Str("session", sess.ID()).Int("released", n).Msg("released handles of closed session")
	}
}
