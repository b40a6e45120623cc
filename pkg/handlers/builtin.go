package handlers

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/pkg/message"
)

// Replier is the part of the façade the built-in handlers use.
type Replier interface {
	Info(h message.Handle) (message.Info, error)
	Channel(h message.Handle) (ssh.Channel, error)
	Accept(h message.Handle) error
	ReplyDefault(h message.Handle) error
}

// PublicKeyAuth accepts public keys for which authorized returns true and
// gives every other auth attempt the default (failure) reply.
func PublicKeyAuth(r Replier, authorized func(ssh.PublicKey) bool) Func {
	return func(ctx context.Context, h message.Handle) {
		info, err := r.Info(h)
		if err != nil {
			log.Error().Err(err).Msg("auth info")
			return
		}
		if info.PublicKey == nil || !authorized(info.PublicKey) {
			if err := r.ReplyDefault(h); err != nil {
				log.Error().Err(err).Msg("auth reply")
			}
			return
		}
		if err := r.Accept(h); err != nil {
			log.Error().Err(err).Msg("auth accept")
			return
		}
		log.Info().Str("user", info.User).Str("key", ssh.FingerprintSHA256(info.PublicKey)).Str("type", info.PublicKey.Type()).Msg("logged in")
	}
}

// AcceptAll gives the positive reply to every message it handles.
func AcceptAll(r Replier) Func {
	return func(ctx context.Context, h message.Handle) {
		if err := r.Accept(h); err != nil {
			log.Error().Err(err).Stringer("handle", h).Msg("accept")
		}
	}
}

// NoInteractiveAccess accepts session channels and shell requests, prints
// banner and closes the channel.
func NoInteractiveAccess(r Replier, banner string) Handlers {
	return Handlers{
		ChannelOpen: map[string]Func{"session": AcceptAll(r)},
		Requests: map[string]Func{"shell": func(ctx context.Context, h message.Handle) {
			if err := r.Accept(h); err != nil {
				log.Error().Err(err).Msg("shell accept")
				return
			}
			channel, err := r.Channel(h)
			if err != nil {
				log.Error().Err(err).Msg("shell channel")
				return
			}
			defer channel.Close()
			if _, err := io.WriteString(channel, banner); err != nil {
				log.Debug().Err(err).Msg("banner write")
			}
		}},
	}
}

// DirectTCPIP accepts direct-tcpip channels whose destination dial succeeds
// and copies bytes both ways until either side closes. The dial runs inside
// the handling window, so it is cut off after timeout (zero means no limit)
// and the open falls through to the default rejection.
func DirectTCPIP(r Replier, dial func(ctx context.Context, addr string) (net.Conn, error), timeout time.Duration) Func {
	return func(ctx context.Context, h message.Handle) {
		info, err := r.Info(h)
		if err != nil {
			log.Error().Err(err).Msg("direct-tcpip info")
			return
		}
		msg, err := message.DecodeDirectTCPIP(info.Payload)
		if err != nil {
			log.Error().Err(err).Str("ChannelType", info.Subtype).Msg("failed to Unmarshal")
			return
		}
		addr := net.JoinHostPort(msg.Raddr, strconv.Itoa(int(msg.Rport)))
		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := dial(dialCtx, addr)
		if err != nil {
			log.Info().Err(err).Str("addr", addr).Msg("direct-tcpip dial")
			return
		}
		if err := r.Accept(h); err != nil {
			conn.Close()
			log.Error().Err(err).Msg("direct-tcpip accept")
			return
		}
		channel, err := r.Channel(h)
		if err != nil {
			conn.Close()
			log.Error().Err(err).Msg("direct-tcpip channel")
			return
		}
		go splice(channel, conn)
	}
}

func splice(channel ssh.Channel, conn net.Conn) {
	defer conn.Close()
	defer channel.Close()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(channel, conn)
		channel.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, channel)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	wg.Wait()
}

// Merge overlays the non-nil routes of more onto hs.
func (hs Handlers) Merge(more Handlers) Handlers {
	out := Handlers{
		Auth:        hs.Auth,
		ChannelOpen: copyRoutes(hs.ChannelOpen),
		Requests:    copyRoutes(hs.Requests),
		Global:      copyRoutes(hs.Global),
		Fallback:    hs.Fallback,
	}
	if more.Auth != nil {
		out.Auth = more.Auth
	}
	if more.Fallback != nil {
		out.Fallback = more.Fallback
	}
	for k, v := range more.ChannelOpen {
		out.ChannelOpen[k] = v
	}
	for k, v := range more.Requests {
		out.Requests[k] = v
	}
	for k, v := range more.Global {
		out.Global[k] = v
	}
	return out
}

func copyRoutes(in map[string]Func) map[string]Func {
	out := make(map[string]Func, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (hs Handlers) String() string {
	return fmt.Sprintf("handlers(auth=%t open=%d requests=%d global=%d fallback=%t)",
		hs.Auth != nil, len(hs.ChannelOpen), len(hs.Requests), len(hs.Global), hs.Fallback != nil)
}
