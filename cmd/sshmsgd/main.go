package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jonwillia.ms/sshmsg"
	"jonwillia.ms/sshmsg/internal/config"
	"jonwillia.ms/sshmsg/pkg/handlers"
	"jonwillia.ms/sshmsg/pkg/hostapi"
	"jonwillia.ms/sshmsg/pkg/message"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = config.Config{}.Logger(os.Stderr)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Logger = cfg.Logger(os.Stderr)

	facade := sshmsg.New()
	module := hostapi.NewModule(facade)
	if err := module.InitMessageFunc(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize message functions")
	}
	defer facade.Shutdown()

	hs := handlers.NoInteractiveAccess(facade, cfg.Banner+"\n")
	hs.Fallback = func(_ context.Context, h message.Handle) {
		typ, err := module.Call(hostapi.ProcGetType, h)
		if err != nil {
			log.Error().Err(err).Msg(hostapi.ProcGetType)
			return
		}
		log.Debug().Interface("type", typ).Msg("unhandled")
		if _, err := module.Call(hostapi.ProcReplyDefault, h); err != nil {
			log.Error().Err(err).Msg(hostapi.ProcReplyDefault)
		}
	}

	if cfg.TCPForwarding {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		hs = hs.Merge(handlers.Handlers{ChannelOpen: map[string]handlers.Func{
			"direct-tcpip": handlers.DirectTCPIP(facade, func(ctx context.Context, addr string) (net.Conn, error) {
				return d.DialContext(ctx, "tcp", addr)
			}, cfg.DialTimeout),
		}})
	}

	srv := sshmsg.NewServer(cfg, facade, hs)
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}
