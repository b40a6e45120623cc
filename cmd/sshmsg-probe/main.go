package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"jonwillia.ms/sshmsg"
	"jonwillia.ms/sshmsg/internal/client"
	"jonwillia.ms/sshmsg/internal/config"
	"jonwillia.ms/sshmsg/internal/hostkey"
)

// sshmsg-probe [addr] sends one of each request kind and logs the replies.
// Without addr it probes every server announced over mDNS.
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

	auth, err := hostkey.ClientAuth()
	if err != nil {
		log.Fatal().Err(err).Msg("can't load client keys")
	}
	known, err := hostkey.PublicKeys()
	if err != nil {
		log.Fatal().Err(err).Msg("can't load known host keys")
	}
	user := os.Getenv("USER")

	if len(os.Args) > 1 {
		sshClient, err := sshmsg.Dial(ctx, os.Args[1], &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostkey.GetHostKeyCallBack(known),
			Timeout:         cfg.HandshakeTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("dial")
		}
		defer sshClient.Close()
		probe(ctx, sshClient)
		return
	}

	c := sshmsg.NewClient(cfg.Service, user, auth, known,
		func(ctx context.Context, sshClient *ssh.Client) {
			defer sshClient.Close()
			probe(ctx, sshClient)
		},
		func(ctx context.Context, sshClient *ssh.Client) {
			log.Info().Stringer("addr", sshClient.RemoteAddr()).Msg("disconnected")
		},
	)
	if err := c.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("client")
	}
	<-ctx.Done()
}

func probe(ctx context.Context, sshClient *ssh.Client) {
	replies := []client.Reply{
		client.GlobalRequest(sshClient, "keepalive@openssh.com", nil),
		client.OpenChannel(sshClient, "direct-tcpip", nil),
	}
	open, reqs := client.ChannelRequests(sshClient, "pty-req", "env", "window-change", "subsystem", "exec", "shell")
	replies = append(replies, open)
	replies = append(replies, reqs...)
	log.Info().Stringer("addr", sshClient.RemoteAddr()).Msg("probe results\n" + client.Summary(replies...))
}
