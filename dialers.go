package sshmsg

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	zeroconf "github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"jonwillia.ms/sshmsg/internal/hostkey"
)

type Dialer func(ctx context.Context) (*ssh.Client, error)

// Dialers returns one dialer per address of svc. Each pins the host keys svc
// announced.
func Dialers(svc *zeroconf.ServiceEntry, user string, auth ssh.AuthMethod, known []ssh.PublicKey) []Dialer {
	hostKeys := hostkey.FilterKeys(known, HostKeyFingerprints(svc))
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostkey.GetHostKeyCallBack(hostKeys),
		Timeout:         time.Second,
	}

	dialers := make([]Dialer, 0)
	for _, addr := range append(svc.AddrIPv6, svc.AddrIPv4...) {
		if addr == nil {
			continue
		}
		addrStr := net.JoinHostPort(addr.String(), strconv.Itoa(svc.Port))
		dialers = append(dialers, func(ctx context.Context) (*ssh.Client, error) {
			return Dial(ctx, addrStr, config)
		})
	}
	return dialers
}

// Dial connects and handshakes with the server at addr.
func Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	log.Info().Str("addr", addr).Msg("Connecting")
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Dialer.DialContext: %w", err)
	}
	sshConn, newChannelChan, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh.NewClientConn: %w", err)
	}
	return ssh.NewClient(sshConn, newChannelChan, reqs), nil
}
