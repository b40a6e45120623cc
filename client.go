package sshmsg

import (
	"context"
	"fmt"
	"sync"

	zeroconf "github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client discovers servers announcing serviceName and hands each connection
// to clientHandler. closeHandler runs once the connection ends.
type Client struct {
	serviceName string
	user        string
	auth        ssh.AuthMethod
	hostKeys    []ssh.PublicKey

	runOnce                     sync.Once
	seen                        sync.Map
	clientHandler, closeHandler func(context.Context, *ssh.Client)
}

func NewClient(serviceName, user string, auth ssh.AuthMethod, hostKeys []ssh.PublicKey,
	clientHandler,
	closeHandler func(context.Context, *ssh.Client),
) *Client {
	return &Client{
		serviceName:   serviceName,
		user:          user,
		auth:          auth,
		hostKeys:      hostKeys,
		clientHandler: clientHandler,
		closeHandler:  closeHandler,
	}
}

func (c *Client) Run(ctx context.Context) error {
	var ok bool
	c.runOnce.Do(func() { ok = true })
	if !ok {
		return fmt.Errorf("already Run()")
	}
	entries, err := Locate(ctx, c.serviceName, nil, nil)
	if err != nil {
		return err
	}

	go c.eventLoop(ctx, entries)
	return nil
}

func (c *Client) eventLoop(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case svc, ok := <-entries:
			if !ok {
				return
			}
			if id := InstanceID(svc); id != "" {
				if _, dup := c.seen.LoadOrStore(id, struct{}{}); dup {
					continue
				}
			}
			for _, dialer := range Dialers(svc, c.user, c.auth, c.hostKeys) {
				sshClient, err := dialer(ctx)
				if err != nil {
					log.Info().Err(err).Str("Instance", svc.Instance).Msg("Failed to dial")
					continue
				}
				go c.clientHandler(ctx, sshClient)
				go func() {
					sshClient.Wait()
					c.closeHandler(ctx, sshClient)
				}()
				break // one address per service entry
			}
		}
	}
}
