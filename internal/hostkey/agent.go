package hostkey

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh/agent"
)

var ErrNoAgent = errors.New("SSH_AUTH_SOCK not set")

var (
	agentOnce   sync.Once
	agentClient agent.ExtendedAgent
	agentErr    error
)

// LoadAgent connects to the ssh-agent once per process.
func LoadAgent() (agent.ExtendedAgent, error) {
	agentOnce.Do(func() {
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			agentErr = ErrNoAgent
			return
		}
		conn, err := net.Dial("unix", socket)
		if err != nil {
			agentErr = fmt.Errorf("failed to open SSH_AUTH_SOCK: %w", err)
			return
		}
		agentClient = agent.NewClient(conn)
	})
	if agentErr != nil {
		return nil, agentErr
	}

	return agentClient, nil
}
