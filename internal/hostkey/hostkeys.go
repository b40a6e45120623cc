package hostkey

import (
	"crypto/subtle"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// HostSigners returns the server host keys: the private key at path, or the
// ssh-agent identities when path is empty.
func HostSigners(path string) ([]ssh.Signer, error) {
	if path != "" {
		signer, err := LoadSigner(path)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
	keys, err := Signers()
	if err != nil {
		return nil, fmt.Errorf("can't load host keys: %w", err)
	}
	out := make([]ssh.Signer, 0, len(keys))
	for _, key := range keys {
		// RSA agent keys may be hardware backed; never serve them as host keys
		if key.PublicKey().Type() == ssh.KeyAlgoRSA {
			log.Debug().Str("key", ssh.FingerprintSHA256(key.PublicKey())).Msg("skipping rsa agent key")
			continue
		}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no available ssh keys for server")
	}
	return out, nil
}

// LoadSigner reads an unencrypted PEM or OpenSSH private key.
func LoadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}

// Signers lists the ssh-agent identities.
func Signers() ([]ssh.Signer, error) {
	agent, err := LoadAgent()
	if err != nil {
		return nil, err
	}
	signers, err := agent.Signers()
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	return signers, nil
}

// GetHostKeyCallBack pins the remote host key to one of keys.
func GetHostKeyCallBack(keys []ssh.PublicKey) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		remoteBytes := key.Marshal()
		ok := false
		for _, key := range keys {
			if subtle.ConstantTimeCompare(remoteBytes, key.Marshal()) == 1 {
				ok = true
			}
		}
		if ok {
			return nil
		}
		return fmt.Errorf("host key mismatch for %s (%s)", hostname, ssh.FingerprintSHA256(key))
	}
}
