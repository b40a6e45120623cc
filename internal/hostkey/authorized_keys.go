package hostkey

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// KeySet is a set of public keys compared by wire encoding.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]ssh.PublicKey
}

func NewKeySet(keys ...ssh.PublicKey) *KeySet {
	ks := &KeySet{keys: map[string]ssh.PublicKey{}}
	for _, k := range keys {
		ks.Add(k)
	}
	return ks
}

func (ks *KeySet) Add(k ssh.PublicKey) {
	ks.mu.Lock()
	ks.keys[string(k.Marshal())] = k
	ks.mu.Unlock()
}

func (ks *KeySet) Contains(k ssh.PublicKey) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.keys[string(k.Marshal())]
	return ok
}

// Replace swaps the contents of ks for those of other.
func (ks *KeySet) Replace(other *KeySet) {
	keys := make(map[string]ssh.PublicKey, other.Len())
	for _, k := range other.Keys() {
		keys[string(k.Marshal())] = k
	}
	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
}

func (ks *KeySet) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

func (ks *KeySet) Keys() []ssh.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]ssh.PublicKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		out = append(out, k)
	}
	return out
}

// ParseAuthorizedKeys reads every valid entry of an authorized_keys
// document. Invalid lines are skipped, as sshd does.
func ParseAuthorizedKeys(authorizedKeysBytes []byte) *KeySet {
	ks := NewKeySet()
	for len(authorizedKeysBytes) > 0 {
		pubKey, _, _, rest, err := ssh.ParseAuthorizedKey(authorizedKeysBytes)
		if err != nil {
			// no key left
			break
		}
		ks.Add(pubKey)
		authorizedKeysBytes = rest
	}
	return ks
}

// AuthorizedKeys loads the authorized_keys file at path and, with
// includeAgent, the identities of the running ssh-agent. A missing file is
// not an error when the agent supplies keys.
func AuthorizedKeys(path string, includeAgent bool) (*KeySet, error) {
	ks := NewKeySet()
	authorizedKeysBytes, err := os.ReadFile(path)
	switch {
	case err == nil:
		ks = ParseAuthorizedKeys(authorizedKeysBytes)
	case errors.Is(err, os.ErrNotExist) && includeAgent:
		log.Warn().Str("path", path).Msg("no authorized_keys file")
	default:
		return nil, fmt.Errorf("failed to load authorized_keys: %w", err)
	}

	if includeAgent {
		agentKeys, err := PublicKeys()
		if err != nil && !errors.Is(err, ErrNoAgent) {
			return nil, err
		}
		for _, pubKey := range agentKeys {
			ks.Add(pubKey)
		}
	}
	if ks.Len() == 0 {
		return nil, fmt.Errorf("no available authorized keys for server")
	}
	return ks, nil
}
