package hostkey

import (
	"bytes"

	"golang.org/x/crypto/ssh"
)

// ClientAuth authenticates a peer with the given signers, or with the
// ssh-agent identities when none are given.
func ClientAuth(signers ...ssh.Signer) (ssh.AuthMethod, error) {
	if len(signers) > 0 {
		return ssh.PublicKeys(signers...), nil
	}
	agentSigners, err := Signers()
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) { return agentSigners, nil }), nil
}

// PublicKeys lists the public halves of the ssh-agent identities.
func PublicKeys() ([]ssh.PublicKey, error) {
	signers, err := Signers()
	if err != nil {
		return nil, err
	}
	pkeys := make([]ssh.PublicKey, 0, len(signers))
	for _, signer := range signers {
		pkeys = append(pkeys, signer.PublicKey())
	}
	return pkeys, nil
}

// FilterKeys returns the keys of set whose SHA256 fingerprint is in
// fingerprints.
func FilterKeys(set []ssh.PublicKey, fingerprints []string) (out []ssh.PublicKey) {
OUTER:
	for _, sKey := range set {
		fp := []byte(ssh.FingerprintSHA256(sKey))
		for _, f := range fingerprints {
			if bytes.Equal(fp, []byte(f)) {
				out = append(out, sKey)
				continue OUTER
			}
		}
	}
	return
}
