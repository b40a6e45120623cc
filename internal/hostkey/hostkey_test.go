package hostkey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey %v", err)
	}
	return signer
}

func TestParseAuthorizedKeys(t *testing.T) {
	a, b := newSigner(t), newSigner(t)
	doc := "# comment\n\n" +
		string(ssh.MarshalAuthorizedKey(a.PublicKey())) +
		"not a key at all\n" +
		string(ssh.MarshalAuthorizedKey(b.PublicKey())) +
		"# trailing\n"

	ks := ParseAuthorizedKeys([]byte(doc))
	if ks.Len() != 2 {
		t.Fatalf("Len %d", ks.Len())
	}
	if !ks.Contains(a.PublicKey()) || !ks.Contains(b.PublicKey()) {
		t.Fatalf("missing key")
	}
	if ks.Contains(newSigner(t).PublicKey()) {
		t.Fatalf("unknown key contained")
	}
}

func TestAuthorizedKeysFile(t *testing.T) {
	dir := t.TempDir()
	key := newSigner(t)
	path := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(path, ssh.MarshalAuthorizedKey(key.PublicKey()), 0o600); err != nil {
		t.Fatalf("WriteFile %v", err)
	}

	ks, err := AuthorizedKeys(path, false)
	if err != nil {
		t.Fatalf("AuthorizedKeys %v", err)
	}
	if !ks.Contains(key.PublicKey()) {
		t.Fatalf("key not loaded")
	}

	if _, err := AuthorizedKeys(filepath.Join(dir, "missing"), false); err == nil {
		t.Fatalf("missing file accepted")
	}

	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, []byte("# nothing\n"), 0o600)
	if _, err := AuthorizedKeys(empty, false); err == nil {
		t.Fatalf("empty file accepted")
	}
}

func TestWatchAuthorizedKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "authorized_keys")
	first, second := newSigner(t), newSigner(t)
	if err := os.WriteFile(path, ssh.MarshalAuthorizedKey(first.PublicKey()), 0o600); err != nil {
		t.Fatalf("WriteFile %v", err)
	}
	ks, err := AuthorizedKeys(path, false)
	if err != nil {
		t.Fatalf("AuthorizedKeys %v", err)
	}
	if err := WatchAuthorizedKeys(ctx, path, false, ks); err != nil {
		t.Fatalf("WatchAuthorizedKeys %v", err)
	}

	// rename into place like an editor would
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, ssh.MarshalAuthorizedKey(second.PublicKey()), 0o600); err != nil {
		t.Fatalf("WriteFile %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !ks.Contains(second.PublicKey()) {
		if time.Now().After(deadline) {
			t.Fatalf("authorized keys not reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ks.Contains(first.PublicKey()) {
		t.Fatalf("replaced key still authorized")
	}
}

func TestReloadKeepsKeysWhenFileRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	key := newSigner(t)
	if err := os.WriteFile(path, ssh.MarshalAuthorizedKey(key.PublicKey()), 0o600); err != nil {
		t.Fatalf("WriteFile %v", err)
	}
	ks := NewKeySet()
	if err := reloadAuthorizedKeys(path, false, ks); err != nil || !ks.Contains(key.PublicKey()) {
		t.Fatalf("reload %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove %v", err)
	}
	for _, includeAgent := range []bool{false, true} {
		if err := reloadAuthorizedKeys(path, includeAgent, ks); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("reload of missing file (agent=%v) = %v", includeAgent, err)
		}
		if !ks.Contains(key.PublicKey()) || ks.Len() != 1 {
			t.Fatalf("file keys dropped (agent=%v)", includeAgent)
		}
	}
}

func TestWatchIgnoresRemoval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "authorized_keys")
	key := newSigner(t)
	if err := os.WriteFile(path, ssh.MarshalAuthorizedKey(key.PublicKey()), 0o600); err != nil {
		t.Fatalf("WriteFile %v", err)
	}
	ks := NewKeySet(key.PublicKey())
	if err := WatchAuthorizedKeys(ctx, path, true, ks); err != nil {
		t.Fatalf("WatchAuthorizedKeys %v", err)
	}
	if err := os.Rename(path, path+".bak"); err != nil {
		t.Fatalf("Rename %v", err)
	}
	// give the watcher time to see the rename
	time.Sleep(100 * time.Millisecond)
	if !ks.Contains(key.PublicKey()) || ks.Len() != 1 {
		t.Fatalf("keys changed after authorized_keys was moved away: %d", ks.Len())
	}
}

func TestLoadSigner(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey %v", err)
	}
	path := filepath.Join(t.TempDir(), "host_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("WriteFile %v", err)
	}

	signers, err := HostSigners(path)
	if err != nil {
		t.Fatalf("HostSigners %v", err)
	}
	if len(signers) != 1 || signers[0].PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Fatalf("signers %v", signers)
	}

	if _, err := LoadSigner(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("missing key loaded")
	}
}

func TestHostKeyCallback(t *testing.T) {
	good, bad := newSigner(t), newSigner(t)
	cb := GetHostKeyCallBack([]ssh.PublicKey{good.PublicKey()})
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	if err := cb("h", addr, good.PublicKey()); err != nil {
		t.Fatalf("pinned key rejected: %v", err)
	}
	if err := cb("h", addr, bad.PublicKey()); err == nil {
		t.Fatalf("unpinned key accepted")
	}
}

func TestFilterKeys(t *testing.T) {
	a, b, c := newSigner(t).PublicKey(), newSigner(t).PublicKey(), newSigner(t).PublicKey()
	out := FilterKeys([]ssh.PublicKey{a, b, c}, []string{ssh.FingerprintSHA256(c), ssh.FingerprintSHA256(a)})
	if len(out) != 2 {
		t.Fatalf("FilterKeys len %d", len(out))
	}
	if FilterKeys([]ssh.PublicKey{a}, nil) != nil {
		t.Fatalf("FilterKeys with no fingerprints not empty")
	}
}

func TestClientAuthSigners(t *testing.T) {
	if _, err := ClientAuth(newSigner(t)); err != nil {
		t.Fatalf("ClientAuth %v", err)
	}
}
