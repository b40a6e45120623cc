package sshmsg

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strings"

	zeroconf "github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Locate browses for service and yields entries whose TXT records satisfy
// one of matchers and none of negativeMatchers. A nil matchers list accepts
// everything.
func Locate(ctx context.Context, service string, matchers, negativeMatchers [][]string) (<-chan *zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	results := make(chan *zeroconf.ServiceEntry)
	output := make(chan *zeroconf.ServiceEntry)
	err = resolver.Browse(ctx, service, "local.", results)
	if err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	go func() {
		defer close(output)
		for {
			select {
			case result := <-results:
				if result == nil {
					return
				}
				if matchers != nil && !matchAny(result.Text, matchers) {
					continue
				}
				if matchAny(result.Text, negativeMatchers) {
					log.Debug().Str("Instance", result.Instance).Msg("matched and skipped")
					continue
				}
				log.Debug().Str("Instance", result.Instance).Msg("matched")
				select {
				case output <- result:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return output, nil
}

func matchAny(record []string, matchers [][]string) bool {
	for _, matcher := range matchers {
		if match(record, matcher) {
			return true
		}
	}
	return false
}

func match(record []string, matcher []string) bool {
	for _, query := range matcher {
		ok := false
		for _, line := range record {
			if line == query {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Register announces the listener as name under service until ctx ends.
func Register(ctx context.Context, name, service string, tcpAddr *net.TCPAddr, txt []string) error {
	s, err := zeroconf.Register(name, service, "local.", tcpAddr.Port, txt, nil)
	if err != nil {
		return err
	}
	go func() {
		defer s.Shutdown()
		<-ctx.Done()
	}()
	return nil
}

const (
	keyPrefix   = "sshmsg-"
	keyHostKey  = keyPrefix + "hostkey"
	keyMainPath = keyPrefix + "mainPath"
	keyUniq     = keyPrefix + "uniq"
)

func textRecord(k, v string) string {
	return k + "=" + v
}

// HostKeys2TXTRecords advertises host key fingerprints so peers can pin them.
func HostKeys2TXTRecords(hostKeys []ssh.PublicKey) (result []string) {
	register := func(k, v string) { result = append(result, textRecord(k, v)) }
	bi, ok := debug.ReadBuildInfo()
	if ok {
		register(keyMainPath, bi.Main.Path)
	}
	for _, pk := range hostKeys {
		register(keyHostKey, ssh.FingerprintSHA256(pk))
	}
	return
}

// HostKeyFingerprints announced by svc.
func HostKeyFingerprints(svc *zeroconf.ServiceEntry) []string {
	return parseTextRecord(svc.Text, keyHostKey)
}

// InstanceID announced by svc, empty when absent.
func InstanceID(svc *zeroconf.ServiceEntry) string {
	ids := parseTextRecord(svc.Text, keyUniq)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func parseTextRecord(txt []string, key string) []string {
	values := make([]string, 0)
	for _, s := range txt {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		if k == key {
			values = append(values, v)
		}
	}
	return values
}
