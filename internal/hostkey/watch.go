package hostkey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// WatchAuthorizedKeys reloads ks from path whenever the file changes, until
// ctx ends. A reload that fails leaves ks as it was.
func WatchAuthorizedKeys(ctx context.Context, path string, includeAgent bool, ks *KeySet) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	// editors replace the file rather than write it, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	name := filepath.Clean(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := reloadAuthorizedKeys(path, includeAgent, ks); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("keeping previous authorized keys")
					continue
				}
				log.Info().Str("path", path).Int("keys", ks.Len()).Msg("reloaded authorized keys")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Msg("fsnotify")
			}
		}
	}()
	return nil
}

// reloadAuthorizedKeys replaces ks with the contents of path. A missing file
// is an error here even with agent keys: a rename or delete mid-edit must not
// drop every file key.
func reloadAuthorizedKeys(path string, includeAgent bool, ks *KeySet) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	fresh, err := AuthorizedKeys(path, includeAgent)
	if err != nil {
		return err
	}
	ks.Replace(fresh)
	return nil
}
