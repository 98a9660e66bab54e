package auth

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/stream-gateway/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// loadKeyDir replaces the verify-key set from <kid>.pub files in cfg.KeyDir.
// Keys from the static config sections are kept; a directory key with the
// same kid wins.
func (v *Verifier) loadKeyDir() error {
	entries, err := os.ReadDir(v.cfg.KeyDir)
	if err != nil {
		return err
	}
	loaded := map[string]ed25519.PublicKey{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pub" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(v.cfg.KeyDir, e.Name()))
		if err != nil {
			logging.Warn("keydir_read_error", logging.F("file", e.Name()), logging.Err(err))
			continue
		}
		pk, err := parseSSHEd25519(string(b))
		if err != nil {
			logging.Warn("keydir_parse_error", logging.F("file", e.Name()), logging.Err(err))
			continue
		}
		loaded[strings.TrimSuffix(e.Name(), ".pub")] = pk
	}
	v.mu.Lock()
	for kid := range v.pub {
		if _, static := v.cfg.PublicKeys[kid]; static {
			continue
		}
		if _, static := v.cfg.PublicKeysSSH[kid]; static {
			continue
		}
		delete(v.pub, kid)
	}
	for kid, pk := range loaded {
		v.pub[kid] = pk
	}
	count := len(v.pub)
	v.mu.Unlock()
	logging.Info("verify_keys_loaded", logging.F("count", count))
	return nil
}

// WatchKeys reloads the key directory whenever it changes, so tokens signed
// with rotated keys validate without a restart. No-op when key_dir is unset.
func (v *Verifier) WatchKeys(ctx context.Context) error {
	if v.cfg.KeyDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(v.cfg.KeyDir); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := v.loadKeyDir(); err != nil {
						logging.Warn("keydir_reload_error", logging.Err(err))
					}
				}
			case err := <-watcher.Errors:
				logging.Warn("keydir_watch_error", logging.Err(err))
			}
		}
	}()
	return nil
}
