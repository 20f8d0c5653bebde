package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

const credentialsDebounce = 500 * time.Millisecond

// FileTokenSource reads the bearer token from the "access_token" field of a
// JSON credentials file. The file is re-read on Reload and, while Watch
// runs, whenever it changes on disk.
type FileTokenSource struct {
	path string
	log  zerolog.Logger

	lock  sync.RWMutex
	token string
}

var _ clinicapi.TokenSource = (*FileTokenSource)(nil)

// NewFileTokenSource loads the token from path. A missing file is not an
// error; the token is empty until the file appears.
func NewFileTokenSource(path string, log zerolog.Logger) (*FileTokenSource, error) {
	ts := &FileTokenSource{
		path: path,
		log:  log.With().Str("component", "credentials").Str("path", path).Logger(),
	}
	if _, err := ts.Reload(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *FileTokenSource) Token() (string, error) {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	return ts.token, nil
}

// Reload re-reads the file and reports whether the token changed.
func (ts *FileTokenSource) Reload() (bool, error) {
	data, err := os.ReadFile(ts.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read credentials: %w", err)
	} else if !gjson.ValidBytes(data) {
		return false, fmt.Errorf("credentials file %s is not valid JSON", ts.path)
	}
	token := gjson.GetBytes(data, "access_token").String()
	ts.lock.Lock()
	changed := token != ts.token
	ts.token = token
	ts.lock.Unlock()
	return changed, nil
}

// Watch blocks until ctx is done, reloading the token after the file was
// written and calling onChange when it changed. Editors and atomic renames
// replace the file, so the parent directory is watched.
func (ts *FileTokenSource) Watch(ctx context.Context, onChange func(token string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create credentials watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(ts.path)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(ts.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(credentialsDebounce)
				debounceCh = debounceTimer.C
			} else {
				debounceTimer.Reset(credentialsDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ts.log.Warn().Err(err).Msg("Credentials watcher error")
		case <-debounceCh:
			debounceTimer = nil
			debounceCh = nil
			changed, err := ts.Reload()
			if err != nil {
				ts.log.Warn().Err(err).Msg("Failed to reload credentials")
			} else if changed {
				ts.log.Debug().Msg("Access token changed on disk")
				if onChange != nil {
					token, _ := ts.Token()
					onChange(token)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
