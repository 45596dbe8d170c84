// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SDKWatcher reports changes to the installed platforms and system images.
type SDKWatcher struct {
	env      Env
	onChange func()
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// WatchSDK watches <sdk>/platforms and <sdk>/system-images (and their
// direct subdirectories) and calls onChange, debounced, after changes.
// The watcher stops when ctx is done or Stop is called.
func WatchSDK(ctx context.Context, env Env, onChange func()) (*SDKWatcher, error) {
	if env.SDKRoot == "" {
		return nil, errors.New("SDK root is not set")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	added := 0
	for _, dir := range []string{"platforms", "system-images"} {
		root := filepath.Join(env.SDKRoot, dir)
		if err := fw.Add(root); err != nil {
			continue
		}
		added++
		subdirs, _ := os.ReadDir(root)
		for _, d := range subdirs {
			if d.IsDir() {
				_ = fw.Add(filepath.Join(root, d.Name()))
			}
		}
	}
	if added == 0 {
		_ = fw.Close()
		return nil, errors.New("no SDK package directories to watch under " + env.SDKRoot)
	}

	w := &SDKWatcher{env: env, onChange: onChange, watcher: fw, done: make(chan struct{})}
	go w.loop(ctx)
	return w, nil
}

// Stop closes the watcher and waits for its loop to exit.
func (w *SDKWatcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *SDKWatcher) loop(ctx context.Context) {
	defer close(w.done)

	const debounce = 500 * time.Millisecond
	var pending bool
	var last time.Time
	ticker := time.NewTicker(debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			pending, last = true, time.Now()
		case <-ticker.C:
			if pending && time.Since(last) >= debounce {
				pending = false
				logEvent(w.env, "sdk packages changed")
				w.onChange()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
