// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// AllowList is the moderator membership set, loaded from a yaml file:
//
//	moderators:
//	  - 9f2a...   # hex ed25519 public keys
//	  - 41bc...
//
// The file is configuration, read at startup; when a watcher is started
// the set reloads on file change so moderator rotation does not need a
// restart. A failed reload keeps the previous set.
type AllowList struct {
	mu      sync.RWMutex
	members map[string]bool
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

type allowListFile struct {
	Moderators []string `yaml:"moderators"`
}

// NewAllowList loads the allow-list from path. An empty path yields an
// empty, static set (no moderators).
func NewAllowList(path string, logger *slog.Logger) (*AllowList, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &AllowList{
		members: make(map[string]bool),
		path:    path,
		logger:  logger.With("component", "identity.AllowList"),
	}
	if path == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// StaticAllowList builds an allow-list from a fixed member set. For
// tests and embedded use.
func StaticAllowList(members ...string) *AllowList {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return &AllowList{
		members: set,
		logger:  slog.Default().With("component", "identity.AllowList"),
	}
}

// Contains reports membership.
func (l *AllowList) Contains(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.members[identity]
}

// Len returns the current member count.
func (l *AllowList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members)
}

// Reload re-reads the backing file and swaps the member set.
func (l *AllowList) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("reading allow list %s: %w", l.path, err)
	}
	var f allowListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing allow list %s: %w", l.path, err)
	}

	set := make(map[string]bool, len(f.Moderators))
	for _, m := range f.Moderators {
		set[m] = true
	}

	l.mu.Lock()
	l.members = set
	l.mu.Unlock()

	l.logger.Info("moderator allow list loaded",
		"path", l.path,
		"moderators", len(set))
	return nil
}

// Watch starts reloading the allow-list when the backing file changes.
// No-op for static or empty lists. Call Close to stop.
func (l *AllowList) Watch() error {
	if l.path == "" || l.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating allow list watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", l.path, err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	go l.watchLoop()
	return nil
}

func (l *AllowList) watchLoop() {
	defer close(l.done)
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				// Keep serving the previous set.
				l.logger.Warn("allow list reload failed",
					"error", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("allow list watcher error",
				"error", err)
		}
	}
}

// Close stops the watcher, if any.
func (l *AllowList) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	l.watcher = nil
	return err
}
