/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Agent watches a config file and holds the latest successfully parsed
// Config, the way every cmd/*/main.go in Prow constructs one and calls
// Start(path) once at startup.
type Agent struct {
	mu  sync.RWMutex
	c   *Config
	log *logrus.Entry
}

// Config returns the most recently loaded configuration. Safe for
// concurrent use.
func (a *Agent) Config() *Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.c
}

func (a *Agent) set(c *Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c = c
}

// Start loads the config at path and spawns a goroutine that reloads it on
// every write, so a repo can be added to the allow-list without a restart.
// A reload that fails to parse is logged and the previous config is kept.
func (a *Agent) Start(path string) error {
	a.log = logrus.WithField("component", "config-agent")

	c, err := Load(path)
	if err != nil {
		return err
	}
	a.set(c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go a.watch(watcher, path)
	return nil
}

func (a *Agent) watch(watcher *fsnotify.Watcher, path string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := Load(path)
			if err != nil {
				a.log.WithError(err).Error("Error reloading config, keeping last good config.")
				continue
			}
			a.set(c)
			a.log.Info("Reloaded config.")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.log.WithError(err).Error("Error watching config file.")
		}
	}
}
