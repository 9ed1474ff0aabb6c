// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch re-parses the configuration whenever the file changes and
// hands the fresh Config to onReload. Only runtime-safe settings, the
// log level above all, take effect this way; the listener address is
// fixed at startup. The returned function stops the watcher.
func Watch(filename string, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				conf, err := Parse(filename)
				if err != nil {
					log.WithError(err).Warn("Ignoring invalid configuration reload")
					continue
				}

				log.WithField("file", filename).Info("Reloaded configuration")
				if onReload != nil {
					onReload(conf)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
