// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contact

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// Watcher reloads a contact plan file into the Store whenever it changes.
type Watcher struct {
	store    *storage.Store
	file     string
	onReload func()

	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewWatcher loads the contact plan file once and starts watching it. The
// optional onReload function is called after each successful reload.
func NewWatcher(store *storage.Store, file string, onReload func()) (w *Watcher, err error) {
	if _, err = LoadPlan(store, file, time.Now()); err != nil {
		return
	}

	fw, fwErr := fsnotify.NewWatcher()
	if fwErr != nil {
		err = fwErr
		return
	}
	// Editors often replace files instead of writing them; watch the directory.
	if err = fw.Add(filepath.Dir(file)); err != nil {
		_ = fw.Close()
		return
	}

	w = &Watcher{
		store:    store,
		file:     filepath.Clean(file),
		onReload: onReload,
		watcher:  fw,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	go w.handler()
	return
}

func (w *Watcher) handler() {
	defer close(w.stopAck)
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-w.stopSyn:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != w.file || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

func (w *Watcher) reload() {
	logger := log.WithField("file", w.file)

	n, err := LoadPlan(w.store, w.file, time.Now())
	if err != nil {
		logger.WithError(err).Warn("Failed to reload contact plan, keeping the previous one")
		return
	}

	logger.WithField("contacts", n).Info("Reloaded contact plan")
	if w.onReload != nil {
		w.onReload()
	}
}

// Close stops this Watcher.
func (w *Watcher) Close() {
	close(w.stopSyn)
	<-w.stopAck
}
