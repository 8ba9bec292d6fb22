// Package watcher recursively watches a directory tree and keeps the
// metadata store in sync with its contents: created and modified
// regular files are hashed and marked Pending, removed files are
// marked Deleted.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/internal/hash"
	"github.com/pebblesync/pebble/internal/store"
)

// workQueueDepth bounds the number of pending filesystem events that
// may queue up behind the worker pool before the dispatch goroutine
// starts applying backpressure to fsnotify's own internal channel.
const workQueueDepth = 256

// stopDrainTimeout bounds how long Stop waits for the dispatch
// goroutine to drain in-flight work before returning.
const stopDrainTimeout = 100 * time.Millisecond

// Watcher recursively monitors root and writes file changes into a
// metadata store. The zero value is not usable; construct one with
// New.
type Watcher struct {
	root  string
	db    *store.Store
	fsw   *fsnotify.Watcher
	work  chan string
	done  chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Watcher over db; call Start to begin watching root.
func New(db *store.Store) *Watcher {
	return &Watcher{db: db}
}

// Start begins recursively watching root. It walks the tree once at
// startup adding every subdirectory to the underlying fsnotify watcher
// (fsnotify does not watch recursively on its own), then launches the
// dispatch goroutine and a bounded pool of hashing workers, so hashing
// and the store writes for created and modified files stay off the
// fsnotify read loop. Remove events are written to the store from the
// read loop itself. Calling Start again
// stops any previously running watch before starting the new one.
func (w *Watcher) Start(root string) error {
	if w.fsw != nil {
		if err := w.Stop(); err != nil {
			return fmt.Errorf("watcher: stopping previous watch: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return fmt.Errorf("watcher: walking %s: %w", root, err)
	}

	w.root = root
	w.fsw = fsw
	w.work = make(chan string, workQueueDepth)
	w.done = make(chan struct{})

	workers := runtime.GOMAXPROCS(0)
	w.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go w.processEvents()
	}
	go w.dispatch()

	glog.Infof("watcher: watching %s (%d workers)", root, workers)
	return nil
}

// Stop closes the underlying fsnotify watcher and waits, bounded by
// stopDrainTimeout, for the dispatch and worker goroutines to drain.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	close(w.done)
	err := w.fsw.Close()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(stopDrainTimeout):
		glog.Warning("watcher: stop timed out waiting for workers to drain")
	}

	w.fsw = nil
	if err != nil {
		return fmt.Errorf("watcher: closing fsnotify watcher: %w", err)
	}
	return nil
}

// dispatch reads fsnotify events and hands regular-file creates/writes
// to the worker pool; directory-creation events grow the watch tree so
// new subdirectories are covered without restarting the watcher.
func (w *Watcher) dispatch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			glog.Warningf("watcher: fsnotify error: %s", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Remove != 0:
		if err := w.db.UpdateSyncStatus(ev.Name, pebble.StatusDeleted); err != nil && !errors.Is(err, store.ErrNotFound) {
			glog.Warningf("watcher: marking %s deleted: %s", ev.Name, err)
		}
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return // removed again before we could stat it; Remove event will follow
		}
		if info.IsDir() {
			if ev.Op&fsnotify.Create != 0 {
				if err := w.fsw.Add(ev.Name); err != nil {
					glog.Warningf("watcher: adding new directory %s: %s", ev.Name, err)
				}
			}
			return
		}
		if !info.Mode().IsRegular() {
			return
		}
		select {
		case w.work <- ev.Name:
		case <-w.done:
		}
	default:
		// Rename and Chmod are not tracked: the new name of a renamed
		// file arrives as a Create, and the old name's record is left
		// as it is.
	}
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case path := <-w.work:
			sum, err := hash.FileHash(path)
			if err != nil {
				glog.Warningf("watcher: hashing %s: %s", path, err)
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue // file disappeared between event and hash
			}
			if err := w.db.UpdateMetadata(path, info.ModTime().Unix(), sum, pebble.StatusPending); err != nil {
				glog.Warningf("watcher: updating metadata for %s: %s", path, err)
			}
		}
	}
}
