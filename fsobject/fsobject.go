// Package fsobject provides a stock wire object backed by a watched
// directory. Its "files" field tracks the directory listing and a "changed"
// event fires for every filesystem mutation, making it a ready-made demo of
// server-driven field changes and events.
package fsobject

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"

	"github.com/DasDarki/MagicWire/sessions"
	"github.com/DasDarki/MagicWire/wire"
)

// Option configures a directory object.
type Option func(*DirObject)

// WithLogger sets the slog logger for watcher failures.
func WithLogger(log *slog.Logger) Option {
	return func(d *DirObject) { d.log = log }
}

// DirObject wraps a wire.Object whose state mirrors one directory.
type DirObject struct {
	*wire.Object

	dir     string
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}
}

// New builds the object and starts watching dir. Register the embedded
// wire.Object like any other and call Close on shutdown.
func New(name, dir string, opts ...Option) (*DirObject, error) {
	files, err := listDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fsobject %s: %w", name, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsobject %s: %w", name, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("fsobject %s: watch %s: %w", name, dir, err)
	}

	d := &DirObject{
		dir:     dir,
		watcher: watcher,
		log:     slog.Default(),
		done:    make(chan struct{}),
	}
	d.Object = wire.NewObject(name,
		wire.WithField("dir", dir),
		wire.WithField("files", files),
		wire.WithOperation("list", d.listOp),
	)
	for _, opt := range opts {
		opt(d)
	}

	go d.watch()
	return d, nil
}

// Close stops the watcher.
func (d *DirObject) Close() error {
	close(d.done)
	return d.watcher.Close()
}

func (d *DirObject) listOp(_ context.Context, _ *sessions.Session, _ []json.RawMessage) (any, error) {
	return listDir(d.dir)
}

func (d *DirObject) watch() {
	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.refresh(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("fsobject.watch.fail", slog.String("dir", d.dir), slog.String("err", err.Error()))
		}
	}
}

func (d *DirObject) refresh(ev fsnotify.Event) {
	files, err := listDir(d.dir)
	if err != nil {
		d.log.Warn("fsobject.list.fail", slog.String("dir", d.dir), slog.String("err", err.Error()))
		return
	}
	d.SetField("files", files)
	d.Emit("changed", map[string]any{
		"path": filepath.Base(ev.Name),
		"op":   ev.Op.String(),
	})
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
