package observe

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/saworbit/logchurn/internal/metrics"
	"github.com/saworbit/logchurn/pkg/fileset"
)

// Counts tallies observed events by kind.
type Counts struct {
	Create int
	Write  int
	Remove int
	Rename int
	Chmod  int
}

// Total returns the sum of all counted events.
func (c Counts) Total() int {
	return c.Create + c.Write + c.Remove + c.Rename + c.Chmod
}

// Observer watches a churned directory with fsnotify and counts events on
// files that follow the naming convention.
type Observer struct {
	fsw    *fsnotify.Watcher
	naming fileset.Naming
	logger *zap.Logger

	mu     sync.Mutex
	counts Counts

	started atomic.Bool
	done    chan struct{}
}

// New starts watching dir. Call Start to begin consuming events.
func New(dir string, naming fileset.Naming, logger *zap.Logger) (*Observer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch %s", dir)
	}

	return &Observer{
		fsw:    fsw,
		naming: naming,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start consumes events until ctx is cancelled or Close is called.
func (o *Observer) Start(ctx context.Context) {
	if o.started.Swap(true) {
		return
	}
	go o.run(ctx)
}

func (o *Observer) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.fsw.Events:
			if !ok {
				return
			}
			o.handle(ev)
		case err, ok := <-o.fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				o.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (o *Observer) handle(ev fsnotify.Event) {
	if _, ok := o.naming.ParseIndex(filepath.Base(ev.Name)); !ok {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.Has(fsnotify.Create) {
		o.counts.Create++
		metrics.ObserveEvent("create")
	}
	if ev.Has(fsnotify.Write) {
		o.counts.Write++
		metrics.ObserveEvent("write")
	}
	if ev.Has(fsnotify.Remove) {
		o.counts.Remove++
		metrics.ObserveEvent("remove")
	}
	if ev.Has(fsnotify.Rename) {
		o.counts.Rename++
		metrics.ObserveEvent("rename")
	}
	if ev.Has(fsnotify.Chmod) {
		o.counts.Chmod++
		metrics.ObserveEvent("chmod")
	}
}

// Counts returns the events seen so far.
func (o *Observer) Counts() Counts {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts
}

// Close stops the watcher and waits for the event loop to exit.
func (o *Observer) Close() error {
	err := o.fsw.Close()
	if o.started.Load() {
		<-o.done
	}
	return err
}
