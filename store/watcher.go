package store

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file system event in the store directory
type Event struct {
	Type     EventType
	FilePath string
}

// EventType represents the type of file event
type EventType int

const (
	EventCreated EventType = iota
	EventModified
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Watcher follows the store directory and forgets registry results whose
// output file disappears, whoever removed it.
type Watcher struct {
	store    *Store
	registry *Registry
	watcher  *fsnotify.Watcher
	events   chan Event

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a new store watcher
func NewWatcher(store *Store, registry *Registry) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		store:    store,
		registry: registry,
		watcher:  fsWatcher,
		events:   make(chan Event, 100),
		done:     make(chan struct{}),
	}, nil
}

// Start begins monitoring the store directory
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("failed to watch folder %s: %w", w.store.Dir(), err)
	}
	slog.Info("Watching folder", "dir", w.store.Dir())

	if w.started.CompareAndSwap(false, true) {
		go w.processEvents()
	}

	return nil
}

func (w *Watcher) processEvents() {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	var eventType EventType

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		eventType = EventDeleted
		if n := w.registry.ForgetPath(event.Name); n > 0 {
			slog.Info("Forgot results for removed file", "path", event.Name, "results", n)
		}
	case event.Has(fsnotify.Create):
		eventType = EventCreated
	case event.Has(fsnotify.Write):
		eventType = EventModified
	default:
		return
	}

	select {
	case w.events <- Event{Type: eventType, FilePath: event.Name}:
	default:
		slog.Debug("Watcher event dropped, channel full", "path", event.Name, "type", eventType)
	}
}

// Events returns the event channel. It is closed after Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher and waits for the event loop to exit
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
		if w.started.Load() {
			<-w.done
		} else {
			close(w.events)
		}
	})
	return err
}
