package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups the burst of writes editors make on save.
const DefaultDebounce = 150 * time.Millisecond

// ReloadEvent reports that config.yaml changed. Op accumulates every
// operation seen during the debounce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. The home directory is watched
// instead of the file so replace-on-save is seen too.
type Watcher struct {
	Debounce time.Duration

	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: DefaultDebounce,
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 1),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. Events stop and the channel closes when ctx is
// done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, filepath.Base(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer close(w.events)
	defer fsw.Close()

	var (
		pending *ReloadEvent
		flush   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = &ReloadEvent{Path: ev.Name}
				flush = time.After(w.Debounce)
			}
			pending.Op |= ev.Op
		case <-flush:
			w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			select {
			case w.events <- *pending:
			default:
				// a reload is already queued and will read the newest file
			}
			pending, flush = nil, nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Follow reloads the config after every change and passes it to apply when
// it differs from the last applied one. Invalid files are logged and
// skipped. It returns when ctx is done or the watcher stops.
func (w *Watcher) Follow(ctx context.Context, apply func(Config)) {
	var last *Config
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.events:
			if !ok {
				return
			}
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload rejected", "error", err)
				continue
			}
			if last != nil && reflect.DeepEqual(*last, cfg) {
				continue
			}
			last = &cfg
			apply(cfg)
		}
	}
}
