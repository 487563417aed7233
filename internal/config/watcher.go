package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] checks the file.
const DefaultPollInterval = 5 * time.Second

// Reload is a validated configuration change.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls the config file for edits. A parse or validation error
// keeps the previous config; edits that change no setting, such as
// comments or reordered keys, are not reported.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies a version of the file without reading it.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run];
// onReload is called from there, one reload at a time.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and returns nil then.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r, ok := w.check(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// check reports a reload when the file changed in a way that matters.
func (w *Watcher) check() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("cannot stat config file", "path", w.path, "err", err)
		return Reload{}, false
	}
	w.mu.Lock()
	seen := stampOf(info) == w.stamp
	w.mu.Unlock()
	if seen {
		return Reload{}, false
	}

	cfg, stamp, err := w.read()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		// Remember the broken version so it is reported once, not every poll.
		w.stamp = stampOf(info)
		w.log.Warn("config edit rejected, keeping the running config", "path", w.path, "err", err)
		return Reload{}, false
	}
	w.stamp = stamp
	d := Diff(w.current, cfg)
	if d.Empty() {
		return Reload{}, false
	}
	r := Reload{Old: w.current, New: cfg, Diff: d}
	w.current = cfg
	w.log.Info("config reloaded",
		"path", w.path,
		"model_changed", d.ModelChanged,
		"voice_changed", d.VoiceChanged,
		"keywords_changed", d.KeywordsChanged,
		"pipeline_changed", d.PipelineChanged,
		"restart_required", d.RestartRequired,
	)
	return r, true
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, stampOf(info), nil
}
