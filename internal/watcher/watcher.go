// Package watcher turns file-system activity under the teams and tasks roots
// into classified change events.
//
// Run first emits a synthetic event for every existing config, inbox and
// task file, so a freshly started process sees what is already on disk, and
// then relays live notifications. Live notifications are debounced per path:
// a burst of writes to one file produces a single event.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nikhil/surveil/internal/classify"
	"github.com/nikhil/surveil/internal/debounce"
	"github.com/nikhil/surveil/internal/logger"
)

const (
	DefaultDebounce = 100 * time.Millisecond
	defaultBuffer   = 256
)

// Event is one classified change. Path is the normalized file path.
type Event struct {
	Kind   classify.Kind
	Team   string
	Agent  string
	TaskID string
	Path   string
}

// Options configures a Watcher.
type Options struct {
	TeamsDir string
	TasksDir string
	// Debounce is the per-path coalescing window. Zero means DefaultDebounce.
	Debounce time.Duration
	// Buffer is the capacity of the events channel.
	Buffer int
}

// Watcher watches both roots recursively.
type Watcher struct {
	opts       Options
	classifier *classify.Classifier
	log        *logger.Logger
	fs         *fsnotify.Watcher
	debouncer  *debounce.Debouncer

	events chan Event
	fired  chan string
	quit   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	// roots that did not exist yet, watched through an ancestor
	pending map[string]bool
}

// New creates a watcher. Nothing is watched until Run.
func New(opts Options, log *logger.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		opts:       opts,
		classifier: classify.New(opts.TeamsDir, opts.TasksDir),
		log:        log,
		fs:         fsw,
		events:     make(chan Event, opts.Buffer),
		fired:      make(chan string),
		quit:       make(chan struct{}),
		stop:       make(chan struct{}),
		pending:    make(map[string]bool),
	}
	w.debouncer = debounce.New(opts.Debounce, w.onFire)
	return w, nil
}

// Events delivers classified changes. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher. Run returns shortly after.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		w.debouncer.Stop()
		err = w.fs.Close()
	})
	return err
}

// Run installs the watches, performs the startup scan and then relays live
// changes until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer close(w.quit)
	defer w.Close()

	// Watches go in before the scan so nothing written during the scan is
	// missed; live notifications are only read once the scan is finished.
	w.watchRoot(w.opts.TeamsDir)
	w.watchRoot(w.opts.TasksDir)

	w.log.Info("Starting initial scan", "teams_dir", w.opts.TeamsDir, "tasks_dir", w.opts.TasksDir)
	count := w.scan(ctx)
	w.log.Info("Initial scan complete", "files", count)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case key := <-w.fired:
			w.emitPath(ctx, key)
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			// The watch session stays open; the next real change self-heals.
			w.log.Error("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.directoryCreated(event.Name)
		}
	}
	w.debouncer.Trigger(classify.Normalize(event.Name))
}

// onFire runs on a timer goroutine and hands the path to the Run loop, which
// is the only sender on the events channel.
func (w *Watcher) onFire(key string) {
	select {
	case w.fired <- key:
	case <-w.quit:
	}
}

func (w *Watcher) emitPath(ctx context.Context, path string) bool {
	result := w.classifier.Classify(path)
	if result.Kind == classify.Ignored {
		return false
	}
	event := Event{
		Kind:   result.Kind,
		Team:   result.Team,
		Agent:  result.Agent,
		TaskID: result.TaskID,
		Path:   classify.Normalize(path),
	}
	select {
	case w.events <- event:
		return true
	case <-ctx.Done():
	case <-w.stop:
	}
	return false
}

// watchRoot watches root and everything below it. A missing root is not an
// error: its nearest existing ancestor is watched instead and the root is
// picked up once it is created.
func (w *Watcher) watchRoot(root string) {
	if root == "" {
		return
	}
	if isDir(root) {
		w.addTree(root)
		return
	}
	w.log.Warn("Watch root does not exist yet", "path", root)
	w.pending[root] = true
	w.watchAncestor(root)
}

func (w *Watcher) watchAncestor(root string) {
	for dir := filepath.Dir(root); ; dir = filepath.Dir(dir) {
		if isDir(dir) {
			if err := w.fs.Add(dir); err != nil {
				w.log.Warn("Failed to watch ancestor", "path", dir, "error", err)
			}
			return
		}
		if parent := filepath.Dir(dir); parent == dir {
			return
		}
	}
}

func (w *Watcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// The tree can change under us; skip what vanished.
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			w.log.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		w.log.Warn("Failed to walk directory", "path", root, "error", err)
	}
}

// directoryCreated extends the watch to a new directory. Files may already
// have been written into it before the watch was installed, so they are
// queued as changes too.
func (w *Watcher) directoryCreated(dir string) {
	if w.underRoot(dir) {
		w.addTree(dir)
		w.triggerFiles(dir)
		return
	}
	for root := range w.pending {
		if isDir(root) {
			w.log.Info("Watch root appeared", "path", root)
			delete(w.pending, root)
			w.addTree(root)
			w.triggerFiles(root)
			continue
		}
		if isAncestor(dir, root) {
			w.watchAncestor(root)
		}
	}
}

func (w *Watcher) triggerFiles(dir string) {
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && !entry.IsDir() {
			w.debouncer.Trigger(classify.Normalize(path))
		}
		return nil
	})
}

func (w *Watcher) underRoot(path string) bool {
	for _, root := range []string{w.opts.TeamsDir, w.opts.TasksDir} {
		if root != "" && !w.pending[root] && (path == root || isAncestor(root, path)) {
			return true
		}
	}
	return false
}

// scan emits an event for every file already present, configs first so that
// sessions exist before their messages and tasks are recorded.
func (w *Watcher) scan(ctx context.Context) int {
	count := 0
	emit := func(path string) {
		if w.emitPath(ctx, path) {
			count++
		}
	}

	teams := subdirectories(w.opts.TeamsDir)
	for _, team := range teams {
		config := filepath.Join(w.opts.TeamsDir, team, "config.json")
		if isFile(config) {
			emit(config)
		}
	}
	for _, team := range teams {
		for _, name := range jsonFiles(filepath.Join(w.opts.TeamsDir, team, "inboxes")) {
			emit(filepath.Join(w.opts.TeamsDir, team, "inboxes", name))
		}
	}
	for _, team := range subdirectories(w.opts.TasksDir) {
		for _, name := range jsonFiles(filepath.Join(w.opts.TasksDir, team)) {
			emit(filepath.Join(w.opts.TasksDir, team, name))
		}
	}
	return count
}

func subdirectories(dir string) []string {
	entries, err := readDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names
}

func jsonFiles(dir string) []string {
	entries, err := readDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func readDir(dir string) ([]os.DirEntry, error) {
	if dir == "" {
		return nil, os.ErrNotExist
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return entries, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isAncestor(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
