// Package inbox turns files dropped into a directory into coordinator
// calls. External collaborators that cannot link against shim (process
// monitors, worker sessions, shell scripts) write one request per file:
//
//	<name>.task.json | <name>.task.yaml | <name>.task.yml   task submission
//	<name>.result.json                                      task result
//	<name>.crash.json                                       crash signal
//
// A handled file moves to processed/, a rejected one to failed/ together
// with a <name>.err file holding the reason. Writers should create the file
// under another name (for example with a .tmp suffix) and rename it into
// place; names without a known suffix are ignored.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"shim/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Subdirectories of the inbox.
const (
	ProcessedDir = protocol.ProcessedDir
	FailedDir    = protocol.FailedDir
)

const (
	defaultPollInterval = 2 * time.Second
	debounceDuration    = 100 * time.Millisecond
)

// Kind is the request type a file carries, from its suffix.
type Kind string

// Request kinds.
const (
	KindTask   Kind = "task"
	KindResult Kind = "result"
	KindCrash  Kind = "crash"
)

// Handler receives parsed requests. *coordinator.Coordinator satisfies it.
type Handler interface {
	SubmitTask(ctx context.Context, task protocol.Task) (*protocol.Assignment, error)
	SubmitDecomposed(ctx context.Context, task protocol.Task) ([]protocol.Task, []protocol.Assignment, error)
	SubmitResult(ctx context.Context, result protocol.TaskResult) error
	HandleCrashSignal(ctx context.Context, sig protocol.CrashSignal) (int, error)
}

// Logger is the logging surface for the watcher. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger (default log.Default()).
func WithLogger(l Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPollInterval sets the fallback polling period.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// Watcher processes inbox files.
type Watcher struct {
	dir          string
	handler      Handler
	logger       Logger
	pollInterval time.Duration
	nowFunc      func() time.Time
}

// New creates a Watcher for dir.
func New(dir string, h Handler, opts ...Option) *Watcher {
	w := &Watcher{
		dir:          dir,
		handler:      h,
		logger:       log.Default(),
		pollInterval: defaultPollInterval,
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Init creates the inbox and its subdirectories.
func (w *Watcher) Init() error {
	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create inbox %s: %w", d, err)
		}
	}
	return nil
}

// Run processes files already present, then every file that appears until
// ctx is cancelled. It watches the directory with fsnotify and also polls
// every poll interval, so a missed or unavailable watch only delays
// processing.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Init(); err != nil {
		return err
	}
	w.drain(ctx)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw := w.initWatcher(); fw != nil {
		defer func() { _ = fw.Close() }()
		events, errs = fw.Events, fw.Errors
	}

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	debounce := newDebounceTimer()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				resetDebounceTimer(debounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Printf("inbox: watcher error: %v (polling continues)", err)
		case <-debounce.C:
			w.drain(ctx)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

func (w *Watcher) initWatcher() *fsnotify.Watcher {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("inbox: create watcher: %v (falling back to polling)", err)
		return nil
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		w.logger.Printf("inbox: watch %s: %v (falling back to polling)", w.dir, err)
		return nil
	}
	return fw
}

func (w *Watcher) drain(ctx context.Context) {
	if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		w.logger.Printf("inbox: %v", err)
	}
}

// Outcome is what happened to one inbox file.
type Outcome struct {
	Name string
	Kind Kind
	Err  error // nil when the request was accepted
}

// ProcessPending handles every request file currently in the inbox, in
// name order, and reports what happened to each.
func (w *Watcher) ProcessPending(ctx context.Context) ([]Outcome, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", w.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && kindOf(e.Name()) != "" {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var out []Outcome
	for _, name := range names {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		o, err := w.ProcessFile(ctx, filepath.Join(w.dir, name))
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ProcessFile handles one request file and moves it out of the inbox. The
// returned error is for filesystem failures only; a rejected request is
// reported in Outcome.Err. A request refused because the coordinator is
// shutting down stays in the inbox for the next run.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (Outcome, error) {
	name := filepath.Base(path)
	o := Outcome{Name: name, Kind: kindOf(name)}
	if o.Kind == "" {
		return o, fmt.Errorf("inbox: %s has no request suffix", name)
	}

	//nolint:gosec // path is inside the inbox directory
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		o.Err = err // picked up by a concurrent run
		return o, nil
	}
	if err != nil {
		return o, fmt.Errorf("read %s: %w", path, err)
	}

	o.Err = w.dispatch(ctx, o.Kind, name, data)
	if errors.Is(o.Err, protocol.ErrShuttingDown) {
		return o, nil
	}
	if o.Err != nil {
		w.logger.Printf("inbox: rejected %s: %v", name, o.Err)
		return o, w.moveFailed(path, o.Err)
	}
	return o, w.move(path, ProcessedDir)
}

func (w *Watcher) dispatch(ctx context.Context, kind Kind, name string, data []byte) error {
	switch kind {
	case KindTask:
		task, err := DecodeTask(name, data)
		if err != nil {
			return err
		}
		if task.Complexity != "" {
			_, _, err = w.handler.SubmitDecomposed(ctx, task)
			return err
		}
		_, err = w.handler.SubmitTask(ctx, task)
		return err
	case KindResult:
		var r protocol.TaskResult
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return w.handler.SubmitResult(ctx, r)
	case KindCrash:
		var sig protocol.CrashSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return fmt.Errorf("decode crash signal: %w", err)
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = w.nowFunc()
		}
		_, err := w.handler.HandleCrashSignal(ctx, sig)
		return err
	default:
		return fmt.Errorf("unknown request kind %q", kind)
	}
}

// DecodeTask reads a task from JSON, or from YAML by way of JSON so the
// JSON field names apply to both. name selects the format: a .json suffix
// is JSON, anything else YAML (a superset of JSON).
func DecodeTask(name string, data []byte) (protocol.Task, error) {
	var task protocol.Task
	if strings.HasSuffix(name, ".json") {
		if err := json.Unmarshal(data, &task); err != nil {
			return task, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return task, fmt.Errorf("decode task yaml: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return task, fmt.Errorf("convert task yaml: %w", err)
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

func kindOf(name string) Kind {
	switch {
	case strings.HasSuffix(name, ".task.json"),
		strings.HasSuffix(name, ".task.yaml"),
		strings.HasSuffix(name, ".task.yml"):
		return KindTask
	case strings.HasSuffix(name, ".result.json"):
		return KindResult
	case strings.HasSuffix(name, ".crash.json"):
		return KindCrash
	default:
		return ""
	}
}

func (w *Watcher) move(path, sub string) error {
	dst := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", path, sub, err)
	}
	return nil
}

func (w *Watcher) moveFailed(path string, reason error) error {
	if err := w.move(path, FailedDir); err != nil {
		return err
	}
	errPath := filepath.Join(w.dir, FailedDir, filepath.Base(path)+".err")
	if err := os.WriteFile(errPath, []byte(reason.Error()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", errPath, err)
	}
	return nil
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
