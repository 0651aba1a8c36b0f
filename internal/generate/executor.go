// Package generate orchestrates the generation pipeline: cache lookup,
// command construction, supervised execution of the external script, and
// committing results to the cache.
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"chromafits/internal/cache"
	"chromafits/internal/command"
	"chromafits/internal/config"
	"chromafits/internal/fsutil"
	"chromafits/internal/logging"
	"chromafits/internal/params"
	"chromafits/internal/storage"
	"chromafits/internal/thumbnail"
)

// Request is one generation submission: the tuning, the three channel files
// and an optional destination the finished image should be exported to in
// addition to the cache.
type Request struct {
	Parameters params.Set     `json:"parameters"`
	Inputs     command.Inputs `json:"inputs"`
	OutputPath string         `json:"output_path,omitempty"`
}

// Runner executes an argument vector and blocks until the process exits.
// Injectable so tests can observe invocations without spawning anything.
type Runner func(ctx context.Context, argv []string, stderr io.Writer) error

// Thumbnailer renders a preview of src into dst. Injectable for tests.
type Thumbnailer func(src, dst string, maxSize uint) error

// Executor coordinates concurrent generation requests. Distinct keys run
// concurrently up to the configured worker limit; requests sharing a key
// coalesce onto a single in-flight build.
type Executor struct {
	cfg     *config.Config
	log     *slog.Logger
	cache   *cache.Store
	history *storage.Store

	sem chan struct{}

	mu      sync.Mutex
	flights map[cache.Key]*flight

	runner   Runner
	thumb    Thumbnailer
	lookPath func(file string) (string, error)
}

type flight struct {
	key     cache.Key
	firstID string // ID of the handle that opened the flight, for log correlation
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []*Handle
	started bool
}

// New builds an Executor. history may be nil to disable command logging.
func New(cfg *config.Config, logger *slog.Logger, cacheStore *cache.Store, history *storage.Store) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Processing.ParallelJobs
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		cfg:      cfg,
		log:      logger,
		cache:    cacheStore,
		history:  history,
		sem:      make(chan struct{}, workers),
		flights:  make(map[cache.Key]*flight),
		runner:   processRunner(cfg.Tool.KillGrace),
		thumb:    thumbnail.Generate,
		lookPath: exec.LookPath,
	}
}

// Cache exposes the underlying store for listing and clearing.
func (e *Executor) Cache() *cache.Store { return e.cache }

// Submit validates the request, derives its fingerprint and returns a handle
// without blocking on execution. Out-of-range parameters and unreadable
// input files are rejected synchronously; everything after that is reported
// through the handle's event stream.
func (e *Executor) Submit(req Request) (*Handle, error) {
	p := req.Parameters.Clone()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	for _, path := range req.Inputs.Paths() {
		if !fsutil.IsFITSFile(path) {
			e.log.Warn("input does not look like a FITS file", "path", path)
		}
	}

	key, err := cache.DeriveKey(p, req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}

	id := uuid.NewString()

	e.mu.Lock()
	if fl, ok := e.flights[key]; ok {
		h := newHandle(id, key, fl.cancel)
		fl.subs = append(fl.subs, h)
		started := fl.started
		e.mu.Unlock()
		e.log.Debug("request coalesced onto in-flight build", "id", id, "key", key)
		if started {
			h.emit(Event{Type: EventStarted, Message: "joined in-flight generation"})
		}
		return h, nil
	}
	e.mu.Unlock()

	if entry, ok := e.cache.Lookup(key); ok {
		h := newHandle(id, key, func() {})
		go e.serveHit(h, entry, p)
		return h, nil
	}

	fctx, fcancel := context.WithCancel(context.Background())
	fl := &flight{key: key, firstID: id, ctx: fctx, cancel: fcancel}
	h := newHandle(id, key, fcancel)
	fl.subs = []*Handle{h}

	e.mu.Lock()
	if existing, ok := e.flights[key]; ok {
		// Lost a race with an identical submission; join it instead.
		existing.subs = append(existing.subs, h)
		h.cancel = existing.cancel
		started := existing.started
		e.mu.Unlock()
		fcancel()
		if started {
			h.emit(Event{Type: EventStarted, Message: "joined in-flight generation"})
		}
		return h, nil
	}
	e.flights[key] = fl
	e.mu.Unlock()

	go e.run(fl, p, req)
	return h, nil
}

func (e *Executor) serveHit(h *Handle, entry *cache.Entry, p params.Set) {
	h.emit(Event{Type: EventStarted, Message: "cache hit"})
	e.appendHistory(entry.Command, p, storage.OutcomeCacheHit)
	e.log.Info("cache hit", "id", h.ID, "key", h.Key)
	h.finish(Event{Type: EventSucceeded, Entry: entry, CacheHit: true})
}

func (e *Executor) run(fl *flight, p params.Set, req Request) {
	start := time.Now()

	// Bounded worker pool; cancellation while queued is still a clean
	// terminal event.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-fl.ctx.Done():
		e.finishAll(fl, Event{Type: EventCancelled, Err: ErrCancelled, ErrText: ErrCancelled.Error()})
		return
	}

	e.broadcastStarted(fl)
	logging.LogGenerationStart(e.log, fl.firstID, string(fl.key), req.Inputs.Paths())

	toolPath, err := e.lookPath(e.cfg.Tool.Path)
	if err != nil {
		e.log.Error("tool resolution failed", "tool", e.cfg.Tool.Path, "error", err)
		e.finishAll(fl, Event{Type: EventFailed, Err: ErrToolNotFound, ErrText: ErrToolNotFound.Error()})
		return
	}

	workDir, err := os.MkdirTemp(e.cfg.Tool.TempDir, "chromafits-*")
	if err != nil {
		e.finishAll(fl, Event{Type: EventFailed, Err: err, ErrText: err.Error()})
		return
	}
	keepWork := e.cfg.Tool.KeepTempDirs || p.KeepTemp
	cleanup := func() {
		if !keepWork {
			os.RemoveAll(workDir)
		}
	}

	outPath := filepath.Join(workDir, "color.tif")
	argv, err := command.NewBuilder(toolPath).Build(p, req.Inputs, outPath)
	if err != nil {
		cleanup()
		e.finishAll(fl, Event{Type: EventFailed, Err: err, ErrText: err.Error()})
		return
	}

	rctx, rcancel := context.WithTimeout(fl.ctx, e.cfg.Tool.Timeout)
	defer rcancel()

	heartbeatDone := make(chan struct{})
	go e.heartbeat(fl, start, heartbeatDone)

	var stderr bytes.Buffer
	runErr := e.runner(rctx, argv, &stderr)
	close(heartbeatDone)
	duration := time.Since(start)

	switch {
	case fl.ctx.Err() != nil:
		cleanup()
		e.appendHistory(argv, p, storage.OutcomeCancelled)
		e.log.Info("generation cancelled", "key", fl.key, "duration_ms", duration.Milliseconds())
		e.finishAll(fl, Event{Type: EventCancelled, Elapsed: duration, Err: ErrCancelled, ErrText: ErrCancelled.Error()})
		return

	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		cleanup()
		e.appendHistory(argv, p, storage.OutcomeTimeout)
		err := fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Tool.Timeout)
		logging.LogGenerationError(e.log, fl.firstID, string(fl.key), duration, err)
		e.finishAll(fl, Event{Type: EventFailed, Elapsed: duration, Err: err, ErrText: err.Error()})
		return

	case runErr != nil:
		cleanup()
		execErr := asExecError(runErr, stderr.String())
		e.appendHistory(argv, p, storage.OutcomeFailed)
		logging.LogGenerationError(e.log, fl.firstID, string(fl.key), duration, execErr)
		e.finishAll(fl, Event{Type: EventFailed, Elapsed: duration, Err: execErr, ErrText: execErr.Error()})
		return

	case !fsutil.NonEmptyFile(outPath):
		cleanup()
		execErr := &ExecError{ExitCode: 0, Stderr: "output file missing or empty: " + outPath}
		e.appendHistory(argv, p, storage.OutcomeFailed)
		logging.LogGenerationError(e.log, fl.firstID, string(fl.key), duration, execErr)
		e.finishAll(fl, Event{Type: EventFailed, Elapsed: duration, Err: execErr, ErrText: execErr.Error()})
		return
	}

	e.broadcast(fl, Event{Type: EventProgress, Message: "rendering thumbnail", Elapsed: time.Since(start)})
	thumbPath := filepath.Join(workDir, "thumb.png")
	if err := e.thumb(outPath, thumbPath, e.cfg.Cache.ThumbnailSize); err != nil {
		e.log.Warn("thumbnail generation failed", "key", fl.key, "error", err)
		thumbPath = ""
	}

	entry, err := e.cache.Insert(fl.key, outPath, thumbPath, p, req.Inputs, argv)
	if err != nil {
		cleanup()
		e.appendHistory(argv, p, storage.OutcomeFailed)
		e.finishAll(fl, Event{Type: EventFailed, Elapsed: duration, Err: err, ErrText: err.Error()})
		return
	}

	if req.OutputPath != "" {
		if err := exportImage(entry.ImagePath, req.OutputPath, p.Quality); err != nil {
			// The cache entry is committed; a failed export is reported but
			// does not fail the request.
			e.log.Warn("export to requested output failed", "path", req.OutputPath, "error", err)
			e.broadcast(fl, Event{Type: EventProgress, Message: "export failed: " + err.Error()})
		}
	}

	cleanup()
	e.appendHistory(argv, p, storage.OutcomeSucceeded)
	logging.LogGenerationComplete(e.log, fl.firstID, string(fl.key), duration, false)
	e.finishAll(fl, Event{Type: EventSucceeded, Elapsed: duration, Entry: entry})
}

func (e *Executor) heartbeat(fl *flight, start time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			e.broadcast(fl, Event{
				Type:    EventProgress,
				Message: fmt.Sprintf("running for %s", elapsed.Round(time.Second)),
				Elapsed: elapsed,
			})
		}
	}
}

func (e *Executor) broadcastStarted(fl *flight) {
	e.mu.Lock()
	fl.started = true
	subs := append([]*Handle(nil), fl.subs...)
	e.mu.Unlock()
	for _, h := range subs {
		h.emit(Event{Type: EventStarted, Message: "executing astscript-color-faint-gray"})
	}
}

func (e *Executor) broadcast(fl *flight, ev Event) {
	e.mu.Lock()
	subs := append([]*Handle(nil), fl.subs...)
	e.mu.Unlock()
	for _, h := range subs {
		h.emit(ev)
	}
}

// finishAll retires the flight and delivers the single terminal event to
// every coalesced subscriber.
func (e *Executor) finishAll(fl *flight, ev Event) {
	e.mu.Lock()
	delete(e.flights, fl.key)
	subs := append([]*Handle(nil), fl.subs...)
	e.mu.Unlock()
	fl.cancel()
	for _, h := range subs {
		h.finish(ev)
	}
}

func (e *Executor) appendHistory(argv []string, p params.Set, outcome string) {
	if e.history == nil {
		return
	}
	if err := e.history.AppendHistory(argv, p, outcome); err != nil {
		e.log.Warn("failed to record command history", "error", err)
	}
}

func asExecError(err error, stderr string) *ExecError {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return &ExecError{ExitCode: exit.ExitCode(), Stderr: stderr}
	}
	if stderr == "" {
		stderr = err.Error()
	}
	return &ExecError{ExitCode: -1, Stderr: stderr}
}

// exportImage copies the cached image to dst, converting when the requested
// extension differs from the cached format.
func exportImage(src, dst string, quality int) error {
	if filepath.Ext(dst) == "" || filepath.Ext(dst) == filepath.Ext(src) {
		return fsutil.CopyAtomic(src, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return thumbnail.Convert(src, dst, uint(quality))
}

// processRunner spawns the external script out-of-process. Cancellation
// sends SIGTERM and escalates to SIGKILL once grace elapses.
func processRunner(grace time.Duration) Runner {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return func(ctx context.Context, argv []string, stderr io.Writer) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = io.Discard
		cmd.Stderr = stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = grace
		return cmd.Run()
	}
}
