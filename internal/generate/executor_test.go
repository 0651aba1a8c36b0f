package generate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chromafits/internal/cache"
	"chromafits/internal/command"
	"chromafits/internal/config"
	"chromafits/internal/params"
	"chromafits/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Tool: config.Tool{
			Path:      "astscript-color-faint-gray",
			Timeout:   time.Minute,
			KillGrace: time.Second,
			TempDir:   t.TempDir(),
		},
		Cache: config.Cache{
			Capacity:      10,
			ThumbnailSize: 150,
		},
		Processing: config.Processing{ParallelJobs: 2},
	}
}

func testInputs(t *testing.T) command.Inputs {
	t.Helper()
	dir := t.TempDir()
	paths := [3]string{}
	for i, name := range []string{"r.fits", "g.fits", "b.fits"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("channel "+name), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
		paths[i] = p
	}
	return command.Inputs{Red: paths[0], Green: paths[1], Blue: paths[2]}
}

// outputOf finds the path following --output in an argument vector.
func outputOf(t *testing.T, argv []string) string {
	t.Helper()
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == "--output" {
			return argv[i+1]
		}
	}
	t.Fatalf("no --output in %v", argv)
	return ""
}

// succeedingRunner pretends the script ran and wrote its output file.
func succeedingRunner(t *testing.T, runs *atomic.Int32) Runner {
	return func(ctx context.Context, argv []string, stderr io.Writer) error {
		runs.Add(1)
		return os.WriteFile(outputOf(t, argv), []byte("tiff bytes"), 0o644)
	}
}

func newTestExecutor(t *testing.T, cfg *config.Config, runner Runner) *Executor {
	t.Helper()
	cacheStore, err := cache.Open(t.TempDir(), cfg.Cache.Capacity, testLogger())
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })

	history, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	e := New(cfg, testLogger(), cacheStore, history)
	e.runner = runner
	e.thumb = func(src, dst string, maxSize uint) error {
		return os.WriteFile(dst, []byte("png bytes"), 0o644)
	}
	e.lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	return e
}

func waitFor(t *testing.T, h *Handle) (*cache.Entry, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestSubmitRunsAndCommits(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	entry, err := waitFor(t, h)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected a cache entry")
	}
	if _, err := os.Stat(entry.ImagePath); err != nil {
		t.Fatalf("committed image missing: %v", err)
	}
	if entry.ThumbnailPath == "" {
		t.Fatalf("expected a thumbnail path")
	}
	if runs.Load() != 1 {
		t.Fatalf("expected one script invocation, got %d", runs.Load())
	}

	// The event stream must end with exactly one terminal event.
	var terminal int
	for ev := range h.Events() {
		if ev.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminal)
	}
}

func TestSubmitRejectsInvalidParameters(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))

	p := params.Defaults()
	p.Gamma = 99
	if _, err := e.Submit(Request{Parameters: p, Inputs: testInputs(t)}); err == nil {
		t.Fatalf("out-of-range parameters must be rejected synchronously")
	}
	if runs.Load() != 0 {
		t.Fatalf("rejected submission must not spawn anything")
	}
}

func TestSecondSubmissionHitsCache(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))
	in := testInputs(t)

	h1, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: in})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, err := waitFor(t, h1)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	h2, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: in})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var hit bool
	for ev := range h2.Events() {
		if ev.Type == EventSucceeded && ev.CacheHit {
			hit = true
			if ev.Entry.ImagePath != first.ImagePath {
				t.Fatalf("hit must serve the committed image")
			}
		}
	}
	if !hit {
		t.Fatalf("expected a cache hit event")
	}
	if runs.Load() != 1 {
		t.Fatalf("cache hit must not re-run the script, got %d runs", runs.Load())
	}
}

func TestConcurrentSubmissionsCoalesce(t *testing.T) {
	var runs atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := func(ctx context.Context, argv []string, stderr io.Writer) error {
		runs.Add(1)
		close(entered)
		<-release
		return os.WriteFile(outputOf(t, argv), []byte("tiff bytes"), 0o644)
	}

	e := newTestExecutor(t, testConfig(t), runner)
	in := testInputs(t)

	h1, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: in})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatalf("script never started")
	}

	h2, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: in})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h1.Key != h2.Key {
		t.Fatalf("identical requests must share a key")
	}

	close(release)

	e1, err1 := waitFor(t, h1)
	e2, err2 := waitFor(t, h2)
	if err1 != nil || err2 != nil {
		t.Fatalf("coalesced requests failed: %v, %v", err1, err2)
	}
	if e1.Key != e2.Key || e1.ImagePath != e2.ImagePath {
		t.Fatalf("coalesced requests must share the result")
	}
	if runs.Load() != 1 {
		t.Fatalf("coalesced requests must share one invocation, got %d", runs.Load())
	}
}

func TestCancelStopsGeneration(t *testing.T) {
	entered := make(chan struct{})
	runner := func(ctx context.Context, argv []string, stderr io.Writer) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	e := newTestExecutor(t, testConfig(t), runner)

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatalf("script never started")
	}
	h.Cancel()

	_, err = waitFor(t, h)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if _, ok := e.Cache().Lookup(h.Key); ok {
		t.Fatalf("cancelled generation must not commit an entry")
	}

	// The scratch work directory and any partial output are gone.
	leftovers, err := os.ReadDir(e.cfg.Tool.TempDir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("cancelled generation left %d temp entries behind", len(leftovers))
	}
}

func TestScriptFailureSurfacesStderr(t *testing.T) {
	runner := func(ctx context.Context, argv []string, stderr io.Writer) error {
		io.WriteString(stderr, "astscript: could not read r.fits")
		return errors.New("exit status 1")
	}

	e := newTestExecutor(t, testConfig(t), runner)

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = waitFor(t, h)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if !strings.Contains(execErr.Stderr, "could not read r.fits") {
		t.Fatalf("stderr not surfaced: %q", execErr.Stderr)
	}
	if _, ok := e.Cache().Lookup(h.Key); ok {
		t.Fatalf("failed generation must not commit an entry")
	}
}

func TestMissingOutputIsFailure(t *testing.T) {
	runner := func(ctx context.Context, argv []string, stderr io.Writer) error {
		return nil // exits cleanly without producing the file
	}

	e := newTestExecutor(t, testConfig(t), runner)

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = waitFor(t, h)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError for missing output, got %v", err)
	}
	if !strings.Contains(execErr.Stderr, "missing or empty") {
		t.Fatalf("unexpected error detail: %q", execErr.Stderr)
	}
}

func TestTimeoutIsDistinctFromCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tool.Timeout = 50 * time.Millisecond
	runner := func(ctx context.Context, argv []string, stderr io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	}

	e := newTestExecutor(t, cfg, runner)

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = waitFor(t, h)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatalf("timeout must not read as cancellation")
	}
}

func TestToolNotFound(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))
	e.lookPath = func(file string) (string, error) {
		return "", errors.New("executable file not found in $PATH")
	}

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = waitFor(t, h)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if runs.Load() != 0 {
		t.Fatalf("unresolved tool must not be invoked")
	}
}

func TestThumbnailFailureIsTolerated(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))
	e.thumb = func(src, dst string, maxSize uint) error {
		return errors.New("imagemagick unavailable")
	}

	h, err := e.Submit(Request{Parameters: params.Defaults(), Inputs: testInputs(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	entry, err := waitFor(t, h)
	if err != nil {
		t.Fatalf("thumbnail failure must not fail the generation: %v", err)
	}
	if entry.ThumbnailPath != "" {
		t.Fatalf("entry must record the missing thumbnail")
	}
}

func TestOutputExport(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))

	dest := filepath.Join(t.TempDir(), "final.tif")
	h, err := e.Submit(Request{
		Parameters: params.Defaults(),
		Inputs:     testInputs(t),
		OutputPath: dest,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := waitFor(t, h); err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("requested output not written: %v", err)
	}
}

func TestHistoryRecordsOutcomes(t *testing.T) {
	var runs atomic.Int32
	e := newTestExecutor(t, testConfig(t), succeedingRunner(t, &runs))
	in := testInputs(t)

	h1, _ := e.Submit(Request{Parameters: params.Defaults(), Inputs: in})
	if _, err := waitFor(t, h1); err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	h2, _ := e.Submit(Request{Parameters: params.Defaults(), Inputs: in})
	if _, err := waitFor(t, h2); err != nil {
		t.Fatalf("cache hit failed: %v", err)
	}

	recs, err := e.history.RecentHistory(10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(recs))
	}
	if recs[0].Outcome != storage.OutcomeCacheHit {
		t.Fatalf("newest record must be the cache hit, got %s", recs[0].Outcome)
	}
	if recs[1].Outcome != storage.OutcomeSucceeded {
		t.Fatalf("oldest record must be the real run, got %s", recs[1].Outcome)
	}
}
