package installer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/installer/downloader"
	"github.com/skyforge/launcher/launcher/internal/installer/layout"
	"github.com/skyforge/launcher/launcher/internal/installer/manifest"
	"github.com/skyforge/launcher/launcher/internal/installer/patcher"
	"github.com/skyforge/launcher/launcher/internal/notify"
)

const gameBinary = "bin/game"

var bundleBody = []byte("skyforge bundle payload, build ten.....")

// fakePatcher stands in for the patch tool: it copies the bundle into every expected
// binary after replaying the configured progress values.
type fakePatcher struct {
	mu       sync.Mutex
	jobs     []patcher.Job
	percents []int
	err      error
	before   func(job patcher.Job)
}

func (f *fakePatcher) Apply(_ context.Context, job patcher.Job, _ string, onProgress notify.ProgressFunc) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	if f.before != nil {
		f.before(job)
	}
	for _, p := range f.percents {
		onProgress(notify.Progress{Phase: notify.PhasePatch, Percent: p})
	}
	if f.err != nil {
		return f.err
	}

	data, err := os.ReadFile(job.BundlePath)
	if err != nil {
		return err
	}
	target := filepath.Join(job.TargetDir, filepath.FromSlash(gameBinary))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return err
	}
	onProgress(notify.Progress{Phase: notify.PhasePatch, Percent: 100})
	return nil
}

func (f *fakePatcher) calls() []patcher.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]patcher.Job(nil), f.jobs...)
}

type bundleServer struct {
	*httptest.Server
	requests atomic.Int32
	status   atomic.Int32
}

func newBundleServer(t *testing.T) *bundleServer {
	t.Helper()
	bs := &bundleServer{}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.requests.Add(1)
		if code := bs.status.Load(); code != 0 {
			http.Error(w, "unavailable", int(code))
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(bundleBody)))
		_, _ = w.Write(bundleBody)
	}))
	t.Cleanup(bs.Close)
	return bs
}

type harness struct {
	o        *Orchestrator
	dl       *downloader.Manager
	patch    *fakePatcher
	events   *notify.Recorder
	runtimes atomic.Int32
}

func newHarness(t *testing.T, sinks ...notify.Sink) *harness {
	t.Helper()
	h := &harness{
		dl:     downloader.New(downloader.WithProgressInterval(time.Nanosecond)),
		patch:  &fakePatcher{},
		events: &notify.Recorder{},
	}
	h.o = New(Config{
		Runtime: EnsurerFunc(func(context.Context) (string, error) {
			h.runtimes.Add(1)
			return "/opt/sky/runtime", nil
		}),
		PatchTool:  EnsurerFunc(func(context.Context) (string, error) { return "/opt/sky/skypatch", nil }),
		Downloader: h.dl,
		Patcher:    h.patch,
		Sink:       notify.Multi(append([]notify.Sink{h.events}, sinks...)...),
		Binaries:   []string{gameBinary},
	})
	return h
}

func latestRelease(build int, url string) catalog.Version {
	return catalog.Version{Channel: catalog.ChannelRelease, BuildIndex: build, IsLatest: true, URL: url}
}

// installedAt fakes a complete install of build in dir.
func installedAt(t *testing.T, dir string, ch catalog.Channel, build int) {
	t.Helper()
	bin := filepath.Join(dir, filepath.FromSlash(gameBinary))
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte("build "+strconv.Itoa(build)), 0o755))
	require.NoError(t, manifest.Write(context.Background(), dir, manifest.Manifest{Channel: ch, BuildIndex: build}))
}

func requireManifest(t *testing.T, dir string, ch catalog.Channel, build int) {
	t.Helper()
	m, ok, err := manifest.Read(dir)
	require.NoError(t, err)
	require.True(t, ok, "manifest expected in %s", dir)
	assert.Equal(t, manifest.Manifest{Channel: ch, BuildIndex: build}, m)
}

func lastEvent(t *testing.T, r *notify.Recorder) notify.Event {
	t.Helper()
	events := r.Events()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestInstallVersion_ReplacesLatestBuild9With10(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	installedAt(t, layout.LatestDir(root), catalog.ChannelRelease, 9)

	h := newHarness(t)
	v := latestRelease(10, srv.URL)
	h.patch.before = func(job patcher.Job) {
		assert.Equal(t, layout.LatestDir(root), job.TargetDir)
		assert.NoFileExists(t, manifest.Path(job.TargetDir), "build 9 moved out before patching")
		assert.FileExists(t, job.BundlePath)
	}

	res, err := h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFinished, res.Outcome)
	assert.Equal(t, NeedsPatch, res.Classification)
	assert.True(t, res.Version.Installed)

	retired := layout.BuildDir(root, catalog.ChannelRelease, 9)
	requireManifest(t, retired, catalog.ChannelRelease, 9)
	assert.FileExists(t, filepath.Join(retired, filepath.FromSlash(gameBinary)))
	requireManifest(t, layout.LatestDir(root), catalog.ChannelRelease, 10)

	require.Len(t, h.patch.calls(), 1)
	assert.NoFileExists(t, h.patch.calls()[0].BundlePath, "temp bundle deleted after patching")
	assert.EqualValues(t, 1, srv.requests.Load())

	last := lastEvent(t, h.events)
	assert.Equal(t, notify.EventFinished, last.Type)
	require.NotNil(t, last.Version)
	assert.Equal(t, 10, last.Version.BuildIndex)
	assert.True(t, last.Version.Installed)
	assert.Equal(t, StateDone, h.o.State(root, v))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(layout.LatestDir(root), filepath.FromSlash(gameBinary)))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0o111, "binary made executable")
	}
}

func TestInstallVersion_SecondCallIsNoOp(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)
	v := latestRelease(10, srv.URL)

	_, err := h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)

	before := snapshot(t, root)
	h2 := newHarness(t)

	res, err := h2.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)

	assert.Equal(t, AlreadyCurrent, res.Classification)
	assert.Equal(t, OutcomeFinished, res.Outcome)
	assert.Equal(t, before, snapshot(t, root), "no filesystem writes")
	assert.EqualValues(t, 1, srv.requests.Load())
	assert.Empty(t, h2.patch.calls())
	assert.Zero(t, h2.runtimes.Load(), "runtime not checked for a current install")
	assert.Equal(t, []notify.EventType{notify.EventStarted, notify.EventProgress, notify.EventFinished}, h2.events.Types())
}

func TestInstallVersion_SelfHealsMissingBinaries(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)
	v := catalog.Version{Channel: catalog.ChannelPrerelease, BuildIndex: 41, URL: srv.URL}
	dir := layout.ResolveInstallDir(root, v)

	_, err := h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(gameBinary))))

		class, err := h.o.Classify(root, v)
		require.NoError(t, err)
		assert.Equal(t, StaleManifestMissingBinaries, class)

		res, err := h.o.InstallVersion(context.Background(), root, v)
		require.NoError(t, err)
		assert.Equal(t, StaleManifestMissingBinaries, res.Classification)

		requireManifest(t, dir, catalog.ChannelPrerelease, 41)
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(gameBinary)))
		assert.EqualValues(t, attempt+1, srv.requests.Load(), "every heal downloads again")
	}

	class, err := h.o.Classify(root, v)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCurrent, class)
}

func TestInstallVersion_BinariesWithoutManifestArePatched(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)
	v := latestRelease(10, srv.URL)

	// crash after the patch finished but before the manifest write
	bin := filepath.Join(layout.LatestDir(root), filepath.FromSlash(gameBinary))
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte("half done"), 0o755))

	class, err := h.o.Classify(root, v)
	require.NoError(t, err)
	assert.Equal(t, NeedsPatch, class)

	_, err = h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)
	requireManifest(t, layout.LatestDir(root), catalog.ChannelRelease, 10)
}

func TestInstallVersion_CorruptManifestTreatedAsAbsent(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)
	v := latestRelease(10, srv.URL)

	require.NoError(t, os.MkdirAll(layout.LatestDir(root), 0o755))
	require.NoError(t, os.WriteFile(manifest.Path(layout.LatestDir(root)), []byte("{not json"), 0o644))

	res, err := h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)
	assert.Equal(t, NeedsPatch, res.Classification)
	requireManifest(t, layout.LatestDir(root), catalog.ChannelRelease, 10)
}

func TestInstallVersion_CancelAt40Percent(t *testing.T) {
	body := make([]byte, 10*1024)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if requests.Add(1) == 1 {
			_, _ = w.Write(body[:4*1024])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	root := t.TempDir()
	v := latestRelease(10, srv.URL)

	var h *harness
	var once sync.Once
	cancelled := make(chan bool, 1)
	trigger := notify.SinkFunc(func(e notify.Event) {
		if e.Type == notify.EventProgress && e.Phase == notify.PhaseDownload && *e.Percent >= 40 {
			// Cancel waits for the stream to stop, so it cannot run on the reporting goroutine
			once.Do(func() { go func() { cancelled <- h.o.Cancel(root, v) }() })
		}
	})
	h = newHarness(t, trigger)

	res, err := h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.True(t, <-cancelled)

	assert.Equal(t, notify.EventCancelled, lastEvent(t, h.events).Type)
	for _, e := range h.events.Events() {
		assert.NotEqual(t, notify.EventError, e.Type)
	}
	assert.NoFileExists(t, h.dl.TempPath(root, v))
	assert.NoFileExists(t, manifest.Path(layout.LatestDir(root)))
	assert.Empty(t, h.patch.calls())
	assert.Equal(t, StateCancelled, h.o.State(root, v))

	// a fresh attempt starts the transfer over
	retry := &notify.Recorder{}
	h2 := newHarness(t, retry)
	res, err = h2.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, res.Outcome)

	var download []notify.Event
	for _, e := range retry.Events() {
		if e.Type == notify.EventProgress && e.Phase == notify.PhaseDownload {
			download = append(download, e)
		}
	}
	require.GreaterOrEqual(t, len(download), 2)
	assert.Equal(t, 0, *download[0].Percent)
	assert.Zero(t, download[1].Current, "download restarts from the first byte")
	assert.Equal(t, 0, *download[1].Percent)
	assert.EqualValues(t, 2, requests.Load())
}

func TestInstallVersion_RuntimeFailureSurfacedVerbatim(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)
	original := errors.New("runtime installer: redistributable package is missing")
	h.o.runtime = EnsurerFunc(func(context.Context) (string, error) { return "", original })
	v := latestRelease(10, srv.URL)

	_, err := h.o.InstallVersion(context.Background(), root, v)

	require.Error(t, err)
	assert.Equal(t, original.Error(), err.Error())
	assert.ErrorIs(t, err, original)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, DependencyRuntime, depErr.Dependency)

	last := lastEvent(t, h.events)
	assert.Equal(t, notify.EventError, last.Type)
	assert.Equal(t, notify.CodeDependencyMissing, last.Code)
	assert.Zero(t, srv.requests.Load())
	assert.Equal(t, StateFailed, h.o.State(root, v))
}

func TestInstallVersion_PatchToolMissing(t *testing.T) {
	srv := newBundleServer(t)
	h := newHarness(t)
	h.o.tool = EnsurerFunc(func(context.Context) (string, error) { return "", errors.New("skypatch not found") })

	_, err := h.o.InstallVersion(context.Background(), t.TempDir(), latestRelease(10, srv.URL))

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, DependencyPatchTool, depErr.Dependency)
	assert.Equal(t, notify.CodeDependencyMissing, lastEvent(t, h.events).Code)
	assert.Zero(t, srv.requests.Load())
}

func TestInstallVersion_DownloadFailure(t *testing.T) {
	srv := newBundleServer(t)
	srv.status.Store(http.StatusServiceUnavailable)
	root := t.TempDir()
	h := newHarness(t)
	v := latestRelease(10, srv.URL)

	_, err := h.o.InstallVersion(context.Background(), root, v)

	var netErr *downloader.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, notify.CodeNetwork, lastEvent(t, h.events).Code)
	assert.NoFileExists(t, h.dl.TempPath(root, v))
	assert.Empty(t, h.patch.calls())
}

func TestInstallVersion_PatchFailureKeepsNoManifest(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)
	h.patch.err = &patcher.ProcessExitError{Code: 2, StderrTail: "corrupt bundle"}
	h.patch.before = func(job patcher.Job) {
		require.NoError(t, os.MkdirAll(job.StagingDir(), 0o755))
	}
	v := catalog.Version{Channel: catalog.ChannelPrerelease, BuildIndex: 7, URL: srv.URL}

	_, err := h.o.InstallVersion(context.Background(), root, v)

	var exitErr *patcher.ProcessExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, notify.CodeProcessExit, lastEvent(t, h.events).Code)

	dir := layout.ResolveInstallDir(root, v)
	assert.NoFileExists(t, manifest.Path(dir))
	assert.NoDirExists(t, filepath.Join(dir, "staging"))
	require.Len(t, h.patch.calls(), 1)
	assert.NoFileExists(t, h.patch.calls()[0].BundlePath, "bundle deleted after a failed patch")
}

func TestInstallVersion_PhasesAndMonotonicProgress(t *testing.T) {
	srv := newBundleServer(t)
	h := newHarness(t)
	h.patch.percents = []int{30, 10, 60}

	_, err := h.o.InstallVersion(context.Background(), t.TempDir(), latestRelease(10, srv.URL))
	require.NoError(t, err)

	var phases []notify.Phase
	last := map[notify.Phase]int{}
	var patching []int
	for _, e := range h.events.Events() {
		if e.Type != notify.EventProgress {
			continue
		}
		require.NotNil(t, e.Percent)
		if len(phases) == 0 || phases[len(phases)-1] != e.Phase {
			phases = append(phases, e.Phase)
		}
		if *e.Percent == notify.Indeterminate {
			continue
		}
		assert.GreaterOrEqual(t, *e.Percent, last[e.Phase], "phase %s went back", e.Phase)
		last[e.Phase] = *e.Percent
		if e.Phase == notify.PhasePatch {
			patching = append(patching, *e.Percent)
		}
	}

	assert.Equal(t, []notify.Phase{
		notify.PhasePreparing,
		notify.PhaseRuntime,
		notify.PhaseTool,
		notify.PhaseDownload,
		notify.PhasePatch,
		notify.PhaseFinalize,
	}, phases)
	assert.Equal(t, []int{0, 30, 30, 60, 100}, patching)
	assert.Equal(t, 100, last[notify.PhaseDownload])

	types := h.events.Types()
	assert.Equal(t, notify.EventStarted, types[0])
	assert.Equal(t, notify.EventFinished, types[len(types)-1])
}

func TestInstallVersion_MigratesLegacyInstall(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	installedAt(t, filepath.Join(root, "release"), catalog.ChannelRelease, 10)
	h := newHarness(t)

	res, err := h.o.InstallVersion(context.Background(), root, latestRelease(10, srv.URL))
	require.NoError(t, err)

	assert.Equal(t, AlreadyCurrent, res.Classification)
	requireManifest(t, layout.LatestDir(root), catalog.ChannelRelease, 10)
	assert.Zero(t, srv.requests.Load())
}

func TestInstallVersion_CorruptLegacyManifestIsCleared(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	legacy := filepath.Join(root, "prerelease")
	require.NoError(t, os.MkdirAll(legacy, 0o755))
	require.NoError(t, os.WriteFile(manifest.Path(legacy), []byte("{trunc"), 0o644))
	h := newHarness(t)
	v := catalog.Version{Channel: catalog.ChannelPrerelease, BuildIndex: 41, IsLatest: true, URL: srv.URL}

	res, err := h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, res.Outcome)
	assert.Equal(t, NeedsPatch, res.Classification)
	requireManifest(t, layout.BuildDir(root, catalog.ChannelPrerelease, 41), catalog.ChannelPrerelease, 41)
	assert.NoFileExists(t, manifest.Path(legacy))

	res, err = h.o.InstallVersion(context.Background(), root, v)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCurrent, res.Classification)
}

func TestInstallVersion_DistinctKeysRunConcurrently(t *testing.T) {
	srv := newBundleServer(t)
	root := t.TempDir()
	h := newHarness(t)

	versions := []catalog.Version{
		latestRelease(10, srv.URL),
		{Channel: catalog.ChannelPrerelease, BuildIndex: 41, IsLatest: true, URL: srv.URL},
		{Channel: catalog.ChannelRelease, BuildIndex: 8, URL: srv.URL},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(versions))
	for i, v := range versions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.o.InstallVersion(context.Background(), root, v)
		}()
	}
	wg.Wait()

	for i, v := range versions {
		require.NoError(t, errs[i], v.ID())
		requireManifest(t, layout.ResolveInstallDir(root, v), v.Channel, v.BuildIndex)
	}
}

func TestInspect(t *testing.T) {
	root := t.TempDir()
	installedAt(t, layout.LatestDir(root), catalog.ChannelRelease, 10)
	installedAt(t, layout.BuildDir(root, catalog.ChannelRelease, 9), catalog.ChannelRelease, 9)
	require.NoError(t, os.Remove(filepath.Join(layout.BuildDir(root, catalog.ChannelRelease, 9), filepath.FromSlash(gameBinary))))

	h := newHarness(t)
	in := []catalog.Version{
		latestRelease(10, ""),
		{Channel: catalog.ChannelRelease, BuildIndex: 9},
		{Channel: catalog.ChannelPrerelease, BuildIndex: 41, IsLatest: true},
	}

	out := h.o.Inspect(root, in)
	require.Len(t, out, 3)
	assert.True(t, out[0].Installed)
	assert.False(t, out[1].Installed, "missing binaries")
	assert.False(t, out[2].Installed)
	for _, v := range in {
		assert.False(t, v.Installed, "inputs are not modified")
	}
}

func TestState_IdleWithoutJob(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateIdle, h.o.State(t.TempDir(), latestRelease(1, "")))
}

func snapshot(t *testing.T, root string) map[string]time.Time {
	t.Helper()
	out := map[string]time.Time{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[path] = info.ModTime()
		return nil
	})
	require.NoError(t, err)
	return out
}
