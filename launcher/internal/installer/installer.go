// Package installer drives a single install or update of a game build: it prepares the
// directory tree, checks dependencies, downloads the patch bundle, applies it with the
// external patch tool and records the result in the install manifest.
package installer

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	lerrors "github.com/skyforge/launcher/launcher/errors"
	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/installer/downloader"
	"github.com/skyforge/launcher/launcher/internal/installer/layout"
	"github.com/skyforge/launcher/launcher/internal/installer/manifest"
	"github.com/skyforge/launcher/launcher/internal/installer/patcher"
	"github.com/skyforge/launcher/launcher/internal/notify"
	"github.com/skyforge/launcher/util"
)

// Ensurer makes an external dependency available and returns its executable path.
type Ensurer interface {
	Ensure(ctx context.Context) (string, error)
}

// EnsurerFunc adapts a function to the Ensurer interface.
type EnsurerFunc func(ctx context.Context) (string, error)

func (f EnsurerFunc) Ensure(ctx context.Context) (string, error) {
	return f(ctx)
}

// Downloader fetches patch bundles.
type Downloader interface {
	StartDownload(ctx context.Context, root string, v catalog.Version, onProgress notify.ProgressFunc) (string, error)
	Cancel(root string, v catalog.Version) bool
}

// Patcher applies a downloaded bundle.
type Patcher interface {
	Apply(ctx context.Context, job patcher.Job, toolPath string, onProgress notify.ProgressFunc) error
}

// Outcome is how an install operation ended without error.
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a completed InstallVersion call.
type Result struct {
	Outcome        Outcome
	Version        catalog.Version
	Classification Classification
}

// Config holds the collaborators of an Orchestrator. Nil Downloader, Patcher and Sink
// fall back to the defaults.
type Config struct {
	Runtime    Ensurer
	PatchTool  Ensurer
	Downloader Downloader
	Patcher    Patcher
	Sink       notify.Sink
	// Binaries are the slash separated paths, relative to an install directory, that must
	// exist for an install to count as complete.
	Binaries []string
}

// Orchestrator runs install operations. Operations on distinct install keys may run
// concurrently; callers never run two operations on the same key at once.
type Orchestrator struct {
	runtime    Ensurer
	tool       Ensurer
	downloader Downloader
	patcher    Patcher
	sink       notify.Sink
	binaries   []string

	jobs *jobStates
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		runtime:    cfg.Runtime,
		tool:       cfg.PatchTool,
		downloader: cfg.Downloader,
		patcher:    cfg.Patcher,
		sink:       cfg.Sink,
		binaries:   cfg.Binaries,
		jobs:       newJobStates(),
	}
	if o.downloader == nil {
		o.downloader = downloader.New()
	}
	if o.patcher == nil {
		o.patcher = patcher.New()
	}
	if o.sink == nil {
		o.sink = notify.Discard
	}
	if o.runtime == nil {
		o.runtime = EnsurerFunc(func(context.Context) (string, error) { return "", nil })
	}
	if o.tool == nil {
		o.tool = EnsurerFunc(func(context.Context) (string, error) {
			return "", errors.New("no patch tool configured")
		})
	}
	return o
}

// Cancel aborts the bundle download of v under root. It returns false when no download
// is in flight; a running patch cannot be cancelled.
func (o *Orchestrator) Cancel(root string, v catalog.Version) bool {
	return o.downloader.Cancel(root, v)
}

// State returns the state of the latest job for v under root.
func (o *Orchestrator) State(root string, v catalog.Version) State {
	return o.jobs.get(catalog.KeyOf(root, v))
}

// InstallVersion brings the install directory of v under root to build v. A cancelled
// download ends with OutcomeCancelled and a nil error. Every other failure is returned
// and reported to the sink with its error code.
func (o *Orchestrator) InstallVersion(ctx context.Context, root string, v catalog.Version) (Result, error) {
	key := catalog.KeyOf(root, v)
	o.jobs.reset(key)
	if ctx.Value(util.SourceKey) == nil {
		ctx = context.WithValue(ctx, util.SourceKey, util.InstallSource)
	}

	j := &job{
		o:   o,
		key: key,
		v:   v,
		log: log.WithContext(ctx).WithFields(log.Fields{
			"op":      uuid.NewString(),
			"channel": v.Channel,
			"build":   v.BuildIndex,
		}),
		events: newReporter(o.sink, key, v),
	}
	return j.run(ctx)
}

type job struct {
	o      *Orchestrator
	key    catalog.Key
	v      catalog.Version
	log    *log.Entry
	events *reporter
}

func (j *job) run(ctx context.Context) (Result, error) {
	j.log.Infof("installing %s into %s", j.v.ID(), j.key.Root)
	j.events.started()

	if err := j.enter(StatePreparing, notify.PhasePreparing, notify.Indeterminate); err != nil {
		return j.fail(err)
	}

	dir, class, err := j.prepare()
	if err != nil {
		return j.fail(err)
	}
	result := Result{Version: j.v, Classification: class}
	j.log.Infof("%s in %s classified as %s", j.v.ID(), dir, class)

	if !class.NeedsPatching() {
		if err := j.o.jobs.transition(j.key, StateDone); err != nil {
			return j.fail(err)
		}
		result.Outcome = OutcomeFinished
		result.Version = j.v.WithInstalled(true)
		j.events.finished(result.Version)
		return result, nil
	}

	if err := j.enter(StateEnsuringRuntime, notify.PhaseRuntime, notify.Indeterminate); err != nil {
		return j.fail(err)
	}
	if _, err := j.o.runtime.Ensure(ctx); err != nil {
		return j.fail(&DependencyError{Dependency: DependencyRuntime, Err: err})
	}

	if err := j.enter(StateEnsuringTool, notify.PhaseTool, notify.Indeterminate); err != nil {
		return j.fail(err)
	}
	toolPath, err := j.o.tool.Ensure(ctx)
	if err != nil {
		return j.fail(&DependencyError{Dependency: DependencyPatchTool, Err: err})
	}

	if err := j.enter(StateDownloading, notify.PhaseDownload, 0); err != nil {
		return j.fail(err)
	}
	bundle, err := j.o.downloader.StartDownload(ctx, j.key.Root, j.v, j.events.progress)
	if errors.Is(err, downloader.ErrCancelled) {
		return j.cancelled(result)
	}
	if err != nil {
		return j.fail(err)
	}

	// past this point nothing is cancellable
	ctx = context.WithoutCancel(ctx)

	if err := j.enter(StatePatching, notify.PhasePatch, 0); err != nil {
		return j.fail(err)
	}
	patchJob := patcher.Job{BundlePath: bundle, TargetDir: dir}
	patchErr := j.o.patcher.Apply(ctx, patchJob, toolPath, j.events.progress)
	j.cleanup(patchJob, patchErr != nil)
	if patchErr != nil {
		return j.fail(patchErr)
	}

	if err := j.enter(StateFinalizing, notify.PhaseFinalize, notify.Indeterminate); err != nil {
		return j.fail(err)
	}
	if err := manifest.Write(ctx, dir, manifest.For(j.v)); err != nil {
		return j.fail(&FilesystemError{Op: "record installed build", Err: err})
	}
	if err := makeExecutable(dir, j.o.binaries); err != nil {
		return j.fail(&FilesystemError{Op: "set executable permissions", Err: err})
	}

	if err := j.o.jobs.transition(j.key, StateDone); err != nil {
		return j.fail(err)
	}
	result.Outcome = OutcomeFinished
	result.Version = j.v.WithInstalled(true)
	j.log.Infof("installed %s into %s", j.v.ID(), dir)
	j.events.finished(result.Version)
	return result, nil
}

// prepare brings the tree to the current layout and classifies the target directory.
func (j *job) prepare() (string, Classification, error) {
	root := j.key.Root
	if err := layout.MigrateLegacyLayoutIfNeeded(root, j.v.Channel); err != nil {
		return "", "", &FilesystemError{Op: "migrate legacy layout", Err: err}
	}
	if err := layout.RetireLatestAliasIfStale(root, j.v); err != nil {
		return "", "", &FilesystemError{Op: "retire latest alias", Err: err}
	}

	dir := layout.ResolveInstallDir(root, j.v)
	class, err := j.o.classifyDir(dir, j.v)
	if err != nil {
		return "", "", err
	}
	return dir, class, nil
}

func (j *job) enter(s State, phase notify.Phase, percent int) error {
	if err := j.o.jobs.transition(j.key, s); err != nil {
		return err
	}
	j.log.Debugf("entering %s", s)
	j.events.enterPhase(phase, percent)
	return nil
}

// cleanup removes the bundle and, after a failed patch, the staging directory the tool
// left behind.
func (j *job) cleanup(pj patcher.Job, failed bool) {
	var merr *multierror.Error
	if err := os.Remove(pj.BundlePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		merr = multierror.Append(merr, err)
	}
	if failed {
		if err := os.RemoveAll(pj.StagingDir()); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := lerrors.FormatErrorOrNil(merr); err != nil {
		j.log.Warnf("cleanup after patch left files behind: %v", err)
	}
}

func (j *job) cancelled(result Result) (Result, error) {
	if err := j.o.jobs.transition(j.key, StateCancelled); err != nil {
		return j.fail(err)
	}
	j.log.Infof("install of %s cancelled during download", j.v.ID())
	j.events.cancelled()
	result.Outcome = OutcomeCancelled
	return result, nil
}

func (j *job) fail(err error) (Result, error) {
	if terr := j.o.jobs.transition(j.key, StateFailed); terr != nil {
		j.log.Warnf("failed to mark job failed: %v", terr)
	}
	code := ErrorCode(err)
	j.log.Errorf("install of %s failed (%s): %v", j.v.ID(), code, err)
	j.events.failed(code)
	return Result{}, err
}
