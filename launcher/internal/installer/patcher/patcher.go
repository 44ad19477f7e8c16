package patcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/skyforge/launcher/launcher/internal/notify"
)

const (
	stagingDirName = "staging"

	// stderrTailSize bounds the stderr kept for a failed run.
	stderrTailSize = 8 * 1024
)

// Job describes one patch application.
type Job struct {
	BundlePath string
	TargetDir  string
}

// StagingDir is the scratch directory handed to the tool. It lives inside the target so
// both are on the same filesystem.
func (j Job) StagingDir() string {
	return filepath.Join(j.TargetDir, stagingDirName)
}

// ProcessSpawnError is returned when the patch tool could not be started.
type ProcessSpawnError struct {
	Path string
	Err  error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("start patch tool %s: %v", e.Path, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// ProcessExitError is returned when the patch tool exits with a non-zero code.
type ProcessExitError struct {
	Code       int
	StderrTail string
}

func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("patch tool exited with code %d", e.Code)
	if last := lastLine(e.StderrTail); last != "" {
		msg += ": " + last
	}
	return msg
}

// Applier runs the external patch tool.
type Applier struct{}

// New creates an Applier.
func New() *Applier {
	return &Applier{}
}

// Apply patches job.TargetDir with job.BundlePath using the tool at toolPath. Progress
// records printed by the tool are forwarded as patching progress and never go back. The
// tool is not bound to ctx: once started a patch runs to completion.
func (a *Applier) Apply(ctx context.Context, job Job, toolPath string, onProgress notify.ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(notify.Progress) {}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staging := job.StagingDir()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	args := []string{
		"apply",
		"--progress-json",
		"--staging-dir", staging,
		job.BundlePath,
		job.TargetDir,
	}
	cmd := exec.Command(toolPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach patch tool stdout: %w", err)
	}
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr

	log.Infof("starting patch tool: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return &ProcessSpawnError{Path: toolPath, Err: err}
	}

	last, stage := 0, ""
	for rec := range Records(stdout) {
		if rec.Stage != "" && rec.Stage != stage {
			stage = rec.Stage
			log.Infof("patch tool entered stage %s at %d%%", stage, rec.Percent)
		}
		last = max(last, rec.Percent)
		onProgress(notify.Progress{Phase: notify.PhasePatch, Percent: last})
	}
	// a line past the scanner limit ends the sequence early; keep the pipe drained
	if _, err := io.Copy(io.Discard, stdout); err != nil {
		log.Debugf("drain patch tool stdout: %v", err)
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			tail := stderr.String()
			log.Errorf("patch tool failed with code %d, stderr tail:\n%s", exitErr.ExitCode(), tail)
			return &ProcessExitError{Code: exitErr.ExitCode(), StderrTail: tail}
		}
		return fmt.Errorf("wait for patch tool: %w", err)
	}

	onProgress(notify.Progress{Phase: notify.PhasePatch, Percent: 100})

	if err := os.RemoveAll(staging); err != nil {
		log.Warnf("failed to remove staging dir %s: %v", staging, err)
	}
	log.Infof("patch applied to %s", job.TargetDir)
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
