package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/skyforge/launcher/launcher/internal/installer/downloader"
	"github.com/skyforge/launcher/launcher/internal/installer/patcher"
	"github.com/skyforge/launcher/launcher/internal/notify"
)

// Dependency names an external collaborator an install relies on.
type Dependency string

const (
	DependencyRuntime   Dependency = "runtime"
	DependencyPatchTool Dependency = "patch-tool"
)

// DependencyError is returned when an ensurer fails. Its message is the ensurer's own
// message, unchanged.
type DependencyError struct {
	Dependency Dependency
	Err        error
}

func (e *DependencyError) Error() string {
	return e.Err.Error()
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// FilesystemError is returned when the orchestrator fails to change the install tree.
type FilesystemError struct {
	Op  string
	Err error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// ErrorCode maps an install error to the stable code reported to the UI.
func ErrorCode(err error) notify.Code {
	var (
		netErr   *downloader.NetworkError
		sumErr   *downloader.ChecksumError
		spawnErr *patcher.ProcessSpawnError
		exitErr  *patcher.ProcessExitError
		depErr   *DependencyError
		fsErr    *FilesystemError
		pathErr  *fs.PathError
		linkErr  *os.LinkError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &depErr):
		return notify.CodeDependencyMissing
	case errors.As(err, &netErr):
		return notify.CodeNetwork
	case errors.As(err, &sumErr):
		return notify.CodeChecksumMismatch
	case errors.As(err, &spawnErr):
		return notify.CodeProcessSpawn
	case errors.As(err, &exitErr):
		return notify.CodeProcessExit
	case errors.As(err, &fsErr), errors.As(err, &pathErr), errors.As(err, &linkErr):
		return notify.CodeFilesystem
	default:
		return notify.CodeInternal
	}
}
