// Package deps locates the external executables an install depends on: the game runtime
// and the patch tool.
package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

const (
	// PatchToolName is looked up on PATH when no patch tool path is configured.
	PatchToolName = "skypatch"

	versionProbeTimeout = 10 * time.Second
)

// ErrNotFound is returned when the executable is neither at its configured path nor on PATH.
var ErrNotFound = errors.New("executable not found")

var versionPattern = regexp.MustCompile(`v?\d+(\.\d+){1,3}([-+][0-9A-Za-z.-]+)?`)

// VersionError is returned when the executable reports a version below the minimum.
type VersionError struct {
	Name    string
	Have    string
	Minimum string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s %s is older than the required %s", e.Name, e.Have, e.Minimum)
}

// Binary ensures an external executable is present. An explicit Path wins over a PATH
// lookup of Name. When MinVersion is set, `<binary> --version` must report at least it.
type Binary struct {
	Name       string
	Path       string
	MinVersion string

	lookPath func(string) (string, error)
}

// NewRuntime returns the ensurer of the game runtime.
func NewRuntime(name, path string) *Binary {
	return &Binary{Name: name, Path: path}
}

// NewPatchTool returns the ensurer of the patch tool.
func NewPatchTool(path, minVersion string) *Binary {
	return &Binary{Name: PatchToolName, Path: path, MinVersion: minVersion}
}

// Ensure returns the path of the executable.
func (b *Binary) Ensure(ctx context.Context) (string, error) {
	path, err := b.locate()
	if err != nil {
		return "", err
	}

	if b.MinVersion == "" {
		return path, nil
	}
	if err := b.checkVersion(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

func (b *Binary) locate() (string, error) {
	if b.Path != "" {
		info, err := os.Stat(b.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%s at %s: %w", b.Name, b.Path, ErrNotFound)
			}
			return "", fmt.Errorf("stat %s: %w", b.Path, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s at %s is a directory: %w", b.Name, b.Path, ErrNotFound)
		}
		return b.Path, nil
	}

	lookPath := b.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(b.Name)
	if err != nil {
		log.Debugf("lookup of %s failed: %v", b.Name, err)
		return "", fmt.Errorf("%s on PATH: %w", b.Name, ErrNotFound)
	}
	return path, nil
}

func (b *Binary) checkVersion(ctx context.Context, path string) error {
	constraint, err := goversion.NewConstraint(">= " + b.MinVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q for %s: %w", b.MinVersion, b.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return fmt.Errorf("query %s version: %w", b.Name, err)
	}

	have, err := parseVersion(string(out))
	if err != nil {
		return fmt.Errorf("read %s version: %w", b.Name, err)
	}
	if !constraint.Check(have) {
		return &VersionError{Name: b.Name, Have: have.Original(), Minimum: b.MinVersion}
	}

	log.Debugf("%s %s satisfies %s", b.Name, have, constraint)
	return nil
}

func parseVersion(output string) (*goversion.Version, error) {
	match := versionPattern.FindString(output)
	if match == "" {
		return nil, fmt.Errorf("no version in %q", strings.TrimSpace(output))
	}
	return goversion.NewVersion(match)
}
