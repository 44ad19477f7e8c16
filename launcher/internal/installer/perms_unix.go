//go:build !windows

package installer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	lerrors "github.com/skyforge/launcher/launcher/errors"
)

// makeExecutable adds the execute bits to every expected binary found in dir.
func makeExecutable(dir string, binaries []string) error {
	var merr *multierror.Error
	for _, rel := range binaries {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("expected binary %s not produced by the patch", path)
			continue
		}
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}

		mode := info.Mode().Perm()
		// execute wherever read is allowed
		exec := mode | (mode&0o444)>>2
		if exec == mode {
			continue
		}
		if err := os.Chmod(path, exec); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("chmod %s: %w", path, err))
		}
	}
	return lerrors.FormatErrorOrNil(merr)
}
