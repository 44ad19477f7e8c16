// Package layout maps install roots and versions to directories on disk and keeps the
// directory tree consistent as new builds arrive.
//
// Current layout under an install root:
//
//	<root>/latest                    release build flagged latest
//	<root>/release/build-<N>         retired or non-latest release builds
//	<root>/prerelease/build-<N>      prerelease builds
//
// The legacy layout kept a single slot per channel, <root>/<channel>, with the
// manifest stored directly inside it.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/installer/manifest"
	"github.com/skyforge/launcher/util"
)

const (
	LatestDirName  = "latest"
	buildDirPrefix = "build-"
	legacySuffix   = "-legacy"
)

// ResolveInstallDir returns the install directory of v under root.
func ResolveInstallDir(root string, v catalog.Version) string {
	if v.Channel == catalog.ChannelRelease && v.IsLatest {
		return LatestDir(root)
	}
	return BuildDir(root, v.Channel, v.BuildIndex)
}

// LatestDir returns the latest alias directory of root.
func LatestDir(root string) string {
	return filepath.Join(root, LatestDirName)
}

// BuildDir returns the stable per-build directory of a channel build.
func BuildDir(root string, ch catalog.Channel, buildIndex int) string {
	return filepath.Join(root, string(ch), buildDirPrefix+strconv.Itoa(buildIndex))
}

func legacyDir(root string, ch catalog.Channel) string {
	return filepath.Join(root, string(ch))
}

func legacyStagingDir(root string, ch catalog.Channel) string {
	return filepath.Join(root, "."+string(ch)+legacySuffix)
}

// MigrateLegacyLayoutIfNeeded moves a legacy single-slot channel directory into the
// current layout. It does nothing when no legacy install is present, so it is safe to
// call before every resolution. An interrupted migration is resumed on the next call.
func MigrateLegacyLayoutIfNeeded(root string, ch catalog.Channel) error {
	staging := legacyStagingDir(root, ch)
	resume, err := util.DirExists(staging)
	if err != nil {
		return fmt.Errorf("stat %s: %w", staging, err)
	}
	if resume {
		log.Infof("resuming interrupted %s layout migration in %s", ch, root)
		return finishLegacyMove(root, ch, staging)
	}

	legacy := legacyDir(root, ch)
	m, found, err := manifest.Read(legacy)
	switch {
	case errors.Is(err, manifest.ErrCorrupt):
		// the slot holds an unknown build; finishLegacyMove clears it
		log.Warnf("legacy %s slot in %s has a corrupt manifest: %v", ch, legacy, err)
	case err != nil:
		return err
	case !found:
		return nil
	default:
		log.Infof("migrating legacy %s install of build %d in %s", m.Channel, m.BuildIndex, legacy)
	}

	// the legacy slot becomes the parent of per-build directories, so its content has
	// to leave it before the new home can be created inside it
	if err := os.Rename(legacy, staging); err != nil {
		return fmt.Errorf("move legacy %s aside: %w", legacy, err)
	}

	return finishLegacyMove(root, ch, staging)
}

func finishLegacyMove(root string, ch catalog.Channel, staging string) error {
	if err := os.MkdirAll(legacyDir(root, ch), 0o755); err != nil {
		return fmt.Errorf("recreate %s: %w", legacyDir(root, ch), err)
	}

	m, found, err := manifest.Read(staging)
	if err != nil || !found {
		log.Warnf("legacy %s content in %s has no readable manifest, removing it", ch, staging)
		return removeDir(staging)
	}

	if m.Channel != ch {
		log.Warnf("legacy %s slot held a %s build, moving it to its own channel", ch, m.Channel)
	}

	dest, err := legacyDestination(root, m)
	if err != nil {
		return err
	}

	occupied, err := util.DirExists(dest)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dest, err)
	}
	if occupied {
		log.Infof("build %s/%d already present in %s, dropping legacy copy", m.Channel, m.BuildIndex, dest)
		return removeDir(staging)
	}

	if err := move(staging, dest); err != nil {
		return err
	}
	log.Infof("migrated legacy build %s/%d to %s", m.Channel, m.BuildIndex, dest)
	return nil
}

// legacyDestination picks the new home of a legacy install. The legacy release slot
// held the build the user was running, which is what the latest alias represents.
func legacyDestination(root string, m manifest.Manifest) (string, error) {
	if m.Channel != catalog.ChannelRelease {
		return BuildDir(root, m.Channel, m.BuildIndex), nil
	}

	latestTaken, err := util.DirExists(LatestDir(root))
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", LatestDir(root), err)
	}
	if !latestTaken {
		return LatestDir(root), nil
	}
	return BuildDir(root, m.Channel, m.BuildIndex), nil
}

// RetireLatestAliasIfStale makes room in the latest alias for incoming. When incoming is
// the latest release and the alias holds a different build, the old occupant moves to
// its per-build directory, or is deleted when that build is already installed there.
// An alias without a readable manifest is left alone; it will be re-patched.
func RetireLatestAliasIfStale(root string, incoming catalog.Version) error {
	if incoming.Channel != catalog.ChannelRelease || !incoming.IsLatest {
		return nil
	}

	latest := LatestDir(root)
	present, err := util.DirExists(latest)
	if err != nil {
		return fmt.Errorf("stat %s: %w", latest, err)
	}
	if !present {
		return nil
	}

	m, found, err := manifest.Read(latest)
	if err != nil {
		log.Warnf("cannot tell which build occupies %s, leaving it in place: %v", latest, err)
		return nil
	}
	if !found || m.Matches(incoming) {
		return nil
	}

	dest := BuildDir(root, m.Channel, m.BuildIndex)
	occupied, err := util.DirExists(dest)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dest, err)
	}

	if occupied {
		log.Infof("build %s/%d already installed in %s, removing stale latest alias", m.Channel, m.BuildIndex, dest)
		return removeDir(latest)
	}

	if err := move(latest, dest); err != nil {
		return err
	}
	log.Infof("retired build %s/%d from latest alias to %s", m.Channel, m.BuildIndex, dest)
	return nil
}

func move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return nil
}

func removeDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}
