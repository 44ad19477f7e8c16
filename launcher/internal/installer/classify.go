package installer

import (
	"errors"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/installer/layout"
	"github.com/skyforge/launcher/launcher/internal/installer/manifest"
)

// Classification is the read-time verdict on an install directory.
type Classification string

const (
	// AlreadyCurrent: the manifest names the target build and every expected binary exists.
	AlreadyCurrent Classification = "already-current"
	// StaleManifestMissingBinaries: the manifest names the target build but binaries are
	// gone, so the install is re-patched.
	StaleManifestMissingBinaries Classification = "stale-manifest-missing-binaries"
	// NeedsPatch: no manifest, or a manifest naming another build.
	NeedsPatch Classification = "needs-patch"
)

// NeedsPatching reports whether c requires a download and patch.
func (c Classification) NeedsPatching() bool {
	return c != AlreadyCurrent
}

// Classify inspects the install directory of v under root without changing anything.
func (o *Orchestrator) Classify(root string, v catalog.Version) (Classification, error) {
	return o.classifyDir(layout.ResolveInstallDir(root, v), v)
}

func (o *Orchestrator) classifyDir(dir string, v catalog.Version) (Classification, error) {
	m, found, err := manifest.Read(dir)
	if err != nil {
		// an unreadable manifest is as good as none, the patch rewrites it
		log.Warnf("treating unreadable manifest in %s as absent: %v", dir, err)
		found = false
	}
	if !found || !m.Matches(v) {
		return NeedsPatch, nil
	}

	present, err := o.binariesPresent(dir)
	if err != nil {
		return "", err
	}
	if !present {
		return StaleManifestMissingBinaries, nil
	}
	return AlreadyCurrent, nil
}

func (o *Orchestrator) binariesPresent(dir string) (bool, error) {
	for _, rel := range o.binaries {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("expected binary %s is missing", path)
			return false, nil
		}
		if err != nil {
			return false, &FilesystemError{Op: "probe binaries", Err: err}
		}
		if info.IsDir() {
			log.Debugf("expected binary %s is a directory", path)
			return false, nil
		}
	}
	return true, nil
}

// Inspect returns copies of versions with Installed set for every build that is
// AlreadyCurrent under root.
func (o *Orchestrator) Inspect(root string, versions []catalog.Version) []catalog.Version {
	out := make([]catalog.Version, 0, len(versions))
	for _, v := range versions {
		class, err := o.Classify(root, v)
		if err != nil {
			log.Warnf("failed to inspect %s in %s: %v", v.ID(), root, err)
		}
		out = append(out, v.WithInstalled(err == nil && class == AlreadyCurrent))
	}
	return out
}

func (c Classification) String() string {
	return string(c)
}
