package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/util"
)

// FileName is the name of the manifest file inside an install directory.
const FileName = ".install-manifest.json"

// ErrCorrupt is returned by Read when the manifest file exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt manifest")

// Manifest records which build occupies an install directory. It is written only after
// a patch application exited successfully.
type Manifest struct {
	Channel    catalog.Channel `json:"channel"`
	BuildIndex int             `json:"build_index"`
}

// For returns the manifest describing v.
func For(v catalog.Version) Manifest {
	return Manifest{Channel: v.Channel, BuildIndex: v.BuildIndex}
}

// Matches reports whether the manifest names the same build as v.
func (m Manifest) Matches(v catalog.Version) bool {
	return m.Channel == v.Channel && m.BuildIndex == v.BuildIndex
}

// Path returns the manifest location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Read loads the manifest stored in dir. The boolean is false when no manifest exists,
// meaning nothing was ever successfully installed there.
func Read(dir string) (Manifest, bool, error) {
	var m Manifest
	if _, err := util.ReadJson(Path(dir), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, false, nil
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return Manifest{}, false, fmt.Errorf("%w in %s: %v", ErrCorrupt, dir, err)
		}
		return Manifest{}, false, fmt.Errorf("read manifest in %s: %w", dir, err)
	}

	if !m.Channel.Valid() {
		log.Warnf("ignoring manifest in %s with unknown channel %q", dir, m.Channel)
		return Manifest{}, false, nil
	}

	return m, true, nil
}

// Write atomically stores m in dir. A crash leaves either the previous manifest or the
// new one, never a partial file.
func Write(ctx context.Context, dir string, m Manifest) error {
	if err := util.WriteJson(ctx, Path(dir), m); err != nil {
		return fmt.Errorf("write manifest in %s: %w", dir, err)
	}
	log.Debugf("wrote manifest %s/%d in %s", m.Channel, m.BuildIndex, dir)
	return nil
}
