package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	lerrors "github.com/skyforge/launcher/launcher/errors"
)

// ErrVersionNotFound is returned by lookups for a build that is not in the catalog.
var ErrVersionNotFound = errors.New("version not found in catalog")

// Catalog is the list of selectable versions handed to the launcher by the catalog service.
type Catalog struct {
	Versions []Version `json:"versions" yaml:"versions"`
}

// Load reads a catalog from a YAML or JSON file. The format is picked from the extension.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
	}

	// installed is never taken from the file
	for i := range c.Versions {
		c.Versions[i].Installed = false
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	c.sort()
	return &c, nil
}

// Validate checks identity uniqueness, required fields and that each channel has at
// most one version flagged latest.
func (c *Catalog) Validate() error {
	var merr *multierror.Error

	seen := make(map[string]struct{}, len(c.Versions))
	latest := make(map[Channel]int)
	for _, v := range c.Versions {
		if !v.Channel.Valid() {
			merr = multierror.Append(merr, fmt.Errorf("version %q: unknown channel %q", v.Name, v.Channel))
			continue
		}
		if v.BuildIndex < 0 {
			merr = multierror.Append(merr, fmt.Errorf("version %s: negative build index", v.ID()))
		}
		if v.URL == "" {
			merr = multierror.Append(merr, fmt.Errorf("version %s: missing bundle url", v.ID()))
		}
		if _, ok := seen[v.ID()]; ok {
			merr = multierror.Append(merr, fmt.Errorf("version %s: duplicated", v.ID()))
		}
		seen[v.ID()] = struct{}{}
		if v.IsLatest {
			latest[v.Channel]++
		}
	}

	for ch, n := range latest {
		if n > 1 {
			merr = multierror.Append(merr, fmt.Errorf("channel %s: %d versions flagged latest", ch, n))
		}
	}

	return lerrors.FormatErrorOrNil(merr)
}

// Find returns the version with the given identity.
func (c *Catalog) Find(ch Channel, buildIndex int) (Version, error) {
	for _, v := range c.Versions {
		if v.Channel == ch && v.BuildIndex == buildIndex {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%s/%d: %w", ch, buildIndex, ErrVersionNotFound)
}

// Latest returns the version flagged latest in the channel.
func (c *Catalog) Latest(ch Channel) (Version, error) {
	for _, v := range c.Versions {
		if v.Channel == ch && v.IsLatest {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("latest %s: %w", ch, ErrVersionNotFound)
}

// sort orders versions by channel, then newest build first.
func (c *Catalog) sort() {
	sort.SliceStable(c.Versions, func(i, j int) bool {
		a, b := c.Versions[i], c.Versions[j]
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.BuildIndex > b.BuildIndex
	})
}
