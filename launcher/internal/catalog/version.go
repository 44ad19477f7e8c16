package catalog

import (
	"fmt"
)

// Channel is one of the two independent version tracks.
type Channel string

const (
	ChannelRelease    Channel = "release"
	ChannelPrerelease Channel = "prerelease"
)

// Channels lists every known channel.
var Channels = []Channel{ChannelRelease, ChannelPrerelease}

func (c Channel) String() string {
	return string(c)
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelRelease || c == ChannelPrerelease
}

// ParseChannel converts a user supplied string to a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Patch holds the optional patch metadata published with a version.
type Patch struct {
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Hash  string `json:"hash,omitempty" yaml:"hash,omitempty"`
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Version describes a selectable build. Values come from the catalog and are treated
// as read-only; Installed is the only field computed locally.
type Version struct {
	Channel    Channel `json:"channel" yaml:"channel"`
	BuildIndex int     `json:"buildIndex" yaml:"buildIndex"`
	Name       string  `json:"name" yaml:"name"`
	URL        string  `json:"url" yaml:"url"`
	Patch      *Patch  `json:"patch,omitempty" yaml:"patch,omitempty"`
	// BundleChecksum is "<algo>:<hex>" with algo sha256 or blake3.
	BundleChecksum string `json:"bundleChecksum,omitempty" yaml:"bundleChecksum,omitempty"`
	IsLatest       bool   `json:"isLatest" yaml:"isLatest"`
	Installed      bool   `json:"installed" yaml:"-"`
}

// ID returns the channel/build identity of the version, e.g. "release/10".
func (v Version) ID() string {
	return fmt.Sprintf("%s/%d", v.Channel, v.BuildIndex)
}

// WithInstalled returns a copy of v with the Installed flag set.
func (v Version) WithInstalled(installed bool) Version {
	v.Installed = installed
	return v
}

// Key identifies an install target: one build of one channel under one install root.
type Key struct {
	Root       string
	Channel    Channel
	BuildIndex int
}

// KeyOf builds the install key of v under root.
func KeyOf(root string, v Version) Key {
	return Key{Root: root, Channel: v.Channel, BuildIndex: v.BuildIndex}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s/%d", k.Root, k.Channel, k.BuildIndex)
}
