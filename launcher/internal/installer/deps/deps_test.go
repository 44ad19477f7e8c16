package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeVersionEnv = "LAUNCHER_FAKE_TOOL_VERSION"

// TestMain lets the test binary stand in for a tool printing its version.
func TestMain(m *testing.M) {
	if v, ok := os.LookupEnv(fakeVersionEnv); ok {
		fmt.Printf("skypatch version %s (linux/amd64)\n", v)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestEnsure_ExplicitPath(t *testing.T) {
	b := NewRuntime("skyruntime", os.Args[0])

	path, err := b.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, os.Args[0], path)
}

func TestEnsure_ExplicitPathMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := NewRuntime("skyruntime", filepath.Join(dir, "skyruntime")).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewRuntime("skyruntime", dir).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrNotFound, "a directory is not an executable")
}

func TestEnsure_PathLookup(t *testing.T) {
	b := &Binary{Name: "skyruntime", lookPath: func(name string) (string, error) {
		assert.Equal(t, "skyruntime", name)
		return "/opt/sky/bin/skyruntime", nil
	}}

	path, err := b.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/opt/sky/bin/skyruntime", path)

	b.lookPath = func(string) (string, error) { return "", errors.New("not on PATH") }
	_, err = b.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "skyruntime")
}

func TestEnsure_MinVersion(t *testing.T) {
	tests := []struct {
		name     string
		reported string
		minimum  string
		wantErr  bool
		wantOld  bool
	}{
		{name: "newer", reported: "2.1.0", minimum: "2.0.0"},
		{name: "equal", reported: "2.0.0", minimum: "2.0"},
		{name: "v prefix", reported: "v3.0.1", minimum: "2.0.0"},
		{name: "older", reported: "1.9.9", minimum: "2.0.0", wantErr: true, wantOld: true},
		{name: "prerelease below final", reported: "2.0.0-rc.1", minimum: "2.0.0", wantErr: true, wantOld: true},
		{name: "garbage output", reported: "unknown", minimum: "2.0.0", wantErr: true},
		{name: "invalid minimum", reported: "2.0.0", minimum: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(fakeVersionEnv, tt.reported)

			path, err := NewPatchTool(os.Args[0], tt.minimum).Ensure(context.Background())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, os.Args[0], path)
				return
			}

			require.Error(t, err)
			var verErr *VersionError
			assert.Equal(t, tt.wantOld, errors.As(err, &verErr))
		})
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("skypatch version 1.4.2 (linux/amd64)\n")
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", v.String())

	_, err = parseVersion("")
	assert.Error(t, err)
}
