package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeScalar(t *testing.T) {
	require.InDelta(t, 0.15, NormalizeScalar(0.15442), 1e-6)
	require.InDelta(t, 0.5, NormalizeScalar(0.5), 1e-6)
	require.InDelta(t, 1, NormalizeScalar(1), 1e-6)
	require.InDelta(t, 0, NormalizeScalar(0.004), 1e-6)
}

func TestSignificantlyDifferent(t *testing.T) {
	tests := []struct {
		name string
		old  float32
		new  float32
		want bool
	}{
		{name: "jitter", old: 0.5, new: 0.51, want: false},
		{name: "moved", old: 0.5, new: 0.6, want: true},
		{name: "snaps to top", old: 0.99, new: 1, want: true},
		{name: "snaps to bottom", old: 0.01, new: 0, want: true},
		{name: "unchanged at top", old: 1, new: 1, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SignificantlyDifferent(tt.old, tt.new, 0.025))
		})
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.False(t, FileExists(path))

	require.NoError(t, os.WriteFile(path, []byte("backend: memory\n"), 0o644))
	require.True(t, FileExists(path))

	// directories don't count
	require.False(t, FileExists(dir))
}

func TestEnsureDirExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested")

	require.NoError(t, EnsureDirExists(path))
	require.NoError(t, EnsureDirExists(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
