package naming

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
}

func TestNextDerivative(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		input    string
		ext      string
		want     string
	}{
		{"first version", []string{"Take.m4a"}, "Take.m4a", ".wav", "Take(1).wav"},
		{"skips taken versions", []string{"Take.m4a", "Take(1).wav", "Take(2).wav"}, "Take.m4a", ".wav", "Take(3).wav"},
		{"continues from counter", []string{"Take(4).wav"}, "Take(4).wav", ".wav", "Take(5).wav"},
		{"keeps fallback extension", []string{"record_1.m4a"}, "record_1.m4a", ".m4a", "record_1(1).m4a"},
		{"non-numeric parens", []string{"Take(a).m4a"}, "Take(a).m4a", ".wav", "Take(a)(1).wav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			touch(t, dir, tt.existing...)

			got, err := NextDerivative(dir, tt.input, tt.ext)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tt.want), got)
			assert.NoFileExists(t, got)
		})
	}
}

func TestNextDerivativeCrossExtension(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "Take.m4a", "Take(1).m4a")

	got, err := NextDerivative(dir, "Take.m4a", ".wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Take(2).wav"), got)
}

func TestNextDerivativeMonotonic(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "Take", "Take(1)", "Take(2)")

	got, err := NextDerivative(dir, "Take", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Take(3)"), got)
}

func TestResolveRename(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "Interview.m4a", "Interview(1).m4a", "Other.wav")

	got, err := ResolveRename(dir, "  Street  ", ".m4a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Street.m4a"), got)

	got, err = ResolveRename(dir, "Interview", ".m4a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Interview(2).m4a"), got)
	assert.NotEqual(t, filepath.Join(dir, "Interview.m4a"), got)
	assert.NoFileExists(t, got)

	got, err = ResolveRename(dir, "Street.m4a", ".m4a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Street.m4a"), got)

	got, err = ResolveRename(dir, "Other", ".m4a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Other(1).m4a"), got)
}

func TestInvalidNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", "   ", "a/b", `a\b`, "..", ".m4a"} {
		_, err := ResolveRename(dir, name, ".m4a")
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestSplitCounter(t *testing.T) {
	base, n, ok := SplitCounter("Take(12)")
	assert.True(t, ok)
	assert.Equal(t, "Take", base)
	assert.Equal(t, 12, n)

	base, n, ok = SplitCounter("Take")
	assert.False(t, ok)
	assert.Equal(t, "Take", base)
	assert.Zero(t, n)
}

func TestNextDerivativeTrimsBase(t *testing.T) {
	dir := t.TempDir()
	got, err := NextDerivative(dir, "Take (2).m4a", ".wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Take(3).wav"), got)
}

func TestResolveRenameRejectsReservedPrefixes(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"cleaned_take", "decoded_1.wav", "Cleaned_Take"} {
		_, err := ResolveRename(dir, name, ".wav")
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	got, err := ResolveRename(dir, "take_cleaned", ".wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "take_cleaned.wav"), got)
}
