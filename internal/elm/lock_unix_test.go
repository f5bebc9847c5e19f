//go:build unix

package elm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "rfcomm0.lock")
	a := NewFileLock(path)
	b := NewFileLock(path)

	require.NoError(t, a.Acquire())
	require.NoError(t, a.Acquire())
	assert.Error(t, b.Acquire())

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())
	require.NoError(t, b.Acquire())
	require.NoError(t, b.Release())
}
