package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProfileKinds(t *testing.T) {
	assert.NoError(t, validateProfileKinds(nil))
	assert.NoError(t, validateProfileKinds([]string{"cpu", "trace"}))
	assert.Error(t, validateProfileKinds([]string{"cpu", "gpu"}))
	assert.Equal(t, []string{"cpu", "mem", "mutex", "block", "trace", "threadcreate"}, ProfileKinds)
}

func TestProfilerWritesFiles(t *testing.T) {
	dir := t.TempDir()

	prof := StartProfiler(dir, []string{"mem", "mutex"})
	require.NotNil(t, prof)
	assert.Nil(t, StartProfiler(dir, nil), "one profiler at a time")
	prof.Stop()
	prof.Stop()

	matches, err := filepath.Glob(filepath.Join(dir, "*.pprof"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	dumpGoroutines(dir)
	matches, err = filepath.Glob(filepath.Join(dir, "goroutines-*.dump"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	st, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))
}
