package finalize

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hilab/pmctl/event"
)

func newTestFinalizer(cfg Config) *Finalizer {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(cfg, event.NewBus(), log)
}

func quickConfig() Config {
	return Config{
		Debounce: 60 * time.Millisecond,
		Sample:   20 * time.Millisecond,
		Timeout:  2 * time.Second,
	}
}

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))
	return path
}

func TestFinalizeRenamesStableFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "run_ccd_0042.tif", "imagedata")
	write(t, dir, "hr4000_spec_a.dat", "spectrum")

	ts := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
	f := newTestFinalizer(quickConfig())
	processed := map[string]struct{}{}
	renamed, unresolved := f.Finalize(context.Background(), dir, []string{"ccd", "spec"}, 7, "pmirror", ts, processed)

	require.Empty(t, unresolved)
	require.Len(t, renamed, 2)
	wantCCD := filepath.Join(dir, "pmirror_Shot00007_20260314_150926535_ccd_0.tif")
	wantSpec := filepath.Join(dir, "pmirror_Shot00007_20260314_150926535_spec_0.dat")
	assert.FileExists(t, wantCCD)
	assert.FileExists(t, wantSpec)
	assert.Contains(t, processed, wantCCD)
	assert.Contains(t, processed, wantSpec)
}

func TestFinalizeIdempotentAcrossShots(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "shot_ccd_1.tif", "a")

	cfg := quickConfig()
	cfg.Timeout = 300 * time.Millisecond
	f := newTestFinalizer(cfg)
	processed := map[string]struct{}{}
	ts := time.Now()

	first, un := f.Finalize(context.Background(), dir, []string{"ccd"}, 1, "exp", ts, processed)
	require.Empty(t, un)
	require.Len(t, first, 1)

	// same processed set, no new file: the renamed file (whose name still
	// contains the token) must not be re-claimed
	second, un2 := f.Finalize(context.Background(), dir, []string{"ccd"}, 2, "exp", ts, processed)
	assert.Empty(t, second)
	assert.Equal(t, []string{"ccd"}, un2)
	assert.FileExists(t, first[0].New)
}

func TestFinalizeLeavesGrowingFileAlone(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "busy_ccd.tif", "x")

	cfg := quickConfig()
	cfg.Timeout = 250 * time.Millisecond
	f := newTestFinalizer(cfg)

	stop := make(chan struct{})
	go func() {
		// keep the file growing past the job timeout
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(15 * time.Millisecond):
				fd, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
				if err == nil {
					fmt.Fprint(fd, "more")
					fd.Close()
				}
			}
		}
	}()
	defer close(stop)

	renamed, unresolved := f.Finalize(context.Background(), dir, []string{"ccd"}, 3, "exp", time.Now(), map[string]struct{}{})
	assert.Empty(t, renamed)
	assert.Equal(t, []string{"ccd"}, unresolved)
	assert.FileExists(t, path, "unstable file left untouched")
}

func TestFinalizeCollisionGetsDupSuffix(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	write(t, dir, "exp_Shot00009_20260102_030405000_ccd_0.tif", "already here")
	write(t, dir, "fresh_ccd.tif", "new shot")

	f := newTestFinalizer(quickConfig())
	processed := map[string]struct{}{
		filepath.Join(dir, "exp_Shot00009_20260102_030405000_ccd_0.tif"): {},
	}
	renamed, unresolved := f.Finalize(context.Background(), dir, []string{"ccd"}, 9, "exp", ts, processed)
	require.Empty(t, unresolved)
	require.Len(t, renamed, 1)
	assert.Equal(t, filepath.Join(dir, "exp_Shot00009_20260102_030405000_ccd_0_dup.tif"), renamed[0].New)
}

func TestFinalizePicksMostRecentCandidate(t *testing.T) {
	dir := t.TempDir()
	older := write(t, dir, "a_ccd_old.tif", "old")
	newer := write(t, dir, "b_ccd_new.tif", "new")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	f := newTestFinalizer(quickConfig())
	renamed, unresolved := f.Finalize(context.Background(), dir, []string{"ccd"}, 1, "exp", time.Now(), map[string]struct{}{})
	require.Empty(t, unresolved)
	require.Len(t, renamed, 1)
	assert.Equal(t, newer, renamed[0].Old)
	assert.FileExists(t, older, "older candidate left for a later shot")
}

func TestFinalizeMissingDirReportsAndReturns(t *testing.T) {
	cfg := quickConfig()
	cfg.Timeout = 150 * time.Millisecond
	f := newTestFinalizer(cfg)
	renamed, unresolved := f.Finalize(context.Background(), "/definitely/not/here", []string{"ccd"}, 1, "exp", time.Now(), map[string]struct{}{})
	assert.Empty(t, renamed)
	assert.Equal(t, []string{"ccd"}, unresolved)
}
