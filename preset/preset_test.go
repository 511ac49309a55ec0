package preset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePreset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "preset.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))
	return path
}

func TestNumbersFlatObject(t *testing.T) {
	path := writePreset(t, `{"address": 2, "target": 12.5, "label": "focus"}`)
	nums, err := Numbers(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{2, 12.5}, nums)
}

func TestNumbersNestedAndArrays(t *testing.T) {
	path := writePreset(t, `{"stages": [{"address": 1, "target": -3.25}, {"address": 2, "target": 0}], "note": null}`)
	nums, err := Numbers(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{1, -3.25, 2, 0}, nums)
}

func TestNumbersAbsentFileIsEmpty(t *testing.T) {
	nums, err := Numbers(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, err)
	assert.Empty(t, nums)
}

func TestNumbersMalformedIsError(t *testing.T) {
	path := writePreset(t, `{"address": 2,`)
	_, err := Numbers(path)
	assert.Error(t, err)
}

func TestLookupFindsNestedKeys(t *testing.T) {
	path := writePreset(t, `{"pm": {"zero": 4.5, "microscope_offset": -0.125}, "version": "2"}`)
	got, err := Lookup(path, "zero", "microscope_offset", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"zero": 4.5, "microscope_offset": -0.125}, got)
}

func TestLookupAbsentFile(t *testing.T) {
	got, err := Lookup(filepath.Join(t.TempDir(), "nope.json"), "zero")
	require.NoError(t, err)
	assert.Empty(t, got)
}
