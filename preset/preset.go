/*Package preset reads saved-position preset files.

Presets are JSON written by hand or by older tooling, with no stable
schema.  Rather than bind a struct and break on every variant, this
package walks the decoded document and extracts numeric leaves; the
consumers only ever want addresses and target positions.
*/
package preset

import (
	"encoding/json"
	"fmt"
	"os"
)

// Numbers extracts every numeric leaf from the JSON document at path, in
// document order for arrays and objects (object keys in Go map order, so
// callers needing named fields should use Lookup).  An absent file is not
// an error and yields no values; a malformed file is an error the caller
// should report and drop.
func Numbers(path string) ([]float64, error) {
	doc, err := load(path)
	if err != nil || doc == nil {
		return nil, err
	}
	var out []float64
	walk(doc, func(_ string, v float64) {
		out = append(out, v)
	})
	return out, nil
}

// Lookup extracts the numeric fields named by keys anywhere in the JSON
// document at path.  The first occurrence of each key wins.  Missing file
// or missing keys simply leave entries absent.
func Lookup(path string, keys ...string) (map[string]float64, error) {
	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	out := make(map[string]float64)
	if doc == nil {
		return out, nil
	}
	walk(doc, func(key string, v float64) {
		if _, ok := want[key]; !ok {
			return
		}
		if _, seen := out[key]; seen {
			return
		}
		out[key] = v
	})
	return out, nil
}

func load(path string) (interface{}, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("preset: %s is not valid JSON: %w", path, err)
	}
	return doc, nil
}

// walk visits every numeric leaf with the nearest enclosing object key
// (empty for array elements and the root).
func walk(node interface{}, visit func(key string, v float64)) {
	var rec func(key string, node interface{})
	rec = func(key string, node interface{}) {
		switch n := node.(type) {
		case float64:
			visit(key, n)
		case map[string]interface{}:
			for k, v := range n {
				rec(k, v)
			}
		case []interface{}:
			for _, v := range n {
				rec(key, v)
			}
		}
	}
	rec("", node)
}
