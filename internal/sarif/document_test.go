package sarif

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWithResults(driver string, n int) Run {
	results := make([]Result, n)
	for i := range results {
		results[i] = resultAt("rule", "src/file.js", i+1, "finding")
	}
	return Run{Tool: Tool{Driver: Driver{Name: driver}}, Results: results}
}

func TestParse(t *testing.T) {
	t.Run("empty runs array is valid", func(t *testing.T) {
		log, err := Parse([]byte(`{"version": "2.1.0", "runs": []}`))
		require.NoError(t, err)
		assert.Empty(t, log.Runs)
	})

	t.Run("missing runs array is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": "2.1.0"}`))
		assert.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	a := &Log{Version: Version, Runs: []Run{runWithResults("osv-scanner", 2)}}
	b := &Log{Version: Version, Runs: []Run{runWithResults("semgrep", 0)}}
	c := &Log{Version: Version, Runs: []Run{runWithResults("CodeQL", 5)}}

	merged := Merge(a, nil, b, c)

	require.Len(t, merged.Runs, 3)
	total := 0
	names := make([]string, 0, len(merged.Runs))
	for _, run := range merged.Runs {
		total += len(run.Results)
		names = append(names, run.Tool.Driver.Name)
	}
	assert.Equal(t, 7, total)
	assert.Equal(t, []string{"osv-scanner", "semgrep", "CodeQL"}, names)
	assert.Equal(t, SchemaURI, merged.Schema)
	assert.Equal(t, Version, merged.Version)

	// A merged document must survive a decode round trip through Parse.
	raw, err := json.Marshal(merged)
	require.NoError(t, err)
	reparsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Len(t, reparsed.Runs, 3)
}

func TestMerge_NoInputs(t *testing.T) {
	merged := Merge()
	assert.NotNil(t, merged.Runs)
	assert.Empty(t, merged.Runs)
}
