package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestRead(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expMode  RunMode
		expSteps int
	}{
		{
			name:     "forever",
			contents: `{"run":"forever","list":["scripts/hello.js"]}`,
			expMode:  Forever,
			expSteps: 1,
		},
		{
			name:     "once",
			contents: `{"run":"once","list":["a.js","b.js"]}`,
			expMode:  Once,
			expSteps: 2,
		},
		{
			name:     "missing run mode defaults to once",
			contents: `{"list":[]}`,
			expMode:  Once,
		},
		{
			name:     "unknown run mode is once",
			contents: `{"run":"sometimes","list":["a.js"]}`,
			expMode:  Once,
			expSteps: 1,
		},
		{
			name:     "commas inside comments and strings",
			contents: "{\"list\": [ // a, b\n /* [, */ \"[,]\", ],}",
			expMode:  Once,
			expSteps: 1,
		},
		{
			name: "comments and trailing commas",
			contents: `{
	// run it forever
	"run": "forever",
	"list": [
		"a.js", /* first */
		{"script": "b.js"},
	],
}`,
			expMode:  Forever,
			expSteps: 2,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeManifest(t, c.contents)
			list, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, path, list.SourcePath)
			assert.Equal(t, c.expMode, list.RunMode)
			assert.Len(t, list.Steps, c.expSteps)
			assert.Equal(t, c.expMode == Forever, list.Perpetual())
			assert.NotEmpty(t, list.Raw)
		})
	}
}

func TestReadMalformed(t *testing.T) {
	path := writeManifest(t, "{\n  \"run\": \"once\",\n  \"list\": [oops]\n}")

	list, err := Read(path)
	require.Nil(t, list)
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, path, loadErr.Path)
	assert.Equal(t, 3, loadErr.Line)
	assert.Greater(t, loadErr.Ch, 0)
	assert.Contains(t, loadErr.Message, "invalid character")
	assert.NotEmpty(t, loadErr.Stack)
	assert.Contains(t, err.Error(), path)
}

func TestReadLeadingComma(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expLine  int
	}{
		{name: "empty list", contents: "{\n  \"run\": \"once\",\n  \"list\": [,]\n}", expLine: 3},
		{name: "empty object", contents: "{\"list\": [{ , }]}", expLine: 1},
		{name: "before first element", contents: "{\"list\": [\n\n  , \"a.js\"]}", expLine: 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse("list.json", []byte(c.contents))
			var loadErr *LoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, c.expLine, loadErr.Line)
			assert.Contains(t, loadErr.Message, "invalid character ','")
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.json")
	_, err := Read(path)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, path, loadErr.Path)
	assert.Equal(t, 0, loadErr.Line)
	assert.Equal(t, 0, loadErr.Ch)
}

func TestEmpty(t *testing.T) {
	list := Empty("x.json")
	assert.False(t, list.Perpetual())
	assert.Empty(t, list.Steps)
	assert.Equal(t, "null", string(list.Raw))

	var nilList *TaskList
	assert.False(t, nilList.Perpetual())
}
