package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/pagesync/lib/consts"
)

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.run(t, "version")

	assert.Equal(t, "pagesync v"+consts.FullVersion()+"\n", ts.Stdout.String())
}

func TestVersionJSONCmd(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.run(t, "version", "--json")

	out := ts.Stdout.String()
	require.True(t, gjson.Valid(out), out)
	assert.Equal(t, "v"+consts.Version, gjson.Get(out, "version").String())
	assert.NotEmpty(t, gjson.Get(out, "go_version").String())
	assert.NotEmpty(t, gjson.Get(out, "go_os").String())
}

func TestRootVersionFlag(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.run(t, "--version")

	assert.Equal(t, "pagesync v"+consts.Version+"\n", ts.Stdout.String())
}
