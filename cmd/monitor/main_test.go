package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassed(t *testing.T) {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	fs.Uint64("g", 0, "")
	fs.String("s", "", "")

	require.NoError(t, fs.Parse([]string{"-g", "0"}))
	assert.True(t, passed(fs, "g"))
	assert.False(t, passed(fs, "s"))

	fs = flag.NewFlagSet("monitor", flag.ContinueOnError)
	fs.Uint64("g", 0, "")
	require.NoError(t, fs.Parse(nil))
	assert.False(t, passed(fs, "g"))
}
