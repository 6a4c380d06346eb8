package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogCommand_Text(t *testing.T) {
	path := seedDatabase(t)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"log", "notes", "--db", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "r1")
	assert.Contains(t, out.String(), "alice")
}

func TestLogCommand_SinceFiltersEverything(t *testing.T) {
	path := seedDatabase(t)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"log", "notes", "--db", path, "--since", "1"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "No operations")
}
