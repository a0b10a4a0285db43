package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		checkOutput func(t *testing.T, output string)
	}{
		{
			name: "basic version output",
			args: []string{"version"},
			checkOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "runtimed version")
				assert.NotContains(t, output, "System:")
			},
		},
		{
			name: "system flag shows detected interpreters",
			args: []string{"version", "--system"},
			checkOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "runtimed version")
				assert.Contains(t, output, "System:")
				assert.Contains(t, output, "OS/Arch:")
				assert.Contains(t, output, "python3:")
				assert.Contains(t, output, "uv:")
				assert.Contains(t, output, "conda:")
			},
		},
		{
			name: "short flag works",
			args: []string{"version", "-s"},
			checkOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "System:")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := rootCmd
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			tt.checkOutput(t, buf.String())
		})
	}
}

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"uv 0.5.1", "0.5.1"},
		{"conda 24.1.0", "24.1.0"},
		{"Python 3.12.3", "3.12.3"},
		{"command not found", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractVersion(tt.input))
	}
}
