package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdRequiresExactlyOnePort(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no args", []string{}},
		{"two args", []string{"8080", "8081"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := execute(tt.args...)
			require.Error(t, err)
			assert.Contains(t, stderr, "Usage:")
			assert.Empty(t, stdout)
		})
	}
}

func TestRootCmdRejectsBadPort(t *testing.T) {
	stdout, stderr, err := execute("http")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
	assert.Contains(t, stderr, "Usage:")
	assert.Empty(t, stdout)
}

func TestRootCmdUnknownFlagPrintsUsageToStderr(t *testing.T) {
	stdout, stderr, err := execute("--no-such-flag", "8080")
	require.Error(t, err)
	assert.Contains(t, stderr, "Usage:")
	assert.Empty(t, stdout)
}

func TestRootCmdHelpAndVersionGoToStdout(t *testing.T) {
	stdout, stderr, err := execute("--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Usage:")
	assert.Empty(t, stderr)

	stdout, stderr, err = execute("--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "dev")
	assert.Empty(t, stderr)
}

func TestOverridesMaxConnections(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want *int
	}{
		{"unset keeps the configured value", nil, nil},
		{"zero selects unbounded", []string{"--max-connections", "0"}, intPtr(0)},
		{"positive bound", []string{"--max-connections=16"}, intPtr(16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))

			opts, err := overrides(cmd, 8080)
			require.NoError(t, err)
			assert.Equal(t, 8080, opts.Port)
			assert.Equal(t, tt.want, opts.MaxConnections)
		})
	}
}

// execute はルートコマンドを args で実行し、標準出力と標準エラーを分けて返す
func execute(args ...string) (string, string, error) {
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func intPtr(n int) *int { return &n }

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"80", 80, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePort(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
