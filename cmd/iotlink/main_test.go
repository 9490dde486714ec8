package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	assert.Equal(t, map[string]any{"t": float64(21)}, parsePayload(`{"t":21}`))
	assert.Equal(t, float64(3), parsePayload("3"))
	assert.Equal(t, "door open", parsePayload("door open"))
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("a\n\n  b  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iotlink.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
connection_string = "Endpoint=memory://local;DeviceId=file"
retries = 2
`), 0o600))
	t.Setenv("IOTLINK_RETRIES", "4")

	cfg, err := loadConfig(&globalFlags{configPath: path, deviceID: "flag"})
	require.NoError(t, err)
	assert.Equal(t, "Endpoint=memory://local;DeviceId=file", cfg.ConnectionString)
	assert.Equal(t, 4, cfg.Retries)
	assert.Equal(t, "flag", cfg.DeviceID)
}

func TestSendCommand(t *testing.T) {
	flags := &globalFlags{connString: "Endpoint=memory://local;DeviceId=cli", logLevel: "error"}
	cmd := sendCommand(flags)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--batch", "2", `{"t":1}`, `{"t":2}`, "3"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "sent 3 messages in 2 batches (0 retries)\n", out.String())
}
