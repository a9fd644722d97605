package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWritesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.log")
	Initialize("debug", path)

	log := GetForComponent("test")
	log.Info().Msg("file sink check")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file sink check")
	assert.Contains(t, string(data), `"component":"test"`)
}
