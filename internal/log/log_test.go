package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFromFlagsReadsLevelFromCommand(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "warn", "")
	cmd.Flags().Bool("log-json", true, "")

	InitFromFlags(cmd, "controllerd")

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestInitWithoutComponentOmitsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})
	Logger.Info().Msg("hi")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	_, present := rec["component"]
	assert.False(t, present)
}
