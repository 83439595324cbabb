package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaintodo/internal/logging"
)

func TestNew(t *testing.T) {
	testCases := map[string]struct {
		format    string
		level     string
		expectErr bool
	}{
		"invalid format": {
			format:    "foo",
			level:     logging.LogLevelInfo,
			expectErr: true,
		},
		"invalid level": {
			format:    logging.LogFormatJSON,
			level:     "foo",
			expectErr: true,
		},
		"valid format and level": {
			format:    logging.LogFormatJSON,
			level:     logging.LogLevelInfo,
			expectErr: false,
		},
		"plain": {
			format: logging.LogFormatPlain,
			level:  logging.LogLevelDebug,
		},
	}

	for name, tc := range testCases {
		tc := tc

		t.Run(name, func(t *testing.T) {
			_, err := logging.New(&bytes.Buffer{}, tc.format, tc.level)
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, logging.LogFormatJSON, logging.LogLevelDebug)
	require.NoError(t, err)

	logger.With("module", "tasksync").Info("reload published", "seq", 3)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "reload published", entry["message"])
	assert.Equal(t, "tasksync", entry["module"])
	assert.EqualValues(t, 3, entry["seq"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, logging.LogFormatJSON, logging.LogLevelError)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopLogger(t *testing.T) {
	logger := logging.NewNopLogger()
	logger.Info("nothing", "k", "v")
	logger.With("k", "v").Error("still nothing")
}
