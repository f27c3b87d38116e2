package build

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, subsystems ...string) (*SubLoggerManager,
	*bytes.Buffer) {

	t.Helper()

	var buf bytes.Buffer
	manager := NewSubLoggerManager(
		btclog.NewDefaultHandler(&buf, btclog.WithNoTimestamp()),
	)
	for _, subsystem := range subsystems {
		manager.RegisterSubLogger(
			subsystem, manager.GenSubLogger(subsystem, func() {}),
		)
	}

	return manager, &buf
}

// TestParseAndSetDebugLevels asserts global and per subsystem levels are
// applied and malformed levels are rejected.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		level    string
		expected map[string]btclogv1.Level
		err      string
	}{
		{
			name:  "global",
			level: "debug",
			expected: map[string]btclogv1.Level{
				"SYNC": btclogv1.LevelDebug,
				"INGS": btclogv1.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "warn,INGS=trace",
			expected: map[string]btclogv1.Level{
				"SYNC": btclogv1.LevelWarn,
				"INGS": btclogv1.LevelTrace,
			},
		},
		{
			name:  "subsystems only",
			level: "SYNC=error,INGS=critical",
			expected: map[string]btclogv1.Level{
				"SYNC": btclogv1.LevelError,
				"INGS": btclogv1.LevelCritical,
			},
		},
		{
			name:  "invalid global",
			level: "chatty",
			err:   "debug level [chatty] is invalid",
		},
		{
			name:  "unknown subsystem",
			level: "info,NOPE=debug",
			err:   "subsystem [NOPE] is invalid",
		},
		{
			name:  "invalid pair",
			level: "info,SYNC",
			err:   "invalid format [SYNC]",
		},
		{
			name:  "invalid subsystem level",
			level: "SYNC=loud",
			err:   "debug level [loud] is invalid",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			manager, _ := newTestManager(t, "SYNC", "INGS")

			err := ParseAndSetDebugLevels(test.level, manager)
			if test.err != "" {
				require.ErrorContains(t, err, test.err)
				return
			}
			require.NoError(t, err)

			loggers := manager.SubLoggers()
			for subsystem, level := range test.expected {
				require.Equal(
					t, level, loggers[subsystem].Level(),
					subsystem,
				)
			}
		})
	}
}

// TestSubLoggerManager asserts sub loggers write tagged lines to the shared
// handlers and that critical lines request a shutdown.
func TestSubLoggerManager(t *testing.T) {
	t.Parallel()

	manager, buf := newTestManager(t, "SYNC", "REGY")
	require.Equal(t, []string{"REGY", "SYNC"}, manager.SupportedSubsystems())

	var shutdowns int
	logger := manager.GenSubLogger("INGS", func() {
		shutdowns++
	})
	manager.RegisterSubLogger("INGS", logger)

	logger.Infof("applied %d blocks", 3)
	logger.Debugf("hidden at the default level")
	require.Contains(t, buf.String(), "INGS: applied 3 blocks")
	require.NotContains(t, buf.String(), "hidden")

	manager.SetLogLevels("debug")
	logger.Debugf("visible now")
	require.Contains(t, buf.String(), "visible now")

	logger.Criticalf("store corrupted")
	require.Equal(t, 1, shutdowns)
	require.Contains(t, buf.String(), "Sending request for shutdown")

	// Unknown subsystems are ignored.
	manager.SetLogLevel("NOPE", "trace")
	require.Len(t, manager.SubLoggers(), 3)
}

// TestRotatingLogWriter asserts log lines reach the rotated file.
func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	logFile := filepath.Join(t.TempDir(), "logs", "chainsyncd.log")
	writer := NewRotatingLogWriter()
	require.NoError(t, writer.InitLogRotator(cfg.File, logFile))

	_, err := writer.Write([]byte("first line\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(content), "first line"))
}

// TestLogConfigValidate asserts unknown compressors are rejected.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	cfg.File.Compressor = "lzma"
	require.ErrorContains(t, cfg.Validate(), "invalid log compressor")

	cfg = DefaultLogConfig()
	cfg.File.Compressor = Zstd
	require.NoError(t, cfg.Validate())

	handlers := NewDefaultLogHandlers(cfg, NewRotatingLogWriter())
	require.Len(t, handlers, 2)

	cfg.Console.Disable = true
	handlers = NewDefaultLogHandlers(cfg, NewRotatingLogWriter())
	require.Len(t, handlers, 1)
}
