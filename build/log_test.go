package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels checks the global and per subsystem forms of
// the debug level string.
func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		err    bool
		expect map[string]btclog.Level
	}{
		{
			name:  "global",
			level: "debug",
			expect: map[string]btclog.Level{
				"XPUB": btclog.LevelDebug,
				"EXPL": btclog.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "warn,EXPL=trace",
			expect: map[string]btclog.Level{
				"XPUB": btclog.LevelWarn,
				"EXPL": btclog.LevelTrace,
			},
		},
		{
			name:  "subsystem only",
			level: "XPUB=error",
			expect: map[string]btclog.Level{
				"XPUB": btclog.LevelError,
				"EXPL": btclog.LevelInfo,
			},
		},
		{
			name:  "unknown level",
			level: "loud",
			err:   true,
		},
		{
			name:  "unknown subsystem",
			level: "info,NOPE=debug",
			err:   true,
		},
		{
			name:  "bad pair",
			level: "info,XPUB",
			err:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := NewRotatingLogWriter()
			for _, subsystem := range []string{"XPUB", "EXPL"} {
				w.RegisterSubLogger(
					subsystem, w.GenSubLogger(subsystem),
				)
			}

			err := ParseAndSetDebugLevels(test.level, w)
			if test.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			for subsystem, level := range test.expect {
				require.Equal(
					t, level, w.SubLoggers()[subsystem].Level(),
					subsystem,
				)
			}
		})
	}

	require.Equal(
		t, []string{"EXPL", "XPUB"},
		SubLoggers{
			"XPUB": btclog.Disabled, "EXPL": btclog.Disabled,
		}.SupportedSubsystems(),
	)
}
