package walletcfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidateDefaults makes sure the defaults validate once the mandatory
// options are set.
func TestValidateDefaults(t *testing.T) {
	t.Parallel()

	esplora := DefaultEsploraConfig()
	require.Error(t, esplora.Validate())

	esplora.URL = "http://localhost:3002"
	require.NoError(t, esplora.Validate())

	require.NoError(t, DefaultDB().Validate())
	require.NoError(t, DefaultSync().Validate())
	require.NoError(t, DefaultHealthCheck().Validate())
	require.NoError(t, (&HealthCheck{}).Validate())

	prom := DefaultPrometheus()
	require.False(t, prom.Enabled())
}

// TestValidateErrors covers the rejected option values.
func TestValidateErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		validator interface{ Validate() error }
	}{
		{
			name: "negative retries",
			validator: &Esplora{
				URL:               "http://localhost",
				RequestTimeout:    time.Second,
				MaxRetries:        -1,
				RequestsPerSecond: 1,
			},
		},
		{
			name: "no rate",
			validator: &Esplora{
				URL:            "http://localhost",
				RequestTimeout: time.Second,
			},
		},
		{
			name:      "unknown backend",
			validator: &DB{Backend: "postgres"},
		},
		{
			name:      "bolt without file",
			validator: &DB{Backend: BoltBackend},
		},
		{
			name:      "zero gap",
			validator: &Sync{TxBatchSize: 1, Interval: time.Second},
		},
		{
			name: "zero batch",
			validator: &Sync{
				GapLimit: 20, Interval: time.Second,
			},
		},
		{
			name: "health check without attempts",
			validator: &HealthCheck{
				Interval: time.Minute, Timeout: time.Second,
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, testCase.validator.Validate())
		})
	}
}
