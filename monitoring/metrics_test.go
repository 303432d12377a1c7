package monitoring

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestResultLabel checks the error to label mapping.
func TestResultLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, ResultOK, ResultLabel(nil))
	require.Equal(t, ResultFailed, ResultLabel(errors.New("boom")))
}

// TestExporter checks that the exporter serves the registered metrics.
func TestExporter(t *testing.T) {
	require.NoError(t, ExportPrometheusMetrics(walletcfg.Prometheus{}))

	ReorgsDetected.Inc()
	require.GreaterOrEqual(t, testutil.ToFloat64(ReorgsDetected), 1.0)

	cfg := walletcfg.Prometheus{Enable: true, Listen: "127.0.0.1:18989"}
	require.NoError(t, ExportPrometheusMetrics(cfg))

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18989/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}

		return resp.StatusCode == http.StatusOK &&
			len(body) > 0 &&
			strings.Contains(
				string(body),
				"xpubwallet_sync_reorgs_detected_total",
			)
	}, 5*time.Second, 50*time.Millisecond)
}
