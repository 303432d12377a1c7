package monitoring

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics launches the Prometheus exporter on the address of
// cfg. It is a no-op when the exporter is disabled or already running.
func ExportPrometheusMetrics(cfg walletcfg.Prometheus) error {
	if !cfg.Enabled() {
		return nil
	}

	var err error
	started.Do(func() {
		var listener net.Listener
		listener, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			listener.Addr())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.Serve(listener, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return err
}
