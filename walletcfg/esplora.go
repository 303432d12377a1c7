package walletcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times to retry
	// a failed request before giving up.
	DefaultEsploraMaxRetries = 3

	// DefaultEsploraRequestsPerSecond caps the request rate so a full
	// discovery sweep does not trip public API rate limits.
	DefaultEsploraRequestsPerSecond = 10
)

// Esplora holds the configuration options for the connection to an Esplora
// HTTP API server (e.g. mempool.space, blockstream.info or a local electrs).
//
//nolint:ll
type Esplora struct {
	// URL is the base URL of the Esplora API to connect to.
	// Examples:
	//   - http://localhost:3002 (local electrs/mempool)
	//   - https://blockstream.info/api (Blockstream mainnet)
	//   - https://mempool.space/testnet/api (mempool.space testnet)
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`

	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	RequestsPerSecond int `long:"rps" description:"Maximum number of requests per second sent to the Esplora API."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		RequestTimeout:    DefaultEsploraRequestTimeout,
		MaxRetries:        DefaultEsploraMaxRetries,
		RequestsPerSecond: DefaultEsploraRequestsPerSecond,
	}
}

// Validate checks the Esplora options.
func (e *Esplora) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("esplora.url must be set")
	}
	if e.RequestTimeout <= 0 {
		return fmt.Errorf("esplora.requesttimeout must be positive")
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("esplora.maxretries must not be negative")
	}
	if e.RequestsPerSecond <= 0 {
		return fmt.Errorf("esplora.rps must be positive")
	}

	return nil
}
