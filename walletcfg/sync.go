package walletcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultGapLimit is the number of consecutive unused addresses probed
	// before an account branch is considered fully discovered.
	DefaultGapLimit = 20

	// DefaultTxBatchSize is the maximum number of transactions requested
	// from the explorer per round trip.
	DefaultTxBatchSize = 1000

	// DefaultSyncInterval is the interval between two background syncs of
	// the daemon.
	DefaultSyncInterval = time.Minute
)

// Sync holds the options of the synchronization engine.
//
//nolint:ll
type Sync struct {
	GapLimit uint32 `long:"gaplimit" description:"Number of consecutive unused addresses probed before stopping discovery."`

	TxBatchSize int `long:"txbatchsize" description:"Maximum number of transactions fetched per explorer request."`

	Interval time.Duration `long:"interval" description:"Interval between two background synchronizations."`

	MaxConcurrency int `long:"maxconcurrency" description:"Maximum number of addresses synchronized in parallel, 0 means the gap limit."`
}

// DefaultSync returns the default synchronization options.
func DefaultSync() *Sync {
	return &Sync{
		GapLimit:    DefaultGapLimit,
		TxBatchSize: DefaultTxBatchSize,
		Interval:    DefaultSyncInterval,
	}
}

// Validate checks the synchronization options.
func (s *Sync) Validate() error {
	switch {
	case s.GapLimit == 0:
		return fmt.Errorf("sync.gaplimit must be positive")

	case s.TxBatchSize <= 0:
		return fmt.Errorf("sync.txbatchsize must be positive")

	case s.Interval <= 0:
		return fmt.Errorf("sync.interval must be positive")

	case s.MaxConcurrency < 0:
		return fmt.Errorf("sync.maxconcurrency must not be negative")
	}

	return nil
}
