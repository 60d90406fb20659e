package session

import (
	"context"
	"time"

	"github.com/loomhq/loom/logging"
)

// Archiver is the sweep contract both stores satisfy.
type Archiver interface {
	ArchiveInactive(ctx context.Context, cutoff time.Time) (int, error)
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	// TTL is the inactivity window after which a session is archived.
	TTL time.Duration
	// Interval is how often the sweep runs.
	Interval time.Duration
	// Logger defaults to no-op.
	Logger logging.Logger
}

// Sweeper periodically archives sessions that have gone quiet. Archived
// records are retained; nothing is ever deleted.
type Sweeper struct {
	store    Archiver
	ttl      time.Duration
	interval time.Duration
	logger   logging.Logger
}

// NewSweeper constructs a Sweeper over store.
func NewSweeper(store Archiver, optFns ...func(o *SweeperOptions)) *Sweeper {
	opts := SweeperOptions{
		TTL:      24 * time.Hour,
		Interval: time.Hour,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Sweeper{
		store:    store,
		ttl:      opts.TTL,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce archives everything inactive past the TTL.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	n, err := s.store.ArchiveInactive(ctx, time.Now().Add(-s.ttl))
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("archived inactive sessions", "count", n)
	}
}
