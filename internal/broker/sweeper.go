package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper runs the request and session expiry passes on a fixed tick. The
// tick is the only expiry mechanism besides the lazy checks on respond and
// verify, so records expire within one interval of their deadline even when
// nobody is connected.
type Sweeper struct {
	requests *Requests
	sessions *Sessions
	interval time.Duration
}

// NewSweeper creates a sweeper. Interval must already be validated by the
// config layer to be positive and at most thirty seconds.
func NewSweeper(requests *Requests, sessions *Sessions, interval time.Duration) *Sweeper {
	return &Sweeper{
		requests: requests,
		sessions: sessions,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. An
// immediate first pass clears anything that went stale while the process
// was down.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Expiry sweeper started")

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if err := s.requests.ExpireDue(ctx); err != nil {
		log.Error().Err(err).Msg("Request expiry sweep failed")
	}
	if err := s.sessions.ExpireDue(ctx); err != nil {
		log.Error().Err(err).Msg("Session expiry sweep failed")
	}
}
