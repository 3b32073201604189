package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/discovery"
)

// DefaultSeekInterval is how often an idle agent looks for trading peers.
const DefaultSeekInterval = 5 * time.Second

// Matchmaker periodically resolves peers through the directory and opens
// buyer-side negotiations with each of them.
type Matchmaker struct {
	engine    *Engine
	directory discovery.Client
	interval  time.Duration
	logger    zerolog.Logger
}

// NewMatchmaker creates a matchmaker for one engine.
func NewMatchmaker(engine *Engine, directory discovery.Client, interval time.Duration, logger zerolog.Logger) *Matchmaker {
	if interval <= 0 {
		interval = DefaultSeekInterval
	}
	return &Matchmaker{
		engine:    engine,
		directory: directory,
		interval:  interval,
		logger:    logger.With().Str("service", "matchmaker").Logger(),
	}
}

// Run seeks peers until the context is cancelled or the competition ends.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.engine.Stopped() {
				return
			}
			if err := m.SeekOnce(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("peer seek failed")
			}
		}
	}
}

// SeekOnce performs one directory search and opens a negotiation with
// every discovered peer. Before game data arrives it does nothing.
func (m *Matchmaker) SeekOnce(ctx context.Context) error {
	if !m.engine.Started() {
		return nil
	}
	peers, err := m.directory.Search(ctx, m.engine.Identity())
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if err := m.engine.StartNegotiation(ctx, peer.Identity); err != nil {
			m.logger.Warn().Err(err).Str("peer", peer.Identity).Msg("negotiation not started")
		}
	}
	return nil
}
