// Package bidi guards against replication loops: a Filter drops any
// message whose origin matches this node's own origin ID, so a node that
// also runs as a source for another pgclone instance never re-applies
// its own changes back to itself.
//
// Ported from the teacher's internal/migration/bidi.Filter/Manager,
// retargeted onto internal/cdc/message. Manager remains the thin
// placeholder the teacher shipped it as — spec §4.8 only requires the
// single-direction Receiver→Applier pipeline; true bidirectional setup
// (two independent pipelines, one per direction) is out of scope and
// Manager.Start simply blocks on ctx, same as the teacher's version.
package bidi

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

// Filter drops messages that originated from a specific replication origin.
type Filter struct {
	originID string
	logger   zerolog.Logger
}

// NewFilter creates a Filter that drops messages matching the given origin ID.
func NewFilter(originID string, logger zerolog.Logger) *Filter {
	return &Filter{
		originID: originID,
		logger:   logger.With().Str("component", "bidi-filter").Logger(),
	}
}

// Run reads messages from in, drops any whose OriginID matches the
// filter's origin, and forwards the rest to the returned channel.
func (f *Filter) Run(ctx context.Context, in <-chan message.Message) <-chan message.Message {
	out := make(chan message.Message, cap(in))

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if msg.OriginID() == f.originID && f.originID != "" {
					f.logger.Debug().
						Str("origin", msg.OriginID()).
						Stringer("lsn", msg.LSN()).
						Msg("dropped looped message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Manager holds the two origin names of a bidirectional setup. It does not
// wire any pipelines: Start logs the origins and blocks until ctx is done.
type Manager struct {
	OriginA string
	OriginB string
	logger  zerolog.Logger
}

// NewManager creates a bidirectional replication Manager.
func NewManager(originA, originB string, logger zerolog.Logger) *Manager {
	return &Manager{
		OriginA: originA,
		OriginB: originB,
		logger:  logger.With().Str("component", "bidi-manager").Logger(),
	}
}

// Start sets up the bidirectional pipeline. A full two-direction wiring
// is out of scope; this logs the configuration and blocks until ctx is
// cancelled, matching the single-direction pipeline every other command
// in this repo drives directly.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info().
		Str("origin_a", m.OriginA).
		Str("origin_b", m.OriginB).
		Msg("bidirectional replication manager started")
	<-ctx.Done()
	return ctx.Err()
}
