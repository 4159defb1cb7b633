package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/m3rciful/gitpush/core/logger"
)

// Run expires idle sessions every SweepInterval until ctx ends.
func (m *Machine) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep cancels sessions idle for longer than IdleTimeout. Publishing
// sessions are left alone. It returns the number of expired sessions.
func (m *Machine) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.opts.IdleTimeout)
	expired := 0
	for _, id := range m.reg.IdleSince(cutoff) {
		if m.expire(ctx, id, cutoff) {
			expired++
		}
	}
	if expired > 0 {
		logger.Info(ctx, component, "sweep", slog.Int("expired", expired), slog.Int("active", m.reg.Len()))
	}
	return expired
}

func (m *Machine) expire(ctx context.Context, userID int64, cutoff time.Time) bool {
	ctx = logger.WithUser(ctx, userID)
	tx := m.reg.Acquire(userID)
	defer tx.Release()
	s, ok := tx.Get()
	if !ok || s.State == Publishing || !tx.Touched().Before(cutoff) {
		return false
	}
	m.cancel(ctx, tx, s, msgExpired(m.opts.IdleTimeout))
	return true
}
