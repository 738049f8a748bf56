// Package maintenance runs the background jobs of a relay node: expiring
// relay blobs, purging consumed key rows and asking users to top up their
// one-time prekey pools.
package maintenance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// usedKeyRetention is how long consumed one-time prekey rows are kept
// before the daily sweep drops them.
const usedKeyRetention = 7 * 24 * time.Hour

type BlobReaper interface {
	Reap(ctx context.Context, now time.Time) (int64, error)
}

type KeyPurger interface {
	PurgeUsed(ctx context.Context, cutoff time.Time) (int64, error)
}

type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Reaper deletes expired blobs on a short tick and runs a fuller sweep on a
// long one. Every step is a delete, so it can overlap with delivery.
type Reaper struct {
	blobs    BlobReaper
	keys     KeyPurger
	sessions SessionPurger

	interval      time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *logrus.Entry
}

// NewReaper builds a reaper. keys and sessions may be nil.
func NewReaper(blobs BlobReaper, keys KeyPurger, sessions SessionPurger, interval, sweepInterval time.Duration) *Reaper {
	return &Reaper{
		blobs:         blobs,
		keys:          keys,
		sessions:      sessions,
		interval:      interval,
		sweepInterval: sweepInterval,
		now:           time.Now,
		log:           logrus.WithField("component", "reaper"),
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	sweep := time.NewTicker(r.sweepInterval)
	defer sweep.Stop()

	r.log.Infof("Reaper started (tick %s, sweep %s)", r.interval, r.sweepInterval)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")
			return
		case <-tick.C:
			r.Tick(ctx, r.now())
		case <-sweep.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Tick removes blobs whose deadline passed.
func (r *Reaper) Tick(ctx context.Context, now time.Time) int64 {
	n, err := r.blobs.Reap(ctx, now)
	if err != nil {
		r.log.Errorf("Failed to reap blobs: %v", err)
		return 0
	}
	return n
}

// Sweep is the daily pass: expired blobs, old consumed prekeys and expired
// sessions.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) {
	blobs := r.Tick(ctx, now)

	var keys, sessions int64
	var err error
	if r.keys != nil {
		if keys, err = r.keys.PurgeUsed(ctx, now.Add(-usedKeyRetention)); err != nil {
			r.log.Errorf("Failed to purge used prekeys: %v", err)
		}
	}
	if r.sessions != nil {
		if sessions, err = r.sessions.PurgeExpiredSessions(ctx, now); err != nil {
			r.log.Errorf("Failed to purge sessions: %v", err)
		}
	}

	r.log.WithFields(logrus.Fields{
		"blobs":    blobs,
		"prekeys":  keys,
		"sessions": sessions,
	}).Info("Sweep complete")
}
