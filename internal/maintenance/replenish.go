package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keys"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// noticeCooldown stops a burst of bundle fetches from sending one notice
// per fetch.
const noticeCooldown = time.Minute

type PoolCounter interface {
	AvailableOneTimeCount(ctx context.Context, userID uuid.UUID) (int, error)
	UsersBelow(ctx context.Context, threshold int) ([]keys.PoolStatus, error)
}

// Notifier delivers a typed server message to a connected user. It returns
// false when the user could not be reached.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, msgType string, content interface{}) bool
}

// Replenisher asks users to upload more one-time prekeys when their pool
// runs low.
type Replenisher struct {
	pool        PoolCounter
	notifier    Notifier
	lowWater    int
	recommended int
	interval    time.Duration

	mu       sync.Mutex
	notified map[uuid.UUID]time.Time
	now      func() time.Time
	log      *logrus.Entry
}

func NewReplenisher(pool PoolCounter, notifier Notifier, lowWater, recommended int, interval time.Duration) *Replenisher {
	return &Replenisher{
		pool:        pool,
		notifier:    notifier,
		lowWater:    lowWater,
		recommended: recommended,
		interval:    interval,
		notified:    make(map[uuid.UUID]time.Time),
		now:         time.Now,
		log:         logrus.WithField("component", "replenish"),
	}
}

// Check looks at userID's pool and notifies if it is below the low-water
// mark. It reports whether a notice was delivered.
func (r *Replenisher) Check(ctx context.Context, userID uuid.UUID) bool {
	count, err := r.pool.AvailableOneTimeCount(ctx, userID)
	if err != nil {
		r.log.Warnf("Failed to count prekeys: %v", err)
		return false
	}
	return r.maybeNotify(ctx, userID, count)
}

func (r *Replenisher) maybeNotify(ctx context.Context, userID uuid.UUID, count int) bool {
	if count >= r.lowWater {
		return false
	}

	now := r.now()
	r.mu.Lock()
	last, ok := r.notified[userID]
	if ok && now.Sub(last) < noticeCooldown {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	sent := r.notifier.Notify(ctx, userID, models.WSTypeLowPreKeys, models.LowPreKeysNotice{
		RemainingCount: count,
		Recommended:    r.recommended,
	})
	if !sent {
		return false
	}

	r.mu.Lock()
	r.notified[userID] = now
	r.mu.Unlock()

	r.log.WithField("user_id", userID).Infof("Low prekey notice sent (%d remaining)", count)
	return true
}

// Scan notifies every user whose pool is below the low-water mark and
// returns how many were reached.
func (r *Replenisher) Scan(ctx context.Context) int {
	low, err := r.pool.UsersBelow(ctx, r.lowWater)
	if err != nil {
		r.log.Errorf("Failed to scan prekey pools: %v", err)
		return 0
	}

	reached := 0
	for _, st := range low {
		if r.maybeNotify(ctx, st.UserID, st.Available) {
			reached++
		}
	}
	return reached
}

// Run scans on every interval until ctx is cancelled.
func (r *Replenisher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}
