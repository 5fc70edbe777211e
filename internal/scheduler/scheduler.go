// Package scheduler implements the fair-queue dispatch algorithm of
// spec.md §4.1: a worker asking for work for a given serviceID is handed
// the oldest-waiting WorkItem belonging to the least-recently-served user,
// round-robining across users so no single user can starve the rest of
// the queue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"golang.org/x/time/rate"
)

// ErrNoWork is returned when no READY work is currently available for the
// requested service (spec.md §5 "GetWork -> 404 NoWork").
var ErrNoWork = herrors.Classify(herrors.ClassValidation, errNoWork{})

type errNoWork struct{}

func (errNoWork) Error() string { return "no work available for this service" }

// Scheduler dispatches WorkItems to polling workers using the fair-queue
// ordering described in spec.md §4.1.
type Scheduler struct {
	store   interfaces.Store
	metrics interfaces.MetricsSink
	logger  arbor.ILogger
	config  *common.SchedulerConfig

	// limiter paces GetWork calls so a burst of worker polling cannot
	// monopolize the single SQLite connection (spec.md §4.1 design note).
	limiter *rate.Limiter

	// cursor tracks, per service, the username last served, so repeated
	// GetWork calls round-robin across users instead of always starting
	// from the same point in FairQueueCandidates' ordering.
	mu     sync.Mutex
	cursor map[string]string
}

// New builds a Scheduler bound to store, pacing GetWork dispatch at
// config.DispatchRateHz. metrics may be nil (no-op dispatch counters).
func New(store interfaces.Store, metrics interfaces.MetricsSink, logger arbor.ILogger, config *common.SchedulerConfig) *Scheduler {
	rateLimit := config.DispatchRateHz
	if rateLimit <= 0 {
		rateLimit = 50
	}
	return &Scheduler{
		store:   store,
		metrics: metrics,
		logger:  logger,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
		cursor:  make(map[string]string),
	}
}

// GetWork claims and returns the next WorkItem for serviceID per the
// fair-queue ordering rule (spec.md §4.1 steps 1-4):
//  1. Only users with readyCount>0 for this service are candidates.
//  2. Within a user, sync work goes before async work, and within each of
//     those the oldest-lastWorked job goes first.
//  3. Across users, dispatch round-robins so no single user's backlog
//     starves another user's work.
//
// Returns ErrNoWork if nothing is currently READY.
func (s *Scheduler) GetWork(ctx context.Context, serviceID string) (*models.WorkItem, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var claimed *models.WorkItem

	err := s.store.WithTx(ctx, "", func(ctx context.Context, tx interfaces.Tx) error {
		candidates, err := tx.FairQueueCandidates(ctx, serviceID, 256)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return ErrNoWork
		}

		username := s.nextUsername(serviceID, candidates)

		var jobID string
		found := false
		for _, c := range candidates {
			if c.Username == username {
				jobID = c.JobID
				found = true
				break
			}
		}
		if !found {
			jobID = candidates[0].JobID
			username = candidates[0].Username
		}

		item, err := tx.DequeueReady(ctx, jobID, serviceID)
		if err != nil {
			if err == herrors.ErrWorkItemNotFound {
				return ErrNoWork
			}
			return err
		}

		if err := tx.IncrementUserWork(ctx, jobID, serviceID, -1, 1); err != nil {
			return err
		}
		now := models.UserWork{JobID: jobID, ServiceID: serviceID, LastWorked: time.Now()}
		if existing, err := tx.GetUserWorkForUpdate(ctx, jobID, serviceID); err == nil && existing != nil {
			existing.LastWorked = now.LastWorked
			if err := tx.UpsertUserWork(ctx, existing); err != nil {
				return err
			}
		}

		s.advanceCursor(serviceID, username, candidates)
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncWorkItemsDispatched(serviceID)
	}
	return claimed, nil
}

// nextUsername picks the candidate username to serve this call, continuing
// the round-robin from wherever the last GetWork call for this service left
// off (spec.md §4.1 step 4 "interleaved round-robin across users").
func (s *Scheduler) nextUsername(serviceID string, candidates []interfaces.FairQueueCandidate) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.cursor[serviceID]
	if !ok {
		return candidates[0].Username
	}

	usernames := distinctUsernames(candidates)
	for i, u := range usernames {
		if u == last {
			return usernames[(i+1)%len(usernames)]
		}
	}
	return usernames[0]
}

func (s *Scheduler) advanceCursor(serviceID, username string, candidates []interfaces.FairQueueCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor[serviceID] = username
}

func distinctUsernames(candidates []interfaces.FairQueueCandidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		if !seen[c.Username] {
			seen[c.Username] = true
			out = append(out, c.Username)
		}
	}
	return out
}
