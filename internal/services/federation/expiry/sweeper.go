// Package expiry retires actors whose events have passed.
package expiry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convene-space/convene/internal/services/federation/storage"
)

// DefaultSchedule runs the sweep hourly.
const DefaultSchedule = "@hourly"

const sweepBatchSize = 100

// ActorDeleter tears down one actor: it broadcasts the Delete activity and
// only then removes the stored record and followers.
type ActorDeleter interface {
	DeleteActorByID(ctx context.Context, actorID string) error
}

// Sweeper periodically deletes actors whose expiry time has passed.
type Sweeper struct {
	actors   storage.ActorStore
	deleter  ActorDeleter
	schedule string
	clock    func() time.Time
	cron     *cron.Cron
}

// New creates a sweeper. schedule accepts cron syntax and the @-descriptors;
// empty means DefaultSchedule. clock defaults to time.Now.
func New(actors storage.ActorStore, deleter ActorDeleter, schedule string, clock func() time.Time) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		actors:   actors,
		deleter:  deleter,
		schedule: schedule,
		clock:    clock,
	}
}

// Start schedules recurring sweeps. The ctx bounds each sweep run, not the
// scheduler itself; call Stop to halt scheduling.
func (s *Sweeper) Start(ctx context.Context) error {
	if s == nil || s.actors == nil || s.deleter == nil {
		return fmt.Errorf("sweeper is not configured")
	}
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("expiry sweep failed err=%v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s == nil || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep deletes all currently expired actors and returns how many were
// retired. Individual failures are logged and skipped so one unreachable
// follower set cannot stall the rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s == nil || s.actors == nil || s.deleter == nil {
		return 0, fmt.Errorf("sweeper is not configured")
	}

	retired := 0
	for {
		expired, err := s.actors.ListExpiredActors(ctx, s.clock().UTC(), sweepBatchSize)
		if err != nil {
			return retired, fmt.Errorf("list expired actors: %w", err)
		}
		if len(expired) == 0 {
			return retired, nil
		}

		progressed := false
		for _, record := range expired {
			if err := ctx.Err(); err != nil {
				return retired, err
			}
			if err := s.deleter.DeleteActorByID(ctx, record.ID); err != nil {
				log.Printf("expiry delete failed actor=%s err=%v", record.ID, err)
				continue
			}
			retired++
			progressed = true
		}
		if !progressed {
			// Every delete in the batch failed; retrying now would loop on
			// the same records.
			return retired, nil
		}
	}
}
