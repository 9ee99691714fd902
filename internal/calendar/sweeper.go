package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/push"
	"github.com/rottym/fambam/internal/store"
)

// Notifier delivers a notification to one member.
type Notifier interface {
	Deliver(ctx context.Context, memberID int64, n push.Notification) error
}

// Sweeper periodically reminds members of events about to start. Each event
// is reminded at most once, however many sweeps run.
type Sweeper struct {
	events   *store.EventStore
	members  *store.MemberStore
	notifier Notifier
	interval time.Duration
	lead     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(events *store.EventStore, members *store.MemberStore, notifier Notifier, interval, lead time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		events:   events,
		members:  members,
		notifier: notifier,
		interval: interval,
		lead:     lead,
		now:      time.Now,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start begins the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.sweep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("reminder sweep", "reminded", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("reminder sweep", "reminded", n)
	}
}

// RunOnce sends reminders for every unreminded event starting within the
// lead window, or since the previous sweep, and returns how many events it
// claimed. Families are swept
// concurrently. Delivery failures do not release a claim; they are combined
// into the returned error.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	// An event created between two sweeps may already have started.
	due, err := s.events.ListDueReminders(ctx, now.Add(-s.interval), now.Add(s.lead))
	if err != nil {
		return 0, err
	}

	byFamily := make(map[int64][]model.CalendarEvent)
	for _, e := range due {
		byFamily[e.FamilyID] = append(byFamily[e.FamilyID], e)
	}

	var (
		mu      sync.Mutex
		claimed int
		errs    error
	)
	g, gctx := errgroup.WithContext(ctx)
	for familyID, events := range byFamily {
		g.Go(func() error {
			n, err := s.sweepFamily(gctx, familyID, events)
			mu.Lock()
			claimed += n
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return claimed, errs
}

func (s *Sweeper) sweepFamily(ctx context.Context, familyID int64, events []model.CalendarEvent) (int, error) {
	var (
		claimed int
		errs    error
		family  []int64
	)
	for _, e := range events {
		ok, err := s.events.ClaimReminder(ctx, e.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("claim reminder %d: %w", e.ID, err))
			continue
		}
		if !ok {
			continue
		}
		claimed++

		recipients := e.AssigneeIDs
		if len(recipients) == 0 {
			if family == nil {
				members, err := s.members.ListByFamily(ctx, familyID)
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				family = make([]int64, 0, len(members))
				for _, m := range members {
					family = append(family, m.ID)
				}
			}
			recipients = family
		}

		n := push.ReminderFor(e)
		for _, memberID := range recipients {
			errs = multierr.Append(errs, s.notifier.Deliver(ctx, memberID, n))
		}
	}
	return claimed, errs
}
