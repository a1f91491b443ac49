package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/imgrelay/imgrelay/domain/usage"
	"github.com/imgrelay/imgrelay/ports"
)

// FlushFailureAlertThreshold is the consecutive-failure count at which the
// aggregator raises an alert for a site.
const FlushFailureAlertThreshold = 5

// AggregatorHooks are optional observability callbacks. Nil hooks are skipped.
type AggregatorHooks struct {
	// EventDropped fires when a site's queue is full and an event is lost.
	EventDropped func()

	// FlushResult fires after every billing flush attempt.
	FlushResult func(ok bool)

	// FlushAlert fires when a site crosses the failure threshold.
	FlushAlert func()

	// ActorCount reports the number of resident actors after a change.
	ActorCount func(n int)
}

// AggregatorDeps contains dependencies for the Aggregator.
type AggregatorDeps struct {
	Counters ports.CounterStore
	Sink     ports.BillingSink // nil when billing is unconfigured
	Clock    ports.Clock
	Logger   zerolog.Logger
	Hooks    AggregatorHooks
}

// AggregatorConfig contains configuration for the Aggregator.
type AggregatorConfig struct {
	// FlushInterval is the billing flush period. Defaults to 60s.
	FlushInterval time.Duration

	// IdleEviction retires a resident actor after this much inactivity.
	// Durable state is untouched. Defaults to 10m.
	IdleEviction time.Duration

	// QueueSize bounds each actor's event queue. Defaults to 256.
	QueueSize int
}

// Aggregator routes usage events to per-site actors. Each actor is a single
// goroutine owning its site's counters, so all mutation for one site is
// serialized while different sites proceed independently.
type Aggregator struct {
	counters ports.CounterStore
	sink     ports.BillingSink
	clock    ports.Clock
	logger   zerolog.Logger
	hooks    AggregatorHooks
	cfg      AggregatorConfig

	mu     sync.Mutex
	actors map[string]*siteActor
	closed bool

	sweeper *cron.Cron
	wg      sync.WaitGroup
}

type siteActor struct {
	siteID string
	events chan usage.Event
	stop   chan struct{}
}

var _ ports.UsageRecorder = (*Aggregator)(nil)

// NewAggregator creates the aggregator and starts the recovery sweep.
func NewAggregator(deps AggregatorDeps, cfg AggregatorConfig) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 10 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	a := &Aggregator{
		counters: deps.Counters,
		sink:     deps.Sink,
		clock:    deps.Clock,
		logger:   deps.Logger,
		hooks:    deps.Hooks,
		cfg:      cfg,
		actors:   make(map[string]*siteActor),
	}

	// Catch flush schedules that came due while no process was running,
	// then keep reconciling every minute.
	a.recoverOverdue()
	a.sweeper = cron.New()
	a.sweeper.AddFunc("@every 1m", a.recoverOverdue)
	a.sweeper.Start()

	return a
}

// Record queues an event for the addressed site's actor. Non-blocking: when
// the site's queue is full the event is dropped and counted.
func (a *Aggregator) Record(event usage.Event) {
	if event.SiteID == "" {
		return
	}

	act := a.actorFor(event.SiteID)
	if act == nil {
		return // shutting down
	}

	select {
	case act.events <- event:
	default:
		a.logger.Warn().Str("site", event.SiteID).Msg("usage queue full, event dropped")
		if a.hooks.EventDropped != nil {
			a.hooks.EventDropped()
		}
	}
}

// Close stops the recovery sweep and retires all actors, draining and
// persisting their pending events.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	actors := make([]*siteActor, 0, len(a.actors))
	for _, act := range a.actors {
		actors = append(actors, act)
	}
	a.mu.Unlock()

	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	for _, act := range actors {
		close(act.stop)
	}
	a.wg.Wait()
	return nil
}

// actorFor returns the resident actor for a site, spawning one when absent.
func (a *Aggregator) actorFor(siteID string) *siteActor {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	if act, ok := a.actors[siteID]; ok {
		return act
	}

	act := &siteActor{
		siteID: siteID,
		events: make(chan usage.Event, a.cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	a.actors[siteID] = act
	if a.hooks.ActorCount != nil {
		a.hooks.ActorCount(len(a.actors))
	}

	a.wg.Add(1)
	go a.runActor(act)
	return act
}

// removeActor evicts a retired actor from the resident map.
func (a *Aggregator) removeActor(act *siteActor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.actors[act.siteID] == act {
		delete(a.actors, act.siteID)
		if a.hooks.ActorCount != nil {
			a.hooks.ActorCount(len(a.actors))
		}
	}
}

// runActor is the single-goroutine loop owning one site's counters.
func (a *Aggregator) runActor(act *siteActor) {
	defer a.wg.Done()
	defer a.removeActor(act)

	ctx := context.Background()

	// Hydrate persisted counters.
	c, err := a.counters.Get(ctx, act.siteID)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			a.logger.Error().Err(err).Str("site", act.siteID).Msg("counter hydration failed")
		}
		c = usage.Counters{SiteID: act.siteID}
	}

	// Adopt an existing persisted schedule; only schedule fresh when billing
	// is configured and none survived. A schedule that survived a restart is
	// never clobbered.
	now := a.clock.Now()
	next, err := a.counters.GetSchedule(ctx, act.siteID)
	haveSchedule := err == nil
	if !haveSchedule && a.sink != nil {
		next = now.Add(a.cfg.FlushInterval)
		haveSchedule = true
		if err := a.counters.SetSchedule(ctx, act.siteID, next); err != nil {
			a.logger.Error().Err(err).Str("site", act.siteID).Msg("schedule persist failed")
		}
	}

	flushTimer := time.NewTimer(time.Hour)
	flushTimer.Stop()
	if haveSchedule {
		resetTimer(flushTimer, next.Sub(now))
	}
	defer flushTimer.Stop()

	idleTimer := time.NewTimer(a.cfg.IdleEviction)
	defer idleTimer.Stop()

	for {
		select {
		case ev := <-act.events:
			c = usage.Apply(c, ev)
			// Persist before consuming the next event so the update
			// survives an immediate eviction.
			if err := a.counters.Put(ctx, c); err != nil {
				a.logger.Error().Err(err).Str("site", act.siteID).Msg("counter persist failed")
			}
			resetTimer(idleTimer, a.cfg.IdleEviction)

		case <-flushTimer.C:
			retire := a.flushSite(ctx, &c, flushTimer)
			if retire {
				return
			}

		case <-idleTimer.C:
			// Retire the goroutine; durable counters and schedule remain,
			// the recovery sweep re-hydrates when the flush comes due.
			a.drain(ctx, act, &c)
			return

		case <-act.stop:
			a.drain(ctx, act, &c)
			return
		}
	}
}

// drain folds queued events into the counters and persists them before the
// actor exits.
func (a *Aggregator) drain(ctx context.Context, act *siteActor, c *usage.Counters) {
	for {
		select {
		case ev := <-act.events:
			*c = usage.Apply(*c, ev)
		default:
			if err := a.counters.Put(ctx, *c); err != nil {
				a.logger.Error().Err(err).Str("site", act.siteID).Msg("counter persist failed on retire")
			}
			return
		}
	}
}

// flushSite runs one billing flush cycle. Returns true when the actor should
// retire (billing unconfigured).
func (a *Aggregator) flushSite(ctx context.Context, c *usage.Counters, timer *time.Timer) (retire bool) {
	now := a.clock.Now()

	// 1. Unconfigured sink: zero out, cancel the schedule, retire. Counters
	// would otherwise grow without ever being drained.
	if a.sink == nil {
		*c = usage.Zero(*c)
		if err := a.counters.Put(ctx, *c); err != nil {
			a.logger.Error().Err(err).Str("site", c.SiteID).Msg("counter persist failed")
		}
		if err := a.counters.ClearSchedule(ctx, c.SiteID); err != nil && !errors.Is(err, ports.ErrNotFound) {
			a.logger.Error().Err(err).Str("site", c.SiteID).Msg("schedule clear failed")
		}
		a.logger.Warn().Str("site", c.SiteID).Msg("billing sink unconfigured, usage counters discarded")
		return true
	}

	next := now.Add(a.cfg.FlushInterval)

	// 2. No activity since the last flush.
	if c.Requests == 0 {
		a.reschedule(ctx, c.SiteID, next, timer, now)
		return false
	}

	// 3. Snapshot, write externally, subtract exactly the snapshot. Events
	// recorded during the external write stay in the live counters for the
	// next cycle.
	snap := usage.TakeSnapshot(*c)
	err := a.sink.AddUsage(ctx, c.SiteID, snap.CacheHits, snap.CacheMisses, now)
	if a.hooks.FlushResult != nil {
		a.hooks.FlushResult(err == nil)
	}
	if err != nil {
		c.ConsecutiveFlushFailures++
		if perr := a.counters.Put(ctx, *c); perr != nil {
			a.logger.Error().Err(perr).Str("site", c.SiteID).Msg("counter persist failed")
		}
		if c.ConsecutiveFlushFailures >= FlushFailureAlertThreshold {
			a.logger.Error().
				Str("site", c.SiteID).
				Int64("consecutive_failures", c.ConsecutiveFlushFailures).
				Err(err).
				Msg("billing flush failing repeatedly")
			if a.hooks.FlushAlert != nil {
				a.hooks.FlushAlert()
			}
		} else {
			a.logger.Warn().Err(err).Str("site", c.SiteID).Msg("billing flush failed, will retry")
		}
	} else {
		*c = usage.Subtract(*c, snap)
		c.ConsecutiveFlushFailures = 0
		if perr := a.counters.Put(ctx, *c); perr != nil {
			// 4. Accepted risk: the external write landed but the local
			// decrement did not persist. Eviction before a later successful
			// persist re-flushes the same amount.
			a.logger.Error().Err(perr).Str("site", c.SiteID).Msg("counter persist failed after successful flush")
		}
		a.logger.Debug().
			Str("site", c.SiteID).
			Int64("requests", snap.Requests).
			Int64("hits", snap.CacheHits).
			Int64("misses", snap.CacheMisses).
			Msg("usage flushed to billing")
	}

	// 5. Always reschedule. A single failure never stops the flush loop.
	a.reschedule(ctx, c.SiteID, next, timer, now)
	return false
}

func (a *Aggregator) reschedule(ctx context.Context, siteID string, next time.Time, timer *time.Timer, now time.Time) {
	if err := a.counters.SetSchedule(ctx, siteID, next); err != nil {
		a.logger.Error().Err(err).Str("site", siteID).Msg("schedule persist failed")
	}
	resetTimer(timer, next.Sub(now))
}

// recoverOverdue spawns actors for sites whose persisted flush time passed
// while they were not resident. The spawned actor adopts the overdue
// schedule, so its timer fires immediately.
func (a *Aggregator) recoverOverdue() {
	ctx := context.Background()
	siteIDs, err := a.counters.OverdueSchedules(ctx, a.clock.Now())
	if err != nil {
		a.logger.Error().Err(err).Msg("overdue schedule sweep failed")
		return
	}

	for _, siteID := range siteIDs {
		a.mu.Lock()
		_, resident := a.actors[siteID]
		a.mu.Unlock()
		if resident {
			continue
		}
		a.logger.Info().Str("site", siteID).Msg("re-hydrating site with overdue flush")
		a.actorFor(siteID)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
