// Package poller schedules vehicle state refreshes. It decides per vehicle
// when the next fetch is due, enforces a global rate budget shared across the
// fleet, backs off per vehicle after failures, and runs the wake-and-retry
// sequence commands use to bring a sleeping vehicle online.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/internal/metrics"
	"github.com/homefleet/teslasync/pkg/protocol"
	"github.com/homefleet/teslasync/pkg/state"
)

// Fetcher is the transport surface the poller drives.
type Fetcher interface {
	// FetchState retrieves the full state document for a vehicle.
	FetchState(ctx context.Context, id int64) (*state.VehicleData, error)

	// Wake asks the server to wake the vehicle and reports whether the
	// vehicle is already online.
	Wake(ctx context.Context, id int64) (bool, error)
}

// SiteFetcher retrieves live power data for an energy site.
type SiteFetcher interface {
	FetchSiteData(ctx context.Context, siteID int64) (*state.SitePower, error)
}

// PresenceSource reports fleet-wide online/asleep presence from a single
// product listing, without touching individual vehicles.
type PresenceSource interface {
	ListPresence(ctx context.Context) (map[int64]bool, error)
}

// Config carries the scheduling knobs. The zero value is usable; empirically
// tuned defaults fill in missing fields.
type Config struct {
	// BaseInterval is the fetch interval while a vehicle is asleep or has
	// been parked long enough to be allowed to fall asleep.
	BaseInterval time.Duration
	// MinInterval is the fetch interval while a vehicle is awake and
	// active (driving, charging, or recently parked).
	MinInterval time.Duration
	// SleepGrace is how long a parked vehicle keeps the fast interval
	// before the poller slows down to let it fall asleep.
	SleepGrace time.Duration
	// FetchTimeout bounds a single state fetch.
	FetchTimeout time.Duration
	// WakeTimeout bounds a whole wake-and-retry sequence.
	WakeTimeout time.Duration
	// OnlineInterval is how often the presence sweep re-lists the fleet.
	// The sweep refreshes every vehicle's online/asleep flag from the
	// product listing without fetching any individual vehicle.
	OnlineInterval time.Duration
	// SiteInterval is the fetch interval for energy site power data. Sites
	// have no sleep state, so one interval covers them.
	SiteInterval time.Duration
	// BudgetPerWindow and BudgetWindow define the global token bucket:
	// at most BudgetPerWindow fetches per BudgetWindow across the fleet.
	BudgetPerWindow int
	BudgetWindow    time.Duration
	// BackoffInitial and BackoffCeiling bound the per-vehicle failure
	// backoff.
	BackoffInitial time.Duration
	BackoffCeiling time.Duration
	// TickInterval drives the internal loop started by Start.
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseInterval == 0 {
		c.BaseInterval = 660 * time.Second
	}
	if c.MinInterval == 0 {
		c.MinInterval = 60 * time.Second
	}
	if c.SleepGrace == 0 {
		c.SleepGrace = 600 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.WakeTimeout == 0 {
		c.WakeTimeout = 3 * time.Minute
	}
	if c.OnlineInterval == 0 {
		c.OnlineInterval = 60 * time.Second
	}
	if c.SiteInterval == 0 {
		c.SiteInterval = 60 * time.Second
	}
	if c.BudgetPerWindow == 0 {
		c.BudgetPerWindow = 60
	}
	if c.BudgetWindow == 0 {
		c.BudgetWindow = time.Minute
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 10 * time.Second
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = 15 * time.Minute
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	return c
}

// PollPolicy overrides the config intervals for one vehicle. Zero fields
// fall back to the config defaults. Disabled vehicles are never actively
// polled; they still receive pushed updates.
type PollPolicy struct {
	BaseInterval time.Duration
	MinInterval  time.Duration
	Disabled     bool
}

type trackedVehicle struct {
	id          int64
	policy      PollPolicy
	machine     *fsm.FSM
	nextAttempt time.Time
	retry       *backoff.ExponentialBackOff
	// forceRefresh marks the vehicle due regardless of its interval.
	forceRefresh bool
}

type trackedSite struct {
	siteID      int64
	nextAttempt time.Time
	fetching    bool
	retry       *backoff.ExponentialBackOff
}

// Poller owns the scheduling state for every tracked vehicle and energy site.
// Ticks can be driven externally with Tick or internally via Start/Stop.
type Poller struct {
	cfg     Config
	fetcher Fetcher
	cache   *state.Cache
	limiter *rate.Limiter

	// Sites serves energy site fetches; nil when the account has none.
	Sites SiteFetcher
	// Presence, when set, enables the periodic fleet-wide presence sweep.
	// Set before Start.
	Presence PresenceSource

	mu        sync.Mutex
	vehicles  map[int64]*trackedVehicle
	sites     map[int64]*trackedSite
	lastSweep time.Time

	wg   sync.WaitGroup
	done chan struct{}
	now  func() time.Time
}

func New(cfg Config, fetcher Fetcher, cache *state.Cache) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		cache:   cache,
		limiter: rate.NewLimiter(
			rate.Limit(float64(cfg.BudgetPerWindow)/cfg.BudgetWindow.Seconds()),
			cfg.BudgetPerWindow,
		),
		vehicles: make(map[int64]*trackedVehicle),
		sites:    make(map[int64]*trackedSite),
		now:      time.Now,
	}
}

// Track adds a vehicle to the schedule. Tracking an already tracked vehicle
// replaces its policy but keeps its scheduling state.
func (p *Poller) Track(id int64, policy PollPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vehicles[id]; ok {
		v.policy = policy
		return
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.cfg.BackoffInitial
	retry.MaxInterval = p.cfg.BackoffCeiling
	retry.MaxElapsedTime = 0
	p.vehicles[id] = &trackedVehicle{
		id:      id,
		policy:  policy,
		machine: newVehicleFSM(),
		retry:   retry,
	}
}

// Untrack removes a vehicle from the schedule. An in-flight fetch for the
// vehicle finishes normally.
func (p *Poller) Untrack(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.vehicles, id)
}

// TrackSite adds an energy site to the schedule. Requires Sites to be set.
func (p *Poller) TrackSite(siteID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sites[siteID]; ok {
		return
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.cfg.BackoffInitial
	retry.MaxInterval = p.cfg.BackoffCeiling
	retry.MaxElapsedTime = 0
	p.sites[siteID] = &trackedSite{siteID: siteID, retry: retry}
}

// UntrackSite removes an energy site from the schedule.
func (p *Poller) UntrackSite(siteID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sites, siteID)
}

func (v *trackedVehicle) baseInterval(cfg Config) time.Duration {
	if v.policy.BaseInterval > 0 {
		return v.policy.BaseInterval
	}
	return cfg.BaseInterval
}

func (v *trackedVehicle) minInterval(cfg Config) time.Duration {
	if v.policy.MinInterval > 0 {
		return v.policy.MinInterval
	}
	return cfg.MinInterval
}

// effectiveInterval picks the fetch cadence for a vehicle from its last
// snapshot. Asleep vehicles are left alone at the base interval so repeated
// polls don't drain the 12V battery, and vehicles parked beyond the sleep
// grace get the same treatment so they are allowed to fall asleep at all.
func (p *Poller) effectiveInterval(v *trackedVehicle, snapshot state.Snapshot, seen bool) time.Duration {
	if !seen || snapshot.Data == nil {
		return 0
	}
	if snapshot.Asleep {
		return v.baseInterval(p.cfg)
	}
	data := snapshot.Data
	// Sentry mode and climate keep the car awake regardless of gear, so
	// slowing down for them would only produce stale data, not sleep.
	if data.Parked() && !data.Charging() && !data.SentryMode() && !data.IsClimateOn() {
		parkedFor := p.now().Sub(snapshot.LastParkedAt)
		if !snapshot.LastParkedAt.IsZero() && parkedFor > p.cfg.SleepGrace {
			return v.baseInterval(p.cfg)
		}
	}
	return v.minInterval(p.cfg)
}

// Tick runs one scheduling pass: every tracked vehicle that is due and
// within the global budget gets a fetch launched in the background. Vehicles
// already fetching or waking are skipped; vehicles deferred by the budget
// simply stay due for the next tick. Returns the number of fetches launched.
func (p *Poller) Tick(ctx context.Context) int {
	p.mu.Lock()
	now := p.now()
	var due []*trackedVehicle
	for _, v := range p.vehicles {
		if v.policy.Disabled {
			continue
		}
		if now.Before(v.nextAttempt) {
			continue
		}
		if !v.forceRefresh {
			snapshot, seen := p.cache.Get(v.id)
			interval := p.effectiveInterval(v, snapshot, seen)
			if seen && snapshot.Data != nil && now.Sub(snapshot.FetchedAt) < interval {
				continue
			}
		}
		due = append(due, v)
	}

	launched := 0
	for _, v := range due {
		if !p.limiter.Allow() {
			metrics.FetchDeferredTotal.Inc()
			continue
		}
		if err := v.machine.Event(ctx, EventFetch); err != nil {
			// Already fetching or waking.
			continue
		}
		v.forceRefresh = false
		launched++
		p.wg.Add(1)
		go p.fetchOne(ctx, v)
	}

	if p.Sites != nil {
		for _, s := range p.sites {
			if s.fetching || now.Before(s.nextAttempt) {
				continue
			}
			if !p.limiter.Allow() {
				metrics.FetchDeferredTotal.Inc()
				continue
			}
			s.fetching = true
			launched++
			p.wg.Add(1)
			go p.fetchSite(ctx, s)
		}
	}

	if p.Presence != nil && now.Sub(p.lastSweep) >= p.cfg.OnlineInterval {
		if p.limiter.Allow() {
			p.lastSweep = now
			p.wg.Add(1)
			go p.sweepPresence(ctx)
		}
	}
	p.mu.Unlock()
	return launched
}

func (p *Poller) fetchOne(ctx context.Context, v *trackedVehicle) {
	defer p.wg.Done()
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	started := p.now()
	data, err := p.fetcher.FetchState(fetchCtx, v.id)
	metrics.FetchDuration.Observe(p.now().Sub(started).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if eventErr := v.machine.Event(ctx, EventFetched); eventErr != nil {
			log.Error("Vehicle %d left %s state unexpectedly", v.id, StateFetching)
		}
	}()

	now := p.now()
	switch {
	case err == nil:
		p.cache.Put(v.id, data)
		v.retry.Reset()
		v.nextAttempt = now
		metrics.FetchTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	case errors.Is(err, protocol.ErrVehicleAsleep):
		// Not a failure: the fetch learned the vehicle's presence. The
		// cached document and its staleness clock stay as they were.
		p.cache.SetPresence(v.id, false)
		v.retry.Reset()
		v.nextAttempt = now.Add(v.baseInterval(p.cfg))
		metrics.FetchTotal.WithLabelValues(metrics.OutcomeAsleep).Inc()
		log.Debug("Vehicle %d is asleep, next check in %s", v.id, v.baseInterval(p.cfg))

	default:
		var rateErr *protocol.RateLimitError
		var wait time.Duration
		outcome := metrics.OutcomeError
		if errors.As(err, &rateErr) {
			outcome = metrics.OutcomeRateLimit
			wait = rateErr.RetryAfter
		}
		if wait == 0 {
			wait = v.retry.NextBackOff()
		}
		v.nextAttempt = now.Add(wait)
		metrics.FetchTotal.WithLabelValues(outcome).Inc()
		log.Warning("Fetch for vehicle %d failed (%s), retrying in %s", v.id, err, wait)
	}
}

func (p *Poller) fetchSite(ctx context.Context, s *trackedSite) {
	defer p.wg.Done()
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	started := p.now()
	power, err := p.Sites.FetchSiteData(fetchCtx, s.siteID)
	metrics.FetchDuration.Observe(p.now().Sub(started).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	s.fetching = false
	now := p.now()
	if err != nil {
		wait := s.retry.NextBackOff()
		var rateErr *protocol.RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
			wait = rateErr.RetryAfter
		}
		s.nextAttempt = now.Add(wait)
		metrics.FetchTotal.WithLabelValues(metrics.OutcomeError).Inc()
		log.Warning("Fetch for site %d failed (%s), retrying in %s", s.siteID, err, wait)
		return
	}
	p.cache.PutSite(s.siteID, power)
	s.retry.Reset()
	s.nextAttempt = now.Add(p.cfg.SiteInterval)
	metrics.FetchTotal.WithLabelValues(metrics.OutcomeOK).Inc()
}

// sweepPresence refreshes every tracked vehicle's online flag from one
// product listing. Far cheaper than individual fetches, and it never keeps a
// vehicle awake.
func (p *Poller) sweepPresence(ctx context.Context) {
	defer p.wg.Done()
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	presence, err := p.Presence.ListPresence(fetchCtx)
	if err != nil {
		log.Warning("Presence sweep failed: %s", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, online := range presence {
		if _, tracked := p.vehicles[id]; !tracked {
			continue
		}
		if snapshot, seen := p.cache.Get(id); seen && snapshot.Online == online {
			continue
		}
		p.cache.SetPresence(id, online)
	}
}

// EnsureAwake brings a vehicle online for a command, issuing wake requests
// and re-checking with increasing delays until the vehicle reports online or
// the wake timeout elapses. The sequence is cancellable through ctx and
// always leaves the vehicle's state machine idle.
func (p *Poller) EnsureAwake(ctx context.Context, id int64) error {
	if snapshot, ok := p.cache.Get(id); ok && snapshot.Online {
		return nil
	}
	v := p.lookup(id)
	if v == nil {
		return protocol.ErrUnknownVehicle
	}

	// Claim the vehicle. A refresh already in flight finishes within its
	// fetch timeout, so poll for the machine rather than failing.
	for {
		if err := v.machine.Event(ctx, EventWake); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	defer func() {
		if v.machine.Current() == StateWaking {
			if err := v.machine.Event(context.Background(), EventWoke); err != nil {
				log.Error("Vehicle %d stuck in %s state: %s", id, StateWaking, err)
			}
		}
	}()

	deadline := p.now().Add(p.cfg.WakeTimeout)
	for attempt := 0; ; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		p.cache.MarkWoken(id)
		online, err := p.fetcher.Wake(ctx, id)
		if err != nil && !protocol.Temporary(err) {
			metrics.WakeTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return err
		}
		if online {
			p.cache.SetPresence(id, true)
			metrics.WakeTotal.WithLabelValues(metrics.OutcomeOK).Inc()
			log.Info("Vehicle %d is online after %d wake attempts", id, attempt+1)
			return nil
		}

		wait := wakeRetryDelay(attempt)
		if p.now().Add(wait).After(deadline) {
			metrics.WakeTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
			return protocol.ErrVehicleUnavailable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// wakeRetryDelay spaces out wake re-checks: 19s, 23s, 31s, 47s, 79s, then
// flat. The vehicle's systems come up gradually after a wake, so early
// re-checks are cheap and late ones are spaced out.
func wakeRetryDelay(attempt int) time.Duration {
	if attempt > 4 {
		attempt = 4
	}
	return time.Duration(15+(1<<(attempt+2))) * time.Second
}

func (p *Poller) lookup(id int64) *trackedVehicle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vehicles[id]
}

// ExpediteRefresh makes the vehicle due immediately so the next tick fetches
// it, subject to the usual budget. Called after successful commands so
// dependent reads observe the new state promptly.
func (p *Poller) ExpediteRefresh(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vehicles[id]
	if !ok {
		return
	}
	v.nextAttempt = time.Time{}
	v.forceRefresh = true
}

// Start launches the internal scheduling loop. Fails if the poller is
// already running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return errors.New("already running")
	}
	p.done = make(chan struct{})
	done := p.done
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the scheduling loop and waits for in-flight fetches to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}
