package viewsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"newsview/pkg/newsview"
)

const reasonBind = "bind"

// Engine keeps one ViewCache consistent with the backing store for the view
// bound by its surface.
//
// Cache swaps and incremental patches run only on the engine mutation
// goroutine. Resolution runs on the calling goroutine under a job context
// that a newer Bind, Refresh, or Unbind cancels.
type Engine struct {
	cfg      config
	store    newsview.Store
	resolver *MembershipResolver
	planner  *RefreshPlanner
	logger   *slog.Logger
	metrics  *Metrics

	mutations chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	bound atomic.Pointer[binding]

	jobMu      sync.Mutex
	generation uint64
	current    *job

	subMu         sync.Mutex
	subscriptions []newsview.Subscription
}

// binding is the immutable pairing of a bound view and its cache.
type binding struct {
	view  newsview.ViewDescriptor
	cache *ViewCache
}

// job is one resolution run. Only the job holding the current generation may
// swap its result in.
type job struct {
	id         string
	generation uint64
	view       newsview.ViewDescriptor
	rebind     bool
	reason     string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewEngine creates an unbound engine and starts its mutation goroutine.
func NewEngine(store newsview.Store, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("new engine: nil store")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	engine := &Engine{
		cfg:       cfg,
		store:     store,
		resolver:  newMembershipResolver(store, cfg),
		planner:   newRefreshPlanner(cfg),
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		mutations: make(chan func()),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go engine.run()

	return engine, nil
}

// Bind resolves view and swaps in a new cache holding its members.
//
// Any in-flight job is canceled. The outcome lists every member as an
// addition. The first successful bind subscribes to news changes.
func (e *Engine) Bind(ctx context.Context, view newsview.ViewDescriptor) (newsview.Outcome, error) {
	if err := view.Validate(); err != nil {
		if errors.Is(err, newsview.ErrUnknownViewKind) {
			panic(err)
		}
		return newsview.Outcome{}, fmt.Errorf("bind: %w", err)
	}
	if e.isClosed() {
		return newsview.Outcome{}, fmt.Errorf("bind %s: %w", view, newsview.ErrEngineClosed)
	}

	if err := e.ensureSubscribed(ctx, view); err != nil {
		return newsview.Outcome{}, fmt.Errorf("bind %s: %w", view, err)
	}

	current := e.startJob(ctx, view.Clone(), true, reasonBind)
	outcome, err := e.runJob(current)
	if err != nil {
		if !errors.Is(err, newsview.ErrStaleJobResult) && e.bound.Load() == nil {
			if releaseErr := e.releaseSubscriptions(context.WithoutCancel(ctx)); releaseErr != nil {
				err = errors.Join(err, releaseErr)
			}
		}
		return newsview.Outcome{}, fmt.Errorf("bind %s: %w", view, err)
	}

	e.logger.InfoContext(ctx,
		"view bound",
		"view", view.String(),
		"view_kind", string(view.Kind),
		"job_id", current.id,
		"entries", len(outcome.Additions),
	)

	return outcome, nil
}

// ApplyChangeBatch classifies events against the bound view and patches or
// refreshes the cache.
//
// While a resolution job is in flight the batch is planned against the view
// of that job and any change relevant to it triggers a superseding full refresh.
func (e *Engine) ApplyChangeBatch(ctx context.Context, events []newsview.ChangeEvent) (newsview.Outcome, error) {
	for idx, event := range events {
		if err := event.Validate(); err != nil {
			return newsview.Outcome{}, fmt.Errorf("apply change batch event %d: %w", idx, err)
		}
	}
	events = newsview.CloneChangeEvents(events)

	var (
		outcome newsview.Outcome
		refresh *job
		planErr error
	)
	err := e.mutate(ctx, func() {
		view, cache, pending, ok := e.planningTarget()
		if !ok {
			planErr = newsview.ErrNotBound
			return
		}

		plan := e.planner.PlanBatch(events, view, cache, e.cfg.surface)
		if plan.Kind == newsview.PlanIncremental && pending != nil {
			plan = fullRefresh(plan.Relevant, ReasonInFlight)
		}
		e.metrics.observePlan(plan.Kind)

		switch plan.Kind {
		case newsview.PlanNoOp:
			outcome = newsview.Outcome{Plan: newsview.PlanNoOp}
		case newsview.PlanIncremental:
			applyDelta(cache, plan.Delta)
			e.metrics.observeCacheSize(cache.Len())
			outcome = newsview.Outcome{Delta: plan.Delta, Plan: newsview.PlanIncremental}
		case newsview.PlanFullRefresh:
			rebind := pending != nil && pending.rebind
			refresh = e.startJob(ctx, view, rebind, plan.Reason)
		}

		e.logger.DebugContext(ctx,
			"change batch planned",
			"view", view.String(),
			"plan", string(plan.Kind),
			"reason", plan.Reason,
			"events", len(events),
			"relevant", len(plan.Relevant),
			"additions", len(plan.Delta.Additions),
			"updates", len(plan.Delta.Updates),
			"removals", len(plan.Delta.Removals),
		)
	})
	if err != nil {
		return newsview.Outcome{}, fmt.Errorf("apply change batch: %w", err)
	}
	if planErr != nil {
		return newsview.Outcome{}, fmt.Errorf("apply change batch: %w", planErr)
	}
	if refresh == nil {
		return outcome, nil
	}

	outcome, err = e.runJob(refresh)
	if err != nil {
		return newsview.Outcome{}, fmt.Errorf("apply change batch: %w", err)
	}

	return outcome, nil
}

// Refresh resolves the bound view again and swaps the result in.
func (e *Engine) Refresh(ctx context.Context) (newsview.Outcome, error) {
	var (
		refresh  *job
		boundErr error
	)
	err := e.mutate(ctx, func() {
		view, _, pending, ok := e.planningTarget()
		if !ok {
			boundErr = newsview.ErrNotBound
			return
		}
		rebind := pending != nil && pending.rebind
		refresh = e.startJob(ctx, view, rebind, ReasonRequested)
	})
	if err != nil {
		return newsview.Outcome{}, fmt.Errorf("refresh: %w", err)
	}
	if boundErr != nil {
		return newsview.Outcome{}, fmt.Errorf("refresh: %w", boundErr)
	}

	outcome, err := e.runJob(refresh)
	if err != nil {
		return newsview.Outcome{}, fmt.Errorf("refresh %s: %w", refresh.view, err)
	}

	return outcome, nil
}

// Snapshot returns a copy of the bound cache contents.
func (e *Engine) Snapshot() map[int64]newsview.EntitySnapshot {
	current := e.bound.Load()
	if current == nil {
		return map[int64]newsview.EntitySnapshot{}
	}

	return current.cache.GetAll()
}

// View returns the bound view descriptor.
func (e *Engine) View() (newsview.ViewDescriptor, bool) {
	current := e.bound.Load()
	if current == nil {
		return newsview.ViewDescriptor{}, false
	}

	return current.view.Clone(), true
}

// Unbind cancels in-flight work, discards the cache, and closes store subscriptions.
//
// Unbind must not be called from a DeltaListener.
func (e *Engine) Unbind(ctx context.Context) error {
	e.invalidateJobs()

	if err := e.mutate(ctx, func() {
		e.invalidateJobs()
		e.bound.Store(nil)
		e.metrics.observeCacheSize(0)
	}); err != nil && !errors.Is(err, newsview.ErrEngineClosed) {
		return fmt.Errorf("unbind: %w", err)
	}

	if err := e.releaseSubscriptions(ctx); err != nil {
		return fmt.Errorf("unbind: %w", err)
	}

	e.logger.InfoContext(ctx, "view unbound")

	return nil
}

// Close stops the mutation goroutine and releases every subscription.
// Calls after the first return nil.
func (e *Engine) Close(ctx context.Context) error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.invalidateJobs()
		close(e.closing)

		select {
		case <-e.done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("close engine: %w", ctx.Err())
			return
		}

		e.bound.Store(nil)
		if err := e.releaseSubscriptions(ctx); err != nil {
			closeErr = fmt.Errorf("close engine: %w", err)
		}
	})

	return closeErr
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		select {
		case task := <-e.mutations:
			task()
		case <-e.closing:
			return
		}
	}
}

// mutate runs fn on the mutation goroutine and waits for it to finish.
func (e *Engine) mutate(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.mutations <- task:
	case <-e.closing:
		return newsview.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished

	return nil
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closing:
		return true
	default:
		return false
	}
}

// planningTarget returns the view a batch is planned against. Must run on the
// mutation goroutine. A pending rebind plans against an empty cache.
func (e *Engine) planningTarget() (newsview.ViewDescriptor, *ViewCache, *job, bool) {
	e.jobMu.Lock()
	pending := e.current
	e.jobMu.Unlock()

	current := e.bound.Load()
	switch {
	case pending != nil && (pending.rebind || current == nil):
		return pending.view, NewViewCache(), pending, true
	case current == nil:
		return newsview.ViewDescriptor{}, nil, nil, false
	default:
		return current.view, current.cache, pending, true
	}
}

// startJob supersedes the current job with a new generation.
func (e *Engine) startJob(parent context.Context, view newsview.ViewDescriptor, rebind bool, reason string) *job {
	ctx, cancel := context.WithCancel(parent)

	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	if e.current != nil {
		e.current.cancel()
	}
	e.generation++
	next := &job{
		id:         ulid.Make().String(),
		generation: e.generation,
		view:       view,
		rebind:     rebind,
		reason:     reason,
		ctx:        ctx,
		cancel:     cancel,
	}
	e.current = next

	return next
}

// claim ends j and reports whether it still held the current generation.
func (e *Engine) claim(j *job) bool {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	j.cancel()
	if e.current == nil || e.current.generation != j.generation {
		return false
	}
	e.current = nil

	return true
}

func (e *Engine) invalidateJobs() {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	if e.current != nil {
		e.current.cancel()
		e.current = nil
	}
	e.generation++
}

// runJob resolves j off the mutation goroutine and swaps the result in on it.
func (e *Engine) runJob(j *job) (newsview.Outcome, error) {
	started := time.Now()
	members, truncated, err := e.resolver.resolve(j.ctx, j.view, e.cfg.visibilityFilter())
	e.metrics.observeResolve(j.view.Kind, time.Since(started).Seconds())
	if err != nil {
		if !e.claim(j) {
			e.metrics.observeStale()
			return newsview.Outcome{}, newsview.ErrStaleJobResult
		}
		e.logger.ErrorContext(j.ctx,
			"view resolution failed",
			"view", j.view.String(),
			"job_id", j.id,
			"reason", j.reason,
			"error", err,
		)
		return newsview.Outcome{}, err
	}

	var (
		outcome newsview.Outcome
		stale   bool
	)
	mutateErr := e.mutate(j.ctx, func() {
		if !e.claim(j) {
			stale = true
			return
		}

		if j.rebind {
			cache := NewViewCache()
			cache.ReplaceAll(members)
			cache.markTruncated(truncated)
			e.bound.Store(&binding{view: j.view, cache: cache})
			e.metrics.observeCacheSize(cache.Len())
			outcome = newsview.Outcome{
				Delta:                newsview.Delta{Additions: sortedSnapshots(cache.GetAll())},
				Plan:                 newsview.PlanFullRefresh,
				FullRefreshTriggered: true,
				Reason:               j.reason,
			}
			return
		}

		current := e.bound.Load()
		if current == nil {
			stale = true
			return
		}
		previous := current.cache.GetAll()
		current.cache.ReplaceAll(members)
		current.cache.markTruncated(truncated)
		e.metrics.observeCacheSize(current.cache.Len())
		outcome = newsview.Outcome{
			Delta:                newsview.DiffSnapshots(previous, current.cache.GetAll()),
			Plan:                 newsview.PlanFullRefresh,
			FullRefreshTriggered: true,
			Reason:               j.reason,
		}
	})
	if mutateErr != nil {
		if !e.claim(j) {
			e.metrics.observeStale()
			return newsview.Outcome{}, newsview.ErrStaleJobResult
		}
		return newsview.Outcome{}, mutateErr
	}
	if stale {
		e.metrics.observeStale()
		e.logger.DebugContext(j.ctx,
			"stale resolution discarded",
			"view", j.view.String(),
			"job_id", j.id,
		)
		return newsview.Outcome{}, newsview.ErrStaleJobResult
	}

	return outcome, nil
}

func applyDelta(cache *ViewCache, delta newsview.Delta) {
	for _, snapshot := range delta.Additions {
		cache.Put(snapshot)
	}
	for _, snapshot := range delta.Updates {
		cache.Put(snapshot)
	}
	for _, id := range delta.Removals {
		cache.Remove(id)
	}
}

// ensureSubscribed subscribes to news changes once per engine lifetime between unbinds.
func (e *Engine) ensureSubscribed(ctx context.Context, view newsview.ViewDescriptor) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if len(e.subscriptions) > 0 {
		return nil
	}

	subscription, err := e.store.Subscribe(ctx, newsview.EntityKindNews, e.handleBatch)
	if err != nil {
		e.metrics.observeStoreFailure()
		return &newsview.StoreUnavailableError{
			Operation: newsview.StoreOperationSubscribe,
			View:      view.String(),
			Cause:     err,
		}
	}
	e.subscriptions = append(e.subscriptions, subscription)

	return nil
}

func (e *Engine) releaseSubscriptions(ctx context.Context) error {
	e.subMu.Lock()
	subscriptions := e.subscriptions
	e.subscriptions = nil
	e.subMu.Unlock()

	var errs []error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil && !errors.Is(err, newsview.ErrSubscriptionClosed) {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// handleBatch is the store subscription listener. Failures go to the engine's
// async error handler so the change feed keeps delivering.
func (e *Engine) handleBatch(ctx context.Context, events []newsview.ChangeEvent) error {
	outcome, err := e.ApplyChangeBatch(ctx, events)
	switch {
	case errors.Is(err, newsview.ErrNotBound),
		errors.Is(err, newsview.ErrStaleJobResult),
		errors.Is(err, newsview.ErrEngineClosed):
		return nil
	case err != nil:
		e.cfg.onAsyncError(ctx, "change batch", err)
		return nil
	}

	if err := notifyDelta(ctx, e.cfg.deltaListener, outcome); err != nil {
		e.cfg.onAsyncError(ctx, "delta listener", err)
	}

	return nil
}
