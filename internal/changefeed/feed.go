package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"newsview/pkg/newsview"
)

const (
	defaultBuffer          = 64
	defaultListenerTimeout = 0
	flushPollInterval      = 5 * time.Millisecond
)

// Feed is an asynchronous per-entity-kind change batch fan-out.
//
// Every subscription owns one queue drained by one worker so batches of one
// kind reach a listener in publish order.
type Feed struct {
	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions map[int64]*feedSubscription
	spec          newsview.FeedSpec
	onAsyncError  func(context.Context, string, error)
}

// Option mutates feed construction configuration.
type Option func(*Feed)

// WithSpec configures queue depth, backpressure, and listener timeout.
func WithSpec(spec newsview.FeedSpec) Option {
	return func(feed *Feed) {
		if spec.Buffer > 0 {
			feed.spec.Buffer = spec.Buffer
		}
		if spec.Backpressure != "" {
			feed.spec.Backpressure = spec.Backpressure
		}
		if spec.ListenerTimeout > 0 {
			feed.spec.ListenerTimeout = spec.ListenerTimeout
		}
	}
}

// WithAsyncErrorHandler configures listener failure reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(feed *Feed) {
		if handler != nil {
			feed.onAsyncError = handler
		}
	}
}

// New creates a change feed with bounded listener queues.
func New(options ...Option) *Feed {
	feed := &Feed{
		subscriptions: make(map[int64]*feedSubscription),
		spec: newsview.FeedSpec{
			Buffer:          defaultBuffer,
			Backpressure:    newsview.BackpressureBlock,
			ListenerTimeout: defaultListenerTimeout,
		},
	}
	for _, option := range options {
		option(feed)
	}

	return feed
}

// Publish dispatches one batch to every subscription of kind.
func (f *Feed) Publish(ctx context.Context, kind newsview.EntityKind, events []newsview.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	for idx, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("publish %s batch event %d: %w", kind, idx, err)
		}
	}

	subs, err := f.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish %s batch: %w", kind, err)
	}

	var publishErrs []error
	for _, sub := range subs {
		if sub.kind != kind {
			continue
		}
		if err := sub.enqueue(ctx, newsview.CloneChangeEvents(events)); err != nil {
			if errors.Is(err, newsview.ErrEventDropped) || errors.Is(err, newsview.ErrSubscriptionClosed) {
				f.reportAsyncError(ctx, sub.name, err)
				continue
			}
			publishErrs = append(publishErrs, err)
		}
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish %s batch: %w", kind, errors.Join(publishErrs...))
	}

	return nil
}

// Subscribe registers listener for batches of kind.
func (f *Feed) Subscribe(
	ctx context.Context,
	kind newsview.EntityKind,
	listener newsview.BatchListener,
) (newsview.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	if listener == nil {
		return nil, fmt.Errorf("subscribe %s: nil listener", kind)
	}

	subID := atomic.AddInt64(&f.nextID, 1)
	sub := newFeedSubscription(subID, kind, f.spec, listener, f)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: feed closed", kind)
	}
	f.subscriptions[subID] = sub

	return sub, nil
}

// Close stops all active subscriptions and rejects further publishes and subscribes.
func (f *Feed) Close(ctx context.Context) error {
	subs := make([]*feedSubscription, 0)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, sub := range f.subscriptions {
		subs = append(subs, sub)
	}
	f.subscriptions = make(map[int64]*feedSubscription)
	f.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}

	if len(closeErrs) > 0 {
		return fmt.Errorf("close change feed: %w", errors.Join(closeErrs...))
	}

	return nil
}

// Flush waits until every batch published before the call has been delivered
// or dropped by its subscription.
func (f *Feed) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		subs, err := f.snapshotSubscriptions()
		if err != nil {
			return fmt.Errorf("flush change feed: %w", err)
		}
		idle := true
		for _, sub := range subs {
			if sub.pending.Load() > 0 && !sub.closed.Load() {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("flush change feed: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Subscribers returns the number of active subscriptions for kind.
func (f *Feed) Subscribers(kind newsview.EntityKind) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	count := 0
	for _, sub := range f.subscriptions {
		if sub.kind == kind {
			count++
		}
	}

	return count
}

// snapshotSubscriptions returns a stable copy for lock-free publish fan-out.
func (f *Feed) snapshotSubscriptions() ([]*feedSubscription, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, fmt.Errorf("feed closed")
	}

	subs := make([]*feedSubscription, 0, len(f.subscriptions))
	for _, sub := range f.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

func (f *Feed) unsubscribe(ctx context.Context, subID int64) error {
	f.mu.Lock()
	sub, found := f.subscriptions[subID]
	if found {
		delete(f.subscriptions, subID)
	}
	f.mu.Unlock()

	if !found {
		return nil
	}

	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.name, err)
	}

	return nil
}

func (f *Feed) reportAsyncError(ctx context.Context, scope string, err error) {
	if f.onAsyncError != nil {
		f.onAsyncError(ctx, scope, err)
	}
}

// feedSubscription owns queueing and the worker lifecycle for one listener.
// Queue closure is driven by context cancellation rather than channel close.
type feedSubscription struct {
	id       int64
	name     string
	kind     newsview.EntityKind
	spec     newsview.FeedSpec
	listener newsview.BatchListener
	queue    chan []newsview.ChangeEvent
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool
	pending  atomic.Int64
	once     sync.Once
	feed     *Feed
}

func newFeedSubscription(
	subID int64,
	kind newsview.EntityKind,
	spec newsview.FeedSpec,
	listener newsview.BatchListener,
	feed *Feed,
) *feedSubscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &feedSubscription{
		id:       subID,
		name:     fmt.Sprintf("%s-subscription-%d", kind, subID),
		kind:     kind,
		spec:     spec,
		listener: listener,
		queue:    make(chan []newsview.ChangeEvent, spec.Buffer),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		feed:     feed,
	}

	go sub.runWorker()

	return sub
}

// Name returns the stable subscription name.
func (s *feedSubscription) Name() string {
	return s.name
}

// Close unregisters this subscription from its parent feed.
func (s *feedSubscription) Close(ctx context.Context) error {
	return s.feed.unsubscribe(ctx, s.id)
}

func (s *feedSubscription) enqueue(ctx context.Context, batch []newsview.ChangeEvent) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.name, newsview.ErrSubscriptionClosed)
	}

	s.pending.Add(1)
	var err error
	switch s.spec.Backpressure {
	case newsview.BackpressureBlock:
		err = s.enqueueBlock(ctx, batch)
	case newsview.BackpressureDropNewest:
		err = s.enqueueDropNewest(batch)
	case newsview.BackpressureDropOldest:
		err = s.enqueueDropOldest(batch)
	default:
		err = fmt.Errorf("enqueue %s: unsupported backpressure %q", s.name, s.spec.Backpressure)
	}
	if err != nil {
		s.pending.Add(-1)
	}

	return err
}

func (s *feedSubscription) enqueueBlock(ctx context.Context, batch []newsview.ChangeEvent) error {
	select {
	case s.queue <- batch:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.name, newsview.ErrSubscriptionClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.name, ctx.Err())
	}
}

func (s *feedSubscription) enqueueDropNewest(batch []newsview.ChangeEvent) error {
	select {
	case s.queue <- batch:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.name, newsview.ErrEventDropped)
	}
}

func (s *feedSubscription) enqueueDropOldest(batch []newsview.ChangeEvent) error {
	select {
	case s.queue <- batch:
		return nil
	default:
	}

	select {
	case <-s.queue:
		s.pending.Add(-1)
	default:
	}

	select {
	case s.queue <- batch:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.name, newsview.ErrEventDropped)
	}
}

// runWorker drains the queue until subscription context cancellation.
func (s *feedSubscription) runWorker() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case batch := <-s.queue:
			if err := s.deliver(batch); err != nil {
				s.feed.reportAsyncError(s.ctx, s.name, err)
			}
			s.pending.Add(-1)
		}
	}
}

// deliver executes one listener call with optional timeout and panic recovery.
func (s *feedSubscription) deliver(batch []newsview.ChangeEvent) error {
	listenerCtx := s.ctx
	cancel := func() {}
	if s.spec.ListenerTimeout > time.Duration(0) {
		listenerCtx, cancel = context.WithTimeout(s.ctx, s.spec.ListenerTimeout)
	}
	defer cancel()

	return callListener(listenerCtx, s.name, s.listener, batch)
}

func (s *feedSubscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown waits for worker exit or returns when the supplied context expires.
func (s *feedSubscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.name, ctx.Err())
	}
}
