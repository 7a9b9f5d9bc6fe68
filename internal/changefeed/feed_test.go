package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"newsview/pkg/newsview"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestFeedPublishDeliversMatchingKind verifies kind-filtered delivery.
func TestFeedPublishDeliversMatchingKind(t *testing.T) {
	t.Parallel()

	feed := New()
	t.Cleanup(func() {
		_ = feed.Close(context.Background())
	})

	received := make(chan []newsview.ChangeEvent, 2)
	if _, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(_ context.Context, events []newsview.ChangeEvent) error {
		received <- events
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := feed.Publish(context.Background(), newsview.EntityKindBin, []newsview.ChangeEvent{addedEvent(9)}); err != nil {
		t.Fatalf("publish bin batch failed: %v", err)
	}
	if err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{addedEvent(1)}); err != nil {
		t.Fatalf("publish news batch failed: %v", err)
	}

	select {
	case events := <-received:
		if len(events) != 1 || events[0].EntityID != 1 {
			t.Fatalf("events = %+v, want one event for entity 1", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}

	select {
	case events := <-received:
		t.Fatalf("unexpected extra batch %+v", events)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestFeedPreservesBatchOrder verifies per-kind ordering under the block policy.
func TestFeedPreservesBatchOrder(t *testing.T) {
	t.Parallel()

	feed := New(WithSpec(newsview.FeedSpec{Buffer: 2, Backpressure: newsview.BackpressureBlock}))
	t.Cleanup(func() {
		_ = feed.Close(context.Background())
	})

	var mu sync.Mutex
	var order []int64
	if _, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(_ context.Context, events []newsview.ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		for _, event := range events {
			order = append(order, event.EntityID)
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for id := int64(1); id <= 20; id++ {
		if err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{addedEvent(id)}); err != nil {
			t.Fatalf("publish %d failed: %v", id, err)
		}
	}

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for idx, id := range order {
		if id != int64(idx+1) {
			t.Fatalf("order = %v, want ascending ids", order)
		}
	}
}

// TestFeedBackpressurePolicies verifies queue behavior under the dropping policies.
func TestFeedBackpressurePolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    newsview.BackpressurePolicy
		wantOrder []int64
	}{
		{
			name:      "drop newest keeps queued oldest",
			policy:    newsview.BackpressureDropNewest,
			wantOrder: []int64{1, 2},
		},
		{
			name:      "drop oldest keeps latest",
			policy:    newsview.BackpressureDropOldest,
			wantOrder: []int64{1, 3},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var dropped sync.WaitGroup
			dropped.Add(1)
			var dropOnce sync.Once
			feed := New(
				WithSpec(newsview.FeedSpec{Buffer: 1, Backpressure: testCase.policy}),
				WithAsyncErrorHandler(func(_ context.Context, _ string, err error) {
					if errors.Is(err, newsview.ErrEventDropped) {
						dropOnce.Do(dropped.Done)
					}
				}),
			)
			t.Cleanup(func() {
				_ = feed.Close(context.Background())
			})

			release := make(chan struct{})
			blocked := make(chan struct{}, 1)
			var first sync.Once
			var mu sync.Mutex
			processed := make([]int64, 0, 3)

			if _, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(_ context.Context, events []newsview.ChangeEvent) error {
				first.Do(func() {
					blocked <- struct{}{}
					<-release
				})
				mu.Lock()
				processed = append(processed, events[0].EntityID)
				mu.Unlock()
				return nil
			}); err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}

			publish := func(id int64) {
				t.Helper()
				if err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{addedEvent(id)}); err != nil {
					t.Fatalf("publish %d failed: %v", id, err)
				}
			}

			publish(1)
			select {
			case <-blocked:
			case <-time.After(time.Second):
				t.Fatal("listener did not block as expected")
			}
			publish(2)
			publish(3)

			if testCase.policy == newsview.BackpressureDropNewest {
				dropped.Wait()
			}

			close(release)
			eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(processed) == 2
			})

			mu.Lock()
			got := append([]int64(nil), processed...)
			mu.Unlock()
			if got[0] != testCase.wantOrder[0] || got[1] != testCase.wantOrder[1] {
				t.Fatalf("processed = %v, want %v", got, testCase.wantOrder)
			}
		})
	}
}

// TestFeedListenerPanicIsReported verifies panic recovery at the worker boundary.
func TestFeedListenerPanicIsReported(t *testing.T) {
	t.Parallel()

	reported := make(chan error, 1)
	feed := New(WithAsyncErrorHandler(func(_ context.Context, _ string, err error) {
		reported <- err
	}))
	t.Cleanup(func() {
		_ = feed.Close(context.Background())
	})

	if _, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(context.Context, []newsview.ChangeEvent) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{addedEvent(1)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case err := <-reported:
		if !errors.Is(err, newsview.ErrCallbackPanicked) {
			t.Fatalf("reported error = %v, want ErrCallbackPanicked", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for panic report")
	}
}

// TestFeedSubscriptionClose verifies handle release and closed-feed rejection.
func TestFeedSubscriptionClose(t *testing.T) {
	t.Parallel()

	feed := New()
	sub, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(context.Context, []newsview.ChangeEvent) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if got := feed.Subscribers(newsview.EntityKindNews); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
	if err := sub.Close(context.Background()); err != nil {
		t.Fatalf("close subscription failed: %v", err)
	}
	if got := feed.Subscribers(newsview.EntityKindNews); got != 0 {
		t.Fatalf("subscribers after close = %d, want 0", got)
	}
	if err := sub.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if err := feed.Close(context.Background()); err != nil {
		t.Fatalf("close feed failed: %v", err)
	}
	if err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{addedEvent(1)}); err == nil {
		t.Fatal("expected publish on closed feed to fail")
	}
	if _, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(context.Context, []newsview.ChangeEvent) error {
		return nil
	}); err == nil {
		t.Fatal("expected subscribe on closed feed to fail")
	}
}

// TestFeedPublishRejectsInvalidEvents verifies contract validation before fan-out.
func TestFeedPublishRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	feed := New()
	t.Cleanup(func() {
		_ = feed.Close(context.Background())
	})

	err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{
		{EntityID: 1, Kind: newsview.ChangeAdded},
	})
	if err == nil {
		t.Fatal("expected invalid event publish to fail")
	}
}

func addedEvent(id int64) newsview.ChangeEvent {
	snapshot := newsview.EntitySnapshot{ID: id, State: newsview.StateNew, Source: "feed-a"}
	return newsview.ChangeEvent{EntityID: id, Kind: newsview.ChangeAdded, New: &snapshot}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

// TestFeedFlushWaitsForDelivery verifies Flush returns only after queued batches ran.
func TestFeedFlushWaitsForDelivery(t *testing.T) {
	t.Parallel()

	feed := New()
	t.Cleanup(func() {
		_ = feed.Close(context.Background())
	})

	var (
		mu        sync.Mutex
		delivered int
	)
	release := make(chan struct{})
	if _, err := feed.Subscribe(context.Background(), newsview.EntityKindNews, func(_ context.Context, _ []newsview.ChangeEvent) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for id := int64(1); id <= 3; id++ {
		if err := feed.Publish(context.Background(), newsview.EntityKindNews, []newsview.ChangeEvent{addedEvent(id)}); err != nil {
			t.Fatalf("publish %d failed: %v", id, err)
		}
	}

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := feed.Flush(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("flush with blocked listener error = %v, want deadline exceeded", err)
	}

	close(release)
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	if err := feed.Flush(flushCtx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 {
		t.Fatalf("delivered = %d, want 3", delivered)
	}
}
