package viewsync

import (
	"context"
	"fmt"

	"newsview/pkg/newsview"
)

// notifyDelta hands outcome to the rendering layer. A panicking listener
// yields newsview.ErrCallbackPanicked; the cache has already been patched.
func notifyDelta(ctx context.Context, listener DeltaListener, outcome newsview.Outcome) (err error) {
	if listener == nil || outcome.Plan == newsview.PlanNoOp {
		return nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("delta listener: %w: %v", newsview.ErrCallbackPanicked, recovered)
		}
	}()

	listener(ctx, outcome)

	return nil
}
