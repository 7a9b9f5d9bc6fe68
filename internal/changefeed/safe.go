package changefeed

import (
	"context"
	"fmt"

	"newsview/pkg/newsview"
)

// callListener runs one batch delivery, reporting a listener panic as
// newsview.ErrCallbackPanicked.
func callListener(ctx context.Context, name string, listener newsview.BatchListener, batch []newsview.ChangeEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("subscription %s: %w: %v", name, newsview.ErrCallbackPanicked, recovered)
		}
	}()

	if err := listener(ctx, batch); err != nil {
		return fmt.Errorf("subscription %s: %w", name, err)
	}

	return nil
}
