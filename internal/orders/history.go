package orders

import (
	"context"
	"fmt"
	"time"
)

// HistoryRecorder appends status changes to the audit trail. There is no
// update or delete counterpart.
type HistoryRecorder struct {
	Now func() time.Time
}

func (h *HistoryRecorder) Append(ctx context.Context, tx Tx, e HistoryEntry) (HistoryEntry, error) {
	if e.OrderID == "" || e.NewStatus == "" {
		return HistoryEntry{}, fmt.Errorf("%w: history entry needs order and new status", ErrValidation)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = h.now()
	}
	return tx.AppendHistory(ctx, e)
}

func (h *HistoryRecorder) now() time.Time {
	if h == nil || h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}
