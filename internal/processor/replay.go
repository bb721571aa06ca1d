package processor

import (
	"context"

	"github.com/austindbirch/parcelhook/internal/store"
)

// ReplayResult is the outcome of one replayed storage id
type ReplayResult struct {
	StorageID int64
	Outcome   Outcome
	Err       error
}

// Replay runs Process for each id, or for the queue's pending rows when ids
// is empty. It stops early only when ctx is done or listing fails.
func (p *Processor) Replay(ctx context.Context, filter store.PendingFilter, ids []int64) ([]ReplayResult, error) {
	if len(ids) == 0 {
		pending, err := p.pending(ctx, filter)
		if err != nil {
			return nil, err
		}
		ids = pending
	}

	results := make([]ReplayResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		outcome, err := p.Process(ctx, id)
		results = append(results, ReplayResult{StorageID: id, Outcome: outcome, Err: err})
	}
	return results, nil
}

func (p *Processor) pending(ctx context.Context, filter store.PendingFilter) ([]int64, error) {
	sess, err := p.store.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	rows, err := sess.ListPending(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}
