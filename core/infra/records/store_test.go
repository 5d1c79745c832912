package records

import (
	"context"
	"testing"
	"time"
)

type ctxRemover struct {
	calls    int
	err      error
	deadline time.Time
}

func (r *ctxRemover) Remove(ctx context.Context, _ string) error {
	r.calls++
	r.err = ctx.Err()
	r.deadline, _ = ctx.Deadline()
	return nil
}

func TestRemovePayloadDetachedAndBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remover := &ctxRemover{}
	start := time.Now()
	removePayload(ctx, remover, "s", "blobs/s")
	if remover.calls != 1 {
		t.Fatalf("expected removal before return, got %d calls", remover.calls)
	}
	if remover.err != nil {
		t.Fatalf("removal inherited caller cancellation: %v", remover.err)
	}
	if remover.deadline.IsZero() || remover.deadline.After(start.Add(defaultRemoveTimeout+time.Second)) {
		t.Fatalf("expected bounded removal deadline, got %v", remover.deadline)
	}

	removePayload(ctx, remover, "s", "")
	removePayload(ctx, nil, "s", "blobs/s")
	if remover.calls != 1 {
		t.Fatalf("empty path must not trigger removal")
	}
}
