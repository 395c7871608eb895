package httpclient

import (
	"context"
	"errors"
	"time"
)

// errAttemptTimeout marks a context aborted by the per-attempt timer
// rather than by the caller. Used as the cancel cause so the two can be
// told apart after the fact.
var errAttemptTimeout = errors.New("attempt timed out")

// mergeCancel composes the caller's cancellation with an internal
// per-attempt timeout into a single context: whichever fires first
// aborts the attempt. The returned classify func reports, after the
// context is done, whether the timer (true) or the caller (false) won.
//
// Kept as one utility so the merge logic is not duplicated per call site.
func mergeCancel(parent context.Context, timeout time.Duration) (ctx context.Context, cancel context.CancelFunc, timedOut func() bool) {
	if timeout <= 0 {
		ctx, cancel = context.WithCancel(parent)
		return ctx, cancel, func() bool { return false }
	}

	ctx, cancel = context.WithTimeoutCause(parent, timeout, errAttemptTimeout)
	return ctx, cancel, func() bool {
		return errors.Is(context.Cause(ctx), errAttemptTimeout)
	}
}
