package emberq

import (
	"context"

	"github.com/emberq/emberq/internal/hctx"
)

// Cancelled reports whether the task currently executing in ctx has been
// marked for cancellation via CancelTask. A handler running a long loop
// should check this periodically and return early when it reports true.
// It is a no-op (always false) if ctx was not provided by a Worker.
func Cancelled(ctx context.Context) bool {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return false
	}
	return st.Cancelled()
}
