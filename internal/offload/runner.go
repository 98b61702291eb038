package offload

import (
	"context"
	"time"

	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

// nonceSpace is the trial count credited for a dispatch answered NOTFOUND.
const nonceSpace = 1 << 32

// Runner drives a device across extranonces with the same contract as the
// local engine. The device scans the whole nonce range of each unit, so the
// nonce bounds in Options are not used and trial counts are estimates.
type Runner struct {
	device *Device
	logger *log.Logger
}

// NewRunner creates a runner for device.
func NewRunner(device *Device, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{device: device, logger: logger.WithComponent("offload_runner")}
}

// Name identifies the backend in logs and metrics.
func (r *Runner) Name() string { return "offload:" + r.device.Name() }

// Search dispatches one unit per extranonce until the device reports a
// verified solution, the extranonce range is exhausted, the first unit's
// timeout passes or ctx is canceled. Unverified solutions are discarded and
// the search moves on. A transport error ends the search and is returned
// together with the partial result, whose LastExtranonce is the unit that
// failed; the caller decides whether to fall back.
func (r *Runner) Search(ctx context.Context, b search.UnitBuilder, opts search.Options) (*search.Result, error) {
	start := time.Now()
	res := &search.Result{LastExtranonce: opts.ExtranonceStart}
	if ctx.Err() != nil {
		res.Reason = search.Canceled
		return res.Finish(start), nil
	}

	var passCtx context.Context
	var cancel context.CancelFunc
	for extranonce := opts.ExtranonceStart; ; extranonce++ {
		u, err := b.Build(extranonce)
		if err != nil {
			return nil, err
		}
		if passCtx == nil {
			if u.Timeout() < 0 {
				passCtx, cancel = context.WithCancel(ctx)
			} else {
				passCtx, cancel = context.WithDeadline(ctx, start.Add(u.Timeout()))
			}
			defer cancel()
		}
		res.LastExtranonce = extranonce

		if passCtx.Err() != nil {
			return stopped(ctx, res, start), nil
		}

		out, err := r.device.Dispatch(passCtx, u)
		switch {
		case err == nil && out.Found:
			res.Trials += uint64(out.Solution.Nonce) + 1
			res.Solution = out.Solution
			res.Reason = search.Found
			return res.Finish(start), nil
		case err == nil:
			res.Trials += nonceSpace
		case errors.Is(err, errors.ErrUnverifiedSolution):
			// the device scanned up to the nonce it reported
			res.Trials += uint64(out.Nonce) + 1
			res.Discarded++
			r.logger.WithError(err).Warn("discarding unverified device solution",
				"extranonce", extranonce)
		case passCtx.Err() != nil:
			return stopped(ctx, res, start), nil
		default:
			return res.Finish(start), err
		}

		if extranonce == opts.ExtranonceEnd {
			res.Reason = search.Exhausted
			return res.Finish(start), nil
		}
	}
}

func stopped(ctx context.Context, res *search.Result, start time.Time) *search.Result {
	res.Reason = search.Timeout
	if ctx.Err() != nil {
		res.Reason = search.Canceled
	}
	return res.Finish(start)
}
