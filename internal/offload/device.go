package offload

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

// Outcome is the result of one dispatch. Solution is set only when Found,
// and only after the nonce passed the full-precision check. Nonce is the
// reported nonce, also set when it failed that check.
type Outcome struct {
	Found    bool
	Nonce    uint32
	Solution *work.Solution
}

// Device is a handle on one offload device.
type Device struct {
	name      string
	transport Transport
	policy    TargetPolicy
	breaker   *circuit.Breaker
	logger    *log.Logger
	observe   func(device, outcome string, latency time.Duration)
}

// NewDevice wraps transport. A nil policy sends the full-precision target.
func NewDevice(name string, transport Transport, policy TargetPolicy, logger *log.Logger) *Device {
	if policy == nil {
		policy = FullPrecision{}
	}
	if logger == nil {
		logger = log.Nop()
	}

	cfg := circuit.DeviceConfig(name)
	// a pass that runs into its deadline is not a device fault
	cfg.IsFailure = func(err error) bool {
		return err != nil &&
			!stderrors.Is(err, context.Canceled) &&
			!stderrors.Is(err, context.DeadlineExceeded)
	}

	return &Device{
		name:      name,
		transport: transport,
		policy:    policy,
		breaker:   circuit.New(cfg),
		logger:    logger.WithComponent("offload").WithFields("device", name),
	}
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Breaker exposes the device circuit breaker for health reporting.
func (d *Device) Breaker() *circuit.Breaker { return d.breaker }

// OnDispatch registers fn to be called after every exchange with the
// outcome label and round-trip latency. It must be set before the first
// Dispatch.
func (d *Device) OnDispatch(fn func(device, outcome string, latency time.Duration)) {
	d.observe = fn
}

func (d *Device) record(outcome string, latency time.Duration) {
	d.logger.LogDispatch(d.name, outcome, latency)
	if d.observe != nil {
		d.observe(d.name, outcome, latency)
	}
}

// Dispatch sends u to the device and waits for its answer. A reported nonce
// is accepted only if it meets u's full-precision target; otherwise the
// error carries kind ErrUnverifiedSolution. Transport and framing failures
// carry kind ErrOffloadTransport. Context errors are returned unwrapped.
func (d *Device) Dispatch(ctx context.Context, u *work.Unit) (Outcome, error) {
	req := EncodeRequest(Request{
		Tail:     u.HeaderTail(),
		Midstate: u.Midstate(),
		Target:   d.policy.DeviceTarget(u.Target()),
	})

	start := time.Now()
	reply, err := circuit.ExecuteWithResult(ctx, d.breaker, func() ([]byte, error) {
		return d.transport.Exchange(ctx, req)
	})
	latency := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.record("abandoned", latency)
			return Outcome{}, ctxErr
		}
		d.record("transport_error", latency)
		return Outcome{}, errors.Wrap(err, errors.ErrorTypeOffload, "dispatch", "device exchange failed").
			WithKind(errors.ErrOffloadTransport).
			WithContext("device", d.name)
	}

	resp, err := DecodeResponse(reply)
	if err != nil {
		d.record("bad_response", latency)
		return Outcome{}, errors.Wrap(err, errors.ErrorTypeOffload, "dispatch", "device response is malformed").
			WithKind(errors.ErrOffloadTransport).
			WithContext("device", d.name)
	}
	if !resp.Found {
		d.record("not_found", latency)
		return Outcome{}, nil
	}

	hash, ok := search.CheckNonce(u, resp.Nonce)
	if !ok {
		d.record("unverified", latency)
		return Outcome{Nonce: resp.Nonce}, errors.Newf(errors.ErrorTypeOffload, "dispatch",
			"device nonce %08x does not meet the target", resp.Nonce).
			WithKind(errors.ErrUnverifiedSolution).
			WithContext("device", d.name).
			WithContext("nonce", resp.Nonce).
			WithContext("hash", hash.String())
	}

	d.record("found", latency)
	return Outcome{Found: true, Nonce: resp.Nonce, Solution: u.Solve(resp.Nonce, hash)}, nil
}

// Close closes the transport.
func (d *Device) Close() error {
	return d.transport.Close()
}
