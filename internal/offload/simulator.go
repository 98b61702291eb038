package offload

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

// Simulator is the device side of the protocol implemented on the CPU. It
// compares against the target it is sent, exactly as hardware would.
type Simulator struct {
	NonceStart uint32
	NonceEnd   uint32
	Sample     uint32
}

// NewSimulator returns a simulator scanning the whole nonce range.
func NewSimulator() *Simulator {
	return &Simulator{NonceEnd: ^uint32(0), Sample: search.DefaultSampleInterval}
}

// Handle answers one request line.
func (s *Simulator) Handle(ctx context.Context, line []byte) ([]byte, error) {
	req, err := DecodeRequest(line)
	if err != nil {
		return nil, err
	}
	h := search.NewHasherFromParts(req.Midstate, req.Tail)
	r := search.ScanRange(ctx, h, &req.Target, s.NonceStart, s.NonceEnd, s.Sample)
	return EncodeResponse(Response{Found: r.Found, Nonce: r.Nonce}), nil
}

// Handler answers one request line.
type Handler func(ctx context.Context, line []byte) ([]byte, error)

// errorReply is what the device side sends for a request it cannot parse;
// the host treats it as a framing failure.
var errorReply = []byte("ERROR\n")

// ServeStream answers request lines read from rw until EOF or ctx is done.
// A read blocked on an idle stream only returns once the stream is closed.
func ServeStream(ctx context.Context, rw io.ReadWriter, handle Handler, logger *log.Logger) error {
	if logger == nil {
		logger = log.Nop()
	}
	reader := bufio.NewReader(rw)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeOffload, "serve_stream", "read failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reply, err := answer(ctx, handle, line, logger)
		if err != nil {
			return err
		}
		if _, err := rw.Write(reply); err != nil {
			return errors.Wrap(err, errors.ErrorTypeOffload, "serve_stream", "write failed")
		}
	}
}

// ServeZMQ answers requests on a REP socket bound to endpoint until ctx is done.
func ServeZMQ(ctx context.Context, endpoint string, handle Handler, logger *log.Logger) error {
	if logger == nil {
		logger = log.Nop()
	}
	socket, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOffload, "serve_zmq", "failed to create REP socket")
	}
	defer func() { _ = socket.Close() }()
	if err := socket.SetLinger(0); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOffload, "serve_zmq", "failed to set linger")
	}
	if err := socket.Bind(endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOffload, "serve_zmq", "failed to bind").
			WithContext("endpoint", endpoint)
	}
	logger.Info("device simulator listening", "endpoint", endpoint)

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		polled, err := poller.Poll(100 * time.Millisecond)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeOffload, "serve_zmq", "poll failed")
		}
		if len(polled) == 0 {
			continue
		}

		line, err := socket.RecvBytes(0)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeOffload, "serve_zmq", "receive failed")
		}
		reply, err := answer(ctx, handle, line, logger)
		if err != nil {
			return err
		}
		if _, err := socket.SendBytes(reply, 0); err != nil {
			return errors.Wrap(err, errors.ErrorTypeOffload, "serve_zmq", "send failed")
		}
	}
}

// answer runs handle, mapping request errors to errorReply. Only a done
// ctx is returned as an error.
func answer(ctx context.Context, handle Handler, line []byte, logger *log.Logger) ([]byte, error) {
	start := time.Now()
	reply, err := handle(ctx, line)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		logger.WithError(err).Warn("rejecting request")
		return errorReply, nil
	}
	logger.Debug("answered request", "reply", string(bytes.TrimSpace(reply)), "elapsed_ms", time.Since(start).Milliseconds())
	return reply, nil
}
