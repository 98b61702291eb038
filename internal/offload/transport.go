package offload

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomine/pkg/errors"
)

// Transport carries one request line to a device and returns its answer.
// Exchange blocks until the answer arrives or ctx is done.
type Transport interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
	Close() error
}

// StreamTransport speaks the line protocol over a byte stream: a serial
// character device or a TCP connection. A failed or abandoned exchange
// leaves the stream out of sync, so the connection is dropped and reopened
// on the next exchange when the transport knows how to.
type StreamTransport struct {
	mu     sync.Mutex
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	reopen func() (io.ReadWriteCloser, error)
	broken error
}

// NewStreamTransport wraps an open stream. It is not reopened after a failure.
func NewStreamTransport(conn io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{conn: conn, reader: bufio.NewReader(conn)}
}

// OpenStream opens a character device such as /dev/ttyUSB0. Line settings
// (baud rate, raw mode) are expected to be configured outside the process.
func OpenStream(path string) (*StreamTransport, error) {
	open := func() (io.ReadWriteCloser, error) {
		return os.OpenFile(path, os.O_RDWR, 0)
	}
	return newReopening(open, "open_stream", path)
}

// DialStream connects to a device bridge at a TCP address.
func DialStream(address string, timeout time.Duration) (*StreamTransport, error) {
	dial := func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", address, timeout)
	}
	return newReopening(dial, "dial_stream", address)
}

func newReopening(open func() (io.ReadWriteCloser, error), op, target string) (*StreamTransport, error) {
	conn, err := open()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOffload, op, "failed to open device").
			WithKind(errors.ErrOffloadTransport).
			WithContext("device", target)
	}
	t := NewStreamTransport(conn)
	t.reopen = open
	return t, nil
}

type lineResult struct {
	line []byte
	err  error
}

// Exchange writes req and reads one line back.
func (s *StreamTransport) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	done := make(chan lineResult, 1)
	conn, reader := s.conn, s.reader
	go func() {
		if _, err := conn.Write(req); err != nil {
			done <- lineResult{err: err}
			return
		}
		line, err := reader.ReadBytes('\n')
		done <- lineResult{line: line, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.drop(r.err)
			return nil, r.err
		}
		return r.line, nil
	case <-ctx.Done():
		// closing unblocks the pending read
		s.drop(ctx.Err())
		return nil, ctx.Err()
	}
}

func (s *StreamTransport) ensureOpen() error {
	if s.broken == nil {
		return nil
	}
	if s.reopen == nil {
		return errors.New(errors.ErrorTypeOffload, "stream_exchange", "stream closed after a failed exchange").
			WithKind(errors.ErrOffloadTransport).
			WithContext("cause", s.broken.Error())
	}
	conn, err := s.reopen()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOffload, "stream_exchange", "failed to reopen device").
			WithKind(errors.ErrOffloadTransport)
	}
	s.conn, s.reader, s.broken = conn, bufio.NewReader(conn), nil
	return nil
}

func (s *StreamTransport) drop(cause error) {
	s.broken = cause
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Close closes the stream.
func (s *StreamTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = io.ErrClosedPipe
	s.reopen = nil
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// ZMQTransport exchanges requests with a device bridge over a REQ socket.
// A REQ socket cannot send again until it has received, so any failed or
// abandoned exchange discards the socket and the next one reconnects.
type ZMQTransport struct {
	mu       sync.Mutex
	endpoint string
	socket   *zmq.Socket
	poll     time.Duration
}

// NewZMQTransport connects a REQ socket to endpoint.
func NewZMQTransport(endpoint string) (*ZMQTransport, error) {
	z := &ZMQTransport{endpoint: endpoint, poll: 100 * time.Millisecond}
	if err := z.connect(); err != nil {
		return nil, err
	}
	return z, nil
}

func (z *ZMQTransport) connect() error {
	socket, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeOffload, "zmq_transport", "failed to create REQ socket").
			WithKind(errors.ErrOffloadTransport)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return errors.Wrap(err, errors.ErrorTypeOffload, "zmq_transport", "failed to set linger").
			WithKind(errors.ErrOffloadTransport)
	}
	if err := socket.Connect(z.endpoint); err != nil {
		_ = socket.Close()
		return errors.Wrap(err, errors.ErrorTypeOffload, "zmq_transport", "failed to connect").
			WithKind(errors.ErrOffloadTransport).
			WithContext("endpoint", z.endpoint)
	}
	z.socket = socket
	return nil
}

func (z *ZMQTransport) reset() {
	if z.socket != nil {
		_ = z.socket.Close()
		z.socket = nil
	}
}

// Exchange sends req as one message and waits for the reply.
func (z *ZMQTransport) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if z.socket == nil {
		if err := z.connect(); err != nil {
			return nil, err
		}
	}

	if _, err := z.socket.SendBytes(req, 0); err != nil {
		z.reset()
		return nil, err
	}

	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)
	for {
		if err := ctx.Err(); err != nil {
			z.reset()
			return nil, err
		}
		polled, err := poller.Poll(z.poll)
		if err != nil {
			z.reset()
			return nil, err
		}
		if len(polled) == 0 {
			continue
		}
		reply, err := z.socket.RecvBytes(0)
		if err != nil {
			z.reset()
			return nil, err
		}
		return reply, nil
	}
}

// Close closes the socket.
func (z *ZMQTransport) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
