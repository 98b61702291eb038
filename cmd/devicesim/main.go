// Package main implements devicesim, a CPU stand-in for an offload device.
// It answers the line protocol over TCP or a ZMQ REP socket so the miner's
// offload path can be exercised without hardware.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gomine/internal/offload"
	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/pkg/log"
)

type options struct {
	Listen     string `short:"l" long:"listen" description:"TCP address to serve the stream protocol on"`
	ZMQ        string `short:"z" long:"zmq" description:"ZMQ endpoint to bind a REP socket to"`
	NonceStart uint32 `long:"nonce-start" description:"First nonce scanned per request"`
	NonceEnd   uint32 `long:"nonce-end" default:"4294967295" description:"Last nonce scanned per request"`
	Sample     uint32 `long:"sample" default:"1048576" description:"Trials between cancellation checks"`
	MaxConns   int    `long:"max-conns" default:"4" description:"Concurrent TCP connections served"`
	LogLevel   string `long:"log-level" default:"info" description:"Log level {debug,info,warn,error}"`
	LogFormat  string `long:"log-format" default:"text" description:"Log format {json,text}"`
}

func parseOptions(args []string) (*options, error) {
	var opts options
	if _, err := flags.NewParser(&opts, flags.HelpFlag).ParseArgs(args); err != nil {
		return nil, err
	}
	if (opts.Listen == "") == (opts.ZMQ == "") {
		return nil, fmt.Errorf("exactly one of --listen or --zmq is required")
	}
	if opts.NonceStart > opts.NonceEnd {
		return nil, fmt.Errorf("--nonce-start %d is above --nonce-end %d", opts.NonceStart, opts.NonceEnd)
	}
	if opts.MaxConns <= 0 {
		return nil, fmt.Errorf("--max-conns must be positive")
	}
	return &opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New("devicesim", "dev", opts.LogLevel, opts.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("simulator failed")
		os.Exit(1)
	}
	logger.Info("simulator stopped")
}

func run(ctx context.Context, opts *options, logger *log.Logger) error {
	sim := &offload.Simulator{NonceStart: opts.NonceStart, NonceEnd: opts.NonceEnd, Sample: opts.Sample}
	if sim.Sample == 0 {
		sim.Sample = search.DefaultSampleInterval
	}

	if opts.ZMQ != "" {
		return offload.ServeZMQ(ctx, opts.ZMQ, sim.Handle, logger)
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return err
	}
	logger.Info("device simulator listening", "address", ln.Addr().String())
	return serveTCP(ctx, ln, sim.Handle, opts.MaxConns, logger)
}

// serveTCP serves each accepted connection with ServeStream, at most
// maxConns at a time, until ctx is done. Open connections are closed on
// shutdown. A request still being scanned when its host hangs up is
// canceled, which frees the connection slot.
func serveTCP(ctx context.Context, ln net.Listener, handle offload.Handler, maxConns int, logger *log.Logger) error {
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	swg := sizedwaitgroup.New(maxConns)
	defer swg.Wait()

	for {
		swg.Add()
		conn, err := ln.Accept()
		if err != nil {
			swg.Done()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		mu.Lock()
		if ctx.Err() != nil {
			// the shutdown sweep may already have run
			mu.Unlock()
			_ = conn.Close()
			swg.Done()
			return ctx.Err()
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		go func(conn net.Conn) {
			defer swg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				_ = conn.Close()
			}()
			serveConn(ctx, conn, handle, logger)
		}(conn)
	}
}

func serveConn(ctx context.Context, conn net.Conn, handle offload.Handler, logger *log.Logger) {
	connLogger := logger.WithFields("remote", conn.RemoteAddr().String())
	connLogger.Info("host connected")

	stream, connCtx, cancel := watchHost(ctx, conn)
	defer cancel()

	// requests on one connection are answered in order
	var served uint64
	counted := func(ctx context.Context, line []byte) ([]byte, error) {
		served++
		return handle(ctx, line)
	}
	start := time.Now()
	err := offload.ServeStream(connCtx, stream, counted, connLogger)
	connLogger.LogThroughput("device_requests", served, time.Since(start))
	if err != nil && connCtx.Err() == nil {
		connLogger.WithError(err).Warn("connection closed")
		return
	}
	connLogger.Info("host disconnected")
}

// hostStream hands ServeStream the request lines read ahead by watchHost
// and writes replies straight to the connection.
type hostStream struct {
	conn  net.Conn
	lines <-chan []byte
	buf   []byte
}

// watchHost reads request lines from conn in the background. The returned
// context is canceled once the host closes its side or the read fails, so
// the request in flight stops scanning.
func watchHost(ctx context.Context, conn net.Conn) (*hostStream, context.Context, context.CancelFunc) {
	connCtx, cancel := context.WithCancel(ctx)
	lines := make(chan []byte, 4)

	go func() {
		defer cancel()
		defer close(lines)
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-connCtx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return &hostStream{conn: conn, lines: lines}, connCtx, cancel
}

func (s *hostStream) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		line, ok := <-s.lines
		if !ok {
			return 0, io.EOF
		}
		s.buf = line
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *hostStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
