package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomine/internal/offload"
	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/pkg/log"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "tcp", args: []string{"--listen", "127.0.0.1:9000"}},
		{name: "zmq", args: []string{"-z", "tcp://*:5555"}},
		{name: "neither", args: nil, wantErr: true},
		{name: "both", args: []string{"-l", ":9000", "-z", "tcp://*:5555"}, wantErr: true},
		{name: "inverted range", args: []string{"-l", ":9000", "--nonce-start", "10", "--nonce-end", "5"}, wantErr: true},
		{name: "no connections", args: []string{"-l", ":9000", "--max-conns", "0"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseOptions(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseOptions() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOptions() unexpected error: %v", err)
			}
			if opts.NonceEnd != ^uint32(0) || opts.MaxConns != 4 || opts.Sample != 1<<20 {
				t.Errorf("defaults = %+v", opts)
			}
		})
	}
}

func easyRequest() []byte {
	var t target.Target
	for i := range t {
		t[i] = 0xff
	}
	return offload.EncodeRequest(offload.Request{Target: t})
}

func TestServeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sim := &offload.Simulator{NonceStart: 7, NonceEnd: 100, Sample: 16}

	errc := make(chan error, 1)
	go func() { errc <- serveTCP(ctx, ln, sim.Handle, 2, log.Nop()) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	exchange := func(req []byte) offload.Response {
		t.Helper()
		if _, err := conn.Write(req); err != nil {
			t.Fatalf("Write() unexpected error: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("ReadBytes() unexpected error: %v", err)
		}
		resp, err := offload.DecodeResponse(line)
		if err != nil {
			t.Fatalf("DecodeResponse(%q) unexpected error: %v", line, err)
		}
		return resp
	}

	resp := exchange(easyRequest())
	if !resp.Found || resp.Nonce != 7 {
		t.Errorf("response = %+v, want nonce 7", resp)
	}

	// a malformed request is answered with ERROR and the connection stays up
	if _, err := conn.Write([]byte("garbage\n")); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	if line, err := reader.ReadString('\n'); err != nil || line != "ERROR\n" {
		t.Errorf("reply = %q, %v, want ERROR", line, err)
	}
	if resp := exchange(easyRequest()); !resp.Found {
		t.Error("connection unusable after a malformed request")
	}

	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("serveTCP() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveTCP() did not stop")
	}
}

func TestServeTCPCancelsAbandonedRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	released := make(chan struct{}, 1)
	handle := func(ctx context.Context, line []byte) ([]byte, error) {
		if strings.HasPrefix(string(line), "scan") {
			<-ctx.Done()
			released <- struct{}{}
			return nil, ctx.Err()
		}
		return []byte("ok\n"), nil
	}
	go func() { _ = serveTCP(ctx, ln, handle, 1, log.Nop()) }()

	first, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	if _, err := first.Write([]byte("scan\n")); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	_ = first.Close()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("request kept running after its host hung up")
	}

	// the only slot is free again
	second, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	defer func() { _ = second.Close() }()
	if _, err := second.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := bufio.NewReader(second).ReadString('\n')
	if err != nil || reply != "ok\n" {
		t.Errorf("reply = %q, %v, want ok", reply, err)
	}
}

// lateListener hands out one connection even after it has been closed.
type lateListener struct {
	conn      net.Conn
	served    bool
	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *lateListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.served {
		l.served = true
		l.mu.Unlock()
		<-l.closed
		return l.conn, nil
	}
	l.mu.Unlock()
	return nil, net.ErrClosed
}

func (l *lateListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *lateListener) Addr() net.Addr { return l.conn.LocalAddr() }

func TestServeTCPClosesConnectionAcceptedDuringShutdown(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = client.Close() }()
	ln := &lateListener{conn: server, closed: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serveTCP(ctx, ln, offload.NewSimulator().Handle, 1, log.Nop()) }()
	cancel()

	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("serveTCP() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveTCP() did not return after shutdown")
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read() on late connection = %v, want io.EOF", err)
	}
}
