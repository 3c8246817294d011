package mllp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/pkg/circuitbreaker"
)

const testRDE = "MSH|^~\\&|VPMS|Main Clinic|Cubex|Pharmacy|20240301093000||RDE^O11^RDE_O11|42|P|2.5\rPID|1||1001"

func TestFrameAndUnframe(t *testing.T) {
	framed := Frame([]byte(testRDE))
	if framed[0] != StartBlock || framed[len(framed)-2] != EndBlock || framed[len(framed)-1] != CarriageReturn {
		t.Fatalf("unexpected framing bytes: %q", framed)
	}

	combined := append(framed, Frame([]byte("second"))...)
	first, rest, found := Unframe(combined)
	if !found || string(first) != testRDE {
		t.Fatalf("first frame = %q, found = %v", first, found)
	}
	second, rest, found := Unframe(rest)
	if !found || string(second) != "second" || len(rest) != 0 {
		t.Fatalf("second frame = %q, rest = %q", second, rest)
	}
	if _, _, found := Unframe([]byte{StartBlock, 'M'}); found {
		t.Error("partial frame reported as found")
	}
}

func TestReadFrame(t *testing.T) {
	data := append([]byte("\r\n"), Frame([]byte("one"))...)
	data = append(data, Frame([]byte("two"))...)
	r := bufio.NewReader(bytes.NewReader(data))

	for _, want := range []string{"one", "two"} {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"garbage", []byte("MSH|"), ErrMalformedFrame},
		{"truncated", []byte{StartBlock, 'M', 'S', 'H'}, io.ErrUnexpectedEOF},
		{"missing cr", []byte{StartBlock, 'M', EndBlock, 'x'}, ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(bytes.NewReader(tt.data)))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	data := append([]byte{StartBlock}, bytes.Repeat([]byte("x"), MaxMessageSize+1)...)
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader(data))); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func startServer(t *testing.T, h Handler) (*Server, connector.Connector) {
	t.Helper()
	srv := NewServer(DefaultServerConfig("127.0.0.1:0"), h, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	host, port, _ := net.SplitHostPort(srv.Addr())
	p, _ := strconv.Atoi(port)
	return srv, connector.Connector{ID: "pharmacy", Kind: connector.KindSender, Host: host, Port: p, Timeout: 2 * time.Second}
}

func TestSenderRoundTrip(t *testing.T) {
	_, c := startServer(t, HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		return append([]byte("ACK:"), payload[:3]...)
	}))

	s := NewSender(circuitbreaker.NewManager(nil, nil), circuitbreaker.DefaultConfig(""), nil)
	for i := 0; i < 3; i++ {
		resp, err := s.SendAndReceive(context.Background(), []byte(testRDE), c)
		if err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		if string(resp) != "ACK:MSH" {
			t.Errorf("response = %q", resp)
		}
	}
}

func TestSenderConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := connector.Connector{ID: "gone", Kind: connector.KindSender, Host: "127.0.0.1", Port: addr.Port}
	_, err = NewSender(nil, circuitbreaker.Config{}, nil).SendAndReceive(context.Background(), []byte(testRDE), c)

	var terr *dispatch.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Op != "connect" || terr.Connector != "gone" {
		t.Errorf("unexpected error: %+v", terr)
	}
}

func TestSenderTimesOutWithoutResponse(t *testing.T) {
	_, c := startServer(t, HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewSender(nil, circuitbreaker.Config{}, nil).SendAndReceive(ctx, []byte(testRDE), c)

	var terr *dispatch.TransportError
	if !errors.As(err, &terr) || terr.Op != "read" {
		t.Fatalf("expected read TransportError, got %v", err)
	}
}

func TestSenderOpenCircuitIsTransportError(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	c := connector.Connector{ID: "flaky", Kind: connector.KindSender, Host: "127.0.0.1", Port: port}

	cfg := circuitbreaker.DefaultConfig("")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	breakers := circuitbreaker.NewManager(nil, nil)
	s := NewSender(breakers, cfg, nil)

	for i := 0; i < 2; i++ {
		s.SendAndReceive(context.Background(), []byte(testRDE), c)
	}
	_, err := s.SendAndReceive(context.Background(), []byte(testRDE), c)

	var terr *dispatch.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !circuitbreaker.IsOpenError(err) {
		t.Errorf("expected open circuit, got %v", err)
	}
	if cb, _ := breakers.Get("flaky"); !cb.IsOpen() {
		t.Error("breaker should be open")
	}
}

func TestServerHandlesFramesInOrder(t *testing.T) {
	handled := make(chan string, 2)
	srv, _ := startServer(t, HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		handled <- string(payload)
		return []byte("ok")
	}))

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write(append(Frame([]byte("a")), Frame([]byte("b"))...))
	r := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		resp, err := ReadFrame(r)
		if err != nil || string(resp) != "ok" {
			t.Fatalf("response %d = %q, %v", i, resp, err)
		}
	}
	if first, second := <-handled, <-handled; first != "a" || second != "b" {
		t.Errorf("handled %s then %s", first, second)
	}
}
