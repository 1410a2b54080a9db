package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type pipeDialer struct {
	conns chan net.Conn
	dials atomic.Int32
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan net.Conn, 4)}
}

// next queues a fresh pipe and returns the controller's end.
func (d *pipeDialer) next() net.Conn {
	client, device := net.Pipe()
	d.conns <- client
	return device
}

func (d *pipeDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-d.conns:
		d.dials.Add(1)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *pipeDialer) String() string { return "pipe" }

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	ch    chan string
}

func newLineRecorder() *lineRecorder {
	return &lineRecorder{ch: make(chan string, 16)}
}

func (r *lineRecorder) handle(ctx context.Context, raw string) {
	r.mu.Lock()
	r.lines = append(r.lines, raw)
	r.mu.Unlock()
	r.ch <- raw
}

func (r *lineRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case line := <-r.ch:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound line")
		return ""
	}
}

func startLink(t *testing.T, d Dialer, opts ...Option) *Link {
	t.Helper()
	opts = append([]Option{WithBackoff(NewBackoff(time.Millisecond, 5*time.Millisecond))}, opts...)
	l := New(d, zap.NewNop(), opts...)
	l.Start(context.Background())
	t.Cleanup(func() { l.Close() })
	return l
}

func waitConnected(t *testing.T, l *Link) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !l.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("link did not connect")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLinkRoutesLines(t *testing.T) {
	dialer := newPipeDialer()
	device := dialer.next()
	rec := newLineRecorder()
	gate, err := NewFirmwareGate(">= 1.2.0")
	if err != nil {
		t.Fatalf("NewFirmwareGate: %v", err)
	}
	l := startLink(t, dialer, WithLineHandler(rec.handle), WithFirmwareGate(gate))

	if _, err := io.WriteString(device, "FW 1.3\r\nACK\n[00:01] SLOT_1:PRESENT\n\n"); err != nil {
		t.Fatalf("device write: %v", err)
	}

	if got := rec.wait(t); got != "[00:01] SLOT_1:PRESENT" {
		t.Errorf("handler got %q", got)
	}
	if v := l.FirmwareVersion(); v != "1.3" {
		t.Errorf("firmware = %q, want 1.3", v)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lines) != 1 {
		t.Errorf("ack and firmware lines must not reach the handler, got %v", rec.lines)
	}
}

func TestLinkDropsOversizedLine(t *testing.T) {
	dialer := newPipeDialer()
	device := dialer.next()
	rec := newLineRecorder()
	startLink(t, dialer, WithLineHandler(rec.handle))

	go func() {
		io.WriteString(device, strings.Repeat("x", maxLineBytes*2)+"\n")
		io.WriteString(device, "SLOT_4:REMOVED\n")
	}()

	if got := rec.wait(t); got != "SLOT_4:REMOVED" {
		t.Errorf("handler got %q, want the line after the oversized one", got)
	}
}

func TestLinkRequestAcknowledged(t *testing.T) {
	dialer := newPipeDialer()
	device := dialer.next()
	l := startLink(t, dialer)
	waitConnected(t, l)

	received := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(device).ReadString('\n')
		received <- line
		io.WriteString(device, "OK\n")
	}()

	if err := l.Request(context.Background(), "SEG 1 POS 1 COLOR 0 MODE SOLID", time.Second); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if got := <-received; got != "SEG 1 POS 1 COLOR 0 MODE SOLID\n" {
		t.Errorf("device received %q", got)
	}
}

func TestLinkRequestTimeout(t *testing.T) {
	dialer := newPipeDialer()
	device := dialer.next()
	l := startLink(t, dialer)
	waitConnected(t, l)

	go io.Copy(io.Discard, device)

	start := time.Now()
	err := l.Request(context.Background(), "SEG 0 POS 0 COLOR 32 MODE PULSE", 50*time.Millisecond)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("request returned before the ack timeout")
	}
}

func TestLinkDiscardsStaleAck(t *testing.T) {
	dialer := newPipeDialer()
	device := dialer.next()
	rec := newLineRecorder()
	l := startLink(t, dialer, WithLineHandler(rec.handle))

	go func() {
		io.WriteString(device, "ACK\nSLOT_0:PRESENT\n")
		io.Copy(io.Discard, device)
	}()
	rec.wait(t)

	err := l.Request(context.Background(), "SEG 0 POS 0 COLOR 0 MODE SOLID", 50*time.Millisecond)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("an ack received before the write must not satisfy the request, got %v", err)
	}
}

func TestLinkSendNotConnected(t *testing.T) {
	l := New(newPipeDialer(), zap.NewNop())
	if err := l.Send("PING"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestLinkReconnects(t *testing.T) {
	dialer := newPipeDialer()
	first := dialer.next()
	rec := newLineRecorder()
	l := startLink(t, dialer, WithLineHandler(rec.handle))
	waitConnected(t, l)

	second := dialer.next()
	first.Close()

	go io.WriteString(second, "SLOT_2:PRESENT\n")
	if got := rec.wait(t); got != "SLOT_2:PRESENT" {
		t.Errorf("handler got %q after reconnect", got)
	}
	if n := dialer.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestLinkSerializesWrites(t *testing.T) {
	dialer := newPipeDialer()
	device := dialer.next()
	l := startLink(t, dialer)
	waitConnected(t, l)

	const writers, perWriter = 4, 25
	lines := make(chan string, writers*perWriter)
	go func() {
		reader := bufio.NewReader(device)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSuffix(line, "\n")
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := l.Send("SEG 3 POS 3 COLOR 160 MODE SOLID"); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < writers*perWriter; i++ {
		select {
		case line := <-lines:
			if line != "SEG 3 POS 3 COLOR 160 MODE SOLID" {
				t.Fatalf("interleaved write: %q", line)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d lines arrived", i)
		}
	}
}

func TestLinkCloseUnblocksReader(t *testing.T) {
	dialer := newPipeDialer()
	dialer.next()
	l := New(dialer, zap.NewNop())
	l.Start(context.Background())
	waitConnected(t, l)

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if l.Connected() {
		t.Error("link still reports connected after Close")
	}
}

// slowDialer ignores ctx while dialing, like a serial port open.
type slowDialer struct {
	entered chan struct{}
	release chan struct{}
}

func (d *slowDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	close(d.entered)
	<-d.release
	client, _ := net.Pipe()
	return client, nil
}

func (d *slowDialer) String() string { return "slow" }

func TestLinkCloseDuringDial(t *testing.T) {
	dialer := &slowDialer{entered: make(chan struct{}), release: make(chan struct{})}
	l := New(dialer, zap.NewNop())
	l.Start(context.Background())
	<-dialer.entered

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()

	// Let Close cancel and find no stream before the dial completes.
	time.Sleep(20 * time.Millisecond)
	close(dialer.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung on a stream dialed after shutdown")
	}
	if l.Connected() {
		t.Error("link still reports connected after Close")
	}
}

func TestLinkOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("SLOT_5:REMOVED"))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		conn.WriteMessage(websocket.TextMessage, []byte("ACK"))
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	rec := newLineRecorder()
	dialer := &WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), HandshakeTimeout: time.Second}
	l := startLink(t, dialer, WithLineHandler(rec.handle))

	if got := rec.wait(t); got != "SLOT_5:REMOVED" {
		t.Fatalf("handler got %q", got)
	}
	if err := l.Request(context.Background(), "PING", time.Second); err != nil {
		t.Fatalf("Request over websocket: %v", err)
	}
	if got := <-received; got != "PING" {
		t.Errorf("bridge received %q, want PING without newline", got)
	}
}
