package link

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Dialer opens a fresh byte stream to the station controller.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// NewDialer builds the dialer for the configured link kind.
func NewDialer(cfg config.LinkConfig) (Dialer, error) {
	timeout := time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	switch cfg.Kind {
	case config.LinkSerial:
		return &SerialDialer{Port: cfg.Address, BaudRate: cfg.BaudRate}, nil
	case config.LinkTCP:
		return &TCPDialer{Address: cfg.Address, Timeout: timeout}, nil
	case config.LinkWebSocket:
		return &WebSocketDialer{URL: cfg.Address, HandshakeTimeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unsupported link kind %q", cfg.Kind)
	}
}

// SerialDialer opens a local serial port at 8N1.
type SerialDialer struct {
	Port     string
	BaudRate int
}

func (d *SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", d.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset input buffer %s: %w", d.Port, err)
	}
	return port, nil
}

func (d *SerialDialer) String() string {
	return fmt.Sprintf("serial://%s@%d", d.Port, d.BaudRate)
}

// ListSerialPorts returns the serial devices visible to the host.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// TCPDialer reaches a serial-to-TCP bridge.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", d.Address, err)
	}
	return conn, nil
}

func (d *TCPDialer) String() string {
	return "tcp://" + d.Address
}

// WebSocketDialer reaches a bridge that carries one line per text frame.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", d.URL, err)
	}
	return &wsStream{conn: conn}, nil
}

func (d *WebSocketDialer) String() string {
	return d.URL
}

// wsStream adapts message frames to a newline-delimited byte stream.
type wsStream struct {
	conn *websocket.Conn
	buf  bytes.Buffer

	writeMu sync.Mutex
}

func (s *wsStream) Read(p []byte) (int, error) {
	for s.buf.Len() == 0 {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.buf.Write(msg)
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			s.buf.WriteByte('\n')
		}
	}
	return s.buf.Read(p)
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame := bytes.TrimRight(p, "\r\n")
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
