package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

const maxLineBytes = 4096

var (
	ErrNotConnected = errors.New("link not connected")
	ErrAckTimeout   = errors.New("ack timeout")
)

// LineHandler receives every inbound line that is not an acknowledgment.
// It runs on the reader goroutine and must not block on link writes.
type LineHandler func(ctx context.Context, raw string)

// Observer is notified about connection state. All methods must be cheap.
type Observer interface {
	LinkConnected(connected bool)
	LinkReconnect()
	FirmwareChecked(version string, ok bool)
}

// Link owns the byte stream to the station controller. It reconnects with
// backoff, splits inbound data into lines, routes ACK/OK replies to the
// pending request and serializes all writes.
type Link struct {
	dialer   Dialer
	logger   *zap.Logger
	backoff  *Backoff
	onLine   LineHandler
	observer Observer
	firmware *FirmwareGate

	conn   io.ReadWriteCloser
	connMu sync.Mutex

	writeMu   sync.Mutex
	requestMu sync.Mutex
	acks      chan struct{}

	connected atomic.Bool
	version   atomic.Value

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Link)

func WithBackoff(b *Backoff) Option {
	return func(l *Link) { l.backoff = b }
}

func WithLineHandler(h LineHandler) Option {
	return func(l *Link) { l.onLine = h }
}

func WithObserver(o Observer) Option {
	return func(l *Link) { l.observer = o }
}

func WithFirmwareGate(g *FirmwareGate) Option {
	return func(l *Link) { l.firmware = g }
}

func New(dialer Dialer, logger *zap.Logger, opts ...Option) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Link{
		dialer:  dialer,
		logger:  logger.Named("link"),
		backoff: DefaultReconnectBackoff(),
		acks:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the reconnect loop in the background.
func (l *Link) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.connectLoop(ctx)
}

// Close stops reconnecting and closes the stream, which unblocks the reader.
func (l *Link) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.closeConn()
	if l.cancel != nil {
		<-l.done
	}
	return nil
}

func (l *Link) String() string {
	return l.dialer.String()
}

func (l *Link) Connected() bool {
	return l.connected.Load()
}

// FirmwareVersion is the last version the controller announced, if any.
func (l *Link) FirmwareVersion() string {
	v, _ := l.version.Load().(string)
	return v
}

func (l *Link) connectLoop(ctx context.Context) {
	defer close(l.done)

	for {
		err := l.dialAndServe(ctx)
		if ctx.Err() != nil {
			l.logger.Info("link shutting down")
			return
		}
		if err != nil {
			l.logger.Warn("link error", zap.String("target", l.dialer.String()), zap.Error(err))
		}
		if l.observer != nil {
			l.observer.LinkReconnect()
		}

		wait := l.backoff.Duration()
		l.logger.Info("reconnecting",
			zap.Duration("backoff", wait),
			zap.Int("attempt", l.backoff.Attempt()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *Link) dialAndServe(ctx context.Context) error {
	conn, err := l.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	// Close can run while Dial is still in flight and miss the new stream.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.setConnected(true)
	defer l.setConnected(false)

	l.backoff.Reset()
	l.logger.Info("link connected", zap.String("target", l.dialer.String()))

	err = l.readLoop(ctx, conn)
	l.closeConn()
	return err
}

// readLoop returns on the first read error. A trailing partial line and
// any line longer than maxLineBytes are dropped.
func (l *Link) readLoop(ctx context.Context, conn io.Reader) error {
	reader := bufio.NewReaderSize(conn, maxLineBytes)
	discarding := false

	for {
		chunk, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			discarding = true
			continue
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if discarding {
			discarding = false
			l.logger.Warn("dropped oversized line", zap.Int("limit", maxLineBytes))
			continue
		}

		raw := strings.TrimRight(string(chunk), "\r\n")
		if raw == "" {
			continue
		}
		l.dispatch(ctx, raw)
	}
}

func (l *Link) dispatch(ctx context.Context, raw string) {
	if shared.IsAck(raw) {
		select {
		case l.acks <- struct{}{}:
		default:
		}
		return
	}

	if line, err := shared.ParseInboundLine(raw); err == nil && line.Kind == shared.LineFirmware {
		l.version.Store(line.Firmware)
		ok := true
		if l.firmware != nil {
			ok = l.firmware.Check(line.Firmware)
			if !ok {
				l.logger.Warn("controller firmware outside supported range",
					zap.String("version", line.Firmware),
					zap.String("constraint", l.firmware.String()),
				)
			}
		}
		if l.observer != nil {
			l.observer.FirmwareChecked(line.Firmware, ok)
		}
		return
	}

	if l.onLine != nil {
		l.onLine(ctx, raw)
	}
}

// Send writes one line. Writes are serialized with every other writer.
func (l *Link) Send(line string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		l.closeConn()
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// Request writes one line and waits up to timeout for ACK or OK. Only one
// request is in flight at a time; acknowledgments that arrived before the
// write are discarded.
func (l *Link) Request(ctx context.Context, line string, timeout time.Duration) error {
	l.requestMu.Lock()
	defer l.requestMu.Unlock()

	l.drainAcks()
	if err := l.Send(line); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.acks:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrAckTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) drainAcks() {
	for {
		select {
		case <-l.acks:
		default:
			return
		}
	}
}

func (l *Link) setConnected(v bool) {
	l.connected.Store(v)
	if l.observer != nil {
		l.observer.LinkConnected(v)
	}
}

func (l *Link) closeConn() {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("close link stream", zap.Error(err))
		}
		l.conn = nil
	}
}
