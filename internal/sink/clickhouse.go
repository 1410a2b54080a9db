package sink

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/ClickHouse/clickhouse-go/v2"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Execer is the part of driver.Conn the archive uses.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// ClickHouseArchive appends every closed session to an analytics table.
type ClickHouseArchive struct {
	conn    Execer
	table   string
	station string
}

// OpenClickHouse connects, pings and creates the archive table.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig, station string) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	archive, err := NewClickHouseArchive(conn, cfg.Table, station)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := archive.EnsureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return archive, nil
}

func NewClickHouseArchive(conn Execer, table, station string) (*ClickHouseArchive, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &ClickHouseArchive{conn: conn, table: table, station: station}, nil
}

func (c *ClickHouseArchive) Name() string { return "clickhouse" }

func (c *ClickHouseArchive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id       String,
			station          LowCardinality(String),
			identifier       String,
			slot_id          UInt16,
			started_at       DateTime64(3, 'UTC'),
			ended_at         DateTime64(3, 'UTC'),
			duration_seconds Int64,
			counted          UInt8,
			correlation_id   String
		) ENGINE = MergeTree
		ORDER BY (identifier, started_at)
	`, c.table)
	if err := c.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", c.table, err)
	}
	return nil
}

// Handle archives session_closed events and ignores the rest.
func (c *ClickHouseArchive) Handle(ctx context.Context, ev shared.SessionEvent) error {
	if ev.Type != shared.EventSessionClosed || ev.Session == nil || !ev.Session.Closed() {
		return nil
	}
	s := ev.Session

	var counted uint8
	if ev.Counted {
		counted = 1
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, station, identifier, slot_id, started_at, ended_at, duration_seconds, counted, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.table)
	err := c.conn.Exec(ctx, query,
		s.ID,
		c.station,
		s.Identifier,
		uint16(s.SlotID),
		s.StartedAt.UTC(),
		s.EndedAt.UTC(),
		*s.DurationSeconds,
		counted,
		ev.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}
	return nil
}

func (c *ClickHouseArchive) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	return nil
}
