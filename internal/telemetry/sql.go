package telemetry

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/sirupsen/logrus"

	// database/sql drivers selected by db_driver.
	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"
)

// SQL dialects, named after their database/sql driver.
const (
	DialectPostgres   = "postgres"
	DialectClickHouse = "clickhouse"
)

var sqlColumns = []string{"session_id", "ts", "seq", "elapsed_s", "voltage_v", "current_a", "amp_hours", "watt_hours"}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLSink inserts one row per sample, tagged with a session id so several
// sessions can share a table. Works with PostgreSQL/TimescaleDB and
// ClickHouse.
type SQLSink struct {
	db        *sql.DB
	dialect   string
	table     string
	sessionID string
	insert    string
	logger    *logrus.Logger
}

// OpenSQLSink connects with the named driver and verifies the connection.
func OpenSQLSink(driver, dsn, table, sessionID string, createTable bool, logger *logrus.Logger) (*SQLSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s, err := NewSQLSink(db, driver, table, sessionID, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if createTable {
		if err := s.EnsureSchema(); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"driver":  driver,
		"table":   table,
		"session": sessionID,
	}).Info("Logging samples to database")
	return s, nil
}

// NewSQLSink wraps an open database handle.
func NewSQLSink(db *sql.DB, dialect, table, sessionID string, logger *logrus.Logger) (*SQLSink, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	placeholders := make([]string, len(sqlColumns))
	for i := range placeholders {
		switch dialect {
		case DialectPostgres:
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		case DialectClickHouse:
			placeholders[i] = "?"
		default:
			return nil, fmt.Errorf("unsupported database driver %q (want %s or %s)", dialect, DialectPostgres, DialectClickHouse)
		}
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(sqlColumns, ", "), strings.Join(placeholders, ","))

	return &SQLSink{
		db:        db,
		dialect:   dialect,
		table:     table,
		sessionID: sessionID,
		insert:    insert,
		logger:    logger,
	}, nil
}

// EnsureSchema creates the samples table when it does not exist.
func (s *SQLSink) EnsureSchema() error {
	var ddl string
	switch s.dialect {
	case DialectPostgres:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	seq BIGINT NOT NULL,
	elapsed_s DOUBLE PRECISION NOT NULL,
	voltage_v DOUBLE PRECISION NOT NULL,
	current_a DOUBLE PRECISION NOT NULL,
	amp_hours DOUBLE PRECISION NOT NULL,
	watt_hours DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (session_id, seq)
)`, s.table)
	case DialectClickHouse:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id String,
	ts DateTime64(6),
	seq Int64,
	elapsed_s Float64,
	voltage_v Float64,
	current_a Float64,
	amp_hours Float64,
	watt_hours Float64
) ENGINE = MergeTree ORDER BY (session_id, seq)`, s.table)
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLSink) Name() string { return "sql" }

func (s *SQLSink) OnSample(sample domain.Sample) error {
	_, err := s.db.Exec(s.insert,
		s.sessionID,
		sample.Timestamp,
		int64(sample.Seq),
		sample.Elapsed,
		sample.Voltage,
		sample.Current,
		sample.AmpHours,
		sample.WattHours,
	)
	if err != nil {
		return fmt.Errorf("insert sample %d: %w", sample.Seq, err)
	}
	return nil
}

func (s *SQLSink) OnSessionEnd(sum domain.Summary) error {
	s.logger.WithFields(logrus.Fields{"table": s.table, "rows": sum.Samples}).Debug("Closing database sink")
	return s.db.Close()
}
