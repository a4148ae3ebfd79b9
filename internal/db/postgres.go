package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/db/conf"
	"github.com/amirphl/sma-replay/internal/journal"
	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// dialect captures what differs between the supported SQL backends.
type dialect struct {
	name       string
	serial     string
	positional bool // $1, $2 ... instead of ?
}

var postgresDialect = dialect{name: conf.DriverPostgres, serial: "BIGSERIAL PRIMARY KEY", positional: true}

// Default is the SQL-backed Storage shared by Postgres and SQLite. Times are
// stored as unix nanoseconds so both backends round-trip them exactly.
type Default struct {
	db      *sql.DB
	dialect dialect
}

// New wraps an opened connection and creates the schema if missing.
func New(ctx context.Context, c conf.Config) (*Default, error) {
	var d dialect
	switch c.Driver {
	case conf.DriverPostgres:
		d = postgresDialect
	case conf.DriverSQLite:
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.DB == nil {
		return nil, fmt.Errorf("%s: database is not open", c.Driver)
	}

	p := &Default{db: c.DB, dialect: d}
	if err := p.migrate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Open connects with the given settings and returns the matching storage.
func Open(ctx context.Context, c conf.Config) (*Default, error) {
	opened, err := conf.Open(ctx, c)
	if err != nil {
		return nil, err
	}
	p, err := New(ctx, opened)
	if err != nil {
		opened.DB.Close()
		return nil, err
	}
	return p, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) Close() error {
	return p.db.Close()
}

func (p *Default) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ticks (
			id ` + p.dialect.serial + `,
			symbol TEXT NOT NULL,
			bar_interval TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			open_interest DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ticks_symbol_ts ON ticks (symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS actions (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			sma1 DOUBLE PRECISION,
			sma2 DOUBLE PRECISION,
			action TEXT NOT NULL,
			position_change TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id ` + p.dialect.serial + `,
			ts BIGINT NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS events_type_ts ON events (type, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", p.dialect.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that use $n.
func (p *Default) rebind(query string) string {
	if !p.dialect.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = p.rebind(query)
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) SaveTicks(ctx context.Context, ticks []candle.Candle) error {
	if len(ticks) == 0 {
		return nil
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, p.rebind(`INSERT INTO ticks
			(symbol, bar_interval, source, ts, open, high, low, close, volume, open_interest)
			VALUES (?,?,?,?,?,?,?,?,?,?)`))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()
		for _, t := range ticks {
			_, err := stmt.ExecContext(ctx, t.Symbol, t.Interval, t.Source, t.Timestamp.UnixNano(),
				t.Open, t.High, t.Low, t.Close, t.Volume, t.OpenInterest)
			if err != nil {
				return fmt.Errorf("failed to save tick for %s at %s: %w", t.Symbol, t.Timestamp, err)
			}
		}
		return nil
	})
}

func (p *Default) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]candle.Candle, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT symbol, bar_interval, source, ts, open, high, low, close, volume, open_interest
		FROM ticks WHERE symbol=? AND ts >= ? AND ts < ? ORDER BY ts ASC, id ASC`,
		symbol, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []candle.Candle
	for rows.Next() {
		var t candle.Candle
		var ts int64
		if err := rows.Scan(&t.Symbol, &t.Interval, &t.Source, &ts, &t.Open, &t.High, &t.Low, &t.Close, &t.Volume, &t.OpenInterest); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.Timestamp = time.Unix(0, ts).UTC()
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (p *Default) SaveActions(ctx context.Context, runID string, rows []ActionRecord) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, p.rebind(`DELETE FROM actions WHERE run_id=?`), runID); err != nil {
			return fmt.Errorf("failed to clear actions of run %s: %w", runID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, p.rebind(`INSERT INTO actions
			(run_id, seq, symbol, ts, close, sma1, sma2, action, position_change)
			VALUES (?,?,?,?,?,?,?,?,?)`))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()
		for i, r := range rows {
			_, err := stmt.ExecContext(ctx, runID, i, r.Symbol, r.Datetime.UnixNano(), r.Close,
				nullFloat(r.SMA1), nullFloat(r.SMA2), r.Action, r.Change)
			if err != nil {
				return fmt.Errorf("failed to save action %d of run %s: %w", i, runID, err)
			}
		}
		return nil
	})
}

func (p *Default) GetActions(ctx context.Context, runID string) ([]ActionRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT run_id, seq, symbol, ts, close, sma1, sma2, action, position_change
		FROM actions WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var ts int64
		var sma1, sma2 sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Symbol, &ts, &r.Close, &sma1, &sma2, &r.Action, &r.Change); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		r.Datetime = time.Unix(0, ts).UTC()
		if sma1.Valid {
			r.SMA1 = &sma1.Float64
		}
		if sma2.Valid {
			r.SMA2 = &sma2.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, p.rebind(`INSERT INTO events (ts, type, description, data) VALUES (?,?,?,?)`),
			event.Time.UnixNano(), event.Type, event.Description, string(data))
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT ts, type, description, data FROM events
		WHERE type=? AND ts >= ? AND ts < ? ORDER BY ts ASC, id ASC`, eventType, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var ts int64
		var data sql.NullString
		if err := rows.Scan(&ts, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
