// Package ledger reads the bot's own trade database. It never writes to it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver "pgx"
	_ "modernc.org/sqlite"             // sqlite driver "sqlite"

	"fleet-risk/internal/common"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "pgx"
)

// Trade is a row of the bot's trades table.
type Trade struct {
	ID          int64
	Pair        string
	IsOpen      bool
	OpenRate    float64
	Amount      float64
	StakeAmount float64
	OpenDate    time.Time
}

type Ledger struct {
	db      *sql.DB
	dialect Dialect
	path    string // sqlite file, checked before every query
}

// Open accepts the bot's db_url ("sqlite:///tradesv3.sqlite",
// "postgresql+psycopg2://...") or a bare sqlite path. Relative sqlite paths are
// resolved against baseDir.
func Open(dsn, baseDir string) (*Ledger, error) {
	dialect, target := parseDSN(dsn)
	if dialect == SQLite && !filepath.IsAbs(target) && baseDir != "" {
		target = filepath.Join(baseDir, target)
	}

	source := target
	if dialect == SQLite {
		source = target + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	}
	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := New(db, dialect)
	if dialect == SQLite {
		l.path = target
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)
	return l, nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect) *Ledger {
	return &Ledger{db: db, dialect: dialect}
}

func parseDSN(dsn string) (Dialect, string) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:///"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite:///")
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "postgresql"), strings.HasPrefix(dsn, "postgres"):
		// drop the SQLAlchemy driver suffix, e.g. postgresql+psycopg2://
		if i := strings.Index(dsn, "://"); i >= 0 {
			return Postgres, "postgres" + dsn[i:]
		}
		return Postgres, dsn
	default:
		return SQLite, dsn
	}
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) placeholder(n int) string {
	if l.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// available reports ErrLedgerUnavailable while the bot has not created its
// database yet.
func (l *Ledger) available() error {
	if l.path == "" {
		return nil
	}
	if _, err := os.Stat(l.path); err != nil {
		return fmt.Errorf("%w: %v", common.ErrLedgerUnavailable, err)
	}
	return nil
}

func (l *Ledger) classify(err error) error {
	if err == nil || errors.Is(err, common.ErrLedgerUnavailable) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist") {
		return fmt.Errorf("%w: %v", common.ErrLedgerUnavailable, err)
	}
	return err
}

// TradesAfter returns trades with id > after in id order, at most limit rows
// (no limit when limit <= 0).
func (l *Ledger) TradesAfter(ctx context.Context, after int64, limit int) ([]Trade, error) {
	if err := l.available(); err != nil {
		return nil, err
	}
	q := `SELECT id, pair, is_open, open_rate, amount, stake_amount, open_date FROM trades WHERE id > ` +
		l.placeholder(1) + ` ORDER BY id ASC`
	args := []any{after}
	if limit > 0 {
		q += ` LIMIT ` + l.placeholder(2)
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, l.classify(fmt.Errorf("query trades: %w", err))
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var openDate any
		if err := rows.Scan(&t.ID, &t.Pair, &t.IsOpen, &t.OpenRate, &t.Amount, &t.StakeAmount, &openDate); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.OpenDate = parseTime(openDate)
		out = append(out, t)
	}
	return out, l.classify(rows.Err())
}

// MaxID is the highest trade id, 0 for an empty table.
func (l *Ledger) MaxID(ctx context.Context) (int64, error) {
	if err := l.available(); err != nil {
		return 0, err
	}
	var id sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(id) FROM trades`).Scan(&id); err != nil {
		return 0, l.classify(fmt.Errorf("query max id: %w", err))
	}
	return id.Int64, nil
}

// LastEntryTimes maps each pair to the open date of its most recent trade.
func (l *Ledger) LastEntryTimes(ctx context.Context) (map[string]time.Time, error) {
	if err := l.available(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `SELECT pair, MAX(open_date) FROM trades GROUP BY pair`)
	if err != nil {
		return nil, l.classify(fmt.Errorf("query last entries: %w", err))
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var pair string
		var at any
		if err := rows.Scan(&pair, &at); err != nil {
			return nil, fmt.Errorf("scan last entry: %w", err)
		}
		if t := parseTime(at); !t.IsZero() {
			out[pair] = t
		}
	}
	return out, l.classify(rows.Err())
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseTime handles both driver-converted timestamps and sqlite's text
// columns. Times without a zone are UTC.
func parseTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case []byte:
		return parseTime(string(x))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
