// Package refstore persists the settled reference prices (previous close and
// regular close) per ticker and trading date, with an audit trail for
// verification overwrites. Backed by SQLite in WAL mode with a small
// in-process read cache on the lookup path.
package refstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/dusan02/vercel-pmp-sub005/internal/model"
)

// ErrReferenceConflict is returned by Verify when the stored previous close
// disagrees with the verified value. The overwrite still happens, audited
// old/new; the error tells the caller that dependent records were computed
// against a now-corrected reference.
var ErrReferenceConflict = errors.New("reference price conflict")

// Store is the reference price store. A single *sql.DB handles both reads
// and writes; writes for a given (symbol, date) are last-writer-wins with an
// explicit source and timestamp.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*model.ReferencePrice // symbol|date → row, invalidated on write

	// OnCorrected is called after an audited verification overwrite so the
	// caller can invalidate dependent cache entries. Optional.
	OnCorrected func(symbol, date string)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the SQLite database and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("refstore open: %w", err)
	}

	// Single writer keeps WAL contention predictable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("refstore schema: %w", err)
	}

	log.Printf("[refstore] opened database at %s", path)
	return &Store{db: db, cache: make(map[string]*model.ReferencePrice)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reference_prices (
			symbol         TEXT    NOT NULL,
			trade_date     TEXT    NOT NULL,
			previous_close TEXT    NOT NULL,
			regular_close  TEXT,
			source         TEXT    NOT NULL,
			updated_at     INTEGER NOT NULL,
			PRIMARY KEY (symbol, trade_date)
		);

		CREATE TABLE IF NOT EXISTS reference_audit (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			trade_date TEXT    NOT NULL,
			field      TEXT    NOT NULL,
			old_value  TEXT,
			new_value  TEXT    NOT NULL,
			source     TEXT    NOT NULL,
			changed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_prices (
			symbol      TEXT    NOT NULL,
			trade_date  TEXT    NOT NULL,
			price       TEXT    NOT NULL,
			quality     TEXT,
			captured_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, trade_date, captured_at)
		);
	`)
	return err
}

// Get returns the reference price row for (symbol, date), or ok=false.
func (s *Store) Get(symbol, date string) (*model.ReferencePrice, bool, error) {
	if rp, ok := s.cached(symbol, date); ok {
		return rp, true, nil
	}

	var (
		prev, src string
		reg       sql.NullString
		updated   int64
	)
	err := s.db.QueryRow(`
		SELECT previous_close, regular_close, source, updated_at
		FROM reference_prices WHERE symbol = ? AND trade_date = ?
	`, symbol, date).Scan(&prev, &reg, &src, &updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("refstore get %s %s: %w", symbol, date, err)
	}

	pc, err := decimal.NewFromString(prev)
	if err != nil {
		return nil, false, fmt.Errorf("refstore get %s %s: bad previous_close %q: %w", symbol, date, prev, err)
	}
	rp := &model.ReferencePrice{
		Symbol:        symbol,
		Date:          date,
		PreviousClose: pc,
		Source:        src,
		UpdatedAt:     time.Unix(updated, 0).UTC(),
	}
	if reg.Valid {
		if rc, err := decimal.NewFromString(reg.String); err == nil {
			rp.RegularClose = &rc
		}
	}

	s.store(rp)
	return rp, true, nil
}

// Lookup is the read-only interface used by the normalizer. Errors are
// logged and reported as a miss so normalization stays non-fatal per ticker.
func (s *Store) Lookup(symbol, date string) (*model.ReferencePrice, bool) {
	rp, ok, err := s.Get(symbol, date)
	if err != nil {
		log.Printf("[refstore] lookup %s %s: %v", symbol, date, err)
		return nil, false
	}
	return rp, ok
}

// SetPreviousClose records the settled previous close for (symbol, date).
// Idempotent: an existing row is left untouched, so re-running a bootstrap
// with the same date never corrupts an already-correct value. Corrections go
// through Verify.
func (s *Store) SetPreviousClose(symbol, date string, px decimal.Decimal, source string) error {
	if !px.IsPositive() {
		return fmt.Errorf("refstore set %s %s: non-positive close %s", symbol, date, px)
	}
	_, err := s.db.Exec(`
		INSERT INTO reference_prices (symbol, trade_date, previous_close, source, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (symbol, trade_date) DO NOTHING
	`, symbol, date, px.String(), source, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("refstore set %s %s: %w", symbol, date, err)
	}
	s.invalidate(symbol, date)
	return nil
}

// SetRegularClose records the current session's settled close once available.
// First observation wins; later observations of the same settled value are
// no-ops.
func (s *Store) SetRegularClose(symbol, date string, px decimal.Decimal, source string) error {
	if !px.IsPositive() {
		return fmt.Errorf("refstore regular close %s %s: non-positive close %s", symbol, date, px)
	}
	res, err := s.db.Exec(`
		UPDATE reference_prices
		SET regular_close = ?, source = ?, updated_at = ?
		WHERE symbol = ? AND trade_date = ? AND regular_close IS NULL
	`, px.String(), source, time.Now().Unix(), symbol, date)
	if err != nil {
		return fmt.Errorf("refstore regular close %s %s: %w", symbol, date, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refstore regular close %s %s: %w", symbol, date, err)
	}
	if n == 0 {
		// Either the close is already settled (first write wins) or no
		// reference row exists for this date. The latter must not pass
		// silently: without a row the value has nowhere to land.
		if _, ok, err := s.Get(symbol, date); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("refstore regular close %s %s: no reference row", symbol, date)
		}
		return nil
	}

	s.invalidate(symbol, date)
	return nil
}

// Verify compares the stored previous close against a verified value and, on
// disagreement, performs an explicit audited overwrite (old and new recorded
// in reference_audit) and returns ErrReferenceConflict. An agreeing value or
// a missing row is not a conflict; a missing row is inserted.
func (s *Store) Verify(symbol, date string, verified decimal.Decimal, source string) error {
	if !verified.IsPositive() {
		return fmt.Errorf("refstore verify %s %s: non-positive close %s", symbol, date, verified)
	}

	existing, ok, err := s.Get(symbol, date)
	if err != nil {
		return err
	}
	if !ok {
		return s.SetPreviousClose(symbol, date, verified, source)
	}
	if existing.PreviousClose.Equal(verified) {
		return nil
	}

	now := time.Now().Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("refstore verify %s %s: %w", symbol, date, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO reference_audit (symbol, trade_date, field, old_value, new_value, source, changed_at)
		VALUES (?, ?, 'previous_close', ?, ?, ?, ?)
	`, symbol, date, existing.PreviousClose.String(), verified.String(), source, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("refstore verify audit %s %s: %w", symbol, date, err)
	}
	if _, err := tx.Exec(`
		UPDATE reference_prices SET previous_close = ?, source = ?, updated_at = ?
		WHERE symbol = ? AND trade_date = ?
	`, verified.String(), source, now, symbol, date); err != nil {
		tx.Rollback()
		return fmt.Errorf("refstore verify update %s %s: %w", symbol, date, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("refstore verify commit %s %s: %w", symbol, date, err)
	}

	s.invalidate(symbol, date)
	log.Printf("[refstore] corrected previous close %s %s: %s → %s (source=%s)",
		symbol, date, existing.PreviousClose, verified, source)
	if s.OnCorrected != nil {
		s.OnCorrected(symbol, date)
	}
	return fmt.Errorf("%s %s: %w", symbol, date, ErrReferenceConflict)
}

// RecordSessionPrice writes a session price history row for audit/history
// queries. Off the hot path; failures are the caller's to log.
func (s *Store) RecordSessionPrice(symbol, date string, price decimal.Decimal, quality model.Quality) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO session_prices (symbol, trade_date, price, quality, captured_at)
		VALUES (?, ?, ?, ?, ?)
	`, symbol, date, price.String(), string(quality), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("refstore session price %s %s: %w", symbol, date, err)
	}
	return nil
}

// AuditTrail returns the verification audit rows for (symbol, date), oldest
// first.
func (s *Store) AuditTrail(symbol, date string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT field, old_value, new_value, source, changed_at
		FROM reference_audit
		WHERE symbol = ? AND trade_date = ?
		ORDER BY id ASC
	`, symbol, date)
	if err != nil {
		return nil, fmt.Errorf("refstore audit %s %s: %w", symbol, date, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			old     sql.NullString
			changed int64
		)
		if err := rows.Scan(&e.Field, &old, &e.NewValue, &e.Source, &changed); err != nil {
			return nil, fmt.Errorf("refstore audit scan: %w", err)
		}
		e.OldValue = old.String
		e.ChangedAt = time.Unix(changed, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditEntry is one recorded correction of a reference value.
type AuditEntry struct {
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"`
	ChangedAt time.Time `json:"changed_at"`
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) cacheKey(symbol, date string) string { return symbol + "|" + date }

func (s *Store) cached(symbol, date string) (*model.ReferencePrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rp, ok := s.cache[s.cacheKey(symbol, date)]
	return rp, ok
}

func (s *Store) store(rp *model.ReferencePrice) {
	s.mu.Lock()
	s.cache[s.cacheKey(rp.Symbol, rp.Date)] = rp
	s.mu.Unlock()
}

func (s *Store) invalidate(symbol, date string) {
	s.mu.Lock()
	delete(s.cache, s.cacheKey(symbol, date))
	s.mu.Unlock()
}
