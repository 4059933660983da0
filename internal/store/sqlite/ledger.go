// Package sqlite reads raw ledger rows from a back-office SQLite replica.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

// Config configures the ledger replica.
type Config struct {
	DBPath string // path to the SQLite file, e.g. "data/ledger.db"
}

// LedgerSource implements model.LedgerSource over the ledger_rows table.
type LedgerSource struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *LedgerSource) DB() *sql.DB { return s.db }

// Open opens the database in WAL mode and ensures the schema exists.
func Open(cfg Config, log *slog.Logger) (*LedgerSource, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &LedgerSource{db: db, log: logger.Component(log, "ledger-sqlite")}
	s.log.Info("opened ledger replica", "path", cfg.DBPath)
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_rows (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id    TEXT    NOT NULL,
			txn_date     TEXT,
			particulars  TEXT    NOT NULL DEFAULT '',
			voucher_no   TEXT    NOT NULL DEFAULT '',
			voucher_type TEXT    NOT NULL DEFAULT '',
			debit        REAL    NOT NULL DEFAULT 0,
			credit       REAL    NOT NULL DEFAULT 0,
			opening      REAL    NOT NULL DEFAULT 0,
			exchange     TEXT    NOT NULL DEFAULT '',
			def_order_by INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_rows_client_date
			ON ledger_rows (client_id, txn_date);
	`)
	return err
}

// FetchLedgerRows returns the client's rows dated within [from, to] plus
// every opening-balance row stamped at the start of the range. Dates are
// stored as ISO yyyy-mm-dd and returned as dd-mm-yyyy.
func (s *LedgerSource) FetchLedgerRows(ctx context.Context, clientID string, from, to time.Time) ([]model.LedgerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(txn_date, ''), particulars, voucher_no, voucher_type,
		       debit, credit, opening, exchange, def_order_by
		FROM ledger_rows
		WHERE client_id = ?
		  AND (
		        (voucher_type = 'OP' AND (txn_date IS NULL OR txn_date = ?))
		     OR (voucher_type <> 'OP' AND txn_date BETWEEN ? AND ?)
		  )
		ORDER BY id`,
		clientID, from.Format("2006-01-02"), from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("%w: ledger query %s: %v", model.ErrUpstream, clientID, err)
	}
	defer rows.Close()

	var out []model.LedgerRow
	for rows.Next() {
		var (
			r   model.LedgerRow
			iso string
		)
		if err := rows.Scan(&iso, &r.Particulars, &r.VoucherNo, &r.VoucherType,
			&r.Debit, &r.Credit, &r.Opening, &r.Exchange, &r.DefOrderBy); err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		if iso != "" {
			if t, err := time.Parse("2006-01-02", iso); err == nil {
				r.Date = t.Format("02-01-2006")
			} else {
				r.Date = iso
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	return out, nil
}

// InsertRows loads rows for a client in one transaction. Dates may be
// dd-mm-yyyy or yyyy-mm-dd; empty dates are stored as NULL.
func (s *LedgerSource) InsertRows(ctx context.Context, clientID string, rows []model.LedgerRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger_rows
			(client_id, txn_date, particulars, voucher_no, voucher_type, debit, credit, opening, exchange, def_order_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var date any
		if r.Date != "" {
			iso, err := toISO(r.Date)
			if err != nil {
				return err
			}
			date = iso
		}
		if _, err := stmt.ExecContext(ctx, clientID, date, r.Particulars, r.VoucherNo, r.VoucherType,
			r.Debit, r.Credit, r.Opening, r.Exchange, r.DefOrderBy); err != nil {
			return fmt.Errorf("sqlite insert: %w", err)
		}
	}
	return tx.Commit()
}

func toISO(d string) (string, error) {
	for _, layout := range []string{"02-01-2006", "2006-01-02"} {
		if t, err := time.Parse(layout, d); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("invalid ledger date %q", d)
}

// Close closes the database.
func (s *LedgerSource) Close() error {
	return s.db.Close()
}
