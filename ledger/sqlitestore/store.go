// Package sqlitestore persists the bid ledger in SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
	"github.com/cloudx-io/liveauction/ledger/sqlitestore/migrations"
)

// Store implements ledger.Persister on a SQLite database.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite bid store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendBid inserts bid if it is the next sequence number of its item.
func (s *Store) AppendBid(ctx context.Context, bid core.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last uint64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM bids WHERE session_id = ? AND item_id = ?`,
		bid.SessionID, bid.ItemID,
	)
	if err := row.Scan(&last); err != nil {
		return fmt.Errorf("read item sequence: %w", err)
	}
	if last+1 != bid.Seq {
		return ledger.ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bids (
		   session_id,
		   item_id,
		   seq,
		   bid_id,
		   bidder_id,
		   amount,
		   admitted_at,
		   idempotency_key
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bid.SessionID,
		bid.ItemID,
		bid.Seq,
		bid.ID,
		bid.BidderID,
		bid.Amount.String(),
		bid.AdmittedAt.UTC().UnixNano(),
		bid.IdempotencyKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("insert bid: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bid: %w", err)
	}
	return nil
}

// LoadBids returns the stored history of key ordered by sequence.
func (s *Store) LoadBids(ctx context.Context, key core.ItemKey) ([]core.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, bid_id, bidder_id, amount, admitted_at, idempotency_key
		   FROM bids
		  WHERE session_id = ? AND item_id = ?
		  ORDER BY seq ASC`,
		key.SessionID, key.ItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	bids := []core.Bid{}
	for rows.Next() {
		var (
			bid        core.Bid
			amount     string
			admittedAt int64
		)
		if err := rows.Scan(&bid.Seq, &bid.ID, &bid.BidderID, &amount, &admittedAt, &bid.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bid.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of bid %s: %w", bid.ID, err)
		}
		bid.SessionID = key.SessionID
		bid.ItemID = key.ItemID
		bid.AdmittedAt = time.Unix(0, admittedAt).UTC()
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bids: %w", err)
	}
	return bids, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}

var _ ledger.Persister = (*Store)(nil)
