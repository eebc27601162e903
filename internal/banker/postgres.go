package banker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS pas_ledger (
	auction_id  VARCHAR(255) NOT NULL,
	ad_spot_id  VARCHAR(255) NOT NULL,
	account     TEXT[] NOT NULL,
	kind        VARCHAR(16) NOT NULL,
	amount      DECIMAL(18, 6) NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	PRIMARY KEY (auction_id, ad_spot_id)
);

CREATE INDEX IF NOT EXISTS idx_pas_ledger_account ON pas_ledger USING GIN (account);
CREATE INDEX IF NOT EXISTS idx_pas_ledger_recorded_at ON pas_ledger(recorded_at);
`

const insertEntry = `
	INSERT INTO pas_ledger (auction_id, ad_spot_id, account, kind, amount, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (auction_id, ad_spot_id) DO NOTHING
`

// execer is the subset of *sql.DB the ledger writes through
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Postgres is a ledger backed by PostgreSQL
type Postgres struct {
	db    execer
	close func() error
	now   func() time.Time
}

// NewPostgres opens a connection pool to dsn and verifies it
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db, close: db.Close, now: time.Now}, nil
}

// newPostgresWithExecer builds a ledger over an arbitrary execer
func newPostgresWithExecer(db execer, now func() time.Time) *Postgres {
	return &Postgres{db: db, close: func() error { return nil }, now: now}
}

// InitSchema creates the ledger table
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WinBid commits price against account
func (p *Postgres) WinBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey, price decimal.Decimal) error {
	return p.insert(ctx, account, key, EntryWin, price)
}

// CancelBid releases the bid reservation with no charge
func (p *Postgres) CancelBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey) error {
	return p.insert(ctx, account, key, EntryCancel, decimal.Zero)
}

func (p *Postgres) insert(ctx context.Context, account matching.AccountKey, key matching.AuctionKey, kind EntryKind, amount decimal.Decimal) error {
	result, err := p.db.ExecContext(
		ctx,
		insertEntry,
		key.AuctionID,
		key.AdSpotID,
		pq.Array([]string(account)),
		string(kind),
		amount,
		p.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s entry: %w", kind, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		logger.Banker().Debug().
			Str("auction_id", key.AuctionID).
			Str("ad_spot_id", key.AdSpotID).
			Str("kind", string(kind)).
			Msg("Ledger entry already present")
		return ErrAlreadySettled
	}
	return nil
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	return p.close()
}
