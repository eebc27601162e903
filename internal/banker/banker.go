// Package banker settles matched auctions against account budgets.
//
// A win commits the clearing price to the account; a loss (explicit or
// inferred) cancels the reservation made at bid time with zero charge.
package banker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
)

// ErrAlreadySettled is returned when an auction key was already won or cancelled
var ErrAlreadySettled = errors.New("auction already settled")

// Banker is the ledger collaborator of the outcome router
type Banker interface {
	WinBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey, price decimal.Decimal) error
	CancelBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey) error
}

// EntryKind is the type of a ledger entry
type EntryKind string

const (
	EntryWin    EntryKind = "win"
	EntryCancel EntryKind = "cancel"
)

// Entry is one settled auction
type Entry struct {
	Account    matching.AccountKey
	Key        matching.AuctionKey
	Kind       EntryKind
	Amount     decimal.Decimal
	RecordedAt time.Time
}

// Memory is an in-process ledger
type Memory struct {
	mu      sync.Mutex
	entries map[matching.AuctionKey]Entry
	spend   map[string]decimal.Decimal
	now     func() time.Time
}

// NewMemory creates an empty in-process ledger
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[matching.AuctionKey]Entry),
		spend:   make(map[string]decimal.Decimal),
		now:     time.Now,
	}
}

// WinBid commits price against account
func (m *Memory) WinBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey, price decimal.Decimal) error {
	return m.record(account, key, EntryWin, price)
}

// CancelBid releases the bid reservation with no charge
func (m *Memory) CancelBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey) error {
	return m.record(account, key, EntryCancel, decimal.Zero)
}

func (m *Memory) record(account matching.AccountKey, key matching.AuctionKey, kind EntryKind, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return ErrAlreadySettled
	}
	m.entries[key] = Entry{
		Account:    account,
		Key:        key,
		Kind:       kind,
		Amount:     amount,
		RecordedAt: m.now(),
	}
	if kind == EntryWin {
		acct := account.String()
		m.spend[acct] = m.spend[acct].Add(amount)
	}
	return nil
}

// Spend returns the total committed for account
func (m *Memory) Spend(account matching.AccountKey) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend[account.String()]
}

// Entry returns the ledger entry for key
func (m *Memory) Entry(key matching.AuctionKey) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// Len returns the number of settled auctions
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
