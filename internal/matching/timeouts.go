package matching

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrInvalidTimeout is returned for timeouts that are not strictly positive
var ErrInvalidTimeout = errors.New("invalid timeout")

const (
	DefaultAuctionTimeout = 15 * time.Minute
	DefaultWinTimeout     = time.Hour
)

// Timeouts holds the auction (loss) timeout and the win (campaign window)
// timeout. They can be changed from any goroutine; the matcher reads them
// when it schedules a deadline, so changes never move existing deadlines.
type Timeouts struct {
	auction atomic.Int64
	win     atomic.Int64
}

// NewTimeouts validates and creates a Timeouts
func NewTimeouts(auction, win time.Duration) (*Timeouts, error) {
	t := &Timeouts{}
	if err := t.SetAuction(auction); err != nil {
		return nil, err
	}
	if err := t.SetWin(win); err != nil {
		return nil, err
	}
	return t, nil
}

// SetAuction sets the timeout after which a pending auction becomes an
// implicit loss
func (t *Timeouts) SetAuction(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: auction timeout %v", ErrInvalidTimeout, d)
	}
	t.auction.Store(int64(d))
	return nil
}

// SetWin sets the campaign window opened by a win or loss
func (t *Timeouts) SetWin(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: win timeout %v", ErrInvalidTimeout, d)
	}
	t.win.Store(int64(d))
	return nil
}

// Auction returns the current auction timeout
func (t *Timeouts) Auction() time.Duration {
	return time.Duration(t.auction.Load())
}

// Win returns the current win timeout
func (t *Timeouts) Win() time.Duration {
	return time.Duration(t.win.Load())
}
