// Package eventlog publishes the post-auction audit trail to NATS.
//
// Every matched, unmatched and failed event is recorded on a channel
// (MATCHEDWIN, UNMATCHEDLOSS, PAERROR, ...) and published on the subject
// <prefix>.<channel>.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Channel names an audit stream
type Channel string

const (
	MatchedWin             Channel = "MATCHEDWIN"
	MatchedLoss            Channel = "MATCHEDLOSS"
	MatchedCampaignEvent   Channel = "MATCHEDCAMPAIGNEVENT"
	UnmatchedWin           Channel = "UNMATCHEDWIN"
	UnmatchedLoss          Channel = "UNMATCHEDLOSS"
	UnmatchedCampaignEvent Channel = "UNMATCHEDCAMPAIGNEVENT"
	Error                  Channel = "PAERROR"
)

// ErrClosed is returned by Record after Close
var ErrClosed = errors.New("eventlog: recorder closed")

// Record is one audit log entry
type Record struct {
	ID         string          `json:"id"`
	Channel    Channel         `json:"channel"`
	Timestamp  time.Time       `json:"timestamp"`
	AuctionID  string          `json:"auction_id,omitempty"`
	AdSpotID   string          `json:"ad_spot_id,omitempty"`
	Agent      string          `json:"agent,omitempty"`
	Account    string          `json:"account,omitempty"`
	Label      string          `json:"label,omitempty"`
	Confidence string          `json:"confidence,omitempty"`
	Price      string          `json:"price,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Function   string          `json:"function,omitempty"`
	Message    string          `json:"message,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Publisher sends raw bytes on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Recorder buffers audit records and publishes them in batches
type Recorder struct {
	pub        Publisher
	prefix     string
	bufferSize int
	now        func() time.Time
	newID      func() string

	mu     sync.Mutex
	buffer []Record
	closed bool

	// flushMu keeps batches in record order across concurrent flushes
	flushMu sync.Mutex
}

// NewRecorder creates a recorder publishing under prefix
func NewRecorder(pub Publisher, prefix string, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Recorder{
		pub:        pub,
		prefix:     prefix,
		bufferSize: bufferSize,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		buffer:     make([]Record, 0, bufferSize),
	}
}

// Connect dials NATS with the reconnect behavior the service expects
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Subject returns the subject a channel is published on
func (r *Recorder) Subject(ch Channel) string {
	return r.prefix + "." + string(ch)
}

// Record stamps and buffers rec, flushing when the buffer is full
func (r *Recorder) Record(rec Record) error {
	if rec.ID == "" {
		rec.ID = r.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.bufferSize
	r.mu.Unlock()

	if full {
		return r.Flush()
	}
	return nil
}

// Pending returns the number of buffered records
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Flush publishes every buffered record. Records that fail to publish
// are dropped and reported in the returned error.
func (r *Recorder) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	records := r.buffer
	r.buffer = make([]Record, 0, r.bufferSize)
	r.mu.Unlock()

	var errs []error
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to marshal record %s: %w", rec.ID, err))
			continue
		}
		if err := r.pub.Publish(r.Subject(rec.Channel), data); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish record %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes on every interval until ctx is done, then closes the recorder
func (r *Recorder) Run(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(); err != nil && onError != nil {
				onError(err)
			}
		case <-ctx.Done():
			if err := r.Close(); err != nil && onError != nil {
				onError(err)
			}
			return
		}
	}
}

// Close rejects further records and flushes the remaining ones. Calling
// it again only flushes.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Flush()
}
