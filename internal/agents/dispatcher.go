package agents

import (
	"context"
	"errors"
	"time"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
)

// ErrNotifyQueueFull is returned when the dispatcher cannot take another
// notification without blocking
var ErrNotifyQueueFull = errors.New("agent notification queue full")

// Sender delivers notifications synchronously
type Sender interface {
	NotifyWinLoss(ctx context.Context, cfg AgentConfig, m matching.MatchedWinLoss) error
	NotifyCampaignEvent(ctx context.Context, cfg AgentConfig, m matching.MatchedCampaignEvent) error
}

type delivery struct {
	messageType string
	send        func(ctx context.Context) error
}

// Dispatcher queues notifications for a Sender served by Run, so callers
// never wait on the publisher. Each delivery is bounded by timeout.
type Dispatcher struct {
	next    Sender
	queue   chan delivery
	timeout time.Duration
	onError func(messageType string, err error)
}

// NewDispatcher creates a dispatcher holding at most queueSize pending
// notifications. onError, if set, is called from Run for failed deliveries.
func NewDispatcher(next Sender, queueSize int, timeout time.Duration, onError func(messageType string, err error)) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Dispatcher{
		next:    next,
		queue:   make(chan delivery, queueSize),
		timeout: timeout,
		onError: onError,
	}
}

// NotifyWinLoss queues a win or loss notification. ctx is not retained.
func (d *Dispatcher) NotifyWinLoss(_ context.Context, cfg AgentConfig, m matching.MatchedWinLoss) error {
	return d.enqueue(delivery{
		messageType: string(m.Resolution),
		send: func(ctx context.Context) error {
			return d.next.NotifyWinLoss(ctx, cfg, m)
		},
	})
}

// NotifyCampaignEvent queues a campaign event notification. ctx is not
// retained.
func (d *Dispatcher) NotifyCampaignEvent(_ context.Context, cfg AgentConfig, m matching.MatchedCampaignEvent) error {
	return d.enqueue(delivery{
		messageType: MessageCampaignEvent,
		send: func(ctx context.Context) error {
			return d.next.NotifyCampaignEvent(ctx, cfg, m)
		},
	})
}

func (d *Dispatcher) enqueue(job delivery) error {
	select {
	case d.queue <- job:
		return nil
	default:
		return ErrNotifyQueueFull
	}
}

// Pending returns the number of queued notifications
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run delivers queued notifications until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.deliver(ctx, job)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := job.send(sendCtx); err != nil && d.onError != nil {
		d.onError(job.messageType, err)
	}
}
