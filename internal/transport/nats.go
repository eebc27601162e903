package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// Subject suffixes under the configured prefix
const (
	SubjectAuctions = "auctions"
	SubjectWins     = "wins"
	SubjectLosses   = "losses"
	SubjectEvents   = "events"
)

// Sink receives decoded events. *postauction.Service implements it.
type Sink interface {
	InjectSubmittedAuction(auction matching.SubmittedAuction, lossTimeout time.Time) error
	InjectWin(ev matching.WinLossEvent) error
	InjectLoss(ev matching.WinLossEvent) error
	InjectCampaignEvent(ev matching.CampaignEvent) error
}

// Conn is the part of *nats.Conn the subscriber uses
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Reply is sent to requesters that set a reply subject
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSSubscriber consumes post-auction events from NATS subjects
type NATSSubscriber struct {
	conn    Conn
	sink    Sink
	prefix  string
	metrics *metrics.Metrics
	subs    []*nats.Subscription
}

// NewNATSSubscriber creates a subscriber for <prefix>.auctions, .wins,
// .losses and .events. m may be nil.
func NewNATSSubscriber(conn Conn, sink Sink, prefix string, m *metrics.Metrics) *NATSSubscriber {
	if prefix == "" {
		prefix = "pas"
	}
	return &NATSSubscriber{conn: conn, sink: sink, prefix: prefix, metrics: m}
}

// Subject returns the full subject for a suffix
func (s *NATSSubscriber) Subject(suffix string) string {
	return s.prefix + "." + suffix
}

// Run subscribes to every subject and blocks until ctx is done
func (s *NATSSubscriber) Run(ctx context.Context) error {
	for _, suffix := range []string{SubjectAuctions, SubjectWins, SubjectLosses, SubjectEvents} {
		subject := s.Subject(suffix)
		sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
			s.handleMessage(msg)
		})
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		logger.Transport().Info().Str("subject", subject).Msg("Subscribed to NATS subject")
	}

	<-ctx.Done()
	s.unsubscribe()
	return nil
}

func (s *NATSSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Transport().Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
	s.subs = nil
}

// handleMessage decodes one message and injects it
func (s *NATSSubscriber) handleMessage(msg *nats.Msg) {
	err := s.dispatch(msg.Subject, msg.Data)
	if err != nil {
		log := logger.Transport().Warn().Err(err).Str("subject", msg.Subject)
		var ve *ValidationError
		if errors.As(err, &ve) {
			log.Msg("Rejected malformed message")
		} else {
			log.Msg("Failed to inject message")
		}
	}

	if msg.Reply == "" {
		return
	}
	reply := Reply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	if respErr := respond(msg, reply); respErr != nil {
		logger.Transport().Debug().Err(respErr).Str("reply", msg.Reply).Msg("Failed to reply")
	}
}

// dispatch routes a payload by subject
func (s *NATSSubscriber) dispatch(subject string, data []byte) error {
	switch subject {
	case s.Subject(SubjectAuctions):
		auction, lossTimeout, err := DecodeAuction(data)
		if err != nil {
			s.recordDecodeFailure("AUCTION")
			return err
		}
		return s.sink.InjectSubmittedAuction(auction, lossTimeout)
	case s.Subject(SubjectWins):
		ev, err := DecodeWinLoss(data, matching.ResolutionWin)
		if err != nil {
			s.recordDecodeFailure("WIN")
			return err
		}
		return s.sink.InjectWin(ev)
	case s.Subject(SubjectLosses):
		ev, err := DecodeWinLoss(data, matching.ResolutionLoss)
		if err != nil {
			s.recordDecodeFailure("LOSS")
			return err
		}
		return s.sink.InjectLoss(ev)
	case s.Subject(SubjectEvents):
		ev, err := DecodeCampaignEvent(data)
		if err != nil {
			s.recordDecodeFailure("CAMPAIGN_EVENT")
			return err
		}
		return s.sink.InjectCampaignEvent(ev)
	}
	return fmt.Errorf("unexpected subject %q", subject)
}

// respond is swapped in tests; a real reply needs a bound subscription
var respond = func(msg *nats.Msg, reply Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}

func (s *NATSSubscriber) recordDecodeFailure(eventType string) {
	if s.metrics != nil {
		s.metrics.RecordDecodeFailure("nats", eventType)
	}
}
