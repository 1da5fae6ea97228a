package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/roomsync/internal/config"
)

// handlerTimeout bounds one event handler run. Reconciliation already
// bounds each backend call; this is the outer ceiling for the whole
// event, including stale-room recovery retries.
const handlerTimeout = 60 * time.Second

// Subscriber consumes domain events from NATS and feeds them to the
// adapter. Subscriptions share a queue group so multiple instances
// split the stream instead of double-handling it.
type Subscriber struct {
	conn    *nats.Conn
	adapter *Adapter
	cfg     config.NATSConfig
	log     *slog.Logger
	subs    []*nats.Subscription
}

// NewSubscriber connects to NATS and prepares the subscriber.
func NewSubscriber(cfg config.NATSConfig, adapter *Adapter, log *slog.Logger) (*Subscriber, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("roomsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return &Subscriber{
		conn:    conn,
		adapter: adapter,
		cfg:     cfg,
		log:     log.With("component", "nats"),
	}, nil
}

// Start subscribes to all domain event subjects.
func (s *Subscriber) Start() error {
	type binding struct {
		subject string
		handler nats.MsgHandler
	}

	bindings := []binding{
		{s.subject("member.added"), decode(s, func(ctx context.Context, ev MemberAdded) Outcome {
			return s.adapter.HandleMemberAdded(ctx, ev)
		})},
		{s.subject("member.removed"), decode(s, func(ctx context.Context, ev MemberRemoved) Outcome {
			return s.adapter.HandleMemberRemoved(ctx, ev)
		})},
		{s.subject("role.changed"), decode(s, func(ctx context.Context, ev RoleChanged) Outcome {
			return s.adapter.HandleRoleChanged(ctx, ev)
		})},
		{s.subject("entity.created"), decode(s, func(ctx context.Context, ev EntityCreated) Outcome {
			return s.adapter.HandleEntityCreated(ctx, ev)
		})},
		{s.subject("entity.deleting"), decode(s, func(ctx context.Context, ev EntityDeleting) Outcome {
			return s.adapter.HandleEntityDeleting(ctx, ev)
		})},
	}

	for _, b := range bindings {
		sub, err := s.conn.QueueSubscribe(b.subject, s.cfg.QueueGroup, b.handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", b.subject, err)
		}
		s.subs = append(s.subs, sub)
		s.log.Debug("subscribed", "subject", b.subject, "queue", s.cfg.QueueGroup)
	}
	return nil
}

func (s *Subscriber) subject(suffix string) string {
	return s.cfg.SubjectPrefix + "." + suffix
}

// decode builds a message handler that unmarshals the payload and runs
// the typed handler. A payload that does not parse is dropped with a
// log line; there is nothing to retry.
func decode[T any](s *Subscriber, handle func(context.Context, T) Outcome) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev T
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.log.Error("dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		outcome := handle(ctx, ev)
		s.log.Debug("event handled", "subject", msg.Subject, "outcome", outcome)
	}
}

// Close drains the subscriptions and closes the connection.
func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.log.Warn("error draining subscription", "subject", sub.Subject, "error", err)
		}
	}
	return s.conn.Drain()
}
