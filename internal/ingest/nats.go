package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes messages via JetStream queue consumer and forwards to sink.
// Params: NATS connection, JetStream queue subscription, and message sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for message ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink MessageSink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:     nc,
		logger: logger,
	}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		messages, decodeErr := decodeMessagePayload(message.Data)
		if decodeErr != nil {
			logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", decodeErr.Error())
			subscriber.ackMessage(message, "decode")
			return
		}
		if meta, metaErr := message.Metadata(); metaErr == nil {
			assignDeliveryIDs(messages, meta.Stream, meta.Sequence.Stream)
		}
		for _, chatMessage := range messages {
			if handleErr := sink.HandleMessage(context.Background(), chatMessage); handleErr != nil {
				logger.Error("nats ingest handle failed", "subject", message.Subject, "channel", chatMessage.Channel, "error", handleErr.Error())
				subscriber.nackMessage(message, nackDelay)
				return
			}
		}
		subscriber.ackMessage(message, "processed")
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// assignDeliveryIDs gives id-less messages an event id derived from stream position.
// Params: decoded payload messages, stream name, and stream sequence of the carrying msg.
// Returns: none; messages are updated in place. A redelivered batch gets the same ids,
// so items handled before a nak are dropped by dedup on replay.
func assignDeliveryIDs(messages []domain.Message, stream string, sequence uint64) {
	for i := range messages {
		if messages[i].EventID != "" {
			continue
		}
		messages[i].EventID = "nats:" + stream + ":" + strconv.FormatUint(sequence, 10) + ":" + strconv.Itoa(i)
	}
}

// ensureStream verifies ingest stream and creates it when allowed.
// Params: JetStream context and ingest config.
// Returns: lookup/create error.
func ensureStream(js nats.JetStreamContext, cfg config.NATSIngestConfig) error {
	if _, err := js.StreamInfo(cfg.Stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) || !cfg.CreateStream {
		return fmt.Errorf("lookup ingest stream %q: %w", cfg.Stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create ingest stream %q: %w", cfg.Stream, err)
	}
	return nil
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
