package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSStoreConfig configures the JetStream-backed Store.
type NATSStoreConfig struct {
	URL           string
	StreamName    string // JetStream stream backing every aggregate stream, subjects "events.<streamId>"
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger

	// PauseIngestion, when set, is consulted for every inbound message
	// before it is forwarded to SubscribeAll's channel. While it returns
	// true, messages are left unacknowledged so JetStream redelivers them
	// once ingestion resumes, shedding load on an already-busy process
	// without losing events (the admission guard's pause gate, distinct
	// from its reject gate on new sessions).
	PauseIngestion func() bool
}

// natsEnvelope is what each JetStream message payload carries. The subject
// already encodes the StreamId; the envelope carries the per-stream event
// number so Read/SubscribeAll don't need a second round trip to recover it.
type natsEnvelope struct {
	EventNumber int64  `json:"eventNumber"`
	Type        string `json:"type"`
	Data        []byte `json:"data"`
}

// NATSStore is a Store backed by a JetStream stream, one subject per
// StreamId ("events.<streamId>"). Optimistic concurrency is enforced with
// JetStream's per-subject expected-last-sequence publish option, so two
// concurrent Appends against the same expected position race at the
// broker, not in this process - the loser observes a publish rejection
// which this Store surfaces as ConcurrencyConflict.
type NATSStore struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	str jetstream.Stream
	cfg NATSStoreConfig
}

// NewNATSStore connects to NATS and ensures the backing JetStream stream
// exists.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "EVENTCORE"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			cfg.Logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventstore: jetstream init: %w", err)
	}

	str, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{"events.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventstore: create stream: %w", err)
	}

	return &NATSStore{nc: nc, js: js, str: str, cfg: cfg}, nil
}

func subject(id StreamId) string { return "events." + string(id) }

// Append implements Store using JetStream's per-subject expected-last-
// sequence check for optimistic concurrency. Each event is published as
// its own JetStream message to keep per-event sequence tracking exact;
// the batch is not atomic at the broker (JetStream has no multi-message
// transaction), so on a mid-batch publish failure this Store does not
// retry - it surfaces a StoreWriteError and leaves the already-published
// prefix committed. Callers needing strict cross-event atomicity should
// use MemoryStore or a backend with multi-message transactions.
func (s *NATSStore) Append(ctx context.Context, expected StreamPosition, events []EventData) (StreamPosition, error) {
	if len(events) == 0 {
		cur, err := s.currentLength(ctx, expected.StreamId)
		if err != nil {
			return StreamPosition{}, err
		}
		if cur != expected.EventNumber {
			return StreamPosition{}, &ConcurrencyConflict{StreamId: expected.StreamId, Expected: expected.EventNumber, Actual: cur}
		}
		return StreamPosition{StreamId: expected.StreamId, EventNumber: cur}, nil
	}

	subj := subject(expected.StreamId)
	num := expected.EventNumber
	for _, ev := range events {
		payload, err := json.Marshal(natsEnvelope{EventNumber: int64(num), Type: ev.Type, Data: ev.Data})
		if err != nil {
			return StreamPosition{}, &StoreWriteError{StreamId: expected.StreamId, Cause: err}
		}
		msg := nats.NewMsg(subj)
		msg.Data = payload
		msg.Header.Set("Nats-Expected-Last-Subject-Sequence", expectedSeqHeader(num))

		_, err = s.js.PublishMsg(ctx, msg)
		if err != nil {
			if isSequenceMismatch(err) {
				cur, cerr := s.currentLength(ctx, expected.StreamId)
				if cerr != nil {
					return StreamPosition{}, cerr
				}
				return StreamPosition{}, &ConcurrencyConflict{StreamId: expected.StreamId, Expected: expected.EventNumber, Actual: cur}
			}
			return StreamPosition{}, &StoreWriteError{StreamId: expected.StreamId, Cause: err}
		}
		num++
	}
	return StreamPosition{StreamId: expected.StreamId, EventNumber: num}, nil
}

// expectedSeqHeader reports the expected *stream-local* event number as a
// decimal string. Append sets it on every publish, including n == 0 for
// the first event of a brand-new stream.
func expectedSeqHeader(n EventNumber) string {
	return strconv.FormatInt(int64(n), 10)
}

func isSequenceMismatch(err error) bool {
	var apiErr *jetstream.APIError
	if ok := jetstreamAsAPIError(err, &apiErr); ok {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func jetstreamAsAPIError(err error, out **jetstream.APIError) bool {
	ae, ok := err.(*jetstream.APIError)
	if ok {
		*out = ae
	}
	return ok
}

// currentLength returns the stream's current event count by asking
// JetStream for the subject's message count, as an EventNumber.
func (s *NATSStore) currentLength(ctx context.Context, id StreamId) (EventNumber, error) {
	info, err := s.str.Info(ctx, jetstream.WithSubjectFilter(subject(id)))
	if err != nil {
		return 0, &StoreWriteError{StreamId: id, Cause: err}
	}
	count, ok := info.State.Subjects[subject(id)]
	if !ok {
		return 0, nil
	}
	return EventNumber(count), nil
}

// Read implements Store by replaying the subject's stored messages
// starting at from.EventNumber.
func (s *NATSStore) Read(ctx context.Context, from StreamPosition) ([]Event, error) {
	cons, err := s.str.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject(from.StreamId)},
	})
	if err != nil {
		return nil, &StoreWriteError{StreamId: from.StreamId, Cause: err}
	}

	var out []Event
	for {
		msg, err := cons.Next(jetstream.FetchMaxMessages(1))
		if err != nil {
			break
		}
		var env natsEnvelope
		if uerr := json.Unmarshal(msg.Data(), &env); uerr != nil {
			continue
		}
		if env.EventNumber < int64(from.EventNumber) {
			msg.Ack()
			continue
		}
		out = append(out, Event{
			StreamId:    from.StreamId,
			EventNumber: EventNumber(env.EventNumber),
			Type:        env.Type,
			Data:        env.Data,
		})
		msg.Ack()
	}
	return out, nil
}

// SubscribeAll implements Store using an ephemeral ordered consumer over
// the wildcard subject, delivering only messages published after the
// consumer is created (DeliverPolicy new), matching the live-only
// contract.
func (s *NATSStore) SubscribeAll(ctx context.Context) (<-chan CommittedEvent, error) {
	cons, err := s.str.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{"events.>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: ordered consumer: %w", err)
	}

	out := make(chan CommittedEvent, 256)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		if s.cfg.PauseIngestion != nil && s.cfg.PauseIngestion() {
			// Leave unacknowledged: JetStream redelivers this message once
			// ingestion is no longer paused, instead of forwarding it onto
			// an already-overloaded process.
			return
		}
		var env natsEnvelope
		if uerr := json.Unmarshal(msg.Data(), &env); uerr != nil {
			msg.Ack()
			return
		}
		meta, _ := msg.Metadata()
		streamID := msg.Subject()[len("events."):]
		select {
		case out <- CommittedEvent{
			StreamId:    StreamId(streamID),
			EventNumber: EventNumber(env.EventNumber),
			GlobalPos:   int64(meta.Sequence.Stream),
			Type:        env.Type,
			Data:        env.Data,
		}:
		default:
			// Saturated subscriber: drop, per best-effort subscribeAll.
		}
		msg.Ack()
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("eventstore: consume: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
		close(out)
	}()

	return out, nil
}

// Close releases the underlying NATS connection.
func (s *NATSStore) Close() {
	s.nc.Close()
}
