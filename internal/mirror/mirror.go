// Package mirror fans committed events out to a Kafka/Redpanda topic,
// giving external consumers (analytics, audit, other services) a feed
// independent of the protocol core's own clients. Adapted from the
// teacher's franz-go consumer, inverted into a producer.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/odin-labs/eventcore/internal/eventbus"
	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config configures the mirror producer.
type Config struct {
	Brokers []string
	Topic   string
}

// mirroredEvent is the wire shape published to the mirror topic: a
// flattened, JSON-friendly view of eventstore.CommittedEvent.
type mirroredEvent struct {
	StreamId    string          `json:"streamId"`
	EventNumber int64           `json:"eventNumber"`
	GlobalPos   int64           `json:"globalPosition"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	CommittedAt int64           `json:"committedAtUnixMilli"`
}

// Mirror subscribes to a Bus with the always-true predicate and produces
// every committed event to a Kafka/Redpanda topic, keyed by stream ID so
// a downstream consumer group preserves per-stream ordering.
type Mirror struct {
	client *kgo.Client
	topic  string
	bus    *eventbus.Bus
	logger zerolog.Logger

	wg sync.WaitGroup
}

// New dials the configured brokers and returns a Mirror ready to Run.
func New(cfg Config, bus *eventbus.Bus, logger zerolog.Logger) (*Mirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("mirror: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mirror: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("mirror: create kafka client: %w", err)
	}

	return &Mirror{
		client: client,
		topic:  cfg.Topic,
		bus:    bus,
		logger: logger.With().Str("component", "mirror").Logger(),
	}, nil
}

// Run subscribes to the bus and produces events until ctx is cancelled.
// It blocks until the subscription ends; callers typically run it in its
// own goroutine.
func (m *Mirror) Run(ctx context.Context) {
	sub := m.bus.Subscribe(eventbus.Accept)
	defer sub.Close()

	m.logger.Info().Str("topic", m.topic).Msg("mirror: started")
	defer m.logger.Info().Msg("mirror: stopped")

	for {
		select {
		case ce, ok := <-sub.Events:
			if !ok {
				return
			}
			m.produce(ctx, ce)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) produce(ctx context.Context, ce eventstore.CommittedEvent) {
	payload, err := json.Marshal(mirroredEvent{
		StreamId:    string(ce.StreamId),
		EventNumber: int64(ce.EventNumber),
		GlobalPos:   ce.GlobalPos,
		Type:        ce.Type,
		Data:        json.RawMessage(ce.Data),
		CommittedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		m.logger.Error().Err(err).Str("stream_id", string(ce.StreamId)).Msg("mirror: marshal failed, dropping event")
		telemetry.MirrorMessagesDropped.Inc()
		return
	}

	record := &kgo.Record{
		Topic: m.topic,
		Key:   []byte(ce.StreamId),
		Value: payload,
	}

	m.wg.Add(1)
	m.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		defer m.wg.Done()
		if err != nil {
			m.logger.Error().Err(err).Str("stream_id", string(ce.StreamId)).Msg("mirror: produce failed")
			telemetry.MirrorMessagesDropped.Inc()
			return
		}
		telemetry.MirrorMessagesProduced.Inc()
	})
}

// Close flushes in-flight produces and releases the Kafka client. Call
// after Run has returned.
func (m *Mirror) Close() {
	m.wg.Wait()
	m.client.Close()
}
