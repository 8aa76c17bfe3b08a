// Package wire defines the JSON envelope exchanged between client and
// server protocol state machines, and the codec that encodes/decodes it.
package wire

import "encoding/json"

// Type is the envelope discriminant.
type Type string

const (
	TypeSubscribe      Type = "subscribe"
	TypeUnsubscribe     Type = "unsubscribe"
	TypeCommand         Type = "command"
	TypePing            Type = "ping"
	TypeEvent           Type = "event"
	TypeCommandResult   Type = "command_result"
	TypeSubscriptionAck Type = "subscription_ack"
	TypeSubscriptionEnd Type = "subscription_end"
	TypePong            Type = "pong"
	TypeError           Type = "error"
)

// Position mirrors StreamPosition on the wire.
type Position struct {
	StreamId    string `json:"streamId"`
	EventNumber int64  `json:"eventNumber"`
}

// AggregateRef addresses a command at an aggregate instance.
type AggregateRef struct {
	Position Position `json:"position"`
	Name     string   `json:"name"`
}

// ErrorPayload is the body of an `error` frame or a failed `command_result`.
type ErrorPayload struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// header holds the fields present on every frame. Every per-type payload
// struct below embeds header so callers can always reach Id/Type/Timestamp
// without a type switch.
type header struct {
	Id            string         `json:"id"`
	Type          Type           `json:"type"`
	Timestamp     string         `json:"timestamp"`
	CorrelationId string         `json:"correlationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Envelope is the decoded result of Decode: the common header plus the raw
// bytes of the whole frame, from which the per-type payload is extracted
// with the matching As* accessor. Kept this way (rather than one flat
// struct) because two distinct frame types use the same field name
// ("position") with different JSON shapes - an int on `event`, an object on
// `command_result` - which a single flat struct cannot represent.
type Envelope struct {
	header
	raw []byte
}

func (e *Envelope) Id() string            { return e.header.Id }
func (e *Envelope) Kind() Type             { return e.header.Type }
func (e *Envelope) Timestamp() string      { return e.header.Timestamp }
func (e *Envelope) CorrelationId() string  { return e.header.CorrelationId }

// SubscribeFrame is the payload of a `subscribe` frame.
type SubscribeFrame struct {
	header
	StreamId        string `json:"streamId"`
	FromPosition    *int64 `json:"fromPosition,omitempty"`
	IncludeMetadata bool   `json:"includeMetadata,omitempty"`
	BatchSize       int    `json:"batchSize,omitempty"`
}

// UnsubscribeFrame is the payload of an `unsubscribe` frame.
type UnsubscribeFrame struct {
	header
	StreamId string `json:"streamId"`
}

// CommandFrame is the payload of a `command` frame.
type CommandFrame struct {
	header
	Aggregate       AggregateRef    `json:"aggregate"`
	CommandName     string          `json:"commandName"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
}

// PingFrame is the payload of a `ping` frame (no additional fields).
type PingFrame struct {
	header
}

// PongFrame is the payload of a `pong` frame (no additional fields).
type PongFrame struct {
	header
}

// EventFrame is the payload of an `event` frame.
type EventFrame struct {
	header
	StreamId      string          `json:"streamId"`
	EventNumber   int64           `json:"eventNumber"`
	Position      int64           `json:"position"`
	EventType     string          `json:"eventType"`
	Event         json.RawMessage `json:"event"`
	EventMetadata json.RawMessage `json:"eventMetadata,omitempty"`
}

// CommandResultFrame is the payload of a `command_result` frame.
type CommandResultFrame struct {
	header
	Success  bool          `json:"success"`
	Position *Position     `json:"position,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// SubscriptionAckFrame is the payload of a `subscription_ack` frame.
type SubscriptionAckFrame struct {
	header
	StreamId        string   `json:"streamId"`
	CurrentPosition Position `json:"currentPosition"`
	IsLive          bool     `json:"isLive"`
}

// SubscriptionEndFrame is the payload of a `subscription_end` frame.
type SubscriptionEndFrame struct {
	header
	StreamId string `json:"streamId"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorFrame is the payload of an `error` frame.
type ErrorFrame struct {
	header
	Error ErrorPayload `json:"error"`
}
