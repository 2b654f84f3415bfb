package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the payload envelope layout written by Emit.
const EnvelopeVersion = 1

// RoleOperator marks events caused by a back-office operator request.
const RoleOperator = "operator"

var (
	ErrEnvelopeVersion = errors.New("unsupported envelope version")
	ErrEmptyPayload    = errors.New("envelope carries no payload")
)

// ActorRef identifies who produced the event: an operator reference, the
// carrier reconciler or the workflow itself.
type ActorRef struct {
	Ref  string `json:"ref"`
	Role string `json:"role,omitempty"`
}

func (a ActorRef) String() string {
	if a.Role == "" {
		return a.Ref
	}
	return a.Role + ":" + a.Ref
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// encodeEnvelope mints the event id and renders the stored row payload.
func encodeEnvelope(version int, occurredAt time.Time, actor *ActorRef, data any) (PayloadEnvelope, json.RawMessage, error) {
	if version == 0 {
		version = EnvelopeVersion
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return PayloadEnvelope{}, nil, fmt.Errorf("encode payload: %w", err)
	}
	envelope := PayloadEnvelope{
		Version:    version,
		EventID:    uuid.NewString(),
		OccurredAt: occurredAt.UTC(),
		Actor:      actor,
		Data:       payload,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return PayloadEnvelope{}, nil, fmt.Errorf("encode envelope: %w", err)
	}
	return envelope, raw, nil
}

// DecodeEnvelope parses a stored or published envelope. Versions newer than
// EnvelopeVersion wrap ErrEnvelopeVersion and a missing or null payload
// wraps ErrEmptyPayload.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var envelope PayloadEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Version < 1 || envelope.Version > EnvelopeVersion {
		return PayloadEnvelope{}, fmt.Errorf("%w: %d", ErrEnvelopeVersion, envelope.Version)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return PayloadEnvelope{}, ErrEmptyPayload
	}
	envelope.Data = data
	envelope.EventID = strings.TrimSpace(envelope.EventID)
	if envelope.Actor != nil && strings.TrimSpace(envelope.Actor.Ref) == "" {
		envelope.Actor = nil
	}
	return envelope, nil
}

type actorKey struct{}

// WithActor records who is acting for events emitted under ctx.
func WithActor(ctx context.Context, actor ActorRef) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, if any.
func ActorFromContext(ctx context.Context) *ActorRef {
	if ctx == nil {
		return nil
	}
	if actor, ok := ctx.Value(actorKey{}).(ActorRef); ok && actor.Ref != "" {
		return &actor
	}
	return nil
}
