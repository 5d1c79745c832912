// Package events publishes record lifecycle events.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/stash/core/record"
)

// Event types.
const (
	TypeConsumed  = "consumed"
	TypeExhausted = "exhausted"
)

const DefaultSubjectPrefix = "stash.record"

// Event describes one access to a record. File paths are never included.
type Event struct {
	ID        string
	Type      string
	Slug      string
	Kind      record.Kind
	Remaining int64
	Unlimited bool
	At        time.Time
}

// New stamps an event with a fresh ID and the current time.
func New(typ, slug string, kind record.Kind) Event {
	return Event{ID: uuid.NewString(), Type: typ, Slug: slug, Kind: kind, At: time.Now().UTC()}
}

// Publisher delivers events. Publishing is fire-and-forget for callers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close()                               {}

// Subject returns the subject for an event type under prefix.
func Subject(prefix, typ string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + typ
}

// Encode serializes ev as a protobuf Struct.
func Encode(ev Event) ([]byte, error) {
	if ev.Type == "" || ev.Slug == "" {
		return nil, errors.New("event type and slug required")
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"slug":      ev.Slug,
		"kind":      string(ev.Kind),
		"remaining": float64(ev.Remaining),
		"unlimited": ev.Unlimited,
		"at":        ev.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return proto.Marshal(st)
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	fields := st.GetFields()
	ev := Event{
		ID:        fields["id"].GetStringValue(),
		Type:      fields["type"].GetStringValue(),
		Slug:      fields["slug"].GetStringValue(),
		Kind:      record.Kind(fields["kind"].GetStringValue()),
		Remaining: int64(fields["remaining"].GetNumberValue()),
		Unlimited: fields["unlimited"].GetBoolValue(),
	}
	if raw := fields["at"].GetStringValue(); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("decode event time: %w", err)
		}
		ev.At = at
	}
	if ev.Type == "" || ev.Slug == "" {
		return Event{}, errors.New("decode event: missing type or slug")
	}
	return ev, nil
}
