package kv

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Store is the in-memory map that committed commands are applied to. It is
// safe for concurrent reads while the apply loop writes.
type Store struct {
	mu     sync.RWMutex
	data   map[string]string
	tracer oteltrace.Tracer
}

// NewStore returns an empty store. A nil tracer disables spans.
func NewStore(tracer oteltrace.Tracer) *Store {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("kv")
	}
	return &Store{data: map[string]string{}, tracer: tracer}
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	return v, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Apply decodes one committed command and mutates the map. Deleting a
// missing key is not an error.
func (s *Store) Apply(ctx context.Context, raw []byte) error {
	_, span := s.tracer.Start(ctx, "kv.store.Apply",
		oteltrace.WithAttributes(attribute.Int("kv.command.bytes", len(raw))))
	defer span.End()

	var cmd Command
	if err := cmd.UnmarshalBinary(raw); err != nil {
		return failSpan(span, err)
	}

	s.mu.Lock()
	changed := s.mutateLocked(cmd)
	items := len(s.data)
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("kv.command.type", cmd.Type.String()),
		attribute.String("kv.key", cmd.Key),
		attribute.Bool("kv.store.changed", changed),
		attribute.Int("kv.store.items", items),
	)
	return nil
}

func (s *Store) mutateLocked(cmd Command) bool {
	prev, existed := s.data[cmd.Key]
	if cmd.Type == DeleteCmd {
		delete(s.data, cmd.Key)
		return existed
	}
	s.data[cmd.Key] = cmd.Value
	return !existed || prev != cmd.Value
}

// Snapshot encodes the whole map with keys in sorted order, so two stores
// holding the same pairs produce identical bytes.
func (s *Store) Snapshot(ctx context.Context) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "kv.store.Snapshot")
	defer span.End()

	s.mu.RLock()
	raw := encodeState(s.data, slices.Sorted(maps.Keys(s.data)))
	items := len(s.data)
	s.mu.RUnlock()

	span.SetAttributes(
		attribute.Int("kv.store.items", items),
		attribute.Int("kv.snapshot.bytes", len(raw)),
	)
	return raw, nil
}

// RestoreSnapshot swaps in the state encoded by Snapshot. Empty input resets
// the store. On a decode error the current state is left untouched.
func (s *Store) RestoreSnapshot(ctx context.Context, raw []byte) error {
	_, span := s.tracer.Start(ctx, "kv.store.RestoreSnapshot",
		oteltrace.WithAttributes(attribute.Int("kv.snapshot.bytes", len(raw))))
	defer span.End()

	next := map[string]string{}
	if len(raw) != 0 {
		decoded, err := decodeState(raw)
		if err != nil {
			return failSpan(span, err)
		}
		next = decoded
	}

	s.mu.Lock()
	s.data = next
	s.mu.Unlock()
	span.SetAttributes(attribute.Int("kv.store.items", len(next)))
	return nil
}

func failSpan(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
