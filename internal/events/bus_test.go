package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type panickySink struct{}

func (panickySink) Name() string                      { return "panicky" }
func (panickySink) Emit(context.Context, Event) error { panic("sink exploded") }

type failingSink struct{}

func (failingSink) Name() string                      { return "failing" }
func (failingSink) Emit(context.Context, Event) error { return errors.New("sink down") }

func TestBusDeliversInPublishOrder(t *testing.T) {
	rec := &recordingSink{}
	bus := NewBus(Config{BufferSize: 64}, rec)

	for i := 0; i < 20; i++ {
		bus.Publish(context.Background(), New(
			fmt.Sprintf("test.event.%02d", i), "test", TypeApp, SeverityDebug, "", nil))
	}
	bus.Close()

	got := rec.snapshot()
	if len(got) != 20 {
		t.Fatalf("delivered %d events, want 20", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("test.event.%02d", i)
		if e.Name != want {
			t.Fatalf("event %d out of order: got %s, want %s", i, e.Name, want)
		}
	}
}

func TestBusIsolatesBrokenSinks(t *testing.T) {
	rec := &recordingSink{}
	bus := NewBus(Config{BufferSize: 8}, panickySink{}, failingSink{}, rec)

	// must not panic into the caller and must still reach the healthy sink
	bus.Publish(context.Background(), New("test.broken", "test", TypeApp, SeverityInfo, "", nil))
	bus.Close()

	if got := rec.snapshot(); len(got) != 1 || got[0].Name != "test.broken" {
		t.Fatalf("healthy sink did not receive the event: %v", got)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := sinkFunc(func(context.Context, Event) error {
		<-block
		return nil
	})
	bus := NewBus(Config{BufferSize: 1, DropIfFull: true}, slow)

	// first event occupies the dispatcher, second fills the buffer, the
	// rest must be dropped without blocking
	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), New("test.flood", "test", TypeApp, SeverityDebug, "", nil))
	}
	if bus.Dropped() == 0 {
		t.Fatal("expected dropped events on a full buffer")
	}
	close(block)
	bus.Close()
}

type sinkFunc func(ctx context.Context, event Event) error

func (sinkFunc) Name() string                              { return "func" }
func (f sinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

func TestBusPublishAfterClose(t *testing.T) {
	rec := &recordingSink{}
	bus := NewBus(Config{BufferSize: 4}, rec)
	bus.Close()

	bus.Publish(context.Background(), New("test.late", "test", TypeApp, SeverityInfo, "", nil))
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("event delivered after Close: %v", got)
	}
}

func TestEventConstruction(t *testing.T) {
	e := New("account.password_change.succeeded", "account", TypeSecurity, SeverityInfo,
		"password changed", map[string]string{"user_id": "u-1"})
	if e.ID == "" {
		t.Fatal("missing id")
	}
	if e.Version != SchemaVersion {
		t.Fatalf("unexpected version: %s", e.Version)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("missing timestamp")
	}
	if e.ErrorData != "" {
		t.Fatal("error data set on success event")
	}

	withErr := e.WithError(errors.New("boom"))
	if withErr.ErrorData != "boom" {
		t.Fatalf("WithError not applied: %q", withErr.ErrorData)
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	event := New("test.json", "test", TypeApp, SeverityInfo, "hello", map[string]string{"k": "v"})
	if err := sink.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if decoded.Name != "test.json" || decoded.Payload["k"] != "v" {
		t.Fatalf("roundtrip mismatch: %+v", decoded)
	}
}

func TestStreamSinkFanOut(t *testing.T) {
	sink := NewStreamSink()
	ctx, cancel := context.WithCancel(context.Background())
	sub := sink.Subscribe(ctx)

	event := New("test.stream", "test", TypeApp, SeverityInfo, "", nil)
	if err := sink.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case got := <-sub:
		if got.Name != "test.stream" {
			t.Fatalf("unexpected event: %s", got.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	cancel()
	// channel closes once the context ends
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed after cancel")
		}
	}
}

func TestPGAuditSink(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	event := New("account.password_change.succeeded", "account", TypeSecurity, SeverityInfo,
		"password changed", map[string]string{"user_id": "u-1"})

	mock.ExpectExec("insert into audit_events").
		WithArgs(event.ID, event.Timestamp, event.Name, event.Source,
			string(event.Type), string(event.Severity), event.Message,
			sqlmock.AnyArg(), sqlmock.AnyArg(), event.Version).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewPGAuditSink(db)
	if err := sink.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
