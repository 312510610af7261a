package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/vk74/admincore/internal/obs"
)

// LogSink writes every event as a JSON line through the shared logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Emit(_ context.Context, event Event) error {
	entry := map[string]any{
		"ts":       event.Timestamp.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    event.Name,
		"source":   event.Source,
		"severity": string(event.Severity),
		"version":  event.Version,
	}
	if event.Message != "" {
		entry["message"] = event.Message
	}
	if len(event.Payload) > 0 {
		fields := make(map[string]any, len(event.Payload))
		for k, v := range event.Payload {
			fields[k] = v
		}
		entry["fields"] = fields
	}
	if event.ErrorData != "" {
		entry["error"] = event.ErrorData
	}
	obs.LogRequest(entry)
	return nil
}

// JSONWriterSink appends events as JSON lines to an arbitrary writer.
// Useful for tests and file-backed trails.
type JSONWriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Name() string { return "json" }

func (s *JSONWriterSink) Emit(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	_, err = s.writer.Write([]byte("\n"))
	return err
}
