package events

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PGAuditSink appends events to the immutable audit_events table.
type PGAuditSink struct {
	db *sql.DB
}

func NewPGAuditSink(db *sql.DB) *PGAuditSink {
	return &PGAuditSink{db: db}
}

func (s *PGAuditSink) Name() string { return "audit_store" }

func (s *PGAuditSink) Emit(ctx context.Context, event Event) error {
	payload, _ := json.Marshal(event.Payload)
	var errData sql.NullString
	if event.ErrorData != "" {
		errData = sql.NullString{String: event.ErrorData, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into audit_events(id, occurred_at, event, source, event_type, severity, message, payload, error_data, version)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		event.ID, event.Timestamp, event.Name, event.Source,
		string(event.Type), string(event.Severity), event.Message,
		payload, errData, event.Version,
	)
	return err
}
