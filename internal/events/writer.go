package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event.
func (w Writer) Append(ctx context.Context, evtType, runID, entityKind, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(runID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
