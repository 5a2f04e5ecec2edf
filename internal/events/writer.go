package events

import (
	"context"
	"time"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

const stream = "events"

// Writer appends events to the per-project event log stream.
type Writer struct {
	Store repo.Store
	Now   func() time.Time
}

// Append stamps the event with its log sequence and timestamp.
func (w Writer) Append(ctx context.Context, evt domain.Event) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.TS.IsZero() {
		evt.TS = w.Now().UTC()
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	seq, err := w.Store.Append(ctx, evt.ProjectID, stream, evt)
	if err != nil {
		return evt, err
	}
	evt.ID = seq
	return evt, nil
}

// After lists events of a project with id > cursor, oldest first, optionally filtered by
// type. Returns at most limit items.
func (w Writer) After(ctx context.Context, projectID string, cursor int64, limit int, evtType string) ([]domain.Event, error) {
	out := []domain.Event{}
	for {
		records, err := w.Store.Read(ctx, projectID, stream, cursor, limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			cursor = rec.Seq
			var evt domain.Event
			if err := rec.Decode(&evt); err != nil {
				continue
			}
			evt.ID = rec.Seq
			if evtType != "" && evt.Type != evtType {
				continue
			}
			out = append(out, evt)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if limit <= 0 || len(records) < limit {
			return out, nil
		}
	}
}
