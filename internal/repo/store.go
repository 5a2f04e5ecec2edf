// Package repo holds durable keyed storage for crewline state.
//
// Documents are whole-value JSON records addressed by (project, kind, key) and are always
// replaced as a unit. Streams are append-only JSON records addressed by (project, stream)
// with a store-assigned, strictly increasing sequence number.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrCorrupt marks a stored value that no longer decodes. It matches ErrNotFound so
	// callers treat unreadable state as absent.
	ErrCorrupt = fmt.Errorf("%w: corrupt record", ErrNotFound)
)

// Record is one stream entry.
type Record struct {
	Seq  int64           `json:"seq"`
	Body json.RawMessage `json:"body"`
}

// Decode unmarshals the record body into out.
func (r Record) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("%w: seq %d: %v", ErrCorrupt, r.Seq, err)
	}
	return nil
}

type Store interface {
	// Put replaces the document at (projectID, kind, key).
	Put(ctx context.Context, projectID, kind, key string, v any) error
	// Get decodes the document into out, returning ErrNotFound when absent or unreadable.
	Get(ctx context.Context, projectID, kind, key string, out any) error
	// Keys lists document keys of one kind in lexical order.
	Keys(ctx context.Context, projectID, kind string) ([]string, error)
	// Projects lists project ids holding any document.
	Projects(ctx context.Context) ([]string, error)
	// Append adds v to the stream and returns its sequence number.
	Append(ctx context.Context, projectID, stream string, v any) (int64, error)
	// Read returns stream records with seq > after, oldest first. limit <= 0 means all.
	Read(ctx context.Context, projectID, stream string, after int64, limit int) ([]Record, error)
	Close() error
}

// ReadAll decodes every record of a stream into T, skipping unreadable records.
func ReadAll[T any](ctx context.Context, s Store, projectID, stream string) ([]T, error) {
	records, err := s.Read(ctx, projectID, stream, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := rec.Decode(&v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte, out any, where string) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, where, err)
	}
	return nil
}
