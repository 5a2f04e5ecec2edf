package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLStore keeps documents and streams in the workspace sqlite database.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

func (s *SQLStore) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLStore) Put(ctx context.Context, projectID, kind, key string, v any) error {
	body, err := encode(v)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO documents(project_id,kind,key,body,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,kind,key) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		projectID, kind, key, string(body), s.now())
	return err
}

func (s *SQLStore) Get(ctx context.Context, projectID, kind, key string, out any) error {
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT body FROM documents WHERE project_id=? AND kind=? AND key=?`,
		projectID, kind, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return decode([]byte(body), out, kind+"/"+key)
}

func (s *SQLStore) Keys(ctx context.Context, projectID, kind string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM documents WHERE project_id=? AND kind=? ORDER BY key`, projectID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLStore) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT project_id FROM documents WHERE project_id <> '' ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Append(ctx context.Context, projectID, stream string, v any) (int64, error) {
	body, err := encode(v)
	if err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO streams(project_id,stream,body,created_at) VALUES (?,?,?,?)`,
		projectID, stream, string(body), s.now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) Read(ctx context.Context, projectID, stream string, after int64, limit int) ([]Record, error) {
	query := `SELECT seq, body FROM streams WHERE project_id=? AND stream=? AND seq>? ORDER BY seq`
	args := []any{projectID, stream, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		var rec Record
		var body string
		if err := rows.Scan(&rec.Seq, &body); err != nil {
			return nil, err
		}
		rec.Body = []byte(body)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}
