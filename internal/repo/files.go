package repo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	projectsDir   = "projects"
	globalProject = "_global"
)

// FileStore lays state out as plain files:
//
//	projects/<project>/<kind>/<key>.json   one document, replaced via rename
//	projects/<project>/<stream>.jsonl      one record per line
type FileStore struct {
	fs   afero.Fs
	root string

	mu   sync.Mutex
	seqs map[string]int64
}

// NewFileStore stores state under root on fs. Pass afero.NewOsFs() for disk or
// afero.NewMemMapFs() for tests.
func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: root, seqs: map[string]int64{}}
}

func (s *FileStore) projectDir(projectID string) string {
	if projectID == "" {
		projectID = globalProject
	}
	return path.Join(s.root, projectsDir, safeName(projectID))
}

func (s *FileStore) docPath(projectID, kind, key string) string {
	parts := []string{s.projectDir(projectID)}
	for _, seg := range strings.Split(kind, "/") {
		parts = append(parts, safeName(seg))
	}
	parts = append(parts, safeName(key)+".json")
	return path.Join(parts...)
}

func (s *FileStore) streamPath(projectID, stream string) string {
	return path.Join(s.projectDir(projectID), safeName(stream)+".jsonl")
}

// safeName escapes a single path segment so distinct names never share a file and no
// name escapes its directory. fromSafeName reverses it.
func safeName(seg string) string {
	if seg == "" {
		return "_"
	}
	seg = url.PathEscape(seg)
	if seg == "." || seg == ".." {
		return strings.ReplaceAll(seg, ".", "%2E")
	}
	return seg
}

func fromSafeName(name string) string {
	if n, err := url.PathUnescape(name); err == nil {
		return n
	}
	return name
}

func (s *FileStore) Put(_ context.Context, projectID, kind, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	target := s.docPath(projectID, kind, key)
	if err := s.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, body, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, target)
}

func (s *FileStore) Get(_ context.Context, projectID, kind, key string, out any) error {
	p := s.docPath(projectID, kind, key)
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return decode(data, out, p)
}

func (s *FileStore) Keys(_ context.Context, projectID, kind string) ([]string, error) {
	dir := path.Dir(s.docPath(projectID, kind, "x"))
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := []string{}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, fromSafeName(strings.TrimSuffix(name, ".json")))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Projects(_ context.Context) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, path.Join(s.root, projectsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := []string{}
	for _, info := range infos {
		if info.IsDir() && info.Name() != globalProject {
			ids = append(ids, fromSafeName(info.Name()))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Append(ctx context.Context, projectID, stream string, v any) (int64, error) {
	body, err := encode(v)
	if err != nil {
		return 0, err
	}
	p := s.streamPath(projectID, stream)

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[p]
	if !ok {
		existing, err := s.readLocked(p, 0, 0)
		if err != nil {
			return 0, err
		}
		if n := len(existing); n > 0 {
			seq = existing[n-1].Seq
		}
	}
	seq++
	line, err := json.Marshal(Record{Seq: seq, Body: body})
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return 0, err
	}
	torn, err := s.tornTail(p)
	if err != nil {
		return 0, err
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}
	f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	s.seqs[p] = seq
	return seq, nil
}

// tornTail reports whether the stream file ends in a partial line, as left by a crash
// mid-append.
func (s *FileStore) tornTail(p string) (bool, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *FileStore) Read(_ context.Context, projectID, stream string, after int64, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(s.streamPath(projectID, stream), after, limit)
}

// readLocked skips lines that fail to decode; a torn final line after a crash is dropped.
func (s *FileStore) readLocked(p string, after int64, limit int) ([]Record, error) {
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	records := []Record{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Seq <= after {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, scanner.Err()
}

func (s *FileStore) Close() error { return nil }
