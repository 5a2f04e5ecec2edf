// Package versioning keeps append-only version chains for project documents. Every
// snapshot allocates the next version number; rollback restores old content as a new
// version and never rewrites history.
package versioning

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"crewline/internal/collab"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/repo"
)

const (
	kindHeads     = "version_heads"
	kindVersions  = "versions"
	streamAudit   = "audit_log"
	managerActor  = "VersionManager"
	defaultAuthor = "System"

	DefaultAuditLimit = 100
)

var (
	ErrDocumentNotFound = fmt.Errorf("document %w", repo.ErrNotFound)
	ErrVersionNotFound  = fmt.Errorf("version %w", repo.ErrNotFound)
	ErrVersionLocked    = errors.New("version locked")
	ErrInvalidContent   = errors.New("content must be a JSON object or text")
)

// Messenger delivers rollback notifications. *collab.Bus satisfies it.
type Messenger interface {
	Send(ctx context.Context, req collab.SendRequest) (string, string, error)
}

type Options struct {
	Store     repo.Store
	Events    events.Publisher
	Messenger Messenger
	Logger    *log.Logger
	Now       func() time.Time
}

type Store struct {
	store     repo.Store
	events    events.Publisher
	messenger Messenger
	log       *log.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(opts Options) *Store {
	s := &Store{
		store:     opts.Store,
		events:    opts.Events,
		messenger: opts.Messenger,
		log:       logging.OrDiscard(opts.Logger),
		now:       opts.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SnapshotRequest describes one new version.
type SnapshotRequest struct {
	ProjectID      string
	DocumentID     string
	DocumentType   string
	Content        any
	ChangedBy      string
	ChangeReason   string
	ChangesSummary []string
}

// lock serializes version allocation per project.
func (s *Store) lock(projectID string) func() {
	s.mu.Lock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Snapshot stores content as the document's next version.
func (s *Store) Snapshot(ctx context.Context, req SnapshotRequest) (domain.DocumentVersion, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return domain.DocumentVersion{}, errors.New("document id required")
	}
	content, err := NormalizeContent(req.Content)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	unlock := s.lock(req.ProjectID)
	defer unlock()
	return s.snapshotLocked(ctx, req, content)
}

func (s *Store) snapshotLocked(ctx context.Context, req SnapshotRequest, content any) (domain.DocumentVersion, error) {
	now := s.now().UTC()
	head, err := s.head(ctx, req.ProjectID, req.DocumentID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		head = domain.VersionHistory{DocumentID: req.DocumentID, CreatedAt: now}
	case err != nil:
		return domain.DocumentVersion{}, err
	}
	if req.DocumentType != "" {
		head.DocumentType = req.DocumentType
	}
	hash, err := ContentHash(content)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	by := req.ChangedBy
	if by == "" {
		by = defaultAuthor
	}
	v := domain.DocumentVersion{
		DocumentID:     req.DocumentID,
		DocumentType:   head.DocumentType,
		Version:        head.CurrentVersion + 1,
		Content:        content,
		ContentHash:    hash,
		ChangedBy:      by,
		ChangeReason:   req.ChangeReason,
		Timestamp:      now,
		ChangesSummary: append([]string{}, req.ChangesSummary...),
	}
	if head.CurrentVersion > 0 {
		parent := head.CurrentVersion
		v.ParentVersion = &parent
	}
	if err := s.store.Put(ctx, req.ProjectID, versionsKind(req.DocumentID), versionKey(v.Version), v); err != nil {
		return domain.DocumentVersion{}, fmt.Errorf("save version: %w", err)
	}
	head.CurrentVersion = v.Version
	head.Versions = append(head.Versions, v.Version)
	head.UpdatedAt = now
	if err := s.store.Put(ctx, req.ProjectID, kindHeads, headKey(req.DocumentID), head); err != nil {
		return domain.DocumentVersion{}, fmt.Errorf("save version head: %w", err)
	}
	entry := domain.ChangeEntry{
		ID:             domain.NewID("chg_", 12),
		Timestamp:      now,
		DocumentID:     v.DocumentID,
		DocumentType:   v.DocumentType,
		Version:        v.Version,
		ChangedBy:      v.ChangedBy,
		ChangeReason:   v.ChangeReason,
		ChangesSummary: strings.Join(v.ChangesSummary, ", "),
	}
	if _, err := s.store.Append(ctx, req.ProjectID, streamAudit, entry); err != nil {
		return domain.DocumentVersion{}, fmt.Errorf("append audit entry: %w", err)
	}
	s.events.Publish(ctx, domain.Event{
		Type:       events.TypeVersionCreated,
		ProjectID:  req.ProjectID,
		EntityKind: "document",
		EntityID:   v.DocumentID,
		ActorID:    v.ChangedBy,
		Payload: map[string]any{
			"document_id":   v.DocumentID,
			"document_type": v.DocumentType,
			"version":       v.Version,
			"content_hash":  v.ContentHash,
		},
	})
	s.log.Info("snapshot created", "project", req.ProjectID, "document", v.DocumentID, "version", v.Version, "by", v.ChangedBy)
	return v, nil
}

// GetVersion returns one version of a document. Version 0 means the current version.
func (s *Store) GetVersion(ctx context.Context, projectID, documentID string, version int) (domain.DocumentVersion, error) {
	if version == 0 {
		head, err := s.head(ctx, projectID, documentID)
		if err != nil {
			return domain.DocumentVersion{}, err
		}
		version = head.CurrentVersion
	}
	var v domain.DocumentVersion
	if err := s.store.Get(ctx, projectID, versionsKind(documentID), versionKey(version), &v); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if errors.Is(err, repo.ErrCorrupt) {
				s.log.Warn("version unreadable, treating as absent", "project", projectID, "document", documentID, "version", version, "err", err)
			}
			return domain.DocumentVersion{}, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, documentID, version)
		}
		return domain.DocumentVersion{}, err
	}
	if v.Version != version || v.DocumentID != documentID {
		s.log.Warn("version document mismatched, treating as absent", "project", projectID, "document", documentID, "version", version)
		return domain.DocumentVersion{}, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, documentID, version)
	}
	return v, nil
}

// GetVersionsList derives the version list from the stored chain and the current
// pointer from the document head.
func (s *Store) GetVersionsList(ctx context.Context, projectID, documentID string) (domain.VersionHistory, error) {
	head, err := s.head(ctx, projectID, documentID)
	if err != nil {
		return domain.VersionHistory{}, err
	}
	keys, err := s.store.Keys(ctx, projectID, versionsKind(documentID))
	if err != nil {
		return domain.VersionHistory{}, err
	}
	versions := make([]int, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	head.Versions = versions
	return head, nil
}

// Documents lists the heads of every versioned document in the project, by id.
func (s *Store) Documents(ctx context.Context, projectID string) ([]domain.VersionHistory, error) {
	keys, err := s.store.Keys(ctx, projectID, kindHeads)
	if err != nil {
		return nil, err
	}
	out := make([]domain.VersionHistory, 0, len(keys))
	for _, k := range keys {
		var h domain.VersionHistory
		if err := s.store.Get(ctx, projectID, kindHeads, k, &h); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

// LockVersion marks a version as locked. Locked versions cannot be rollback targets.
func (s *Store) LockVersion(ctx context.Context, projectID, documentID string, version int) (domain.DocumentVersion, error) {
	unlock := s.lock(projectID)
	defer unlock()
	v, err := s.GetVersion(ctx, projectID, documentID, version)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	if v.Locked {
		return v, nil
	}
	v.Locked = true
	if err := s.store.Put(ctx, projectID, versionsKind(documentID), versionKey(v.Version), v); err != nil {
		return domain.DocumentVersion{}, fmt.Errorf("lock version: %w", err)
	}
	s.events.Publish(ctx, domain.Event{
		Type:       events.TypeVersionLocked,
		ProjectID:  projectID,
		EntityKind: "document",
		EntityID:   documentID,
		Payload:    map[string]any{"document_id": documentID, "version": v.Version},
	})
	s.log.Info("version locked", "project", projectID, "document", documentID, "version", v.Version)
	return v, nil
}

// CompareVersions loads two versions of a document and diffs them.
func (s *Store) CompareVersions(ctx context.Context, projectID, documentID string, v1, v2 int) (domain.DiffResult, error) {
	a, err := s.GetVersion(ctx, projectID, documentID, v1)
	if err != nil {
		return domain.DiffResult{}, err
	}
	b, err := s.GetVersion(ctx, projectID, documentID, v2)
	if err != nil {
		return domain.DiffResult{}, err
	}
	return Compare(a, b), nil
}

// CanRollback reports whether target exists and is not locked.
func (s *Store) CanRollback(ctx context.Context, projectID, documentID string, target int) bool {
	if target <= 0 {
		return false
	}
	v, err := s.GetVersion(ctx, projectID, documentID, target)
	return err == nil && !v.Locked
}

// Rollback restores the content of target as a new version. Missing targets are not
// found and locked targets fail with ErrVersionLocked; the chain is unchanged either
// way. Everyone is notified of a successful rollback.
func (s *Store) Rollback(ctx context.Context, projectID, documentID string, target int, reason, by string) (domain.DocumentVersion, error) {
	if target <= 0 {
		return domain.DocumentVersion{}, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, documentID, target)
	}
	unlock := s.lock(projectID)
	defer unlock()
	old, err := s.GetVersion(ctx, projectID, documentID, target)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	if old.Locked {
		s.log.Warn("rollback to locked version refused", "project", projectID, "document", documentID, "version", target)
		return domain.DocumentVersion{}, fmt.Errorf("%w: %s v%d", ErrVersionLocked, documentID, target)
	}
	head, err := s.head(ctx, projectID, documentID)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	if reason == "" {
		reason = "Rollback requested"
	}
	if by == "" {
		by = defaultAuthor
	}
	v, err := s.snapshotLocked(ctx, SnapshotRequest{
		ProjectID:      projectID,
		DocumentID:     documentID,
		DocumentType:   old.DocumentType,
		ChangedBy:      by,
		ChangeReason:   fmt.Sprintf("%s (rolled back from v%d to v%d)", reason, head.CurrentVersion, target),
		ChangesSummary: []string{fmt.Sprintf("Restored content from version %d", target)},
	}, old.Content)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	s.log.Info("rollback complete", "project", projectID, "document", documentID, "from", head.CurrentVersion, "content_of", target, "now", v.Version)
	if s.messenger != nil {
		if _, _, err := s.messenger.Send(ctx, collab.SendRequest{
			From:    managerActor,
			To:      domain.BroadcastRecipient,
			Content: fmt.Sprintf("ROLLBACK: %s restored to v%d content (now v%d)", documentID, target, v.Version),
			Type:    domain.MessageNotification,
			Context: map[string]any{"project_id": projectID, "document_id": documentID},
		}); err != nil {
			s.log.Warn("rollback notification not sent", "document", documentID, "err", err)
		}
	}
	return v, nil
}

// GetAuditLog returns the project's snapshot log newest first, at most limit entries
// (DefaultAuditLimit when limit <= 0).
func (s *Store) GetAuditLog(ctx context.Context, projectID string, limit int) ([]domain.ChangeEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	entries, err := repo.ReadAll[domain.ChangeEntry](ctx, s.store, projectID, streamAudit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChangeEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (s *Store) head(ctx context.Context, projectID, documentID string) (domain.VersionHistory, error) {
	var h domain.VersionHistory
	if err := s.store.Get(ctx, projectID, kindHeads, headKey(documentID), &h); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return h, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return h, err
	}
	if h.DocumentID != documentID || h.CurrentVersion < 1 {
		return domain.VersionHistory{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return h, nil
}

// NormalizeContent accepts text or a JSON object in any Go form and returns either a
// string or a map[string]any.
func NormalizeContent(content any) (any, error) {
	switch x := content.(type) {
	case string:
		return x, nil
	case map[string]any:
		return x, nil
	case []byte:
		return string(x), nil
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(x, &m); err == nil && m != nil {
			return m, nil
		}
		var str string
		if err := json.Unmarshal(x, &str); err == nil {
			return str, nil
		}
		return nil, ErrInvalidContent
	case nil:
		return nil, ErrInvalidContent
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, ErrInvalidContent
	}
	return m, nil
}

// ContentHash is the first 12 hex characters of the md5 of the content: the text itself,
// or the key-sorted JSON encoding of structured content.
func ContentHash(content any) (string, error) {
	var data []byte
	switch x := content.(type) {
	case string:
		data = []byte(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		data = b
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])[:12], nil
}

func versionsKind(documentID string) string {
	return kindVersions + "/" + url.PathEscape(documentID)
}

func versionKey(n int) string {
	return fmt.Sprintf("%06d", n)
}

func headKey(documentID string) string {
	return url.PathEscape(documentID)
}
