package domain

import "time"

// DocumentVersion content is either a JSON object (map[string]any) or text (string).
type DocumentVersion struct {
	DocumentID     string    `json:"document_id"`
	DocumentType   string    `json:"document_type"`
	Version        int       `json:"version"`
	Content        any       `json:"content"`
	ContentHash    string    `json:"content_hash"`
	ChangedBy      string    `json:"changed_by"`
	ChangeReason   string    `json:"change_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp" format:"date-time"`
	ChangesSummary []string  `json:"changes_summary,omitempty"`
	ParentVersion  *int      `json:"parent_version,omitempty"`
	Locked         bool      `json:"locked"`
}

// Structured returns the content as a field map when it is one.
func (v DocumentVersion) Structured() (map[string]any, bool) {
	m, ok := v.Content.(map[string]any)
	return m, ok
}

type VersionHistory struct {
	DocumentID     string    `json:"document_id"`
	DocumentType   string    `json:"document_type"`
	CurrentVersion int       `json:"current_version"`
	Versions       []int     `json:"versions"`
	CreatedAt      time.Time `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time `json:"updated_at" format:"date-time"`
}

type ChangeEntry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp" format:"date-time"`
	DocumentID     string    `json:"document_id"`
	DocumentType   string    `json:"document_type"`
	Version        int       `json:"version"`
	ChangedBy      string    `json:"changed_by"`
	ChangeReason   string    `json:"change_reason,omitempty"`
	ChangesSummary string    `json:"changes_summary,omitempty"`
}

type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

type DiffResult struct {
	DocumentID string        `json:"document_id"`
	V1         int           `json:"v1"`
	V2         int           `json:"v2"`
	Added      []string      `json:"added"`
	Removed    []string      `json:"removed"`
	Modified   []FieldChange `json:"modified"`
	IsJSONDiff bool          `json:"is_json_diff"`
	RawDiff    string        `json:"raw_diff,omitempty"`
}
