package versioning

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"crewline/internal/domain"
)

const (
	maxDiffLines   = 20
	maxLineLength  = 100
	maxValueLength = 100
)

// Compare diffs two versions. When both hold structured content the result lists
// top-level fields added, removed and modified, with nested values summarized rather
// than diffed. Otherwise it is a unified line diff whose added and removed lines are
// trimmed for display; RawDiff keeps the full diff.
func Compare(v1, v2 domain.DocumentVersion) domain.DiffResult {
	old, okOld := v1.Structured()
	cur, okNew := v2.Structured()
	if okOld && okNew {
		return fieldDiff(v1, v2, old, cur)
	}
	return textDiff(v1, v2)
}

func fieldDiff(v1, v2 domain.DocumentVersion, old, cur map[string]any) domain.DiffResult {
	res := domain.DiffResult{
		DocumentID: v1.DocumentID,
		V1:         v1.Version,
		V2:         v2.Version,
		Added:      []string{},
		Removed:    []string{},
		Modified:   []domain.FieldChange{},
		IsJSONDiff: true,
	}
	for _, k := range sortedFields(cur) {
		ov, ok := old[k]
		switch {
		case !ok:
			res.Added = append(res.Added, k+": "+summarize(cur[k]))
		case !reflect.DeepEqual(ov, cur[k]):
			res.Modified = append(res.Modified, domain.FieldChange{Field: k, Old: summarize(ov), New: summarize(cur[k])})
		}
	}
	for _, k := range sortedFields(old) {
		if _, ok := cur[k]; !ok {
			res.Removed = append(res.Removed, k+": "+summarize(old[k]))
		}
	}
	return res
}

func textDiff(v1, v2 domain.DocumentVersion) domain.DiffResult {
	before, after := asText(v1.Content), asText(v2.Content)
	res := domain.DiffResult{
		DocumentID: v1.DocumentID,
		V1:         v1.Version,
		V2:         v2.Version,
		Added:      []string{},
		Removed:    []string{},
		Modified:   []domain.FieldChange{},
	}
	u, err := udiff.ToUnifiedDiff(fmt.Sprintf("v%d", v1.Version), fmt.Sprintf("v%d", v2.Version), before, udiff.Strings(before, after), udiff.DefaultContextLines)
	if err != nil {
		res.RawDiff = udiff.Unified(fmt.Sprintf("v%d", v1.Version), fmt.Sprintf("v%d", v2.Version), before, after)
		return res
	}
	res.RawDiff = u.String()
	for _, h := range u.Hunks {
		for _, l := range h.Lines {
			text := clip(strings.TrimSpace(l.Content), maxLineLength)
			switch l.Kind {
			case udiff.Insert:
				if len(res.Added) < maxDiffLines {
					res.Added = append(res.Added, text)
				}
			case udiff.Delete:
				if len(res.Removed) < maxDiffLines {
					res.Removed = append(res.Removed, text)
				}
			}
		}
	}
	return res
}

// Summary renders a diff as "+2 added, -1 removed, ~1 modified", or "No changes".
func Summary(d domain.DiffResult) string {
	var parts []string
	if n := len(d.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("+%d added", n))
	}
	if n := len(d.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d removed", n))
	}
	if n := len(d.Modified); n > 0 {
		parts = append(parts, fmt.Sprintf("~%d modified", n))
	}
	if len(parts) == 0 {
		return "No changes"
	}
	return strings.Join(parts, ", ")
}

func summarize(v any) string {
	switch x := v.(type) {
	case string:
		if len([]rune(x)) > maxValueLength {
			return clip(x, maxValueLength) + "..."
		}
		return x
	case []any:
		return fmt.Sprintf("[%d items]", len(x))
	case map[string]any:
		return fmt.Sprintf("{%d fields}", len(x))
	case nil:
		return "null"
	default:
		return clip(fmt.Sprint(x), maxValueLength)
	}
}

func asText(content any) string {
	switch x := content.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		data, err := json.MarshalIndent(x, "", "  ")
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data) + "\n"
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func sortedFields(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
