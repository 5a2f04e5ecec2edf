package defect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"crewline/internal/domain"
)

const (
	testRunnerActor = "TestRunner"
	maxTraceLen     = 1000
)

var (
	pytestFailed  = regexp.MustCompile(`(?m)FAILED\s+(\S+)::(\S+)\s*[-:]\s*(.+)`)
	pytestError   = regexp.MustCompile(`(?m)ERROR\s+(\S+)::(\S+)`)
	unittestFail  = regexp.MustCompile(`FAIL:\s+(\w+)\s+\(([^)]+)\)`)
	quickCritical = []string{"crash", "segfault", "memory", "secur", "injection", "overflow"}
	quickHigh     = []string{"assert", "exception", "error", "failed", "typeerror", "valueerror"}
	quickMedium   = []string{"warning", "deprecat", "timeout"}
)

// ExtractBugs parses pytest or unittest output into unsaved auto_test bugs, one per
// failing or erroring test. unittest lines are only read when no pytest result matched.
func ExtractBugs(output string) []domain.Bug {
	var bugs []domain.Bug
	seen := map[string]bool{}
	for _, m := range pytestFailed.FindAllStringSubmatch(output, -1) {
		file, test, msg := m[1], m[2], strings.TrimSpace(m[3])
		seen[test] = true
		bugs = append(bugs, domain.Bug{
			Title:       "Test failure: " + test,
			Description: fmt.Sprintf("Test %s in %s failed", test, file),
			Severity:    QuickSeverity(msg),
			Source:      domain.SourceAutoTest,
			FilePath:    file,
			ErrorTrace:  clip(msg, maxTraceLen),
			TestName:    test,
			CreatedBy:   testRunnerActor,
		})
	}
	for _, m := range pytestError.FindAllStringSubmatch(output, -1) {
		file, test := m[1], m[2]
		if seen[test] {
			continue
		}
		seen[test] = true
		bugs = append(bugs, domain.Bug{
			Title:       "Test error: " + test,
			Description: fmt.Sprintf("Test %s encountered an error", test),
			Severity:    domain.SeverityHigh,
			Source:      domain.SourceAutoTest,
			FilePath:    file,
			TestName:    test,
			CreatedBy:   testRunnerActor,
		})
	}
	if len(bugs) > 0 {
		return bugs
	}
	for _, m := range unittestFail.FindAllStringSubmatch(output, -1) {
		test, module := m[1], m[2]
		bugs = append(bugs, domain.Bug{
			Title:       "Test failure: " + test,
			Description: fmt.Sprintf("unittest %s in %s failed", test, module),
			Severity:    domain.SeverityMedium,
			Source:      domain.SourceAutoTest,
			FilePath:    strings.ReplaceAll(module, ".", "/") + ".py",
			TestName:    test,
			CreatedBy:   testRunnerActor,
		})
	}
	return bugs
}

// QuickSeverity grades a one-line failure message by keyword.
func QuickSeverity(msg string) domain.BugSeverity {
	s := strings.ToLower(msg)
	switch {
	case containsAny(s, quickCritical):
		return domain.SeverityCritical
	case containsAny(s, quickHigh):
		return domain.SeverityHigh
	case containsAny(s, quickMedium):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// DetectBugs extracts bugs from test output and runs each through ProcessNewBug, so the
// configured classifier has the final say on severity. It stops at the first failure and
// returns the bugs routed so far.
func (c *Coordinator) DetectBugs(ctx context.Context, projectID, output string) ([]domain.Bug, error) {
	found := ExtractBugs(output)
	routed := make([]domain.Bug, 0, len(found))
	for _, bug := range found {
		created, err := c.ProcessNewBug(ctx, projectID, bug)
		if err != nil {
			return routed, fmt.Errorf("route %s: %w", bug.Title, err)
		}
		routed = append(routed, created)
	}
	if len(routed) > 0 {
		c.log.Info("bugs detected", "project", projectID, "count", len(routed))
	}
	return routed, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
