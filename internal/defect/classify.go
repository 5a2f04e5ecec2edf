package defect

import (
	"context"
	"strings"

	"crewline/internal/domain"
)

// Classifier assigns a severity to a new bug, typically by asking a generative model.
// Errors and unknown severities fall back to RuleClassifier.
type Classifier interface {
	Classify(ctx context.Context, bug domain.Bug) (domain.BugSeverity, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, bug domain.Bug) (domain.BugSeverity, error)

func (f ClassifierFunc) Classify(ctx context.Context, bug domain.Bug) (domain.BugSeverity, error) {
	return f(ctx, bug)
}

var (
	criticalKeywords = []string{"crash", "segfault", "memory leak", "security", "injection", "overflow", "corruption", "data loss"}
	highKeywords     = []string{"exception", "error", "failed", "broken", "cannot", "unable", "null", "undefined", "typeerror"}
	lowKeywords      = []string{"typo", "style", "format", "spacing", "color", "font"}
)

// RuleClassifier matches keywords in the error trace, description and title. The first
// matching tier wins: critical, then high, then low. Anything else is medium.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, bug domain.Bug) (domain.BugSeverity, error) {
	return RuleSeverity(bug), nil
}

func RuleSeverity(bug domain.Bug) domain.BugSeverity {
	text := strings.ToLower(bug.ErrorTrace + bug.Description + bug.Title)
	switch {
	case containsAny(text, criticalKeywords):
		return domain.SeverityCritical
	case containsAny(text, highKeywords):
		return domain.SeverityHigh
	case containsAny(text, lowKeywords):
		return domain.SeverityLow
	default:
		return domain.SeverityMedium
	}
}

// PriorityFor maps severity onto the fix queue priority.
func PriorityFor(s domain.BugSeverity) domain.BugPriority {
	switch s {
	case domain.SeverityCritical:
		return domain.P0
	case domain.SeverityHigh:
		return domain.P1
	case domain.SeverityLow:
		return domain.P3
	default:
		return domain.P2
	}
}

// Assignees names the actor receiving each class of defect.
type Assignees struct {
	Design         string
	Requirements   string
	Implementation string
}

func (a Assignees) withDefaults() Assignees {
	if a.Design == "" {
		a.Design = "Bob"
	}
	if a.Requirements == "" {
		a.Requirements = "Alice"
	}
	if a.Implementation == "" {
		a.Implementation = "Alex"
	}
	return a
}

// Pick routes design and schema problems to the design actor, requirement gaps to the
// requirements actor and everything else to the implementation actor.
func (a Assignees) Pick(bug domain.Bug) string {
	a = a.withDefaults()
	path := strings.ToLower(bug.FilePath)
	text := strings.ToLower(bug.ErrorTrace + bug.Description)
	switch {
	case containsAny(path, []string{"design", "architect", "schema", "model"}):
		return a.Design
	case containsAny(text, []string{"design", "architecture", "structure"}):
		return a.Design
	case containsAny(text, []string{"requirement", "spec", "undefined feature"}):
		return a.Requirements
	default:
		return a.Implementation
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
