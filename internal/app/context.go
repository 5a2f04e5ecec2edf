package app

import (
	"context"
	"fmt"

	"crewline/internal/repo"
)

// DefaultProject is used when the workspace holds no project yet.
const DefaultProject = "default"

// ResolveProject picks the active project. It prefers the override, then the only project
// holding state, then DefaultProject for an empty workspace.
func ResolveProject(ctx context.Context, store repo.Store, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	ids, err := store.Projects(ctx)
	if err != nil {
		return "", fmt.Errorf("list projects: %w", err)
	}
	switch len(ids) {
	case 0:
		return DefaultProject, nil
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("project not specified; use --project (known: %v)", ids)
}
