// Package mcpapi exposes the coordination services as MCP tools over stateless
// streamable HTTP, so agents can drive the board, inboxes and defects directly.
package mcpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"crewline/internal/app"
	"crewline/internal/collab"
	"crewline/internal/defect"
	"crewline/internal/engine"
	"crewline/internal/repo"
	"crewline/internal/versioning"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler registers the crew tools against rt's services.
func NewHandler(cfg Config, rt *app.Runtime) (*Handler, error) {
	if rt == nil {
		return nil, errors.New("mcpapi: runtime required")
	}
	cfg = normalizeConfig(cfg)

	srv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerBoardTools(srv, rt.Board)
	registerMessageTools(srv, rt.Bus, rt.Gate)
	registerBugTools(srv, rt.Defects)
	registerDocumentTools(srv, rt.Versions)

	streamable := mcpserver.NewStreamableHTTPServer(
		srv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// Endpoint returns the normalized path the handler should be mounted at.
func (c Config) Endpoint() string {
	return normalizeConfig(c).EndpointPath
}

func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "crewline"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

func jsonResult(name string, v any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	return result, nil
}

// toolResultFromError maps service errors onto prefixed tool errors agents can branch on.
func toolResultFromError(err error) *mcp.CallToolResult {
	var te *defect.TransitionError
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.As(err, &te), errors.Is(err, defect.ErrInvalidTransition):
		return mcp.NewToolResultError("invalid_transition: " + err.Error())
	case errors.Is(err, repo.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, collab.ErrAlreadyResolved), errors.Is(err, versioning.ErrVersionLocked):
		return mcp.NewToolResultError("conflict: " + err.Error())
	case errors.Is(err, engine.ErrDependencyCycle),
		errors.Is(err, engine.ErrInvalidStatus),
		errors.Is(err, engine.ErrInvalidTask),
		errors.Is(err, collab.ErrInvalidMessage),
		errors.Is(err, versioning.ErrInvalidContent):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}

// decodeContent treats a JSON object as structured content and anything else as text.
func decodeContent(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj
		}
	}
	return raw
}

func projectContext(projectID string) map[string]any {
	if projectID == "" {
		return nil
	}
	return map[string]any{"project_id": projectID}
}
