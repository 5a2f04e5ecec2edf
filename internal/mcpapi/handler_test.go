package mcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/afero"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/logging"
)

type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

func newTestHandler(t *testing.T) (*httptest.Server, *app.Runtime) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = "files"
	rt, err := app.Open(app.Options{Workspace: "/ws", Config: cfg, Logger: logging.Discard(), Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	handler, err := NewHandler(Config{}, rt)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		rt.Close()
	})
	postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	return server, rt
}

func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "crewline-test",
				"version": "1.0.0",
			},
		},
	}
}

func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

func postJSONRPC(t *testing.T, client *http.Client, url string, payload any) (*http.Response, jsonRPCResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, decoded
}

func callTool(t *testing.T, server *httptest.Server, name string, args map[string]any) map[string]any {
	t.Helper()
	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(2, name, args))
	if resp.Result == nil {
		t.Fatalf("%s: missing result", name)
	}
	return resp.Result
}

func structured(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	if isErr, _ := result["isError"].(bool); isErr {
		t.Fatalf("tool returned error: %s", resultText(t, result))
	}
	out, ok := result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("structuredContent missing in tool result: %#v", result)
	}
	return out
}

func resultText(t *testing.T, result map[string]any) string {
	t.Helper()
	content, ok := result["content"].([]any)
	if !ok || len(content) == 0 {
		t.Fatalf("content missing in tool result: %#v", result)
	}
	first, _ := content[0].(map[string]any)
	text, _ := first["text"].(string)
	return text
}

func TestToolsAreListed(t *testing.T) {
	server, _ := newTestHandler(t)
	_, resp := postJSONRPC(t, server.Client(), server.URL, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})
	raw, ok := resp.Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools missing: %#v", resp.Result)
	}
	var names []string
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			name, _ := m["name"].(string)
			names = append(names, name)
		}
	}
	for _, want := range []string{
		"crew.get_board", "crew.move_task", "crew.send_message", "crew.get_inbox",
		"crew.request_approval", "crew.resolve_approval", "crew.report_bug",
		"crew.detect_bugs", "crew.complete_fix", "crew.snapshot_document", "crew.rollback_document",
	} {
		if !slices.Contains(names, want) {
			t.Fatalf("tool list missing %s: %v", want, names)
		}
	}
}

func TestMoveTaskTool(t *testing.T) {
	server, rt := newTestHandler(t)
	if _, err := rt.Board.InitializeBoard(context.Background(), "shop", nil); err != nil {
		t.Fatalf("init board: %v", err)
	}

	result := callTool(t, server, "crew.move_task", map[string]any{
		"project_id": "shop",
		"task_id":    "missing",
		"status":     "done",
	})
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatalf("expected tool error, got %#v", result)
	}
	if text := resultText(t, result); !strings.HasPrefix(text, "not_found: ") {
		t.Fatalf("error text = %q", text)
	}

	board := structured(t, callTool(t, server, "crew.get_board", map[string]any{"project_id": "shop"}))
	if _, ok := board["board"]; !ok {
		t.Fatalf("board missing: %#v", board)
	}
}

func TestMessageAndApprovalTools(t *testing.T) {
	server, _ := newTestHandler(t)

	sent := structured(t, callTool(t, server, "crew.send_message", map[string]any{
		"from":    "Alice",
		"to":      "Bob",
		"content": "Is the schema final?",
	}))
	if sent["thread_id"] == "" || sent["message_id"] == "" {
		t.Fatalf("unexpected send result %#v", sent)
	}

	inbox := structured(t, callTool(t, server, "crew.get_inbox", map[string]any{"actor": "Bob", "unread_only": true}))
	if inbox["unread_count"] != float64(1) {
		t.Fatalf("unread_count = %v", inbox["unread_count"])
	}

	approval := structured(t, callTool(t, server, "crew.request_approval", map[string]any{
		"from":        "Alex",
		"to":          "Alice",
		"description": "Merge the migration",
	}))
	id, _ := approval["id"].(string)
	if approval["status"] != "pending" || id == "" {
		t.Fatalf("unexpected approval %#v", approval)
	}

	resolved := structured(t, callTool(t, server, "crew.resolve_approval", map[string]any{
		"approval_id": id,
		"approved":    false,
		"notes":       "needs a down migration",
	}))
	if resolved["status"] != "rejected" {
		t.Fatalf("status = %v, want rejected", resolved["status"])
	}

	again := callTool(t, server, "crew.resolve_approval", map[string]any{"approval_id": id, "approved": true})
	if text := resultText(t, again); !strings.HasPrefix(text, "conflict: ") {
		t.Fatalf("second resolve text = %q", text)
	}
}

func TestBugTools(t *testing.T) {
	server, _ := newTestHandler(t)

	bug := structured(t, callTool(t, server, "crew.report_bug", map[string]any{
		"project_id":  "shop",
		"title":       "Checkout crash",
		"error_trace": "segfault in cart.go",
	}))
	if bug["severity"] != "critical" || bug["priority"] != "P0" || bug["assigned_to"] != "Alex" {
		t.Fatalf("unexpected bug %#v", bug)
	}
	id, _ := bug["id"].(string)

	out := structured(t, callTool(t, server, "crew.complete_fix", map[string]any{
		"project_id":    "shop",
		"bug_id":        id,
		"passed":        true,
		"files_changed": []string{"cart.go"},
	}))
	if out["result"] != "verified" {
		t.Fatalf("result = %v", out["result"])
	}
	fixed, _ := out["bug"].(map[string]any)
	if fixed["status"] != "verified" {
		t.Fatalf("bug status = %v", fixed["status"])
	}

	found := structured(t, callTool(t, server, "crew.detect_bugs", map[string]any{
		"project_id": "shop",
		"output":     "FAILED tests/test_cart.py::test_total - AssertionError\n",
	}))
	ids, _ := found["bug_ids"].([]any)
	if found["detected"] != float64(1) || len(ids) != 1 {
		t.Fatalf("detect = %#v", found)
	}
}

func TestDocumentTools(t *testing.T) {
	server, _ := newTestHandler(t)

	for _, content := range []string{`{"title":"Shop","goals":["sell"]}`, `{"title":"Shop v2","goals":["sell"]}`} {
		structured(t, callTool(t, server, "crew.snapshot_document", map[string]any{
			"project_id":    "shop",
			"document_id":   "prd",
			"document_type": "prd",
			"content":       content,
		}))
	}

	diff := structured(t, callTool(t, server, "crew.compare_versions", map[string]any{
		"project_id":  "shop",
		"document_id": "prd",
		"v1":          1,
		"v2":          2,
	}))
	if diff["summary"] != "~1 modified" {
		t.Fatalf("summary = %v", diff["summary"])
	}

	v := structured(t, callTool(t, server, "crew.rollback_document", map[string]any{
		"project_id":  "shop",
		"document_id": "prd",
		"target":      1,
	}))
	if v["version"] != float64(3) {
		t.Fatalf("rollback version = %v, want 3", v["version"])
	}
	content, _ := v["content"].(map[string]any)
	if content["title"] != "Shop" {
		t.Fatalf("restored content = %#v", v["content"])
	}
}

func TestDecodeContent(t *testing.T) {
	if _, ok := decodeContent(`{"a":1}`).(map[string]any); !ok {
		t.Fatalf("object should decode to a map")
	}
	if got := decodeContent("plain text"); got != "plain text" {
		t.Fatalf("text = %#v", got)
	}
	if got := decodeContent("{not json"); got != "{not json" {
		t.Fatalf("broken json should stay text, got %#v", got)
	}
}
